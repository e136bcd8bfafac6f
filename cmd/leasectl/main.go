// Package main is the entrypoint for leasectl. It loads configuration,
// opens the pool (optionally behind the Redis coordinator), exposes metrics
// and health endpoints and keeps idle connections probed until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/config"
	"github.com/joao-brasil/sqlease/internal/coordinator"
	"github.com/joao-brasil/sqlease/internal/health"
	"github.com/joao-brasil/sqlease/internal/logging"
	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/internal/queue"
	"github.com/joao-brasil/sqlease/pkg/pool"
	"github.com/joao-brasil/sqlease/pkg/rewrite"
)

var (
	configPath = flag.String("config", "configs/leasectl.yaml", "Path to configuration file")
	runFile    = flag.String("exec", "", "Execute the SQL resource with this name in one lease and exit")
)

func main() {
	flag.Parse()

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leasectl: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "leasectl: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("main")

	db := cfg.Database
	log.Info("configuration loaded",
		zap.String("pool", db.Name),
		zap.String("protocol", db.Protocol),
		zap.String("database", db.Database),
		zap.Int("max_managers", db.MaxManagers),
		zap.Int("max_pooled", db.MaxPooled))

	ctx := context.Background()
	opts := []pool.Option{pool.WithLogger(logger)}

	// ─── Redis Coordinator (optional) ────────────────────────────────
	var rc *coordinator.RedisCoordinator
	if cfg.Coordinator.Enabled {
		rc, err = coordinator.New(ctx, cfg.Coordinator, logger)
		if err != nil {
			log.Fatal("failed to initialize coordinator", zap.Error(err))
		}
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			if err := rc.Close(shutCtx); err != nil {
				log.Warn("coordinator close error", zap.Error(err))
			}
		}()
		if err := rc.Register(ctx, db.Name, cfg.Coordinator.MaxLeases); err != nil {
			log.Fatal("failed to register pool with coordinator", zap.Error(err))
		}
		if rc.IsFallback() {
			log.Warn("coordinator started in fallback mode (redis unavailable)")
		}

		hb := coordinator.NewHeartbeat(rc)
		hb.Start(ctx)
		defer hb.Stop()

		if cfg.Coordinator.AdmitTimeout > 0 {
			q := queue.New(rc, cfg.Coordinator.AdmitTimeout, cfg.Coordinator.MaxWaiters, logger)
			opts = append(opts, pool.WithAdmitter(q))
		} else {
			opts = append(opts, pool.WithAdmitter(rc))
		}
	}

	// ─── Connection Pool ─────────────────────────────────────────────
	p, err := pool.New(db, opts...)
	if err != nil {
		log.Fatal("failed to create pool", zap.Error(err))
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn("pool close error", zap.Error(err))
		}
	}()

	if *runFile != "" {
		if err := execResource(ctx, p, *runFile, log); err != nil {
			log.Error("exec failed", zap.String("resource", *runFile), zap.Error(err))
			os.Exit(1)
		}
		return
	}

	// ─── Metrics and Health ──────────────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Coordinator.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("metrics server listening", zap.Int("port", cfg.Telemetry.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	checker := health.NewChecker(cfg.Coordinator.InstanceID, logger)
	checker.Add("pool-"+db.Name, p, 10*time.Second)
	if rc != nil {
		checker.Add("redis", rc, 5*time.Second)
	}
	healthServer := checker.ServeHTTP(cfg.Telemetry.HealthCheckPort)

	// ─── Initial Health Check ────────────────────────────────────────
	report := checker.Check(ctx)
	for _, comp := range report.Components {
		log.Info("component health",
			zap.String("component", comp.Name),
			zap.String("status", string(comp.Status)),
			zap.String("message", comp.Message),
			zap.String("latency", comp.Latency))
	}
	log.Info("overall health", zap.String("status", string(report.Status)))

	// ─── Idle Probing ────────────────────────────────────────────────
	maintCtx, stopMaint := context.WithCancel(ctx)
	defer stopMaint()
	go func() {
		ticker := time.NewTicker(cfg.Telemetry.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-ticker.C:
				p.HealthCheck(maintCtx)
			}
		}
	}()

	// ─── Graceful Shutdown ───────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("leasectl is ready, waiting for shutdown signal")
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Coordinator.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}

	log.Info("shutdown complete")
}

// execResource runs one SQL resource inside a single lease.
func execResource(ctx context.Context, p *pool.Pool, name string, log *zap.Logger) error {
	return p.Use(ctx, func(l *pool.Lease) error {
		res, err := l.ExecFile(ctx, name, rewrite.Params{})
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		log.Info("resource executed", zap.String("resource", name), zap.Int64("rows_affected", n))
		return nil
	})
}
