// Package main is the load generator: it saturates a pool with leases that
// hold their connection, then sends extra workers that must either wait for a
// slot (admission queue) or be rejected with PoolExhausted.
//
// Usage: go run ./cmd/loadgen -config configs/leasectl.yaml -holders 20 -extra 5 -hold 10s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/config"
	"github.com/joao-brasil/sqlease/internal/coordinator"
	"github.com/joao-brasil/sqlease/internal/logging"
	"github.com/joao-brasil/sqlease/internal/queue"
	"github.com/joao-brasil/sqlease/pkg/dberr"
	"github.com/joao-brasil/sqlease/pkg/pool"
	"github.com/joao-brasil/sqlease/pkg/rewrite"
)

const echoQuery = "SELECT :id AS n"

// outcome counts the results of one phase.
type outcome struct {
	ok        atomic.Int32
	exhausted atomic.Int32
	failed    atomic.Int32
}

func (o *outcome) String() string {
	return fmt.Sprintf("%d ok, %d exhausted, %d failed", o.ok.Load(), o.exhausted.Load(), o.failed.Load())
}

func (o *outcome) record(err error) {
	switch {
	case err == nil:
		o.ok.Add(1)
	case dberr.IsPoolExhausted(err):
		o.exhausted.Add(1)
	default:
		o.failed.Add(1)
	}
}

func main() {
	configPath := flag.String("config", "configs/leasectl.yaml", "path to configuration file")
	holders := flag.Int("holders", 20, "leases that hold their connection")
	extra := flag.Int("extra", 5, "leases sent while the holders are out")
	hold := flag.Duration("hold", 10*time.Second, "how long holders keep their lease")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	opts := []pool.Option{pool.WithLogger(log)}
	if cfg.Coordinator.Enabled {
		rc, err := coordinator.New(ctx, cfg.Coordinator, log)
		if err != nil {
			log.Fatal("failed to initialize coordinator", zap.Error(err))
		}
		defer rc.Close(ctx)
		if err := rc.Register(ctx, cfg.Database.Name, cfg.Coordinator.MaxLeases); err != nil {
			log.Fatal("failed to register pool with coordinator", zap.Error(err))
		}
		opts = append(opts, pool.WithAdmitter(queue.New(rc, cfg.Coordinator.AdmitTimeout, cfg.Coordinator.MaxWaiters, log)))
	}

	p, err := pool.New(cfg.Database, opts...)
	if err != nil {
		log.Fatal("failed to create pool", zap.Error(err))
	}
	defer p.Close()

	log.Info("phase A: saturating pool", zap.Int("holders", *holders), zap.Duration("hold", *hold))
	var (
		wg        sync.WaitGroup
		held      outcome
		extras    outcome
		ready     sync.WaitGroup
		releaseCh = make(chan struct{})
	)
	ready.Add(*holders)
	for i := 0; i < *holders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			leased := false
			err := p.Use(ctx, func(l *pool.Lease) error {
				leased = true
				err := echo(ctx, l, id)
				ready.Done()
				<-releaseCh
				return err
			})
			if !leased {
				ready.Done()
			}
			held.record(err)
			if err != nil {
				log.Warn("holder failed", zap.Int("worker", id), zap.Error(err))
			}
		}(i)
	}
	ready.Wait()
	log.Info("holders out", zap.Any("stats", p.Stats()))

	go func() {
		time.Sleep(*hold)
		close(releaseCh)
	}()

	log.Info("phase B: sending extra leases", zap.Int("extra", *extra))
	for i := 0; i < *extra; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			start := time.Now()
			err := p.Use(ctx, func(l *pool.Lease) error { return echo(ctx, l, id) })
			extras.record(err)
			log.Info("extra lease finished",
				zap.Int("worker", id),
				zap.Duration("latency", time.Since(start)),
				zap.Error(err))
		}(*holders + i)
	}

	wg.Wait()
	log.Info("load test finished",
		zap.Stringer("holders", &held),
		zap.Stringer("extra", &extras),
		zap.Any("stats", p.Stats()))

	if held.failed.Load() > 0 || extras.failed.Load() > 0 {
		os.Exit(1)
	}
}

// echo runs a round trip that returns the worker id.
func echo(ctx context.Context, l *pool.Lease, id int) error {
	rows, err := l.Query(ctx, echoQuery, rewrite.Params{}.With("id", int64(id)))
	if err != nil {
		return err
	}
	all, err := rows.All()
	if err != nil {
		return err
	}
	if len(all) != 1 {
		return fmt.Errorf("echo %d: %d rows", id, len(all))
	}
	n, ok := all[0].Column(pool.HintInt64, "", "n")
	if !ok || n != int64(id) {
		return fmt.Errorf("echo %d: got %v", id, n)
	}
	return nil
}
