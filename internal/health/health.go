// Package health fornece funcionalidade de health check para os pools e o coordenador.
// Verifica conectividade com os bancos de dados (através do pool) e com o Redis.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Pinger é implementado por *pool.Pool e pelo coordenador Redis.
type Pinger interface {
	Ping(ctx context.Context) error
}

type component struct {
	name    string
	pinger  Pinger
	timeout time.Duration
}

// Checker realiza health checks contra os componentes registrados.
type Checker struct {
	instanceID string
	logger     *zap.Logger

	mu         sync.RWMutex
	components []component
}

// NewChecker cria um novo health checker.
func NewChecker(instanceID string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{instanceID: instanceID, logger: logger.Named("health")}
}

// Add registra um componente verificado por Ping com o timeout dado.
func (c *Checker) Add(name string, p Pinger, timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component{name: name, pinger: p, timeout: timeout})
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	c.mu.RLock()
	comps := make([]component, len(c.components))
	copy(comps, c.components)
	c.mu.RUnlock()

	// Cada componente grava na própria posição; a ordem do relatório é a de registro.
	results := make([]ComponentHealth, len(comps))
	var wg sync.WaitGroup
	for i, comp := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.checkComponent(ctx, comp)
		}()
	}
	wg.Wait()

	report.Components = results

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range results {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkComponent executa o Ping de um componente.
func (c *Checker) checkComponent(ctx context.Context, comp component) ComponentHealth {
	start := time.Now()

	if comp.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, comp.timeout)
		defer cancel()
	}

	err := comp.pinger.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		c.logger.Warn("component unhealthy", zap.String("component", comp.name), zap.Error(err))
		return ComponentHealth{
			Name:    comp.name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    comp.name,
		Status:  StatusHealthy,
		Message: "ok",
		Latency: latency.String(),
	}
}

// Handler retorna o mux HTTP com /health, /health/ready e /health/live.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()

	report := func(w http.ResponseWriter, r *http.Request) {
		rep := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(rep)
	}
	mux.HandleFunc("/health", report)
	mux.HandleFunc("/health/ready", report)

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	return mux
}

// ServeHTTP inicia o servidor HTTP de health check na porta dada.
func (c *Checker) ServeHTTP(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		c.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return server
}
