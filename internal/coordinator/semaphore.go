package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// The semaphore is an admission gate that waits for a global slot instead
// of rejecting at once. When the global cap of a pool is reached, Admit
// blocks until a lease is released by any process.
//
// It combines:
//   - Redis Pub/Sub for instant cross-instance notifications
//   - Polling to handle missed Pub/Sub messages
//   - A timeout after which admission fails with PoolExhausted

// Semaphore provides distributed waiting for lease slots.
type Semaphore struct {
	coordinator  *RedisCoordinator
	timeout      time.Duration
	pollInterval time.Duration
}

// NewSemaphore creates a semaphore that waits up to timeout per admission.
func NewSemaphore(rc *RedisCoordinator, timeout time.Duration) *Semaphore {
	return &Semaphore{coordinator: rc, timeout: timeout, pollInterval: 500 * time.Millisecond}
}

// Admit blocks until a slot becomes available for pool, then atomically
// takes it for holder.
func (s *Semaphore) Admit(ctx context.Context, pool, holder string) error {
	// Fast path: try immediate admission.
	err := s.coordinator.Admit(ctx, pool, holder)
	if err == nil || !dberr.IsPoolExhausted(err) || s.timeout <= 0 {
		return err
	}

	start := time.Now()
	s.coordinator.logger.Debug("waiting for lease slot",
		zap.String("pool", pool),
		zap.Duration("timeout", s.timeout))

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// A failed subscription leaves notifyCh nil and the loop polls only.
	notifyCh, _ := s.coordinator.Subscribe(waitCtx, pool)

	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			metrics.RedisOperations.WithLabelValues("admit_wait", "timeout").Inc()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return dberr.Wrap(dberr.KindPoolExhausted, "coordinator.wait", err,
				"no lease slot on pool %s within %s", pool, s.timeout)

		case _, ok := <-notifyCh:
			if !ok {
				notifyCh = nil
				continue
			}

		case <-pollTicker.C:
		}

		// A lease was released, or the poll fired: try to take the slot.
		if err = s.coordinator.Admit(ctx, pool, holder); err == nil {
			dur := time.Since(start)
			metrics.AdmissionWaitDuration.WithLabelValues(pool).Observe(dur.Seconds())
			metrics.RedisOperations.WithLabelValues("admit_wait", "ok").Inc()
			return nil
		}
		if !dberr.IsPoolExhausted(err) {
			return err
		}
	}
}

// Leave releases the slot of holder.
func (s *Semaphore) Leave(ctx context.Context, pool, holder string) error {
	return s.coordinator.Leave(ctx, pool, holder)
}
