// Package queue bounds the admissions waiting for a global lease slot.
// It sits in front of the coordinator's distributed semaphore: when a pool is
// at its global cap, admissions wait for a release published by any process,
// unless the local wait queue is already full, in which case they are rejected
// at once (circuit breaker).
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/coordinator"
	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

// Queue is a pool.Admitter that waits for global slots with a bounded queue.
type Queue struct {
	coordinator *coordinator.RedisCoordinator
	semaphore   *coordinator.Semaphore
	logger      *zap.Logger

	// per-pool wait queue depth
	mu     sync.Mutex
	depths map[string]int

	timeout    time.Duration // max wait per admission
	maxWaiters int           // max queue depth per pool (0 = unlimited)
}

// New creates a queue backed by rc. A zero timeout waits 30s.
func New(rc *coordinator.RedisCoordinator, timeout time.Duration, maxWaiters int, logger *zap.Logger) *Queue {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		coordinator: rc,
		semaphore:   coordinator.NewSemaphore(rc, timeout),
		logger:      logger.Named("queue"),
		depths:      make(map[string]int),
		timeout:     timeout,
		maxWaiters:  maxWaiters,
	}
}

// Admit takes a global slot of pool for holder. It first tries an immediate
// admission; at capacity it checks the circuit breaker and then waits on the
// semaphore. Rejections and timeouts are PoolExhausted errors wrapping a
// *QueueError; a cancelled ctx returns ctx.Err().
func (q *Queue) Admit(ctx context.Context, pool, holder string) error {
	// Fast path: admit without waiting.
	err := q.coordinator.Admit(ctx, pool, holder)
	if err == nil {
		metrics.Admissions.WithLabelValues(pool, "admitted").Inc()
		return nil
	}
	if !dberr.IsPoolExhausted(err) {
		return err
	}

	// Circuit breaker: reject immediately if the queue is already at max depth.
	if q.maxWaiters > 0 {
		if depth := q.Depth(pool); depth >= q.maxWaiters {
			metrics.Admissions.WithLabelValues(pool, "rejected_queue_full").Inc()
			q.logger.Warn("wait queue full, rejecting admission",
				zap.String("pool", pool),
				zap.Int("depth", depth),
				zap.Int("max", q.maxWaiters))
			return dberr.Wrap(dberr.KindPoolExhausted, "queue.admit",
				&QueueError{Pool: pool, Kind: QueueErrorFull, Depth: depth, MaxSize: q.maxWaiters},
				"wait queue full")
		}
	}

	// Slow path: wait for a release.
	depth := q.increment(pool)
	defer q.decrement(pool)
	q.logger.Debug("waiting for lease slot",
		zap.String("pool", pool),
		zap.Int("depth", depth),
		zap.Duration("timeout", q.timeout))

	start := time.Now()
	err = q.semaphore.Admit(ctx, pool, holder)
	dur := time.Since(start)

	switch {
	case err == nil:
		metrics.Admissions.WithLabelValues(pool, "admitted_after_wait").Inc()
		q.logger.Debug("admitted after wait", zap.String("pool", pool), zap.Duration("waited", dur))
		return nil
	case ctx.Err() != nil:
		metrics.Admissions.WithLabelValues(pool, "cancelled").Inc()
		return ctx.Err()
	case dberr.IsPoolExhausted(err):
		metrics.Admissions.WithLabelValues(pool, "timeout").Inc()
		q.logger.Info("admission timed out", zap.String("pool", pool), zap.Duration("waited", dur))
		return dberr.Wrap(dberr.KindPoolExhausted, "queue.admit",
			&QueueError{Pool: pool, Kind: QueueErrorTimeout, WaitTime: dur, Timeout: q.timeout},
			"no slot released in time")
	default:
		return err
	}
}

// Leave releases the slot of holder; the coordinator publishes the release
// to every waiting process.
func (q *Queue) Leave(ctx context.Context, pool, holder string) error {
	return q.coordinator.Leave(ctx, pool, holder)
}

// Depth returns the number of admissions of pool waiting in this process.
func (q *Queue) Depth(pool string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depths[pool]
}

// ── Queue Error Types ───────────────────────────────────────────────────

// QueueErrorKind classifies the type of queue error.
type QueueErrorKind int

const (
	// QueueErrorTimeout means the admission waited the full timeout.
	QueueErrorTimeout QueueErrorKind = iota
	// QueueErrorFull means the queue is at max depth (circuit breaker).
	QueueErrorFull
)

// QueueError provides structured information about a rejected admission.
type QueueError struct {
	Pool     string
	Kind     QueueErrorKind
	Depth    int           // queue depth (QueueErrorFull)
	MaxSize  int           // max queue depth (QueueErrorFull)
	WaitTime time.Duration // time waited (QueueErrorTimeout)
	Timeout  time.Duration // configured timeout (QueueErrorTimeout)
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case QueueErrorFull:
		return fmt.Sprintf("queue full for pool %s (depth=%d, max=%d)", e.Pool, e.Depth, e.MaxSize)
	case QueueErrorTimeout:
		return fmt.Sprintf("queue timeout for pool %s (waited=%v, timeout=%v)", e.Pool, e.WaitTime, e.Timeout)
	default:
		return fmt.Sprintf("queue error for pool %s", e.Pool)
	}
}

// IsQueueFull reports whether err is a circuit breaker rejection.
func IsQueueFull(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe) && qe.Kind == QueueErrorFull
}

// IsQueueTimeout reports whether err is a wait timeout.
func IsQueueTimeout(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe) && qe.Kind == QueueErrorTimeout
}

func (q *Queue) increment(pool string) int {
	q.mu.Lock()
	q.depths[pool]++
	depth := q.depths[pool]
	q.mu.Unlock()
	metrics.AdmissionQueueDepth.WithLabelValues(pool).Set(float64(depth))
	return depth
}

func (q *Queue) decrement(pool string) {
	q.mu.Lock()
	q.depths[pool]--
	if q.depths[pool] < 0 {
		q.depths[pool] = 0
	}
	depth := q.depths[pool]
	q.mu.Unlock()
	metrics.AdmissionQueueDepth.WithLabelValues(pool).Set(float64(depth))
}
