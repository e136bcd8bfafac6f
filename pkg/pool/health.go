package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/metrics"
)

// HealthCheck probes every idle connection and discards the ones that fail.
// It returns how many were removed.
func (p *Pool) HealthCheck(ctx context.Context) int {
	p.idleMu.Lock()
	conns := make([]*physConn, len(p.idle))
	copy(conns, p.idle)
	p.idleMu.Unlock()

	// dead maps a failed connection to its lease count at probe time.
	dead := make(map[*physConn]uint64)
	for _, c := range conns {
		uses := c.uses()
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.probe(pctx, p.desc.ProbeQuery, p.desc.ProbeSentinel)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Info("health check failed, discarding", zap.Uint64("conn", c.id), zap.Error(err))
			metrics.ProbeFailures.WithLabelValues(p.settings.Name).Inc()
			dead[c] = uses
		}
	}
	if len(dead) == 0 {
		return 0
	}
	return p.discard(dead)
}

// discard removes the idle connections in dead that were not leased since
// their failed probe and closes them.
func (p *Pool) discard(dead map[*physConn]uint64) int {
	p.idleMu.Lock()
	kept := make([]*physConn, 0, len(p.idle))
	var removed []*physConn
	for _, c := range p.idle {
		if uses, ok := dead[c]; ok && c.uses() == uses && c.State() == ConnStateIdle {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.idleMu.Unlock()

	for _, c := range removed {
		c.close()
	}
	p.updateMetrics()
	if len(removed) > 0 {
		p.logger.Info("health check removed idle connections", zap.Int("removed", len(removed)))
	}
	return len(removed)
}

// Ping acquires a lease, runs the dialect's probe through it and gives the
// lease back.
func (p *Pool) Ping(ctx context.Context) error {
	l, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	return l.Use(func(l *Lease) error {
		if err := l.conn.probe(ctx, p.desc.ProbeQuery, p.desc.ProbeSentinel); err != nil {
			return err
		}
		return l.Rollback()
	})
}
