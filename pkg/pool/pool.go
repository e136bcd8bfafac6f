// Package pool provides the connection pool and the leases (units of work)
// handed out from it: exactly-once commit/rollback, a per-lease entity cache,
// CRUD helpers over explicit table descriptors and lazy references.
package pool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	// Drivers for every supported dialect.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/pkg/caster"
	"github.com/joao-brasil/sqlease/pkg/dberr"
	"github.com/joao-brasil/sqlease/pkg/protocol"
	"github.com/joao-brasil/sqlease/pkg/settings"
)

// Admitter is an additional admission gate consulted after the local lease cap,
// e.g. a limit shared by several processes. Admit returning an error rejects
// the lease; Leave is called once for every admitted lease on release.
type Admitter interface {
	Admit(ctx context.Context, pool, holder string) error
	Leave(ctx context.Context, pool, holder string) error
}

// Pool owns the physical connections of one database and the leases wrapping
// them. It is safe for concurrent use.
type Pool struct {
	settings settings.Settings
	desc     *protocol.Descriptor
	registry *caster.Registry
	schema   *Schema
	logger   *zap.Logger
	opener   Opener
	admitter Admitter

	resources fs.FS
	templates sync.Map // name -> string

	// idle holds connections available for reuse, most recently released last.
	idleMu sync.Mutex
	idle   []*physConn

	// leased tracks leases currently handed out, keyed by lease ID.
	// pending counts reserved slots whose connection is still being claimed.
	leasedMu sync.Mutex
	leased   map[string]*Lease
	pending  int

	nextID atomic.Uint64
	closed atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithRegistry replaces the caster registry. The reference caster is added to it.
func WithRegistry(r *caster.Registry) Option {
	return func(p *Pool) { p.registry = r }
}

// WithSchema sets the table descriptors CRUD helpers resolve record types against.
func WithSchema(s *Schema) Option {
	return func(p *Pool) { p.schema = s }
}

// WithOpener replaces OpenDriver, e.g. with a sqlmock-backed handle in tests.
func WithOpener(o Opener) Option {
	return func(p *Pool) { p.opener = o }
}

// WithAdmitter adds a global admission gate.
func WithAdmitter(a Admitter) Option {
	return func(p *Pool) { p.admitter = a }
}

// WithResources sets the file system SQL templates are imported from,
// replacing Settings.ResourceBase.
func WithResources(fsys fs.FS) Option {
	return func(p *Pool) { p.resources = fsys }
}

// New creates a pool for s. No connection is opened until the first Acquire.
func New(s settings.Settings, opts ...Option) (*Pool, error) {
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}

	p := &Pool{
		settings: s,
		desc:     s.Descriptor(),
		logger:   zap.NewNop(),
		opener:   OpenDriver,
		idle:     make([]*physConn, 0, s.IdleLimit()),
		leased:   make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry == nil {
		p.registry = caster.Defaults()
	}
	if p.schema == nil {
		p.schema = NewSchema(nil)
	}
	if p.resources == nil && s.ResourceBase != "" {
		p.resources = os.DirFS(s.ResourceBase)
	}
	p.registry.Register(referenceType, caster.Any, refCaster{schema: p.schema, registry: p.registry})
	p.logger = p.logger.Named("pool").With(zap.String("pool", s.Name))

	metrics.LeasesMax.WithLabelValues(s.Name).Set(float64(s.MaxManagers))
	p.updateMetrics()
	p.logger.Info("pool initialized",
		zap.String("protocol", p.desc.Name),
		zap.Int("max_managers", s.MaxManagers),
		zap.Int("max_pooled", s.MaxPooled))
	return p, nil
}

// Settings returns the effective settings.
func (p *Pool) Settings() settings.Settings { return p.settings }

// Descriptor returns the dialect of the pool.
func (p *Pool) Descriptor() *protocol.Descriptor { return p.desc }

// Registry returns the caster registry shared by every lease.
func (p *Pool) Registry() *caster.Registry { return p.registry }

// Schema returns the table descriptors of the pool.
func (p *Pool) Schema() *Schema { return p.schema }

// Acquire hands out a lease. With MaxManagers set, it fails with PoolExhausted
// when nothing is idle and MaxManagers leases are already out or being opened.
// Idle connections are probed most recently released first; dead ones are
// discarded silently. When none is usable a new physical connection is opened.
// A ctx cancelled before or during a probe leaves the idle set untouched.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, dberr.New(dberr.KindConnectionUnavailable, "pool.acquire", "pool %s is closed", p.settings.Name)
	}

	mayOpen, ok := p.reserve()
	if !ok {
		metrics.LeaseOperations.WithLabelValues(p.settings.Name, "exhausted").Inc()
		p.logger.Warn("pool exhausted", zap.Int("max_managers", p.settings.MaxManagers))
		return nil, dberr.New(dberr.KindPoolExhausted, "pool.acquire", "all %d leases in use", p.settings.MaxManagers)
	}

	id := uuid.NewString()
	if p.admitter != nil {
		if err := p.admitter.Admit(ctx, p.settings.Name, id); err != nil {
			p.unreserve()
			metrics.LeaseOperations.WithLabelValues(p.settings.Name, "rejected").Inc()
			if dberr.IsPoolExhausted(err) {
				return nil, err
			}
			return nil, dberr.Wrap(dberr.KindPoolExhausted, "pool.acquire", err, "admission rejected")
		}
	}

	c, err := p.claim(ctx, mayOpen)
	if err != nil {
		p.unreserve()
		p.leave(id)
		return nil, err
	}
	return p.lease(id, c), nil
}

// claim returns a live idle connection or, when mayOpen, a new one.
func (p *Pool) claim(ctx context.Context, mayOpen bool) (*physConn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, dberr.Wrap(dberr.KindConnectionUnavailable, "pool.acquire", err, "acquiring lease")
		}
		c := p.popIdle()
		if c == nil {
			break
		}
		err := c.probe(ctx, p.desc.ProbeQuery, p.desc.ProbeSentinel)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			p.pushIdle(c)
			return nil, dberr.Wrap(dberr.KindConnectionUnavailable, "pool.acquire", ctx.Err(), "acquiring lease")
		}
		p.logger.Info("idle connection failed probe, discarding", zap.Uint64("conn", c.id), zap.Error(err))
		metrics.ProbeFailures.WithLabelValues(p.settings.Name).Inc()
		c.close()
		p.updateMetrics()
	}

	if !mayOpen {
		metrics.LeaseOperations.WithLabelValues(p.settings.Name, "exhausted").Inc()
		return nil, dberr.New(dberr.KindPoolExhausted, "pool.acquire", "all %d leases in use", p.settings.MaxManagers)
	}
	return p.open(ctx)
}

// reserve books a lease slot. ok is false when MaxManagers slots are taken
// and nothing is idle; mayOpen is false when the slot may only be served by
// an idle connection.
func (p *Pool) reserve() (mayOpen, ok bool) {
	p.leasedMu.Lock()
	defer p.leasedMu.Unlock()
	limit := p.settings.MaxManagers
	mayOpen = limit == 0 || len(p.leased)+p.pending < limit
	if !mayOpen && p.idleCount() == 0 {
		return false, false
	}
	p.pending++
	return mayOpen, true
}

func (p *Pool) unreserve() {
	p.leasedMu.Lock()
	p.pending--
	p.leasedMu.Unlock()
}

// leave gives back the global admission of lease id.
func (p *Pool) leave(id string) {
	if p.admitter == nil {
		return
	}
	if err := p.admitter.Leave(context.Background(), p.settings.Name, id); err != nil {
		p.logger.Warn("admission release failed", zap.String("lease", id), zap.Error(err))
	}
}

// Use acquires a lease and runs fn inside it; see Lease.Use.
func (p *Pool) Use(ctx context.Context, fn func(*Lease) error) error {
	l, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	return l.Use(fn)
}

// release takes back the connection of a finalized lease. It returns false
// when the idle set is full (or the pool closed) and the connection was
// closed instead of recycled.
func (p *Pool) release(l *Lease) bool {
	p.leasedMu.Lock()
	delete(p.leased, l.id)
	p.leasedMu.Unlock()

	p.leave(l.id)

	c := l.conn
	if p.closed.Load() {
		c.close()
		p.updateMetrics()
		return false
	}

	p.idleMu.Lock()
	if len(p.idle) >= p.settings.IdleLimit() {
		p.idleMu.Unlock()
		c.close()
		metrics.LeaseOperations.WithLabelValues(p.settings.Name, "closed").Inc()
		p.logger.Debug("idle set full, connection closed", zap.Uint64("conn", c.id))
		p.updateMetrics()
		return false
	}
	c.markIdle()
	p.idle = append(p.idle, c)
	p.idleMu.Unlock()

	metrics.LeaseOperations.WithLabelValues(p.settings.Name, "recycled").Inc()
	p.updateMetrics()
	return true
}

// Close closes every idle connection and refuses new leases. Leases still
// out close their connection when released.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.idleMu.Lock()
	idle := p.idle
	p.idle = nil
	p.idleMu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing connection %d: %w", c.id, err)
		}
	}
	p.updateMetrics()
	p.logger.Info("pool closed", zap.Int("leases_out", p.leasedCount()))
	return firstErr
}

// Stats holds pool statistics.
type Stats struct {
	Name      string
	Leased    int
	Idle      int
	Max       int
	MaxPooled int
}

// Stats returns the current lease and idle counts.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.settings.Name,
		Leased:    p.leasedCount(),
		Idle:      p.idleCount(),
		Max:       p.settings.MaxManagers,
		MaxPooled: p.settings.MaxPooled,
	}
}

// ── Internal helpers ─────────────────────────────────────────────────────

func (p *Pool) lease(id string, c *physConn) *Lease {
	c.markLeased()
	l := newLease(p, c, id)

	p.leasedMu.Lock()
	p.pending--
	p.leased[id] = l
	p.leasedMu.Unlock()

	metrics.LeaseOperations.WithLabelValues(p.settings.Name, "acquired").Inc()
	p.updateMetrics()
	return l
}

// open opens a physical connection, retrying OpenRetries times with a fixed
// delay, then runs the dialect's session setup on it.
func (p *Pool) open(ctx context.Context) (*physConn, error) {
	var lastErr error
	attempts := p.settings.Attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, dberr.Wrap(dberr.KindConnectionUnavailable, "pool.open", ctx.Err(), "opening connection")
			case <-time.After(p.settings.OpenRetryDelay):
			}
		}

		db, err := p.opener(ctx, p.settings)
		if err != nil {
			lastErr = err
			metrics.ConnectionErrors.WithLabelValues(p.settings.Name, "open_failed").Inc()
			p.logger.Warn("open failed",
				zap.Int("attempt", attempt+1),
				zap.Int("attempts", attempts),
				zap.Error(err))
			continue
		}

		c := newPhysConn(p.nextID.Add(1), db)
		if err := p.setup(ctx, c); err != nil {
			c.close()
			lastErr = err
			metrics.ConnectionErrors.WithLabelValues(p.settings.Name, "setup_failed").Inc()
			p.logger.Warn("session setup failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		p.logger.Debug("connection opened", zap.Uint64("conn", c.id))
		return c, nil
	}
	return nil, dberr.Wrap(dberr.KindConnectionUnavailable, "pool.open", lastErr,
		"no connection to %s after %d attempts", p.settings.Name, attempts)
}

func (p *Pool) setup(ctx context.Context, c *physConn) error {
	for _, stmt := range p.desc.SessionSetup(p.settings.IdleTimeout) {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// popIdle removes and returns the most recently released idle connection.
func (p *Pool) popIdle() *physConn {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c
}

// pushIdle puts back a connection popped by popIdle, keeping LIFO order.
func (p *Pool) pushIdle(c *physConn) {
	p.idleMu.Lock()
	p.idle = append(p.idle, c)
	p.idleMu.Unlock()
}

func (p *Pool) idleCount() int {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	return len(p.idle)
}

func (p *Pool) leasedCount() int {
	p.leasedMu.Lock()
	defer p.leasedMu.Unlock()
	return len(p.leased)
}

// updateMetrics refreshes Prometheus gauges for this pool.
func (p *Pool) updateMetrics() {
	metrics.LeasesActive.WithLabelValues(p.settings.Name).Set(float64(p.leasedCount()))
	metrics.ConnectionsIdle.WithLabelValues(p.settings.Name).Set(float64(p.idleCount()))
}
