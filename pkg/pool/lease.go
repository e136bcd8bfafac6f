package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/pkg/cache"
	"github.com/joao-brasil/sqlease/pkg/caster"
	"github.com/joao-brasil/sqlease/pkg/dberr"
	"github.com/joao-brasil/sqlease/pkg/rewrite"
)

// Lease is one unit of work on one physical connection. At most one of
// Commit and Rollback succeeds; Release hands the connection back and is only
// allowed afterwards. A Lease is owned by a single goroutine.
type Lease struct {
	id    string
	pool  *Pool
	conn  *physConn
	tx    *sqlx.Tx
	cache *cache.Cache

	finalOp bool
	closed  bool

	acquiredAt time.Time
	logger     *zap.Logger
}

func newLease(p *Pool, c *physConn, id string) *Lease {
	return &Lease{
		id:         id,
		pool:       p,
		conn:       c,
		cache:      cache.New(p.settings.CacheEntries),
		acquiredAt: time.Now(),
		logger:     p.logger.With(zap.String("lease", id)),
	}
}

// ID returns the lease identifier.
func (l *Lease) ID() string { return l.id }

// Pool returns the pool the lease came from.
func (l *Lease) Pool() *Pool { return l.pool }

// Cache returns the entity cache of the lease.
func (l *Lease) Cache() *cache.Cache { return l.cache }

// Finalized reports whether Commit or Rollback has been called.
func (l *Lease) Finalized() bool { return l.finalOp }

// Closed reports whether the lease has been released.
func (l *Lease) Closed() bool { return l.closed }

// Commit commits the unit of work.
func (l *Lease) Commit() error {
	return l.finalize("commit", func(tx *sqlx.Tx) error { return tx.Commit() })
}

// Rollback discards the unit of work.
func (l *Lease) Rollback() error {
	return l.finalize("rollback", func(tx *sqlx.Tx) error { return tx.Rollback() })
}

func (l *Lease) finalize(op string, fn func(*sqlx.Tx) error) error {
	if l.closed {
		return dberr.New(dberr.KindConnectionUnavailable, "lease."+op, "lease %s is closed", l.id)
	}
	if l.finalOp {
		return dberr.New(dberr.KindIllegalState, "lease."+op, "lease %s already committed or rolled back", l.id)
	}
	l.finalOp = true

	if l.tx == nil {
		metrics.Finalizations.WithLabelValues(l.pool.settings.Name, op, "empty").Inc()
		return nil
	}
	tx := l.tx
	l.tx = nil
	if err := fn(tx); err != nil {
		metrics.Finalizations.WithLabelValues(l.pool.settings.Name, op, "error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.Finalizations.WithLabelValues(l.pool.settings.Name, op, "ok").Inc()
	return nil
}

// Release clears the entity cache and returns the connection to the pool.
// The lease must be committed or rolled back first.
func (l *Lease) Release() error {
	if l.closed {
		return dberr.New(dberr.KindConnectionUnavailable, "lease.release", "lease %s is closed", l.id)
	}
	if !l.finalOp {
		return dberr.New(dberr.KindIllegalState, "lease.release", "lease %s released before commit or rollback", l.id)
	}
	l.cache.Clear()
	l.closed = true
	recycled := l.pool.release(l)
	l.logger.Debug("lease released",
		zap.Bool("recycled", recycled),
		zap.Duration("held", time.Since(l.acquiredAt)))
	return nil
}

// Use runs fn and releases the lease exactly once, whatever fn does. When fn
// returns nil the lease is committed unless fn finalized it itself. When fn
// fails or panics the lease is rolled back; a failing rollback turns the
// returned error into ConnectionUnavailable with fn's error as the cause.
func (l *Lease) Use(fn func(*Lease) error) error {
	defer func() {
		if r := recover(); r != nil {
			l.abort(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(l); err != nil {
		return l.abort(err)
	}

	if !l.finalOp {
		if err := l.Commit(); err != nil {
			l.releaseQuietly()
			return err
		}
	}
	if l.closed {
		return nil
	}
	return l.Release()
}

// abort rolls back (if still possible) and releases after cause.
func (l *Lease) abort(cause error) error {
	err := cause
	if !l.closed && !l.finalOp {
		if rbErr := l.Rollback(); rbErr != nil {
			l.logger.Warn("rollback failed", zap.Error(rbErr), zap.NamedError("cause", cause))
			err = dberr.Wrap(dberr.KindConnectionUnavailable, "lease.use", cause, "rollback failed: %v", rbErr)
		}
	}
	l.releaseQuietly()
	return err
}

func (l *Lease) releaseQuietly() {
	if l.closed {
		return
	}
	l.finalOp = true
	if err := l.Release(); err != nil {
		l.logger.Warn("release failed", zap.Error(err))
	}
}

// ── Statements ───────────────────────────────────────────────────────────

// begin starts the transaction on first use.
func (l *Lease) begin(ctx context.Context, op string) (*sqlx.Tx, error) {
	if l.closed {
		return nil, dberr.New(dberr.KindConnectionUnavailable, op, "lease %s is closed", l.id)
	}
	if l.finalOp {
		return nil, dberr.New(dberr.KindIllegalState, op, "lease %s already committed or rolled back", l.id)
	}
	if l.tx == nil {
		tx, err := l.conn.db.BeginTxx(ctx, nil)
		if err != nil {
			metrics.ConnectionErrors.WithLabelValues(l.pool.settings.Name, "begin_failed").Inc()
			return nil, fmt.Errorf("begin: %w", err)
		}
		l.tx = tx
	}
	return l.tx, nil
}

// prepare rewrites tmpl and binds p. A nil reg skips value casting for callers
// that already converted their values.
func (l *Lease) prepare(tmpl string, p rewrite.Params, reg *caster.Registry) (string, []any, error) {
	res := rewrite.Rewrite(tmpl, l.pool.desc, p)
	args, err := rewrite.Bind(res, p, reg)
	if err != nil {
		return "", nil, err
	}
	return res.SQL, args, nil
}

func (l *Lease) exec(ctx context.Context, tmpl string, p rewrite.Params, reg *caster.Registry) (sql.Result, error) {
	tx, err := l.begin(ctx, "lease.exec")
	if err != nil {
		return nil, err
	}
	query, args, err := l.prepare(tmpl, p, reg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := tx.ExecContext(ctx, query, args...)
	metrics.StatementDuration.WithLabelValues(l.pool.settings.Name, "exec").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("exec %q: %w", query, err)
	}
	return res, nil
}

func (l *Lease) query(ctx context.Context, tmpl string, p rewrite.Params, reg *caster.Registry) (*Rows, error) {
	tx, err := l.begin(ctx, "lease.query")
	if err != nil {
		return nil, err
	}
	query, args, err := l.prepare(tmpl, p, reg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := tx.QueryxContext(ctx, query, args...)
	metrics.StatementDuration.WithLabelValues(l.pool.settings.Name, "query").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	return &Rows{rows: rows}, nil
}

// Exec runs a statement template with p bound to it.
func (l *Lease) Exec(ctx context.Context, tmpl string, p rewrite.Params) (sql.Result, error) {
	return l.exec(ctx, tmpl, p, l.pool.registry)
}

// Query runs a query template with p bound to it.
func (l *Lease) Query(ctx context.Context, tmpl string, p rewrite.Params) (*Rows, error) {
	return l.query(ctx, tmpl, p, l.pool.registry)
}

// ExecFile runs the statement template imported from name.
func (l *Lease) ExecFile(ctx context.Context, name string, p rewrite.Params) (sql.Result, error) {
	tmpl, err := l.pool.Import(name)
	if err != nil {
		return nil, err
	}
	return l.Exec(ctx, tmpl, p)
}

// QueryFile runs the query template imported from name.
func (l *Lease) QueryFile(ctx context.Context, name string, p rewrite.Params) (*Rows, error) {
	tmpl, err := l.pool.Import(name)
	if err != nil {
		return nil, err
	}
	return l.Query(ctx, tmpl, p)
}

// ExecBatch prepares tmpl once and executes it for every parameter set. Every
// set must rewrite to the same statement, i.e. bind lists of equal length.
func (l *Lease) ExecBatch(ctx context.Context, tmpl string, sets []rewrite.Params) (int64, error) {
	return l.execBatch(ctx, tmpl, sets, l.pool.registry)
}

func (l *Lease) execBatch(ctx context.Context, tmpl string, sets []rewrite.Params, reg *caster.Registry) (int64, error) {
	if len(sets) == 0 {
		return 0, nil
	}
	tx, err := l.begin(ctx, "lease.batch")
	if err != nil {
		return 0, err
	}

	first := rewrite.Rewrite(tmpl, l.pool.desc, sets[0])
	stmt, err := tx.PreparexContext(ctx, first.SQL)
	if err != nil {
		return 0, fmt.Errorf("prepare %q: %w", first.SQL, err)
	}
	defer stmt.Close()

	start := time.Now()
	defer func() {
		metrics.StatementDuration.WithLabelValues(l.pool.settings.Name, "batch").Observe(time.Since(start).Seconds())
	}()

	var total int64
	for i, p := range sets {
		res := first
		if i > 0 {
			res = rewrite.Rewrite(tmpl, l.pool.desc, p)
			if res.SQL != first.SQL {
				return total, dberr.New(dberr.KindIllegalArgument, "lease.batch",
					"parameter set %d rewrites to a different statement", i)
			}
		}
		args, err := rewrite.Bind(res, p, reg)
		if err != nil {
			return total, err
		}
		r, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return total, fmt.Errorf("batch row %d: %w", i, err)
		}
		if n, err := r.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
