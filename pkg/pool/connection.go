package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joao-brasil/sqlease/pkg/settings"
)

// ConnState is the lifecycle state of a physical connection in the pool.
type ConnState int

const (
	ConnStateIdle   ConnState = iota // waiting in the idle set
	ConnStateLeased                  // wrapped by a live lease
	ConnStateClosed                  // removed from the pool
)

// Opener opens one physical connection. The returned handle must hold at most
// one connection (SetMaxOpenConns(1)) so that it maps 1:1 to a session.
type Opener func(ctx context.Context, s settings.Settings) (*sqlx.DB, error)

// OpenDriver is the default Opener: it opens s.DSN() with the dialect's driver
// and verifies the connection is reachable.
func OpenDriver(ctx context.Context, s settings.Settings) (*sqlx.DB, error) {
	d := s.Descriptor()
	if d == nil {
		return nil, fmt.Errorf("unknown protocol %q", s.Protocol)
	}

	db, err := sqlx.Open(d.Driver, s.DSN())
	if err != nil {
		return nil, fmt.Errorf("sqlx.Open: %w", err)
	}

	// One sql.DB per physical connection; the pool manages lifetime itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if s.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// physConn is one physical connection owned by the pool.
type physConn struct {
	mu sync.Mutex

	db *sqlx.DB
	id uint64

	state      ConnState
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   uint64
}

func newPhysConn(id uint64, db *sqlx.DB) *physConn {
	now := time.Now()
	return &physConn{
		db:         db,
		id:         id,
		state:      ConnStateIdle,
		createdAt:  now,
		lastUsedAt: now,
	}
}

func (c *physConn) markLeased() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateLeased
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *physConn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsedAt = time.Now()
}

// uses returns how many times c was leased.
func (c *physConn) uses() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

func (c *physConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// probe runs the dialect's liveness query and checks the sentinel.
func (c *physConn) probe(ctx context.Context, query string, sentinel int64) error {
	var got int64
	if err := c.db.QueryRowxContext(ctx, query).Scan(&got); err != nil {
		return err
	}
	if got != sentinel {
		return fmt.Errorf("probe returned %d, want %d", got, sentinel)
	}
	return nil
}

func (c *physConn) close() error {
	c.mu.Lock()
	c.state = ConnStateClosed
	c.mu.Unlock()
	return c.db.Close()
}
