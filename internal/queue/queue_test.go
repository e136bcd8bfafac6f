package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlease/internal/config"
	"github.com/joao-brasil/sqlease/internal/coordinator"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

func newCoordinator(t *testing.T, limit int) *coordinator.RedisCoordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := coordinator.New(context.Background(), config.CoordinatorConfig{
		Enabled:      true,
		InstanceID:   "q",
		Addr:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close(context.Background()) })
	require.NoError(t, rc.Register(context.Background(), "orders", limit))
	return rc
}

func TestAdmitWithoutWaiting(t *testing.T) {
	ctx := context.Background()
	q := New(newCoordinator(t, 2), time.Second, 1, nil)

	require.NoError(t, q.Admit(ctx, "orders", "h1"))
	require.NoError(t, q.Admit(ctx, "orders", "h2"))
	assert.Zero(t, q.Depth("orders"))
	require.NoError(t, q.Leave(ctx, "orders", "h1"))
	require.NoError(t, q.Leave(ctx, "orders", "h2"))
}

func TestAdmitTimesOut(t *testing.T) {
	ctx := context.Background()
	rc := newCoordinator(t, 1)
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))

	q := New(rc, 100*time.Millisecond, 0, nil)
	err := q.Admit(ctx, "orders", "h2")
	require.Error(t, err)
	assert.True(t, dberr.IsPoolExhausted(err))
	assert.True(t, IsQueueTimeout(err))
	assert.False(t, IsQueueFull(err))
	assert.Zero(t, q.Depth("orders"))
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	rc := newCoordinator(t, 1)
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))

	q := New(rc, 5*time.Second, 1, nil)

	admitted := make(chan error, 1)
	go func() { admitted <- q.Admit(ctx, "orders", "h2") }()
	require.Eventually(t, func() bool { return q.Depth("orders") == 1 }, 2*time.Second, 10*time.Millisecond)

	err := q.Admit(ctx, "orders", "h3")
	require.Error(t, err)
	assert.True(t, IsQueueFull(err))
	assert.True(t, dberr.IsPoolExhausted(err))

	// Releasing the held slot lets the waiter in.
	require.NoError(t, q.Leave(ctx, "orders", "h1"))
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not admitted after release")
	}
	assert.Zero(t, q.Depth("orders"))
}

func TestAdmitCancelled(t *testing.T) {
	rc := newCoordinator(t, 1)
	require.NoError(t, rc.Admit(context.Background(), "orders", "h1"))

	q := New(rc, 5*time.Second, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := q.Admit(ctx, "orders", "h2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
