package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlease/internal/config"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

func testConfig(addr, instance string) config.CoordinatorConfig {
	return config.CoordinatorConfig{
		Enabled:      true,
		InstanceID:   instance,
		Addr:         addr,
		PoolSize:     4,
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		Fallback:     config.FallbackConfig{Enabled: true, LocalLimitDivisor: 3},
	}
}

func newCoordinator(t *testing.T, mr *miniredis.Miniredis, instance string) *RedisCoordinator {
	t.Helper()
	rc, err := New(context.Background(), testConfig(mr.Addr(), instance), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close(context.Background()) })
	return rc
}

func TestAdmitAndLeave(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")
	require.False(t, rc.IsFallback())
	require.NoError(t, rc.Register(ctx, "orders", 2))

	require.NoError(t, rc.Admit(ctx, "orders", "h1"))
	require.NoError(t, rc.Admit(ctx, "orders", "h2"))

	err := rc.Admit(ctx, "orders", "h3")
	require.Error(t, err)
	assert.True(t, dberr.IsPoolExhausted(err))

	require.NoError(t, rc.Leave(ctx, "orders", "h1"))
	require.NoError(t, rc.Admit(ctx, "orders", "h3"))

	n, err := rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := rc.InstanceCounts(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 2}, counts)
}

func TestAdmitIsIdempotentPerHolder(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")
	require.NoError(t, rc.Register(ctx, "orders", 1))

	require.NoError(t, rc.Admit(ctx, "orders", "h1"))
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))

	// Leaving twice or leaving an unknown holder does not free extra slots.
	require.NoError(t, rc.Leave(ctx, "orders", "h1"))
	require.NoError(t, rc.Leave(ctx, "orders", "h1"))
	require.NoError(t, rc.Leave(ctx, "orders", "nobody"))

	n, err := rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnlimitedPool(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")
	require.NoError(t, rc.Register(ctx, "orders", 0))

	for _, h := range []string{"h1", "h2", "h3", "h4"} {
		require.NoError(t, rc.Admit(ctx, "orders", h))
	}
}

func TestUnregisteredPool(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")

	err := rc.Admit(context.Background(), "unknown", "h1")
	require.Error(t, err)
	assert.False(t, dberr.IsPoolExhausted(err))
}

func TestStartsInFallbackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rc, err := New(ctx, testConfig(addr, "a"), nil)
	require.NoError(t, err)
	defer rc.Close(ctx)
	require.True(t, rc.IsFallback())

	// 6 / divisor 3 leaves two local slots.
	require.NoError(t, rc.Register(ctx, "orders", 6))
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))
	require.NoError(t, rc.Admit(ctx, "orders", "h2"))
	assert.True(t, dberr.IsPoolExhausted(rc.Admit(ctx, "orders", "h3")))

	require.NoError(t, rc.Leave(ctx, "orders", "h1"))
	require.NoError(t, rc.Admit(ctx, "orders", "h3"))
}

func TestFailsWithoutFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(addr, "a")
	cfg.Fallback.Enabled = false
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestFallbackAndRecovery(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")
	require.NoError(t, rc.Register(ctx, "orders", 9))

	mr.Close()
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))
	require.True(t, rc.IsFallback())

	require.NoError(t, mr.Restart())
	require.NoError(t, rc.ExitFallback(ctx))
	require.False(t, rc.IsFallback())

	n, err := rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "fallback admissions are carried over to redis")

	require.NoError(t, rc.Leave(ctx, "orders", "h1"))
	n, err = rc.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHeartbeatCleansUpDeadInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	alive := newCoordinator(t, mr, "alive")
	dead := newCoordinator(t, mr, "dead")

	require.NoError(t, alive.Register(ctx, "orders", 5))
	require.NoError(t, dead.Register(ctx, "orders", 5))
	require.NoError(t, dead.Admit(ctx, "orders", "d1"))
	require.NoError(t, dead.Admit(ctx, "orders", "d2"))
	require.NoError(t, alive.Admit(ctx, "orders", "a1"))

	hb := NewHeartbeat(alive)
	hb.Beat(ctx)
	assert.Equal(t, 1, hb.CleanupDeadInstances(ctx))

	n, err := alive.GlobalCount(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	instances, err := alive.ActiveInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, instances)
}

func TestSemaphoreWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")
	require.NoError(t, rc.Register(ctx, "orders", 1))
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))

	sem := NewSemaphore(rc, 5*time.Second)
	sem.pollInterval = 20 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = rc.Leave(ctx, "orders", "h1")
	}()

	require.NoError(t, sem.Admit(ctx, "orders", "h2"))
	require.NoError(t, sem.Leave(ctx, "orders", "h2"))
}

func TestSemaphoreTimesOut(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := newCoordinator(t, mr, "a")
	require.NoError(t, rc.Register(ctx, "orders", 1))
	require.NoError(t, rc.Admit(ctx, "orders", "h1"))

	sem := NewSemaphore(rc, 100*time.Millisecond)
	sem.pollInterval = 20 * time.Millisecond

	err := sem.Admit(ctx, "orders", "h2")
	require.Error(t, err)
	assert.True(t, dberr.IsPoolExhausted(err))
}
