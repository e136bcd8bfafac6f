package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/metrics"
)

// Heartbeat periodically refreshes this instance's presence in Redis
// and returns the lease slots of dead instances to the global counts.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	interval := rc.cfg.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	hb.coordinator.logger.Info("heartbeat started",
		zap.Duration("interval", hb.interval),
		zap.Duration("ttl", hb.ttl))
}

// Stop signals the heartbeat loop to stop.
func (hb *Heartbeat) Stop() {
	close(hb.stopCh)
}

// loop runs the periodic heartbeat and dead-instance cleanup.
func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	hb.Beat(ctx)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	// Cleanup runs every third interval.
	cleanupCounter := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue
				}
			}

			hb.Beat(ctx)

			cleanupCounter++
			if cleanupCounter%3 == 0 {
				hb.CleanupDeadInstances(ctx)
			}
		}
	}
}

// Beat refreshes this instance's heartbeat key with a TTL.
func (hb *Heartbeat) Beat(ctx context.Context) {
	rc := hb.coordinator
	if rc.IsFallback() {
		return
	}

	hbKey := fmt.Sprintf(keyInstanceHB, rc.instanceID)
	if err := rc.client.Set(ctx, hbKey, time.Now().Unix(), hb.ttl).Err(); err != nil {
		rc.logger.Warn("failed to send heartbeat", zap.Error(err))
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(rc.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// CleanupDeadInstances checks for instances whose heartbeat has expired
// and returns their orphaned lease slots. It reports how many were cleaned.
func (hb *Heartbeat) CleanupDeadInstances(ctx context.Context) int {
	rc := hb.coordinator
	if rc.IsFallback() {
		return 0
	}

	instances, err := rc.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		rc.logger.Warn("failed to list instances", zap.Error(err))
		return 0
	}

	cleaned := 0
	for _, instID := range instances {
		if instID == rc.instanceID {
			continue
		}

		exists, err := rc.client.Exists(ctx, fmt.Sprintf(keyInstanceHB, instID)).Result()
		if err != nil || exists > 0 {
			continue
		}

		rc.logger.Info("instance appears dead (no heartbeat), cleaning up", zap.String("dead_instance", instID))
		cleanupInstance(ctx, rc.client, instID, rc.logger)
		cleaned++
	}
	return cleaned
}

// cleanupInstance subtracts an instance's lease counts from the global
// totals and removes its keys.
func cleanupInstance(ctx context.Context, client redis.UniversalClient, instanceID string, logger *zap.Logger) {
	instKey := fmt.Sprintf(keyInstanceLeases, instanceID)

	counts, err := client.HGetAll(ctx, instKey).Result()
	if err != nil {
		logger.Warn("failed to read instance counts", zap.String("dead_instance", instanceID), zap.Error(err))
		return
	}

	pipe := client.Pipeline()
	recovered := 0
	for pool, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}
		pipe.DecrBy(ctx, fmt.Sprintf(keyPoolCount, pool), int64(count))
		recovered += count
	}
	pipe.Del(ctx, instKey,
		fmt.Sprintf(keyInstanceHolders, instanceID),
		fmt.Sprintf(keyInstanceHB, instanceID))
	pipe.SRem(ctx, keyInstanceList, instanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("failed to clean up instance", zap.String("dead_instance", instanceID), zap.Error(err))
		return
	}

	if recovered > 0 {
		logger.Info("recovered lease slots",
			zap.String("dead_instance", instanceID),
			zap.Int("slots", recovered))
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
	}

	// Global counts never go below zero.
	for pool := range counts {
		countKey := fmt.Sprintf(keyPoolCount, pool)
		if val, err := client.Get(ctx, countKey).Int64(); err == nil && val < 0 {
			client.Set(ctx, countKey, 0, 0)
		}
	}
}
