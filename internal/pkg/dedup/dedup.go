package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	freshKeyPrefix = "pricebot:fresh:offer:"
	runLockKey     = "pricebot:run:lock"
)

// FreshnessGuard 基于 Redis 的新鲜度窗口与运行互斥锁。
//
// 所有方法在 rdb 为 nil 时静默放行，允许无 Redis 的单机部署。
type FreshnessGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewFreshnessGuard(rdb *redis.Client, ttl time.Duration) *FreshnessGuard {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &FreshnessGuard{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsFresh 判断报价是否仍在新鲜度窗口内（窗口内的报价本轮跳过）。
func (g *FreshnessGuard) IsFresh(ctx context.Context, sourceID string) (bool, error) {
	if g == nil || g.rdb == nil || sourceID == "" {
		return false, nil
	}
	exists, err := g.rdb.Exists(ctx, freshKeyPrefix+hashID(sourceID)).Result()
	if err != nil {
		return false, fmt.Errorf("freshness exists: %w", err)
	}
	return exists > 0, nil
}

// MarkRefreshed 在成功观测后记录新鲜度窗口。
func (g *FreshnessGuard) MarkRefreshed(ctx context.Context, sourceID string) error {
	if g == nil || g.rdb == nil || sourceID == "" {
		return nil
	}
	if err := g.rdb.Set(ctx, freshKeyPrefix+hashID(sourceID), "1", g.ttl).Err(); err != nil {
		return fmt.Errorf("freshness set: %w", err)
	}
	return nil
}

// AcquireRunLock 尝试获取运行互斥锁，防止两次运行同时消耗同一份会话。
//
// 返回 false 表示已有运行持有锁。
func (g *FreshnessGuard) AcquireRunLock(ctx context.Context, runID string, ttl time.Duration) (bool, error) {
	if g == nil || g.rdb == nil {
		return true, nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	ok, err := g.rdb.SetNX(ctx, runLockKey, runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("run lock setnx: %w", err)
	}
	return ok, nil
}

// ReleaseRunLock 释放运行互斥锁（仅当锁仍属于本次运行时）。
func (g *FreshnessGuard) ReleaseRunLock(ctx context.Context, runID string) error {
	if g == nil || g.rdb == nil {
		return nil
	}
	owner, err := g.rdb.Get(ctx, runLockKey).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("run lock get: %w", err)
	}
	if owner != runID {
		return nil
	}
	if err := g.rdb.Del(ctx, runLockKey).Err(); err != nil {
		return fmt.Errorf("run lock del: %w", err)
	}
	return nil
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}
