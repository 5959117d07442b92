// Package cache 基于 Redis 的防重放, 用户级互斥, 告警去重与规则失效广播
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "eidos:trust:replay:"

// ReplayGuard 签名防重放. 同一签名在窗口内只能使用一次
//
// 时间戳在 ±window 内都被接受, 记录保留 2×window, 覆盖整个可接受区间.
type ReplayGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewReplayGuard 创建防重放缓存
func NewReplayGuard(client redis.UniversalClient, window time.Duration) *ReplayGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ReplayGuard{client: client, ttl: 2 * window}
}

// Seen 记录签名, 返回此前是否已使用过. signature 需为规范化后的小写 hex
func (g *ReplayGuard) Seen(ctx context.Context, signature string) (bool, error) {
	ok, err := g.client.SetNX(ctx, replayKey(signature), 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func replayKey(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return replayKeyPrefix + hex.EncodeToString(sum[:])
}
