package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const alertDedupePrefix = "eidos:trust:alert:dedupe:"

// pending 占位值, 告警 ID 写入前的短暂状态
const pending = "pending"

// AlertDedupe 告警去重: 同一用户同一来源在窗口内只产生一条告警
type AlertDedupe struct {
	client redis.UniversalClient
	window time.Duration
}

// NewAlertDedupe 创建告警去重缓存, window 为 0 时默认 24h
func NewAlertDedupe(client redis.UniversalClient, window time.Duration) *AlertDedupe {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &AlertDedupe{client: client, window: window}
}

// Reserve 占用去重键. 返回 true 表示调用方应创建告警;
// 返回 false 时 existingID 为已有告警 ID (可能为空, 表示另一请求正在创建)
func (d *AlertDedupe) Reserve(ctx context.Context, userID, source string) (reserved bool, existingID string, err error) {
	key := alertDedupeKey(userID, source)
	ok, err := d.client.SetNX(ctx, key, pending, d.window).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}

	val, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// 刚好过期, 重新占用
		ok, err = d.client.SetNX(ctx, key, pending, d.window).Result()
		return ok, "", err
	}
	if err != nil {
		return false, "", err
	}
	if val == pending {
		return false, "", nil
	}
	return false, val, nil
}

// Commit 写入已创建的告警 ID, 保留原有 TTL
func (d *AlertDedupe) Commit(ctx context.Context, userID, source, alertID string) error {
	return d.client.SetArgs(ctx, alertDedupeKey(userID, source), alertID, redis.SetArgs{KeepTTL: true}).Err()
}

// Lookup 读取已提交的告警 ID, 未提交或不存在时返回空
func (d *AlertDedupe) Lookup(ctx context.Context, userID, source string) (string, error) {
	val, err := d.client.Get(ctx, alertDedupeKey(userID, source)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if val == pending {
		return "", nil
	}
	return val, nil
}

// Release 创建失败时释放占用
func (d *AlertDedupe) Release(ctx context.Context, userID, source string) error {
	return d.client.Del(ctx, alertDedupeKey(userID, source)).Err()
}

func alertDedupeKey(userID, source string) string {
	return alertDedupePrefix + userID + ":" + source
}
