package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eidos-exchange/eidos/eidos-trust/pkg/lock"
)

const userLockPrefix = "eidos:trust:user:"

// ErrUserBusy 用户的处置流程正在其他请求中执行
var ErrUserBusy = errors.New("user enforcement in progress")

// UserLock 用户级互斥, 包住 "查历史 -> 决策 -> 执行" 序列, 避免重复处置
type UserLock struct {
	locker *lock.RedisLocker
}

// NewUserLock 创建用户锁, ttl 为 0 时默认 10s
func NewUserLock(client redis.UniversalClient, ttl time.Duration) *UserLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &UserLock{locker: lock.NewRedisLocker(client, userLockPrefix, ttl)}
}

// Do 持锁执行 fn, 锁被占用时返回 ErrUserBusy 且不执行
func (u *UserLock) Do(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	err := u.locker.WithLock(ctx, userID, fn)
	if errors.Is(err, lock.ErrLockAcquireFailed) {
		return ErrUserBusy
	}
	return err
}
