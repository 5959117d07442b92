package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestReplayGuard_Seen(t *testing.T) {
	s, client := setupRedis(t)
	guard := NewReplayGuard(client, time.Minute)
	ctx := context.Background()

	seen, err := guard.Seen(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Equal(t, 2*time.Minute, s.TTL(replayKey("abc123")))

	seen, err = guard.Seen(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = guard.Seen(ctx, "other")
	require.NoError(t, err)
	assert.False(t, seen)

	// 记录保留两个窗口
	s.FastForward(90 * time.Second)
	seen, err = guard.Seen(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, seen)

	s.FastForward(2*time.Minute + time.Second)
	seen, err = guard.Seen(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestReplayGuard_RedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	guard := NewReplayGuard(client, time.Minute)

	_, err := guard.Seen(context.Background(), "abc")
	assert.Error(t, err)
}

func TestUserLock_Do(t *testing.T) {
	_, client := setupRedis(t)
	userLock := NewUserLock(client, time.Second)
	ctx := context.Background()

	var inner error
	err := userLock.Do(ctx, "u-1", func(ctx context.Context) error {
		// 持锁期间同一用户不可重入
		inner = userLock.Do(ctx, "u-1", func(context.Context) error { return nil })
		// 其他用户不受影响
		return userLock.Do(ctx, "u-2", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrUserBusy)

	// 释放后可再次获取
	require.NoError(t, userLock.Do(ctx, "u-1", func(context.Context) error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, userLock.Do(ctx, "u-1", func(context.Context) error { return boom }), boom)
}

func TestUserLock_KeyFormat(t *testing.T) {
	s, client := setupRedis(t)
	userLock := NewUserLock(client, time.Second)

	err := userLock.Do(context.Background(), "u-9", func(context.Context) error {
		assert.True(t, s.Exists("eidos:trust:user:u-9"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, s.Exists("eidos:trust:user:u-9"))
}

func TestAlertDedupe_ReserveCommit(t *testing.T) {
	s, client := setupRedis(t)
	dedupe := NewAlertDedupe(client, time.Hour)
	ctx := context.Background()

	reserved, existing, err := dedupe.Reserve(ctx, "u-1", "enforcement")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, existing)

	// 创建中: 不重复创建, 也没有可返回的 ID
	reserved, existing, err = dedupe.Reserve(ctx, "u-1", "enforcement")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Empty(t, existing)

	require.NoError(t, dedupe.Commit(ctx, "u-1", "enforcement", "alert-1"))
	reserved, existing, err = dedupe.Reserve(ctx, "u-1", "enforcement")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "alert-1", existing)

	ttl := s.TTL("eidos:trust:alert:dedupe:u-1:enforcement")
	assert.Greater(t, ttl, 50*time.Minute, "commit keeps window ttl")

	s.FastForward(2 * time.Hour)
	reserved, _, err = dedupe.Reserve(ctx, "u-1", "enforcement")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestAlertDedupe_Release(t *testing.T) {
	_, client := setupRedis(t)
	dedupe := NewAlertDedupe(client, time.Hour)
	ctx := context.Background()

	reserved, _, err := dedupe.Reserve(ctx, "u-1", "threshold")
	require.NoError(t, err)
	require.True(t, reserved)
	require.NoError(t, dedupe.Release(ctx, "u-1", "threshold"))

	reserved, _, err = dedupe.Reserve(ctx, "u-1", "threshold")
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestRuleInvalidation_PublishSubscribe(t *testing.T) {
	_, client := setupRedis(t)
	inv := NewRuleInvalidation(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []*RuleChange
	done := make(chan error, 1)
	go func() {
		done <- inv.Subscribe(ctx, func(change *RuleChange) {
			mu.Lock()
			received = append(received, change)
			mu.Unlock()
		})
	}()

	// 等待订阅建立
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(context.Background(), ChannelRuleInvalidation).Result()
		return err == nil && n[ChannelRuleInvalidation] == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Publish(context.Background(), ChannelRuleInvalidation, "not json").Err())
	require.NoError(t, inv.Publish(context.Background(), &RuleChange{RuleID: "r-1", Action: "updated", Timestamp: 1}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "r-1", received[0].RuleID)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRuleInvalidation_PublishPayload(t *testing.T) {
	db, mock := redismock.NewClientMock()
	inv := NewRuleInvalidation(db)

	change := &RuleChange{RuleID: "r-1", Action: "created", Timestamp: 1700000000000}
	data, err := json.Marshal(change)
	require.NoError(t, err)

	mock.ExpectPublish(ChannelRuleInvalidation, data).SetVal(2)
	require.NoError(t, inv.Publish(context.Background(), change))

	mock.ExpectPublish(ChannelRuleInvalidation, data).SetErr(errors.New("redis down"))
	assert.Error(t, inv.Publish(context.Background(), change))

	assert.NoError(t, mock.ExpectationsWereMet())
}
