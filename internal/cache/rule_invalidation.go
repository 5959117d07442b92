package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// ChannelRuleInvalidation 规则变更广播频道
const ChannelRuleInvalidation = "eidos:trust:rules:invalidate"

// RuleChange 规则变更消息
type RuleChange struct {
	RuleID    string `json:"rule_id"`
	Action    string `json:"action"` // created/updated/disabled
	Timestamp int64  `json:"timestamp"`
}

// RuleInvalidation 通过 Redis Pub/Sub 通知各副本刷新规则缓存
type RuleInvalidation struct {
	client redis.UniversalClient
}

// NewRuleInvalidation 创建规则失效广播
func NewRuleInvalidation(client redis.UniversalClient) *RuleInvalidation {
	return &RuleInvalidation{client: client}
}

// Publish 广播规则变更
func (r *RuleInvalidation) Publish(ctx context.Context, change *RuleChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, ChannelRuleInvalidation, data).Err()
}

// Subscribe 订阅规则变更, 每条消息调用一次 onChange. 阻塞直到 ctx 结束
func (r *RuleInvalidation) Subscribe(ctx context.Context, onChange func(change *RuleChange)) error {
	sub := r.client.Subscribe(ctx, ChannelRuleInvalidation)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change RuleChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				logger.Warn("invalid rule change message", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			onChange(&change)
		}
	}
}
