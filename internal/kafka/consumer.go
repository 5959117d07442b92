package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// EnforcementProcessor 评分完成后的处置编排
type EnforcementProcessor interface {
	ProcessEnforcement(ctx context.Context, userID, eventType string) (*model.EnforcementAction, error)
}

// RiskScoredMessage 评分完成事件
//
// 用户字段沿用上游事件载荷, 依次取 sender_id, user_id, client_id, provider_id.
type RiskScoredMessage struct {
	EventID    string  `json:"event_id"`
	EventType  string  `json:"event_type"`
	SenderID   string  `json:"sender_id"`
	UserID     string  `json:"user_id"`
	ClientID   string  `json:"client_id"`
	ProviderID string  `json:"provider_id"`
	Score      float64 `json:"score"`
	Tier       string  `json:"tier"`
	Timestamp  int64   `json:"timestamp"`
}

// Subject 事件主体用户
func (m *RiskScoredMessage) Subject() string {
	for _, id := range []string{m.SenderID, m.UserID, m.ClientID, m.ProviderID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Consumer Kafka 消费者组
type Consumer struct {
	client    sarama.ConsumerGroup
	processor EnforcementProcessor
	topics    []string

	ready chan bool
	ctx   context.Context
	wg    sync.WaitGroup
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg *config.KafkaConfig, processor EnforcementProcessor) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, err
	}
	return newConsumer(client, processor), nil
}

func newConsumer(client sarama.ConsumerGroup, processor EnforcementProcessor) *Consumer {
	return &Consumer{
		client:    client,
		processor: processor,
		topics:    []string{TopicRiskScored},
		ready:     make(chan bool),
		ctx:       context.Background(),
	}
}

// Start 启动消费, 首次分配分区后返回
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx = ctx

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.client.Consume(ctx, c.topics, c); err != nil {
				logger.Error("consumer error", zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
			c.ready = make(chan bool)
		}
	}()

	select {
	case <-c.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("kafka consumer started", zap.Strings("topics", c.topics))
	return nil
}

// Stop 停止消费者. 调用前应取消 Start 的 ctx
func (c *Consumer) Stop() error {
	c.wg.Wait()
	return c.client.Close()
}

// Setup 初始化
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	close(c.ready)
	return nil
}

// Cleanup 清理
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息. 处理失败只记录, 不重投
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			err := c.handleMessage(session.Context(), message)
			metrics.RecordKafkaMessage(message.Topic, directionConsumed, err == nil)
			if err != nil {
				logger.Error("failed to handle message",
					zap.String("topic", message.Topic),
					zap.Int32("partition", message.Partition),
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage 处理消息
func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch msg.Topic {
	case TopicRiskScored:
		return c.handleRiskScored(ctx, msg.Value)
	default:
		logger.Warn("unknown topic", zap.String("topic", msg.Topic))
	}
	return nil
}

// handleRiskScored 评分完成后驱动处置
func (c *Consumer) handleRiskScored(ctx context.Context, data []byte) error {
	var msg RiskScoredMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode risk scored message: %w", err)
	}

	userID := msg.Subject()
	if userID == "" {
		logger.Warn("risk scored message without user", zap.String("event_id", msg.EventID))
		return nil
	}

	action, err := c.processor.ProcessEnforcement(ctx, userID, msg.EventType)
	if err != nil {
		return fmt.Errorf("process enforcement for %s: %w", userID, err)
	}
	if action != nil {
		logger.Info("enforcement applied from scored event",
			zap.String("user_id", userID),
			zap.String("event_id", msg.EventID),
			zap.String("action", string(action.ActionType)),
			zap.Bool("shadow", action.ShadowMode),
		)
	}
	return nil
}
