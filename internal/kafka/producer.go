package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// Producer Kafka 生产者, 实现 service.EventPublisher
type Producer struct {
	producer sarama.SyncProducer
}

var _ service.EventPublisher = (*Producer)(nil)

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 基于已有 SyncProducer 创建
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.producer.Close()
}

// PublishDecision 发布同步决策
func (p *Producer) PublishDecision(ctx context.Context, event *service.DecisionEvent) error {
	return p.send(TopicDecisions, event.UserID, event)
}

// PublishEnforcement 发布处置动作
func (p *Producer) PublishEnforcement(ctx context.Context, action *model.EnforcementAction) error {
	return p.send(TopicEnforcements, action.UserID, action)
}

// PublishAlert 发布告警. 无关联用户的告警按告警 ID 分区
func (p *Producer) PublishAlert(ctx context.Context, alert *model.Alert) error {
	key := alert.ID
	if alert.UserID != nil && *alert.UserID != "" {
		key = *alert.UserID
	}
	return p.send(TopicAlerts, key, alert)
}

// send 以用户 ID 为 key 投递, 保证同一用户的事件有序
func (p *Producer) send(topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	metrics.RecordKafkaMessage(topic, directionProduced, err == nil)
	if err != nil {
		logger.Error("failed to send message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
		)
		return err
	}

	logger.Debug("message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
