package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/service"
)

func expectTopicAndKey(t *testing.T, topic, key string) mocks.MessageChecker {
	return func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, topic, msg.Topic)
		k, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, key, string(k))
		return nil
	}
}

func TestProducer_PublishesByUser(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWithClient(mp)
	defer p.Close()
	ctx := context.Background()

	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectTopicAndKey(t, TopicDecisions, "u-1"))
	require.NoError(t, p.PublishDecision(ctx, &service.DecisionEvent{UserID: "u-1", Decision: model.DecisionBlock}))

	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectTopicAndKey(t, TopicEnforcements, "u-2"))
	require.NoError(t, p.PublishEnforcement(ctx, &model.EnforcementAction{ID: "e-1", UserID: "u-2"}))

	user := "u-3"
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectTopicAndKey(t, TopicAlerts, "u-3"))
	require.NoError(t, p.PublishAlert(ctx, &model.Alert{ID: "a-1", UserID: &user}))

	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(expectTopicAndKey(t, TopicAlerts, "a-2"))
	require.NoError(t, p.PublishAlert(ctx, &model.Alert{ID: "a-2"}))
}

func TestProducer_SendFailure(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	p := NewProducerWithClient(mp)
	defer p.Close()

	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := p.PublishDecision(context.Background(), &service.DecisionEvent{UserID: "u-1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestRiskScoredMessage_Subject(t *testing.T) {
	tests := []struct {
		name string
		msg  RiskScoredMessage
		want string
	}{
		{"sender first", RiskScoredMessage{SenderID: "s", UserID: "u", ProviderID: "p"}, "s"},
		{"user id", RiskScoredMessage{UserID: "u", ClientID: "c"}, "u"},
		{"client id", RiskScoredMessage{ClientID: "c", ProviderID: "p"}, "c"},
		{"provider id", RiskScoredMessage{ProviderID: "p"}, "p"},
		{"none", RiskScoredMessage{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Subject())
		})
	}
}

type recordingProcessor struct {
	calls [][2]string
	err   error
}

func (p *recordingProcessor) ProcessEnforcement(ctx context.Context, userID, eventType string) (*model.EnforcementAction, error) {
	p.calls = append(p.calls, [2]string{userID, eventType})
	if p.err != nil {
		return nil, p.err
	}
	return &model.EnforcementAction{UserID: userID, ActionType: model.ActionSoftWarning}, nil
}

// fakeSession 只实现消费路径用到的方法
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func scoredMessage(t *testing.T, offset int64, msg RiskScoredMessage) *sarama.ConsumerMessage {
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: TopicRiskScored, Offset: offset, Value: data}
}

func TestConsumer_ConsumeClaim(t *testing.T) {
	processor := &recordingProcessor{}
	c := newConsumer(nil, processor)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 4)}
	claim.ch <- scoredMessage(t, 1, RiskScoredMessage{EventType: "booking.created", SenderID: "u-1"})
	claim.ch <- &sarama.ConsumerMessage{Topic: TopicRiskScored, Offset: 2, Value: []byte("{broken")}
	claim.ch <- scoredMessage(t, 3, RiskScoredMessage{EventType: "message.sent"})
	claim.ch <- scoredMessage(t, 4, RiskScoredMessage{EventType: "wallet.deposit", ProviderID: "p-1"})
	close(claim.ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	assert.Equal(t, [][2]string{{"u-1", "booking.created"}, {"p-1", "wallet.deposit"}}, processor.calls)
	assert.Equal(t, []int64{1, 2, 3, 4}, session.marked, "every message is committed")
}

func TestConsumer_ProcessorErrorDoesNotStall(t *testing.T) {
	processor := &recordingProcessor{err: errors.New("db down")}
	c := newConsumer(nil, processor)

	err := c.handleMessage(context.Background(), scoredMessage(t, 1, RiskScoredMessage{UserID: "u-1"}))
	assert.Error(t, err)
	assert.NoError(t, c.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: "other"}))
}

func TestConsumer_StopsOnSessionDone(t *testing.T) {
	c := newConsumer(nil, &recordingProcessor{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}
	assert.NoError(t, c.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}
