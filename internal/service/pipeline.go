package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/cache"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/config"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/rules"
	bizerr "github.com/eidos-exchange/eidos/eidos-trust/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// 同步决策支持的动作类型
const (
	ActionBookingCreate    = "booking.create"
	ActionPaymentInitiate  = "payment.initiate"
	ActionProviderRegister = "provider.register"
)

// 决策原因
const (
	ReasonKillSwitch = "Kill switch active"
	ReasonNoScore    = "No risk score on file"
	ReasonAcceptable = "Risk score within acceptable range"
	ReasonFailOpen   = "Evaluation error, fail-open policy applied"
)

var actionContexts = map[string]rules.EventContext{
	ActionBookingCreate:    rules.ContextBooking,
	ActionPaymentInitiate:  rules.ContextPayment,
	ActionProviderRegister: rules.ContextProvider,
}

var actionEventTypes = map[string]string{
	ActionBookingCreate:    "booking.created",
	ActionPaymentInitiate:  "transaction.initiated",
	ActionProviderRegister: "provider.registered",
}

// 规则覆盖动作的决策分类
var (
	blockClassActions = map[model.ActionType]bool{
		model.ActionTemporaryRestriction: true,
		model.ActionAccountSuspension:    true,
		model.ActionBookingBlocked:       true,
		model.ActionPaymentBlocked:       true,
		model.ActionProviderSuspended:    true,
	}
	flagClassActions = map[model.ActionType]bool{
		model.ActionHardWarning:      true,
		model.ActionBookingFlagged:   true,
		model.ActionPaymentHeld:      true,
		model.ActionProviderDemoted:  true,
		model.ActionMessageThrottled: true,
	}
)

// RuleEventType 动作类型对应的规则事件类型
func RuleEventType(actionType string) string {
	if et, ok := actionEventTypes[actionType]; ok {
		return et
	}
	return actionType
}

// EvaluateRequest 同步决策请求
type EvaluateRequest struct {
	ActionType     string                 `json:"action_type"`
	UserID         string                 `json:"user_id"`
	CounterpartyID *string                `json:"counterparty_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Validate 校验请求
func (r *EvaluateRequest) Validate() error {
	if _, ok := actionContexts[r.ActionType]; !ok {
		return bizerr.ErrInvalidRequest.WithMessagef("action_type must be one of %s, %s, %s",
			ActionBookingCreate, ActionPaymentInitiate, ActionProviderRegister)
	}
	if _, err := uuid.Parse(r.UserID); err != nil {
		return bizerr.ErrInvalidRequest.WithMessage("user_id must be a valid UUID")
	}
	if r.CounterpartyID != nil {
		if _, err := uuid.Parse(*r.CounterpartyID); err != nil {
			return bizerr.ErrInvalidRequest.WithMessage("counterparty_id must be a valid UUID")
		}
	}
	return nil
}

// EvaluateResponse 同步决策结果
type EvaluateResponse struct {
	Decision         model.Decision `json:"decision"`
	RiskScore        float64        `json:"risk_score"`
	RiskTier         model.RiskTier `json:"risk_tier"`
	Reason           string         `json:"reason"`
	Signals          []string       `json:"signals"`
	EnforcementID    *string        `json:"enforcement_id"`
	EvaluationTimeMs int64          `json:"evaluation_time_ms"`
}

// PipelineDeps 决策流水线依赖
type PipelineDeps struct {
	Scores       *repository.ScoreRepository
	Signals      *repository.SignalRepository
	Enforcements *repository.EnforcementRepository
	EvalLogs     *repository.EvaluationLogRepository
	Engine       *rules.Engine
	Contexts     *RuleContextBuilder
	Executor     *ActionExecutor
	SideEffects  *SideEffectExecutor
	Degradation  *DegradationService
	UserLock     *cache.UserLock
	Switches     *config.Switches
	Events       EventPublisher
}

// EvaluationPipeline 同步决策流水线
//
// 任何内部故障 (存储超时, 熔断, panic) 都放行, 只有在完全健康时才可能拦截.
type EvaluationPipeline struct {
	deps           PipelineDeps
	timeout        time.Duration
	flagThreshold  decimal.Decimal
	blockThreshold decimal.Decimal
	signalWindow   time.Duration
	signalLimit    int
	now            func() time.Time
}

// NewEvaluationPipeline 创建决策流水线
func NewEvaluationPipeline(cfg *config.TrustConfig, deps PipelineDeps) *EvaluationPipeline {
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	return &EvaluationPipeline{
		deps:           deps,
		timeout:        cfg.EvaluateTimeout,
		flagThreshold:  cfg.GetFlagThreshold(),
		blockThreshold: cfg.GetBlockThreshold(),
		signalWindow:   cfg.SignalWindow,
		signalLimit:    cfg.SignalLimit,
		now:            time.Now,
	}
}

// evaluation 单次决策的中间状态
type evaluation struct {
	req           *EvaluateRequest
	start         time.Time
	shadow        bool
	decision      model.Decision
	reason        string
	score         decimal.Decimal
	tier          model.RiskTier
	riskScoreID   string
	signals       []*model.RiskSignal
	history       *model.EnforcementHistory
	enforcementID *string
}

// Evaluate 同步决策, 总是返回结果
func (p *EvaluationPipeline) Evaluate(ctx context.Context, req *EvaluateRequest) *EvaluateResponse {
	start := p.now()

	if p.deps.Switches.KillSwitch() {
		ev := &evaluation{req: req, start: start, decision: model.DecisionAllow, reason: ReasonKillSwitch, tier: model.TierMonitor}
		return p.finish(ctx, ev)
	}

	type outcome struct {
		ev  *evaluation
		err error
	}
	evalCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ev, err := p.evaluate(evalCtx, req, start)
		done <- outcome{ev: ev, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return p.failOpen(ctx, req, start, out.err)
		}
		return p.finish(ctx, out.ev)
	case <-evalCtx.Done():
		return p.failOpen(ctx, req, start, evalCtx.Err())
	}
}

func (p *EvaluationPipeline) evaluate(ctx context.Context, req *EvaluateRequest, start time.Time) (*evaluation, error) {
	ev := &evaluation{req: req, start: start, shadow: p.deps.Switches.ShadowMode()}

	var score *model.RiskScore
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.deps.Degradation.Execute(gctx, BreakerScores, func(ctx context.Context) error {
			var err error
			score, err = p.deps.Scores.Latest(ctx, req.UserID)
			return err
		})
	})
	g.Go(func() error {
		return p.deps.Degradation.Execute(gctx, BreakerSignals, func(ctx context.Context) error {
			var err error
			ev.signals, err = p.deps.Signals.Recent(ctx, req.UserID, p.now().Add(-p.signalWindow), p.signalLimit)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if score == nil {
		ev.decision = model.DecisionAllow
		ev.reason = ReasonNoScore
		ev.tier = model.TierMonitor
		return ev, nil
	}
	ev.score = score.Score
	ev.tier = score.Tier
	ev.riskScoreID = score.ID

	display := score.Score.String()
	switch {
	case score.Score.LessThan(p.flagThreshold):
		ev.decision = model.DecisionAllow
		ev.reason = ReasonAcceptable
	case score.Score.LessThan(p.blockThreshold):
		if ev.shadow {
			ev.decision = model.DecisionAllow
			ev.reason = fmt.Sprintf("[SHADOW] Would flag: risk score %s in medium range", display)
		} else {
			ev.decision = model.DecisionFlag
			ev.reason = fmt.Sprintf("Risk score %s requires review", display)
		}
		if err := p.enforce(ctx, ev); err != nil {
			return nil, err
		}
	default:
		if ev.shadow {
			ev.decision = model.DecisionAllow
			ev.reason = fmt.Sprintf("[SHADOW] Would block: risk score %s exceeds threshold", display)
		} else {
			ev.decision = model.DecisionBlock
			ev.reason = fmt.Sprintf("Risk score %s exceeds safe threshold", display)
		}
		if err := p.enforce(ctx, ev); err != nil {
			return nil, err
		}
	}

	if err := p.applyRules(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// enforce 持用户锁执行 "查历史 -> 触发器 -> 处置 -> 管理员告警"
//
// 历史读取失败按故障处理 (放行). 锁被占用或锁服务不可用时跳过处置, 决策不变.
func (p *EvaluationPipeline) enforce(ctx context.Context, ev *evaluation) error {
	var stepErr error
	run := func(ctx context.Context) error {
		history, err := p.history(ctx, ev.req.UserID)
		if err != nil {
			stepErr = err
			return err
		}
		ev.history = history
		if history.HasActiveRestriction {
			logger.Debug("active restriction exists, skipping enforcement", zap.String("user_id", ev.req.UserID))
			return nil
		}

		trigger := rules.EvaluateContextualTrigger(ev.tier, *history, patternFlags(ev.signals), actionContexts[ev.req.ActionType])
		if !trigger.HasAction() {
			return nil
		}
		// 调用方已放行时不再落处置
		if err := ctx.Err(); err != nil {
			stepErr = err
			return err
		}
		riskScoreID := ev.riskScoreID
		applied, err := p.deps.Executor.Execute(ctx, ev.req.UserID, trigger, signalIDs(ev.signals), &riskScoreID)
		if err != nil || applied == nil {
			return nil
		}
		id := applied.ID
		ev.enforcementID = &id
		if !applied.ShadowMode {
			if _, err := p.deps.Executor.CreateAdminAlert(ctx, applied); err != nil {
				logger.Warn("create enforcement admin alert failed", zap.String("user_id", ev.req.UserID), zap.Error(err))
			}
		}
		return nil
	}

	if p.deps.UserLock == nil {
		return run(ctx)
	}
	err := p.deps.UserLock.Do(ctx, ev.req.UserID, run)
	switch {
	case stepErr != nil:
		return stepErr
	case errors.Is(err, cache.ErrUserBusy):
		logger.Info("user enforcement in progress elsewhere, skipping", zap.String("user_id", ev.req.UserID))
	case err != nil:
		logger.Warn("user lock unavailable, skipping enforcement", zap.String("user_id", ev.req.UserID), zap.Error(err))
	}
	return nil
}

func (p *EvaluationPipeline) history(ctx context.Context, userID string) (*model.EnforcementHistory, error) {
	var history *model.EnforcementHistory
	err := p.deps.Degradation.Execute(ctx, BreakerHistory, func(ctx context.Context) error {
		var err error
		history, err = p.deps.Enforcements.History(ctx, userID, p.now())
		return err
	})
	return history, err
}

// applyRules 评估管理员规则. block 类覆盖强制拦截, flag 类只把 allow 升级为 flag
func (p *EvaluationPipeline) applyRules(ctx context.Context, ev *evaluation) error {
	eventType := RuleEventType(ev.req.ActionType)
	active := p.deps.Engine.LoadActiveRules(ctx, eventType)
	if len(active) == 0 {
		return nil
	}

	history := model.EnforcementHistory{}
	if ev.history != nil {
		history = *ev.history
	} else if ev.decision != model.DecisionAllow {
		h, err := p.history(ctx, ev.req.UserID)
		if err != nil {
			return err
		}
		history = *h
	}

	rc := p.deps.Contexts.BuildRuleContext(ctx, ev.req.UserID, ev.score, ev.tier, history, patternFlags(ev.signals), eventType)
	result := p.deps.Engine.EvaluateRules(ctx, active, rc, ev.req.UserID)

	if override := result.EnforcementOverride; override.HasAction() && !ev.shadow {
		switch {
		case blockClassActions[override.Action]:
			ev.decision = model.DecisionBlock
			ev.reason = override.Reason
		case flagClassActions[override.Action]:
			if ev.decision != model.DecisionBlock {
				ev.decision = model.DecisionFlag
			}
			ev.reason = override.Reason
		}
	}

	p.deps.SideEffects.Execute(ctx, result, ev.req.UserID)
	return nil
}

func (p *EvaluationPipeline) finish(ctx context.Context, ev *evaluation) *EvaluateResponse {
	score, _ := ev.score.Float64()
	resp := &EvaluateResponse{
		Decision:         ev.decision,
		RiskScore:        score,
		RiskTier:         ev.tier,
		Reason:           ev.reason,
		Signals:          signalTypes(ev.signals),
		EnforcementID:    ev.enforcementID,
		EvaluationTimeMs: p.now().Sub(ev.start).Milliseconds(),
	}
	p.record(ctx, ev.req, resp, ev.shadow)
	return resp
}

// failOpen 故障放行
func (p *EvaluationPipeline) failOpen(ctx context.Context, req *EvaluateRequest, start time.Time, cause error) *EvaluateResponse {
	reason := "error"
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "timeout"
	}
	metrics.RecordFailOpen(reason)
	logger.Error("evaluation failed, failing open",
		zap.String("user_id", req.UserID),
		zap.String("action_type", req.ActionType),
		zap.Error(cause),
	)

	resp := &EvaluateResponse{
		Decision:         model.DecisionAllow,
		RiskTier:         model.TierUnknown,
		Reason:           ReasonFailOpen,
		Signals:          []string{},
		EvaluationTimeMs: p.now().Sub(start).Milliseconds(),
	}
	p.record(ctx, req, resp, p.deps.Switches.ShadowMode())
	return resp
}

// record 写决策日志, 发布事件, 记录指标. 全部尽力而为
func (p *EvaluationPipeline) record(ctx context.Context, req *EvaluateRequest, resp *EvaluateResponse, shadow bool) {
	metrics.RecordDecision(req.ActionType, string(resp.Decision), string(resp.RiskTier), float64(resp.EvaluationTimeMs)/1000)

	// 请求超时或被取消后仍要落日志
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	entry := &model.EvaluationLog{
		UserID:         req.UserID,
		CounterpartyID: req.CounterpartyID,
		ActionType:     req.ActionType,
		Decision:       resp.Decision,
		RiskScore:      resp.RiskScore,
		RiskTier:       resp.RiskTier,
		Reason:         resp.Reason,
		Signals:        model.StringList(resp.Signals),
		EnforcementID:  resp.EnforcementID,
		EvaluationMs:   resp.EvaluationTimeMs,
		ShadowMode:     shadow,
		Metadata:       model.JSONMap(req.Metadata),
	}
	if entry.Metadata == nil {
		entry.Metadata = model.JSONMap{}
	}
	if err := p.deps.EvalLogs.Create(logCtx, entry); err != nil {
		logger.Error("write evaluation log failed", zap.String("user_id", req.UserID), zap.Error(err))
	}

	event := &DecisionEvent{
		UserID:         req.UserID,
		CounterpartyID: req.CounterpartyID,
		ActionType:     req.ActionType,
		Decision:       resp.Decision,
		RiskScore:      resp.RiskScore,
		RiskTier:       resp.RiskTier,
		Reason:         resp.Reason,
		EnforcementID:  resp.EnforcementID,
		ShadowMode:     shadow,
		Timestamp:      p.now().UnixMilli(),
	}
	if err := p.deps.Events.PublishDecision(logCtx, event); err != nil {
		logger.Warn("publish decision event failed", zap.String("user_id", req.UserID), zap.Error(err))
	}
}

// patternFlags 信号模式标记去重, 保持首次出现顺序
func patternFlags(signals []*model.RiskSignal) []string {
	seen := make(map[string]struct{})
	flags := []string{}
	for _, s := range signals {
		for _, f := range s.PatternFlags {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			flags = append(flags, f)
		}
	}
	return flags
}

func signalIDs(signals []*model.RiskSignal) []string {
	ids := make([]string, 0, len(signals))
	for _, s := range signals {
		ids = append(ids, s.ID)
	}
	return ids
}

func signalTypes(signals []*model.RiskSignal) []string {
	types := make([]string, 0, len(signals))
	for _, s := range signals {
		types = append(types, s.SignalType)
	}
	return types
}
