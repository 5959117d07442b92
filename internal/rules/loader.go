package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-trust/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-trust/internal/model"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// RuleStore 规则存储
type RuleStore interface {
	// ListEnabled 所有启用规则, 按优先级升序
	ListEnabled(ctx context.Context) ([]*model.DetectionRule, error)
	// Fingerprint 启用规则集合的版本指纹
	Fingerprint(ctx context.Context) (string, error)
}

// DynamicRuleLoader 缓存启用规则并热更新
//
// 读取方拿到的是按事件类型建立的快照, 重载时整体替换.
// 管理端写入后调用 Invalidate, 下一次读取即同步重载.
type DynamicRuleLoader struct {
	mu          sync.RWMutex
	byEvent     map[string][]*model.DetectionRule
	total       int
	fingerprint string
	loaded      bool

	stale atomic.Bool

	store        RuleStore
	reloadPeriod time.Duration
	reloadChan   chan struct{}
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewDynamicRuleLoader 创建规则加载器
func NewDynamicRuleLoader(store RuleStore, reloadPeriod time.Duration) *DynamicRuleLoader {
	if reloadPeriod == 0 {
		reloadPeriod = 30 * time.Second
	}
	return &DynamicRuleLoader{
		byEvent:      make(map[string][]*model.DetectionRule),
		store:        store,
		reloadPeriod: reloadPeriod,
		reloadChan:   make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
	}
}

// Start 首次加载并启动后台轮询. 首次加载失败时轮询照常启动, 由其继续重试
func (l *DynamicRuleLoader) Start(ctx context.Context) error {
	err := l.Reload(ctx, "startup")
	go l.periodicReload(ctx)
	if err != nil {
		return err
	}

	logger.Info("dynamic rule loader started",
		zap.Duration("reload_period", l.reloadPeriod),
		zap.Int("rules", l.Count()),
	)
	return nil
}

// Stop 停止后台轮询
func (l *DynamicRuleLoader) Stop() {
	l.stopOnce.Do(func() { close(l.stopChan) })
}

// Rules 实现 RuleSource
func (l *DynamicRuleLoader) Rules(ctx context.Context, eventType string) ([]*model.DetectionRule, error) {
	if l.stale.Load() || !l.isLoaded() {
		if err := l.Reload(ctx, "invalidate"); err != nil {
			// 有旧快照时继续使用
			if !l.isLoaded() {
				return nil, err
			}
			logger.Warn("rule reload failed, serving cached rules", zap.Error(err))
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	rules := l.byEvent[eventType]
	out := make([]*model.DetectionRule, len(rules))
	copy(out, rules)
	return out, nil
}

// Invalidate 标记缓存失效, 并通知后台协程重载
func (l *DynamicRuleLoader) Invalidate() {
	l.stale.Store(true)
	select {
	case l.reloadChan <- struct{}{}:
	default:
	}
}

// Count 缓存中的规则数
func (l *DynamicRuleLoader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Reload 从存储重新加载全部启用规则
func (l *DynamicRuleLoader) Reload(ctx context.Context, trigger string) error {
	// 先取指纹, 加载期间的变更会在下一次轮询被发现
	fp, err := l.store.Fingerprint(ctx)
	if err != nil {
		metrics.RecordRuleReload(trigger, false, 0)
		return err
	}
	l.stale.Store(false)

	rules, err := l.store.ListEnabled(ctx)
	if err != nil {
		l.stale.Store(true)
		metrics.RecordRuleReload(trigger, false, 0)
		return err
	}

	byEvent := make(map[string][]*model.DetectionRule)
	for _, rule := range rules {
		for _, eventType := range rule.TriggerEventTypes {
			byEvent[eventType] = append(byEvent[eventType], rule)
		}
	}

	l.mu.Lock()
	l.byEvent = byEvent
	l.total = len(rules)
	l.fingerprint = fp
	l.loaded = true
	l.mu.Unlock()

	metrics.RecordRuleReload(trigger, true, len(rules))
	logger.Debug("rules reloaded", zap.String("trigger", trigger), zap.Int("count", len(rules)), zap.String("fingerprint", fp))
	return nil
}

func (l *DynamicRuleLoader) isLoaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// reloadIfChanged 指纹变化时重载
func (l *DynamicRuleLoader) reloadIfChanged(ctx context.Context) error {
	fp, err := l.store.Fingerprint(ctx)
	if err != nil {
		return err
	}
	l.mu.RLock()
	unchanged := l.loaded && fp == l.fingerprint
	l.mu.RUnlock()
	if unchanged {
		return nil
	}
	return l.Reload(ctx, "poll")
}

func (l *DynamicRuleLoader) periodicReload(ctx context.Context) {
	ticker := time.NewTicker(l.reloadPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopChan:
			return
		case <-l.reloadChan:
			if l.stale.Load() {
				if err := l.Reload(ctx, "invalidate"); err != nil {
					logger.Error("rule reload after invalidation failed", zap.Error(err))
				}
			}
		case <-ticker.C:
			if err := l.reloadIfChanged(ctx); err != nil {
				logger.Error("periodic rule reload failed", zap.Error(err))
			}
		}
	}
}
