package config

import "sync/atomic"

// Switches 进程级安全开关. 决策时只读, 允许运行时由配置热更新翻转
type Switches struct {
	shadowMode atomic.Bool
	killSwitch atomic.Bool
}

// SwitchState 开关快照
type SwitchState struct {
	ShadowMode bool `json:"shadow_mode"`
	KillSwitch bool `json:"enforcement_kill_switch"`
}

// NewSwitches 创建开关
func NewSwitches(shadowMode, killSwitch bool) *Switches {
	s := &Switches{}
	s.shadowMode.Store(shadowMode)
	s.killSwitch.Store(killSwitch)
	return s
}

// SwitchesFromConfig 从配置创建开关
func SwitchesFromConfig(cfg *TrustConfig) *Switches {
	return NewSwitches(cfg.ShadowModeEnabled(), cfg.EnforcementKillSwitch)
}

// ShadowMode 影子模式
func (s *Switches) ShadowMode() bool {
	return s.shadowMode.Load()
}

// KillSwitch 处置总开关
func (s *Switches) KillSwitch() bool {
	return s.killSwitch.Load()
}

// Snapshot 当前状态
func (s *Switches) Snapshot() SwitchState {
	return SwitchState{
		ShadowMode: s.ShadowMode(),
		KillSwitch: s.KillSwitch(),
	}
}

// Apply 应用新配置, 返回变更前后状态
func (s *Switches) Apply(cfg *TrustConfig) (before, after SwitchState) {
	before = SwitchState{
		ShadowMode: s.shadowMode.Swap(cfg.ShadowModeEnabled()),
		KillSwitch: s.killSwitch.Swap(cfg.EnforcementKillSwitch),
	}
	return before, s.Snapshot()
}
