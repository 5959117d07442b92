package model

// All 全部模型, 测试用 AutoMigrate
func All() []interface{} {
	return []interface{}{
		&DetectionRule{},
		&RuleMatchLog{},
		&EnforcementAction{},
		&EscalationCase{},
		&Alert{},
		&AlertSubscription{},
		&AuditLog{},
		&RiskScore{},
		&RiskSignal{},
		&User{},
		&EvaluationLog{},
		&JobExecution{},
	}
}
