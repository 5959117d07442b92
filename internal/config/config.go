// Package config 提供信任决策服务配置管理
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/eidos-exchange/eidos/eidos-trust/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos/eidos-trust/pkg/logger"
)

// Config 服务配置
type Config struct {
	Service   ServiceConfig         `yaml:"service" json:"service"`
	Log       logger.Config         `yaml:"log" json:"log"`
	Postgres  PostgresConfig        `yaml:"postgres" json:"postgres"`
	Redis     RedisConfig           `yaml:"redis" json:"redis"`
	Kafka     KafkaConfig           `yaml:"kafka" json:"kafka"`
	Auth      AuthConfig            `yaml:"auth" json:"auth"`
	Trust     TrustConfig           `yaml:"trust" json:"trust"`
	Alerting  AlertingConfig        `yaml:"alerting" json:"alerting"`
	Scheduler SchedulerConfig       `yaml:"scheduler" json:"scheduler"`
	Breaker   circuitbreaker.Config `yaml:"breaker" json:"breaker"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Mode     string `yaml:"mode" json:"mode"` // debug, release
	Env      string `yaml:"env" json:"env"`
	// 配置文件变更时热更新开关
	WatchConfig bool `yaml:"watch_config" json:"watch_config"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host                   string `yaml:"host" json:"host"`
	Port                   int    `yaml:"port" json:"port"`
	Database               string `yaml:"database" json:"database"`
	User                   string `yaml:"user" json:"user"`
	Password               string `yaml:"password" json:"password"`
	SSLMode                string `yaml:"ssl_mode" json:"ssl_mode"`
	MaxConnections         int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns           int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" json:"conn_max_lifetime_minutes"`
	AutoMigrate            bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	HMACSecret   string        `yaml:"hmac_secret" json:"-"`
	JWTSecret    string        `yaml:"jwt_secret" json:"-"`
	ReplayWindow time.Duration `yaml:"replay_window" json:"replay_window"` // HMAC 时间戳容忍窗口
}

// TrustConfig 决策与处置配置
type TrustConfig struct {
	// 影子模式: 记录处置但不生效, 默认开启
	ShadowMode *bool `yaml:"shadow_mode" json:"shadow_mode"`
	// 处置总开关: 开启后跳过一切自动处置
	EnforcementKillSwitch bool          `yaml:"enforcement_kill_switch" json:"enforcement_kill_switch"`
	EvaluateTimeout       time.Duration `yaml:"evaluate_timeout" json:"evaluate_timeout"`
	FlagThreshold         string        `yaml:"flag_threshold" json:"flag_threshold"`
	BlockThreshold        string        `yaml:"block_threshold" json:"block_threshold"`
	SignalWindow          time.Duration `yaml:"signal_window" json:"signal_window"`
	SignalLimit           int           `yaml:"signal_limit" json:"signal_limit"`
	RuleReloadInterval    time.Duration `yaml:"rule_reload_interval" json:"rule_reload_interval"`
	UserLockTTL           time.Duration `yaml:"user_lock_ttl" json:"user_lock_ttl"`
}

// AlertingConfig 告警配置
type AlertingConfig struct {
	SLABatchSize  int           `yaml:"sla_batch_size" json:"sla_batch_size"`
	DedupeWindow  time.Duration `yaml:"dedupe_window" json:"dedupe_window"`
	DedupeEnabled bool          `yaml:"dedupe_enabled" json:"dedupe_enabled"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	SLACron       string        `yaml:"sla_cron" json:"sla_cron"`
	SLATimeout    time.Duration `yaml:"sla_timeout" json:"sla_timeout"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 内容, 展开环境变量并填充默认值
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	offset := 0
	for {
		start := strings.Index(result[offset:], "${")
		if start == -1 {
			break
		}
		start += offset
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}

		result = result[:start] + value + result[end+1:]
		// 替换值中再出现 ${ 不再展开
		offset = start + len(value)
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-trust"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8090
	}
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = "release"
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.ServiceName == "" {
		cfg.Log.ServiceName = cfg.Service.Name
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 30
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetimeMinutes == 0 {
		cfg.Postgres.ConnMaxLifetimeMinutes = 60
	}

	if len(cfg.Redis.Addresses) == 0 {
		cfg.Redis.Addresses = []string{"localhost:6379"}
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "eidos-trust"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "eidos-trust"
	}

	if cfg.Auth.ReplayWindow == 0 {
		cfg.Auth.ReplayWindow = 5 * time.Minute
	}

	if cfg.Trust.ShadowMode == nil {
		shadow := true
		cfg.Trust.ShadowMode = &shadow
	}
	if cfg.Trust.EvaluateTimeout == 0 {
		cfg.Trust.EvaluateTimeout = 3 * time.Second
	}
	if cfg.Trust.FlagThreshold == "" {
		cfg.Trust.FlagThreshold = "40"
	}
	if cfg.Trust.BlockThreshold == "" {
		cfg.Trust.BlockThreshold = "70"
	}
	if cfg.Trust.SignalWindow == 0 {
		cfg.Trust.SignalWindow = 7 * 24 * time.Hour
	}
	if cfg.Trust.SignalLimit == 0 {
		cfg.Trust.SignalLimit = 20
	}
	if cfg.Trust.RuleReloadInterval == 0 {
		cfg.Trust.RuleReloadInterval = 30 * time.Second
	}
	if cfg.Trust.UserLockTTL == 0 {
		cfg.Trust.UserLockTTL = 10 * time.Second
	}

	if cfg.Alerting.SLABatchSize == 0 {
		cfg.Alerting.SLABatchSize = 50
	}
	if cfg.Alerting.DedupeWindow == 0 {
		cfg.Alerting.DedupeWindow = 24 * time.Hour
	}

	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 4
	}
	if cfg.Scheduler.SLACron == "" {
		// 秒 分 时 日 月 周
		cfg.Scheduler.SLACron = "0 */5 * * * *"
	}
	if cfg.Scheduler.SLATimeout == 0 {
		cfg.Scheduler.SLATimeout = 2 * time.Minute
	}

	def := circuitbreaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = def.FailureThreshold
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = def.Timeout
	}
	if cfg.Breaker.MaxHalfOpenRequests == 0 {
		cfg.Breaker.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
}

// ShadowModeEnabled 影子模式是否开启
func (c *TrustConfig) ShadowModeEnabled() bool {
	return c.ShadowMode == nil || *c.ShadowMode
}

// GetFlagThreshold 标记阈值
func (c *TrustConfig) GetFlagThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.FlagThreshold)
	if err != nil {
		return decimal.NewFromInt(40)
	}
	return d
}

// GetBlockThreshold 拦截阈值
func (c *TrustConfig) GetBlockThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.BlockThreshold)
	if err != nil {
		return decimal.NewFromInt(70)
	}
	return d
}

// Validate 校验必填项
func (c *Config) Validate() error {
	if c.Auth.HMACSecret == "" {
		return errors.New("auth.hmac_secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Trust.GetFlagThreshold().GreaterThanOrEqual(c.Trust.GetBlockThreshold()) {
		return fmt.Errorf("trust.flag_threshold %s must be below block_threshold %s", c.Trust.FlagThreshold, c.Trust.BlockThreshold)
	}
	return nil
}
