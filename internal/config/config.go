package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 为环境变量覆盖项的统一前缀。
const EnvPrefix = "AGENTPAY_"

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Idempotency  IdempotencyConfig  `json:"idempotency" yaml:"idempotency"`
	Events       EventsConfig       `json:"events" yaml:"events"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Web3         Web3Config         `json:"web3" yaml:"web3"`
	Agents       AgentsConfig       `json:"agents" yaml:"agents"`
	Settlement   SettlementConfig   `json:"settlement" yaml:"settlement"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Runtime      RuntimeConfig      `json:"runtime" yaml:"runtime"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address            string `json:"address" yaml:"address"`
	ReadTimeoutSeconds int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	// WriteTimeoutSeconds 需覆盖协调型智能体的端点超时与结算时长。
	WriteTimeoutSeconds int `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level" yaml:"level"`
	Format      string      `json:"format" yaml:"format"`
	OutputPaths []string    `json:"output_paths" yaml:"output_paths"`
	Audit       AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 描述结算审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// StorageConfig 描述回执存储的连接信息。
type StorageConfig struct {
	Receipts ReceiptStoreConfig `json:"receipts" yaml:"receipts"`
}

// ReceiptStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type ReceiptStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// IdempotencyConfig 控制意图去重守卫。
type IdempotencyConfig struct {
	Driver            string      `json:"driver" yaml:"driver"`
	PendingTTLSeconds int         `json:"pending_ttl_seconds" yaml:"pending_ttl_seconds"`
	SettledTTLSeconds int         `json:"settled_ttl_seconds" yaml:"settled_ttl_seconds"`
	Redis             RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// EventsConfig 控制结算事件的发布方式。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
}

// RabbitMQConfig 描述 RabbitMQ 交换机。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// NATSConfig 描述 NATS 连接。
type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	Name          string `json:"name" yaml:"name"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log      bool            `json:"log" yaml:"log"`
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

// WebhookConfig 描述一个回调渠道，Kind 取值 webhook、slack、dingtalk。
type WebhookConfig struct {
	Kind string `json:"kind" yaml:"kind"`
	URL  string `json:"url" yaml:"url"`
}

// MetricsConfig 控制 Prometheus 指标。Address 非空时额外启动独立的指标服务。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// Web3Config 描述账本网络。ChainConfig 指向链定义文件；未提供时使用 RPCURL 与 Router
// 构造单一的 EVM 网络。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	Router       string `json:"router" yaml:"router"`
}

// AgentsConfig 指向智能体目录文件。
type AgentsConfig struct {
	Catalog string `json:"catalog" yaml:"catalog"`
}

// SettlementConfig 描述协议费与付款方密钥。
type SettlementConfig struct {
	FeeBps         uint32 `json:"fee_bps" yaml:"fee_bps"`
	ProtocolPayout string `json:"protocol_payout" yaml:"protocol_payout"`
	// PayerKeyHex 为十六进制私钥，建议通过 PayerKeyEnv 指定的环境变量注入。
	PayerKeyHex    string        `json:"payer_key" yaml:"payer_key"`
	PayerKeyEnv    string        `json:"payer_key_env" yaml:"payer_key_env"`
	TimeoutSeconds int           `json:"timeout_seconds" yaml:"timeout_seconds"`
	Confirm        ConfirmConfig `json:"confirm" yaml:"confirm"`
}

// ConfirmConfig 描述确认轮询的退避参数。
type ConfirmConfig struct {
	MaxPolls       int     `json:"max_polls" yaml:"max_polls"`
	InitialDelayMS int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMS     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Multiplier     float64 `json:"multiplier" yaml:"multiplier"`
}

// OrchestratorConfig 按智能体类别配置端点超时。
type OrchestratorConfig struct {
	SimpleTimeoutSeconds      int `json:"simple_timeout_seconds" yaml:"simple_timeout_seconds"`
	CoordinatorTimeoutSeconds int `json:"coordinator_timeout_seconds" yaml:"coordinator_timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// AuthConfig 控制 API 的身份认证，Mode 取值 disabled 或 api_key。
type AuthConfig struct {
	Mode string         `json:"mode" yaml:"mode"`
	Keys []APIKeyConfig `json:"keys" yaml:"keys"`
}

// APIKeyConfig 描述一个 API 客户端。Key 为明文密钥，KeyHash 为其 SHA-256 摘要，
// KeyEnv 指定保存明文密钥的环境变量。
type APIKeyConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Key         string   `json:"key" yaml:"key"`
	KeyHash     string   `json:"key_hash" yaml:"key_hash"`
	KeyEnv      string   `json:"key_env" yaml:"key_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// Secret 返回明文密钥，KeyEnv 指定的环境变量优先。
func (k APIKeyConfig) Secret() string {
	if k.KeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(k.KeyEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(k.Key)
}

// Load 解析指定路径的配置文件。.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
// 随后加载 .env 文件并应用 AGENTPAY_* 环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(path)
	loadDotEnv(baseDir)
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 按扩展名解析配置内容，不应用默认值与环境变量。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// loadDotEnv 依次尝试配置目录与工作目录下的 .env，已存在的环境变量不会被覆盖。
func loadDotEnv(baseDir string) {
	candidates := []string{filepath.Join(baseDir, ".env"), ".env"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate)
		}
	}
}

// applyEnv 应用 AGENTPAY_* 环境变量覆盖。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, target *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	str("SERVER_ADDRESS", &c.Server.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("RECEIPT_DRIVER", &c.Storage.Receipts.Driver)
	str("RECEIPT_DSN", &c.Storage.Receipts.DSN)
	str("IDEMPOTENCY_DRIVER", &c.Idempotency.Driver)
	str("REDIS_ADDRESS", &c.Idempotency.Redis.Address)
	str("REDIS_PASSWORD", &c.Idempotency.Redis.Password)
	str("EVENTS_DRIVER", &c.Events.Driver)
	str("RABBITMQ_URL", &c.Events.RabbitMQ.URL)
	str("NATS_URL", &c.Events.NATS.URL)
	str("METRICS_ADDRESS", &c.Metrics.Address)
	str("CHAIN_CONFIG", &c.Web3.ChainConfig)
	str("DEFAULT_CHAIN", &c.Web3.DefaultChain)
	str("RPC_URL", &c.Web3.RPCURL)
	str("ROUTER", &c.Web3.Router)
	str("AGENT_CATALOG", &c.Agents.Catalog)
	str("PROTOCOL_PAYOUT", &c.Settlement.ProtocolPayout)
	str("PAYER_KEY", &c.Settlement.PayerKeyHex)
	str("AUTH_MODE", &c.Auth.Mode)

	if v, ok := lookup(EnvPrefix + "FEE_BPS"); ok && strings.TrimSpace(v) != "" {
		bps, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("解析 %sFEE_BPS 失败: %w", EnvPrefix, err)
		}
		c.Settlement.FeeBps = uint32(bps)
	}
	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("解析 %sREDIS_DB 失败: %w", EnvPrefix, err)
		}
		c.Idempotency.Redis.DB = db
	}
	if v, ok := lookup(EnvPrefix + "METRICS_ENABLED"); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("解析 %sMETRICS_ENABLED 失败: %w", EnvPrefix, err)
		}
		c.Metrics.Enabled = enabled
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并将相对路径解析到配置目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 300
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Storage.Receipts.Driver == "" {
		c.Storage.Receipts.Driver = "memory"
	}
	if c.Storage.Receipts.Driver == "sqlite" && c.Storage.Receipts.DSN == "" {
		c.Storage.Receipts.DSN = filepath.Join(c.Runtime.DataDir, "receipts.db")
	}

	if c.Idempotency.Driver == "" {
		c.Idempotency.Driver = "memory"
	}
	if c.Idempotency.PendingTTLSeconds <= 0 {
		c.Idempotency.PendingTTLSeconds = 600
	}
	if c.Idempotency.SettledTTLSeconds <= 0 {
		c.Idempotency.SettledTTLSeconds = 86400
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}

	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	c.Agents.Catalog = resolve(baseDir, c.Agents.Catalog)

	if c.Settlement.TimeoutSeconds <= 0 {
		c.Settlement.TimeoutSeconds = 120
	}
	if c.Settlement.Confirm.MaxPolls <= 0 {
		c.Settlement.Confirm.MaxPolls = 8
	}
	if c.Settlement.Confirm.InitialDelayMS <= 0 {
		c.Settlement.Confirm.InitialDelayMS = 500
	}
	if c.Settlement.Confirm.MaxDelayMS <= 0 {
		c.Settlement.Confirm.MaxDelayMS = 8000
	}
	if c.Settlement.Confirm.Multiplier < 1 {
		c.Settlement.Confirm.Multiplier = 2
	}

	if c.Orchestrator.SimpleTimeoutSeconds <= 0 {
		c.Orchestrator.SimpleTimeoutSeconds = 30
	}
	if c.Orchestrator.CoordinatorTimeoutSeconds <= 0 {
		c.Orchestrator.CoordinatorTimeoutSeconds = 120
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查驱动名称与必填项。
func (c *Config) Validate() error {
	switch c.Storage.Receipts.Driver {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.Receipts.DSN) == "" {
			return fmt.Errorf("回执存储驱动 %s 需要配置 dsn", c.Storage.Receipts.Driver)
		}
	default:
		return fmt.Errorf("未知的回执存储驱动: %s", c.Storage.Receipts.Driver)
	}

	switch c.Idempotency.Driver {
	case "memory", "none":
	case "redis":
		if strings.TrimSpace(c.Idempotency.Redis.Address) == "" {
			return errors.New("redis 去重守卫需要配置 address")
		}
	default:
		return fmt.Errorf("未知的去重驱动: %s", c.Idempotency.Driver)
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "rabbitmq":
		if strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
			return errors.New("rabbitmq 事件发布需要配置 url")
		}
	case "nats":
		if strings.TrimSpace(c.Events.NATS.URL) == "" {
			return errors.New("nats 事件发布需要配置 url")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}

	for i, hook := range c.Alerting.Webhooks {
		switch hook.Kind {
		case "", "webhook", "slack", "dingtalk":
		default:
			return fmt.Errorf("告警回调 %d 的类型非法: %s", i, hook.Kind)
		}
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("告警回调 %d 缺少 url", i)
		}
	}

	switch c.Auth.Mode {
	case "disabled":
	case "api_key":
		if len(c.Auth.Keys) == 0 {
			return errors.New("api_key 认证模式至少需要配置一个密钥")
		}
		for i, key := range c.Auth.Keys {
			if strings.TrimSpace(key.ID) == "" {
				return fmt.Errorf("API 密钥 %d 缺少 id", i)
			}
			if key.Secret() == "" && strings.TrimSpace(key.KeyHash) == "" {
				return fmt.Errorf("API 密钥 %s 需要配置 key、key_hash 或 key_env", key.ID)
			}
		}
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}

	if c.Settlement.FeeBps > 10_000 {
		return fmt.Errorf("协议费率 %d 超过 10000 基点", c.Settlement.FeeBps)
	}
	if p := strings.TrimSpace(c.Settlement.ProtocolPayout); p != "" && !common.IsHexAddress(p) {
		return fmt.Errorf("协议收款地址非法: %q", p)
	}
	return nil
}

// PayerKey 返回付款方私钥，PayerKeyEnv 指定的环境变量优先。
func (s SettlementConfig) PayerKey() string {
	if s.PayerKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(s.PayerKeyEnv)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(s.PayerKeyHex)
}

// ProtocolPayoutAddress 返回协议收款地址。
func (s SettlementConfig) ProtocolPayoutAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(s.ProtocolPayout))
}

// ReadTimeout 返回读取请求的超时。
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout 返回写回响应的超时。
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// Timeout 返回结算阶段的超时。
func (s SettlementConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// InitialDelay 返回首次轮询前的等待。
func (c ConfirmConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMS) * time.Millisecond
}

// MaxDelay 返回轮询间隔上限。
func (c ConfirmConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

// SimpleTimeout 返回简单型智能体的端点超时。
func (o OrchestratorConfig) SimpleTimeout() time.Duration {
	return time.Duration(o.SimpleTimeoutSeconds) * time.Second
}

// CoordinatorTimeout 返回协调型智能体的端点超时。
func (o OrchestratorConfig) CoordinatorTimeout() time.Duration {
	return time.Duration(o.CoordinatorTimeoutSeconds) * time.Second
}

// PendingTTL 返回处理中意图的占用时长。
func (i IdempotencyConfig) PendingTTL() time.Duration {
	return time.Duration(i.PendingTTLSeconds) * time.Second
}

// SettledTTL 返回已结算意图的保留时长。
func (i IdempotencyConfig) SettledTTL() time.Duration {
	return time.Duration(i.SettledTTLSeconds) * time.Second
}

// ConnMaxLifetime 返回连接最长存活时间。
func (r ReceiptStoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(r.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最长空闲时间。
func (r ReceiptStoreConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(r.ConnMaxIdleTimeSeconds) * time.Second
}
