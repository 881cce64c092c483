package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"notifyhub/internal/admission"
	"notifyhub/internal/channel"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/engine"
	"notifyhub/internal/model"
	"notifyhub/internal/scheduler"
	"notifyhub/pkg/circuitbreaker"
	"notifyhub/pkg/config"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverAMQP     = "amqp"

	EmailSMTP     = "smtp"
	EmailPostmark = "postmark"
)

type Config struct {
	Storage   StorageConfig         `yaml:"storage"`
	DB        config.DBConfig       `yaml:"db"`
	MQ        config.MQConfig       `yaml:"mq"`
	Redis     RedisConfig           `yaml:"redis"`
	JWT       config.JWTConfig      `yaml:"jwt"`
	Server    config.ServerConfig   `yaml:"server"`
	OTel      config.OTelConfig     `yaml:"otel"`
	Log       LogConfig             `yaml:"log"`
	Engine    EngineConfig          `yaml:"engine"`
	Lanes     []dispatch.LaneConfig `yaml:"lanes"`
	Channels  ChannelsConfig        `yaml:"channels"`
	Outbox    OutboxConfig          `yaml:"outbox"`
	Directory DirectoryConfig       `yaml:"directory"`
}

// StorageConfig 选择存储与队列实现
type StorageConfig struct {
	// Driver: postgres | memory
	Driver string `yaml:"driver"`
	// Transport: amqp | memory
	Transport string `yaml:"transport"`
}

type RedisConfig struct {
	config.RedisConfig `yaml:",inline"`
	Enabled            bool `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type EngineConfig struct {
	InstanceID         string        `yaml:"instance_id"`
	HeavyLoadThreshold int64         `yaml:"heavy_load_threshold"`
	DeferDelay         time.Duration `yaml:"defer_delay"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	StallThreshold     time.Duration `yaml:"stall_threshold"`
	// QueuedStallThreshold 无发布失败记录的 PENDING/RETRYING 视为丢失前的空闲时长
	QueuedStallThreshold time.Duration `yaml:"queued_stall_threshold"`
	TimerPoolSize        int           `yaml:"timer_pool_size"`
	SweepBatchSize       int           `yaml:"sweep_batch_size"`
	// ClaimTTL 定时触发 / sweep 的 Redis 互斥时长
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

type EmailConfig struct {
	// Provider: smtp | postmark | "" (EMAIL disabled)
	Provider string                 `yaml:"provider"`
	SMTP     channel.SMTPConfig     `yaml:"smtp"`
	Postmark channel.PostmarkConfig `yaml:"postmark"`
}

type ChannelsConfig struct {
	Email           EmailConfig           `yaml:"email"`
	SMSGatewayURL   string                `yaml:"sms_gateway_url"`
	PushGatewayURL  string                `yaml:"push_gateway_url"`
	ProviderTimeout time.Duration         `yaml:"provider_timeout"`
	Breaker         circuitbreaker.Config `yaml:"breaker"`
	InboxMaxItems   int64                 `yaml:"inbox_max_items"`
	InboxTTL        time.Duration         `yaml:"inbox_ttl"`
	WSWriteTimeout  time.Duration         `yaml:"ws_write_timeout"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type DirectoryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Load 读取 config/base.yaml + config/<env>.yaml，再用环境变量覆盖
func Load(env, dir string) (*Config, error) {
	var cfg Config
	if err := config.Decode(env, dir, &cfg); err != nil {
		return nil, err
	}

	cfg.overrideFromEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overrideFromEnv() {
	config.OverrideDBFromEnv(&c.DB)
	config.OverrideMQFromEnv(&c.MQ)
	config.OverrideRedisFromEnv(&c.Redis.RedisConfig)
	config.OverrideJWTFromEnv(&c.JWT)
	config.OverrideServerFromEnv(&c.Server)
	config.OverrideOTelFromEnv(&c.OTel)

	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("TRANSPORT_DRIVER"); v != "" {
		c.Storage.Transport = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Redis.Enabled = b
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ENGINE_INSTANCE_ID"); v != "" {
		c.Engine.InstanceID = v
	}
	c.Engine.SweepInterval = config.GetDuration("ENGINE_SWEEP_INTERVAL", c.Engine.SweepInterval)

	email := &c.Channels.Email
	email.Provider = config.GetEnv("EMAIL_PROVIDER", email.Provider)
	email.SMTP.Host = config.GetEnv("SMTP_HOST", email.SMTP.Host)
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			email.SMTP.Port = p
		}
	}
	email.SMTP.Username = config.GetEnv("SMTP_USERNAME", email.SMTP.Username)
	email.SMTP.Password = config.GetEnv("SMTP_PASSWORD", email.SMTP.Password)
	email.SMTP.From = config.GetEnv("SMTP_FROM", email.SMTP.From)
	email.Postmark.ServerToken = config.GetEnv("POSTMARK_SERVER_TOKEN", email.Postmark.ServerToken)
	email.Postmark.AccountToken = config.GetEnv("POSTMARK_ACCOUNT_TOKEN", email.Postmark.AccountToken)
	email.Postmark.From = config.GetEnv("POSTMARK_FROM", email.Postmark.From)

	c.Channels.SMSGatewayURL = config.GetEnv("SMS_GATEWAY_URL", c.Channels.SMSGatewayURL)
	c.Channels.PushGatewayURL = config.GetEnv("PUSH_GATEWAY_URL", c.Channels.PushGatewayURL)
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.Transport == "" {
		c.Storage.Transport = DriverAMQP
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.DB.SlowQueryMs <= 0 {
		c.DB.SlowQueryMs = 200
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "notifyhub"
	}

	e := &c.Engine
	if e.HeavyLoadThreshold <= 0 {
		e.HeavyLoadThreshold = admission.DefaultHeavyLoadThreshold
	}
	if e.DeferDelay <= 0 {
		e.DeferDelay = engine.DefaultDeferDelay
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = model.MaxRetries
	}
	if e.RetryBackoff <= 0 {
		e.RetryBackoff = engine.DefaultRetryBackoff
	}
	if e.SweepInterval <= 0 {
		e.SweepInterval = scheduler.DefaultSweepInterval
	}
	if e.StallThreshold <= 0 {
		e.StallThreshold = scheduler.DefaultStallThreshold
	}
	if e.QueuedStallThreshold <= 0 {
		e.QueuedStallThreshold = scheduler.DefaultQueuedStallThreshold
	}
	if e.TimerPoolSize <= 0 {
		e.TimerPoolSize = scheduler.DefaultPoolSize
	}
	if e.SweepBatchSize <= 0 {
		e.SweepBatchSize = scheduler.DefaultBatchSize
	}
	if e.ClaimTTL <= 0 {
		e.ClaimTTL = 30 * time.Second
	}

	ch := &c.Channels
	if ch.ProviderTimeout <= 0 {
		ch.ProviderTimeout = 10 * time.Second
	}
	if ch.InboxMaxItems <= 0 {
		ch.InboxMaxItems = 200
	}
	if ch.InboxTTL <= 0 {
		ch.InboxTTL = 30 * 24 * time.Hour
	}
	if ch.WSWriteTimeout <= 0 {
		ch.WSWriteTimeout = 5 * time.Second
	}
	if ch.Email.SMTP.Port == 0 {
		ch.Email.SMTP.Port = 587
	}

	if c.Outbox.Interval <= 0 {
		c.Outbox.Interval = 2 * time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Directory.CacheTTL <= 0 {
		c.Directory.CacheTTL = 5 * time.Minute
	}
}

// Validate normalizes lanes and rejects unknown drivers. The postgres
// storage driver needs the amqp transport for its outbox events.
func (c *Config) Validate() error {
	lanes, err := dispatch.NormalizeLanes(c.Lanes)
	if err != nil {
		return err
	}
	c.Lanes = lanes

	switch c.Storage.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Storage.Transport {
	case DriverAMQP, DriverMemory:
	default:
		return fmt.Errorf("unknown transport %q", c.Storage.Transport)
	}
	if c.Storage.Driver == DriverPostgres && c.Storage.Transport != DriverAMQP {
		return fmt.Errorf("storage driver %q requires the %q transport", DriverPostgres, DriverAMQP)
	}

	switch c.Channels.Email.Provider {
	case "", EmailSMTP, EmailPostmark:
	default:
		return fmt.Errorf("unknown email provider %q", c.Channels.Email.Provider)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}
