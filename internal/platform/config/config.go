package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	CRM        CRMConfig        `mapstructure:"crm"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Storage    StorageConfig    `mapstructure:"storage"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url" validate:"required"`
	MaxConnections int    `mapstructure:"max_connections"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// URL selects the queue backend: redis://, rediss:// or memory://.
	URL          string        `mapstructure:"url" validate:"required"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	StreamPrefix string        `mapstructure:"stream_prefix"`
	Group        string        `mapstructure:"group" validate:"required"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

type CRMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url" validate:"required_if=Enabled true"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Currency   string        `mapstructure:"currency"`

	// RequestsPerSecond throttles outbound calls, 0 disables.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst"`

	FunnelName string `mapstructure:"funnel_name"`
	CategoryID int64  `mapstructure:"category_id"`

	QuantityField  string `mapstructure:"quantity_field"`
	FileField      string `mapstructure:"file_field"`
	DocumentsField string `mapstructure:"documents_field"`
	DiskFolderID   string `mapstructure:"disk_folder_id"`

	// ContactUserField holds the local user id on contacts.
	ContactUserField string `mapstructure:"contact_user_field"`
	// AutocreateFields creates missing UF_CRM_ fields when the worker starts.
	AutocreateFields bool `mapstructure:"autocreate_fields"`

	// InboundTokenHash is a bcrypt hash of the application token the CRM
	// sends with outgoing webhooks. Empty disables the check.
	InboundTokenHash string `mapstructure:"inbound_token_hash"`
	// InboundSigningSecret verifies X-Webhook-Signature from internal senders.
	InboundSigningSecret string `mapstructure:"inbound_signing_secret"`
}

type WorkerConfig struct {
	BatchSize     int64         `mapstructure:"batch_size" validate:"gte=1"`
	PollBlock     time.Duration `mapstructure:"poll_block"`
	IdleSleep     time.Duration `mapstructure:"idle_sleep"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	ReclaimIdle   time.Duration `mapstructure:"reclaim_idle"`
	AuditInterval time.Duration `mapstructure:"audit_interval"`
	AuditGrace    time.Duration `mapstructure:"audit_grace"`
	Budgets       BudgetConfig  `mapstructure:"budgets"`
	// MetricsAddr is where the worker serves /metrics and /health. Empty
	// disables the listener.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// BudgetConfig is the retry budget per failure class. Each class gets
// at least one.
type BudgetConfig struct {
	Permanent     int `mapstructure:"permanent" validate:"gte=1"`
	BusinessLogic int `mapstructure:"business_logic" validate:"gte=1"`
	Transient     int `mapstructure:"transient" validate:"gte=1"`
}

type CleanupConfig struct {
	Finder       string `mapstructure:"finder" validate:"oneof=window filtered"`
	WindowRadius int64  `mapstructure:"window_radius"`
	FallbackMax  int64  `mapstructure:"fallback_max"`
	KeepPolicy   string `mapstructure:"keep_policy" validate:"oneof=newest linked"`
}

type DeadLetterConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=log stream amqp"`
	AMQPURL  string `mapstructure:"amqp_url" validate:"required_if=Backend amqp"`
	Exchange string `mapstructure:"exchange"`
}

type StorageConfig struct {
	Backend  string   `mapstructure:"backend" validate:"oneof=local s3"`
	BasePath string   `mapstructure:"base_path"`
	S3       S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type RateLimitConfig struct {
	WebhookPerMinute int `mapstructure:"webhook_per_minute"`
	AdminPerMinute   int `mapstructure:"admin_per_minute"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "file:data/shop.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.stream_prefix", "crm:")
	v.SetDefault("redis.group", "crm_workers")
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("crm.timeout", 10*time.Second)
	v.SetDefault("crm.currency", "RUB")
	v.SetDefault("crm.requests_per_second", 2)
	v.SetDefault("crm.burst", 10)
	v.SetDefault("crm.funnel_name", "MaaS")
	v.SetDefault("crm.quantity_field", "UF_CRM_QUANTITY")
	v.SetDefault("crm.file_field", "UF_CRM_MODEL_FILE")
	v.SetDefault("crm.documents_field", "UF_CRM_DOCUMENTS")
	v.SetDefault("crm.disk_folder_id", "1")
	v.SetDefault("crm.contact_user_field", "UF_CRM_APP_USER_ID")
	v.SetDefault("crm.autocreate_fields", true)

	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.poll_block", time.Second)
	v.SetDefault("worker.idle_sleep", 500*time.Millisecond)
	v.SetDefault("worker.retry_delay", 10*time.Second)
	v.SetDefault("worker.reclaim_idle", 60*time.Second)
	v.SetDefault("worker.audit_interval", 15*time.Minute)
	v.SetDefault("worker.audit_grace", 10*time.Minute)
	v.SetDefault("worker.budgets.permanent", 2)
	v.SetDefault("worker.budgets.business_logic", 3)
	v.SetDefault("worker.budgets.transient", 5)
	v.SetDefault("worker.metrics_addr", ":9090")

	v.SetDefault("cleanup.finder", "window")
	v.SetDefault("cleanup.window_radius", 20)
	v.SetDefault("cleanup.fallback_max", 200)
	v.SetDefault("cleanup.keep_policy", "newest")

	v.SetDefault("dead_letter.backend", "log")
	v.SetDefault("dead_letter.exchange", "crm.deadletter")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_path", "uploads")

	v.SetDefault("jwt.access_token_ttl", time.Hour)

	v.SetDefault("rate_limit.webhook_per_minute", 600)
	v.SetDefault("rate_limit.admin_per_minute", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func Load(path string) (*Config, error) {
	setDefaults(viper.GetViper())
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Watch re-reads the config file on change and hands the fresh copy to
// onChange. Only settings that are safe to swap at runtime should be
// consumed by the callback.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var config Config
		if err := viper.Unmarshal(&config); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("config reload failed")
			return
		}
		if err := config.Validate(); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("reloaded config rejected")
			return
		}
		log.Info().Str("file", e.Name).Msg("config reloaded")
		onChange(&config)
	})
	viper.WatchConfig()
}
