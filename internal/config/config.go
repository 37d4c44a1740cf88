package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"offer-redemption-engine/internal/features"
	"offer-redemption-engine/internal/ratelimit"
	"offer-redemption-engine/internal/redemption"
	"offer-redemption-engine/internal/tracing"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Database   DatabaseConfig          `mapstructure:"database"`
	Redis      RedisConfig             `mapstructure:"redis"`
	RateLimit  RateLimitConfig         `mapstructure:"rate_limit"`
	Identity   IdentityConfig          `mapstructure:"identity"`
	Commit     redemption.CommitPolicy `mapstructure:"commit"`
	Sessions   SessionsConfig          `mapstructure:"sessions"`
	Reconciler ReconcilerConfig        `mapstructure:"reconciler"`
	Kafka      KafkaConfig             `mapstructure:"kafka"`
	Tracing    tracing.Config          `mapstructure:"tracing"`
	Log        LogConfig               `mapstructure:"log"`
	Features   map[string]bool         `mapstructure:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
	// Max request body size in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins  string        `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the ledger store. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

// RedisConfig is only used when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig holds per-action limiter rules.
type RateLimitConfig struct {
	Enabled bool                      `mapstructure:"enabled"`
	Rules   map[string]ratelimit.Rule `mapstructure:"rules"`
}

type IdentityConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type SessionsConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ReconcilerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

// KafkaConfig enables the outbound change feed when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// LoadConfig loads configuration from defaults, an optional config file and
// the environment. Environment variables take precedence: server.port is
// read from SERVER_PORT.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "")
	v.SetDefault("server.max_request_body_size", 1<<20)
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./offer_redemption.db")
	v.SetDefault("database.url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.enabled", true)
	for action, rule := range ratelimit.DefaultRules() {
		v.SetDefault("rate_limit.rules."+action+".max_requests", rule.MaxRequests)
		v.SetDefault("rate_limit.rules."+action+".window", rule.Window)
	}

	v.SetDefault("identity.cache_ttl", time.Minute)

	commit := redemption.DefaultCommitPolicy()
	v.SetDefault("commit.timeout", commit.Timeout)
	v.SetDefault("commit.attempts", commit.Attempts)
	v.SetDefault("commit.backoff", commit.Backoff)

	v.SetDefault("sessions.idle_ttl", 30*time.Minute)
	v.SetDefault("sessions.sweep_interval", time.Minute)

	v.SetDefault("reconciler.interval", time.Minute)
	v.SetDefault("reconciler.concurrency", 4)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "redemptions")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.service_name", "offer-redemption-engine")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	for name, enabled := range features.Defaults() {
		v.SetDefault("features."+name, enabled)
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.MaxRequestBodySize <= 0 {
		return errors.New("max request body size must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database url is required for postgres")
		}
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.RateLimit.Enabled {
		for action, rule := range c.RateLimit.Rules {
			if rule.MaxRequests <= 0 {
				return errors.Errorf("rate limit %s: max_requests must be positive", action)
			}
			if rule.Window <= 0 {
				return errors.Errorf("rate limit %s: window must be positive", action)
			}
		}
	}

	if c.Commit.Attempts < 1 {
		return errors.New("commit attempts must be at least 1")
	}
	if c.Commit.Timeout <= 0 {
		return errors.New("commit timeout must be positive")
	}
	if c.Sessions.IdleTTL <= 0 || c.Sessions.SweepInterval <= 0 {
		return errors.New("session idle ttl and sweep interval must be positive")
	}
	if c.Reconciler.Concurrency < 1 {
		return errors.New("reconciler concurrency must be at least 1")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing sample ratio must be within [0, 1]")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// AllowedOrigins splits the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.Server.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
