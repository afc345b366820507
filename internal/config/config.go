package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Inference InferenceConfig `yaml:"inference" mapstructure:"inference"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// InferenceConfig holds Anthropic API settings for the judgment capability.
type InferenceConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// FetchConfig configures outbound data fetches.
type FetchConfig struct {
	DefaultTimeoutSecs int     `yaml:"default_timeout_secs" mapstructure:"default_timeout_secs"`
	RatePerHost        float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	RateBurst          int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// SchedulerConfig configures the validation scheduler.
type SchedulerConfig struct {
	ReconcileIntervalSecs int `yaml:"reconcile_interval_secs" mapstructure:"reconcile_interval_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml and VALIDATOR_* environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VALIDATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "validator.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("inference.model", "claude-haiku-4-5-20251001")
	v.SetDefault("inference.max_tokens", 2048)
	v.SetDefault("inference.timeout_secs", 60)
	v.SetDefault("fetch.default_timeout_secs", 30)
	v.SetDefault("fetch.rate_per_host", 10)
	v.SetDefault("fetch.rate_burst", 10)
	v.SetDefault("scheduler.reconcile_interval_secs", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration has everything the given mode
// needs. Mode is the subcommand being run ("run" or "serve").
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "run":
		check(c.Inference.Key != "", "inference.key is required")
	case "serve":
		check(c.Inference.Key != "", "inference.key is required")
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(c.Server.Port > 0, "server.port must be > 0")
		check(c.Scheduler.ReconcileIntervalSecs > 0, "scheduler.reconcile_interval_secs must be > 0")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	check(c.Fetch.DefaultTimeoutSecs > 0, "fetch.default_timeout_secs must be > 0")
	check(c.Inference.MaxTokens > 0, "inference.max_tokens must be > 0")

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
