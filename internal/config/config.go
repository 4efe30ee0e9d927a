package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Taxonomy   TaxonomyConfig   `yaml:"taxonomy" mapstructure:"taxonomy"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// PipelineConfig configures chunking and loop pacing.
type PipelineConfig struct {
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency       int    `yaml:"concurrency" mapstructure:"concurrency"`
	IdleIntervalSecs  int    `yaml:"idle_interval_secs" mapstructure:"idle_interval_secs"`
	PauseIntervalSecs int    `yaml:"pause_interval_secs" mapstructure:"pause_interval_secs"`
	SourceLanguage    string `yaml:"source_language" mapstructure:"source_language"`
	TargetLanguage    string `yaml:"target_language" mapstructure:"target_language"`
}

// RetryConfig configures the bounded-attempt caller.
type RetryConfig struct {
	MaxAttempts            int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseWaitMs             int     `yaml:"base_wait_ms" mapstructure:"base_wait_ms"`
	Multiplier             float64 `yaml:"multiplier" mapstructure:"multiplier"`
	RateLimitMarginMs      int     `yaml:"rate_limit_margin_ms" mapstructure:"rate_limit_margin_ms"`
	DefaultRateLimitWaitMs int     `yaml:"default_rate_limit_wait_ms" mapstructure:"default_rate_limit_wait_ms"`
	JitterFraction         float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the dequeue circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// TaxonomyConfig points at a tag vocabulary file. Empty uses the built-in one.
type TaxonomyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxFailedItems       int     `yaml:"max_failed_items" mapstructure:"max_failed_items"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VOCAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "vocab_project.db")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("anthropic.requests_per_second", 10)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.concurrency", 20)
	v.SetDefault("pipeline.idle_interval_secs", 5)
	v.SetDefault("pipeline.pause_interval_secs", 2)
	v.SetDefault("pipeline.source_language", "Spanish")
	v.SetDefault("pipeline.target_language", "Chinese")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_wait_ms", 1000)
	v.SetDefault("retry.multiplier", 1.0)
	v.SetDefault("retry.rate_limit_margin_ms", 1000)
	v.SetDefault("retry.default_rate_limit_wait_ms", 5000)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("taxonomy.path", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.max_failed_items", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode depends on. Modes: "work",
// "serve", "store".
func (c *Config) Validate(mode string) error {
	var problems []string
	require := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	validateStore := func() {
		require(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres",
			"store.driver must be sqlite or postgres, got %q", c.Store.Driver)
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	}

	switch mode {
	case "store":
		validateStore()
	case "work":
		validateStore()
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Anthropic.Model != "", "anthropic.model is required")
		require(c.Pipeline.BatchSize >= 1 && c.Pipeline.BatchSize <= 500,
			"pipeline.batch_size must be between 1 and 500")
		require(c.Pipeline.Concurrency >= 1 && c.Pipeline.Concurrency <= 100,
			"pipeline.concurrency must be between 1 and 100")
		require(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be >= 1")
		require(c.Retry.JitterFraction >= 0 && c.Retry.JitterFraction <= 1,
			"retry.jitter_fraction must be between 0 and 1")
	case "serve":
		validateStore()
		require(c.Server.Port > 0, "server.port must be > 0")
		require(c.Monitoring.FailureRateThreshold >= 0 && c.Monitoring.FailureRateThreshold <= 1,
			"monitoring.failure_rate_threshold must be between 0 and 1")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
