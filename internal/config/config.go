package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Normalize    NormalizeConfig    `yaml:"normalize" mapstructure:"normalize"`
	Rules        RulesConfig        `yaml:"rules" mapstructure:"rules"`
	Blob         BlobConfig         `yaml:"blob" mapstructure:"blob"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OrchestratorConfig configures the upload worker pool and sweeper.
type OrchestratorConfig struct {
	Workers              int     `yaml:"workers" mapstructure:"workers"`
	PollIntervalMs       int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	SweepIntervalSecs    int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	ParseTimeoutSecs     int     `yaml:"parse_timeout_secs" mapstructure:"parse_timeout_secs"`
	NormalizeTimeoutSecs int     `yaml:"normalize_timeout_secs" mapstructure:"normalize_timeout_secs"`
	MaxRetries           int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffInitialSecs   int     `yaml:"backoff_initial_secs" mapstructure:"backoff_initial_secs"`
	BackoffMaxSecs       int     `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	BackoffMultiplier    float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	BackoffJitter        float64 `yaml:"backoff_jitter" mapstructure:"backoff_jitter"`
}

// PollInterval returns the idle poll interval of a worker.
func (c OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SweepInterval returns the period of the timeout and retry sweeper.
func (c OrchestratorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// NormalizeConfig configures canonical construction.
type NormalizeConfig struct {
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
	WarningPenalty float64 `yaml:"warning_penalty" mapstructure:"warning_penalty"`
}

// RulesConfig points at an optional YAML rule file loaded on top of the
// built-in domain rules.
type RulesConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// BlobConfig configures the content-addressed artifact store.
type BlobConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxUploadMB int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// MonitoringConfig configures health snapshots and webhook alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewQueueThreshold int     `yaml:"review_queue_threshold" mapstructure:"review_queue_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "truth.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("orchestrator.workers", 4)
	v.SetDefault("orchestrator.poll_interval_ms", 1000)
	v.SetDefault("orchestrator.sweep_interval_secs", 5)
	v.SetDefault("orchestrator.parse_timeout_secs", 600)
	v.SetDefault("orchestrator.normalize_timeout_secs", 1800)
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.backoff_initial_secs", 5)
	v.SetDefault("orchestrator.backoff_max_secs", 600)
	v.SetDefault("orchestrator.backoff_multiplier", 2.0)
	v.SetDefault("orchestrator.backoff_jitter", 0.25)
	v.SetDefault("normalize.concurrency", 8)
	v.SetDefault("normalize.warning_penalty", 0.9)
	v.SetDefault("blob.root", "blobs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 64)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.review_queue_threshold", 25)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

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

// Validate checks the settings a command mode depends on. Modes are
// "serve", "work" and "cli"; every problem found is reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, postgres", c.Store.Driver))
	}
	if c.Blob.Root == "" {
		errs = append(errs, "blob.root is required")
	}
	if p := c.Normalize.WarningPenalty; p <= 0 || p >= 1 {
		errs = append(errs, fmt.Sprintf("normalize.warning_penalty must be in (0, 1), got %v", p))
	}

	switch mode {
	case "serve", "work":
		o := c.Orchestrator
		if o.Workers < 1 || o.Workers > 64 {
			errs = append(errs, fmt.Sprintf("orchestrator.workers must be between 1 and 64, got %d", o.Workers))
		}
		if o.MaxRetries < 0 {
			errs = append(errs, "orchestrator.max_retries must be >= 0")
		}
		if o.ParseTimeoutSecs <= 0 || o.NormalizeTimeoutSecs <= 0 {
			errs = append(errs, "orchestrator stage timeouts must be > 0")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
