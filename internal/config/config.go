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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Shiftbase  ShiftbaseConfig  `yaml:"shiftbase" mapstructure:"shiftbase"`
	Lightspeed LightspeedConfig `yaml:"lightspeed" mapstructure:"lightspeed"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ShiftbaseConfig holds credentials for the shift-planning provider.
type ShiftbaseConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// LightspeedConfig holds credentials for the POS provider.
type LightspeedConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// SyncConfig tunes the ingestion pipeline. Operational state (mode, enabled
// endpoints, quiet hours) lives in the ops.sync_config table, not here.
type SyncConfig struct {
	BatchSize          int     `yaml:"batch_size" mapstructure:"batch_size"`
	BatchesPerSecond   float64 `yaml:"batches_per_second" mapstructure:"batches_per_second"`
	StaleClaimMinutes  int     `yaml:"stale_claim_minutes" mapstructure:"stale_claim_minutes"`
	FetchTimeoutSecs   int     `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	FetchMaxRetries    int     `yaml:"fetch_max_retries" mapstructure:"fetch_max_retries"`
	DefaultHourlyWage  float64 `yaml:"default_hourly_wage" mapstructure:"default_hourly_wage"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	RequestBurst       int     `yaml:"request_burst" mapstructure:"request_burst"`
	BackfillWorkerExpr string  `yaml:"backfill_worker_cron" mapstructure:"backfill_worker_cron"`
}

// ServerConfig configures the HTTP entry points.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("OPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("shiftbase.base_url", "https://api.shiftbase.com/api")
	v.SetDefault("lightspeed.base_url", "https://api.lightspeedapp.com")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.batches_per_second", 1.0)
	v.SetDefault("sync.stale_claim_minutes", 30)
	v.SetDefault("sync.fetch_timeout_secs", 30)
	v.SetDefault("sync.fetch_max_retries", 3)
	v.SetDefault("sync.default_hourly_wage", 14.50)
	v.SetDefault("sync.requests_per_second", 5.0)
	v.SetDefault("sync.request_burst", 5)
	v.SetDefault("sync.backfill_worker_cron", "*/5 * * * *")

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
