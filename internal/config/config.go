// Package config loads application configuration from file and environment.
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
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Validate  ValidateConfig  `yaml:"validate" mapstructure:"validate"`
	Load      LoadConfig      `yaml:"load" mapstructure:"load"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SourcesConfig configures the upstream data sources.
type SourcesConfig struct {
	DiseaseShURL  string  `yaml:"disease_sh_url" mapstructure:"disease_sh_url"`
	Covid19APIURL string  `yaml:"covid19api_url" mapstructure:"covid19api_url"`
	HistoryDays   int     `yaml:"history_days" mapstructure:"history_days"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// ReconcileConfig configures cross-source merging.
//
// AgreementPct/AgreementMin define when two sources "agree" on a field:
// within AgreementPct of the larger value, or within AgreementMin absolute.
type ReconcileConfig struct {
	AgreementPct     float64  `yaml:"agreement_pct" mapstructure:"agreement_pct"`
	AgreementMin     int64    `yaml:"agreement_min" mapstructure:"agreement_min"`
	Priority         []string `yaml:"priority" mapstructure:"priority"`
	ReliabilityAlpha float64  `yaml:"reliability_alpha" mapstructure:"reliability_alpha"`
	ReliabilityFloor float64  `yaml:"reliability_floor" mapstructure:"reliability_floor"`
}

// ValidateConfig pins the tolerance thresholds for quality checks. The
// concrete numbers live here, not in code.
type ValidateConfig struct {
	ActiveTolerancePct float64 `yaml:"active_tolerance_pct" mapstructure:"active_tolerance_pct"`
	ActiveToleranceMin int64   `yaml:"active_tolerance_min" mapstructure:"active_tolerance_min"`
	SpikeStddevMult    float64 `yaml:"spike_stddev_mult" mapstructure:"spike_stddev_mult"`
	SpikeMinFloor      int64   `yaml:"spike_min_floor" mapstructure:"spike_min_floor"`
	SpikeWindowDays    int     `yaml:"spike_window_days" mapstructure:"spike_window_days"`
}

// LoadConfig configures the incremental loader.
type LoadConfig struct {
	Workers   int `yaml:"workers" mapstructure:"workers"`
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// ServerConfig configures the read-only query API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("COVIDETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("sources.disease_sh_url", "https://disease.sh/v3/covid-19")
	v.SetDefault("sources.covid19api_url", "https://api.covid19api.com")
	v.SetDefault("sources.history_days", 30)
	v.SetDefault("sources.timeout_secs", 30)
	v.SetDefault("sources.max_retries", 3)
	v.SetDefault("sources.rate_per_second", 5)
	v.SetDefault("sources.rate_burst", 5)
	v.SetDefault("sources.user_agent", "covid-etl/1.0")
	v.SetDefault("reconcile.agreement_pct", 0.02)
	v.SetDefault("reconcile.agreement_min", 10)
	v.SetDefault("reconcile.priority", []string{"disease.sh", "covid19api", "csv"})
	v.SetDefault("reconcile.reliability_alpha", 0.2)
	v.SetDefault("reconcile.reliability_floor", 0.05)
	v.SetDefault("validate.active_tolerance_pct", 0.03)
	v.SetDefault("validate.active_tolerance_min", 100)
	v.SetDefault("validate.spike_stddev_mult", 4.0)
	v.SetDefault("validate.spike_min_floor", 500)
	v.SetDefault("validate.spike_window_days", 14)
	v.SetDefault("load.workers", 4)
	v.SetDefault("load.batch_size", 1000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
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
