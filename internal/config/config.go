package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/telemetry"
)

// Config holds the full application configuration.
type Config struct {
	Store           StoreConfig        `yaml:"store" mapstructure:"store"`
	Server          ServerConfig       `yaml:"server" mapstructure:"server"`
	Log             LogConfig          `yaml:"log" mapstructure:"log"`
	Dedup           DedupConfig        `yaml:"dedup" mapstructure:"dedup"`
	Tracker         TrackerConfig      `yaml:"tracker" mapstructure:"tracker"`
	Telemetry       telemetry.Config   `yaml:"telemetry" mapstructure:"telemetry"`
	Experiments     []model.Experiment `yaml:"experiments" mapstructure:"experiments"`
	ExperimentsFile string             `yaml:"experiments_file" mapstructure:"experiments_file"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string     `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string     `yaml:"database_url" mapstructure:"database_url"`
	Pool        PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// PoolConfig tunes the Postgres connection pool.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RatePerSec  float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int      `yaml:"burst" mapstructure:"burst"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DedupConfig configures the impression dedup window.
type DedupConfig struct {
	WindowMS        int `yaml:"window_ms" mapstructure:"window_ms"`
	SweepIntervalMS int `yaml:"sweep_interval_ms" mapstructure:"sweep_interval_ms"`
}

func (c DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowMS) * time.Millisecond
}

func (c DedupConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// TrackerConfig configures event delivery from the CLI and simulator.
type TrackerConfig struct {
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	TimeoutMS  int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	QueueSize  int     `yaml:"queue_size" mapstructure:"queue_size"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

func (c TrackerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ABCLI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "ab.db")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_per_sec", 20.0)
	v.SetDefault("server.burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("dedup.window_ms", 1500)
	v.SetDefault("dedup.sweep_interval_ms", 60000)
	v.SetDefault("tracker.timeout_ms", 5000)
	v.SetDefault("tracker.queue_size", 256)
	v.SetDefault("tracker.rate_per_sec", 10.0)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.insecure", true)

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

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.RatePerSec < 0 {
			errs = append(errs, "server.rate_per_sec must be >= 0")
		}
		errs = append(errs, c.storeErrors()...)
	case "store":
		errs = append(errs, c.storeErrors()...)
	case "assign", "simulate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Dedup.WindowMS < 0 {
		errs = append(errs, "dedup.window_ms must be >= 0")
	}
	if c.Tracker.QueueSize < 0 {
		errs = append(errs, "tracker.queue_size must be >= 0")
	}
	for i, e := range c.Experiments {
		if err := e.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("experiments[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.New(strings.Join(errs, "; ")), "config: validate")
	}
	return nil
}

func (c *Config) storeErrors() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
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
