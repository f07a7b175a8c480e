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
	Tenancy TenancyConfig `yaml:"tenancy" mapstructure:"tenancy"`
	API     APIConfig     `yaml:"api" mapstructure:"api"`
	Workers WorkersConfig `yaml:"workers" mapstructure:"workers"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Report  ReportConfig  `yaml:"report" mapstructure:"report"`
	Query   QueryConfig   `yaml:"query" mapstructure:"query"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// TenancyConfig identifies the tenant being collected.
type TenancyConfig struct {
	ID         string `yaml:"id" mapstructure:"id"`
	HomeRegion string `yaml:"home_region" mapstructure:"home_region"`
}

// APIConfig configures the remote platform client.
type APIConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Token            string  `yaml:"token" mapstructure:"token"`
	ItemTimeoutSecs  int     `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	BulkTimeoutSecs  int     `yaml:"bulk_timeout_secs" mapstructure:"bulk_timeout_secs"`
	AuditTimeoutSecs int     `yaml:"audit_timeout_secs" mapstructure:"audit_timeout_secs"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second
	RateBurst        int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	PageSize         int     `yaml:"page_size" mapstructure:"page_size"`
}

// ItemTimeout returns the per-item call bound.
func (c APIConfig) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutSecs) * time.Second
}

// BulkTimeout returns the bound for paginated usage queries.
func (c APIConfig) BulkTimeout() time.Duration {
	return time.Duration(c.BulkTimeoutSecs) * time.Second
}

// AuditTimeout returns the bound for audit event listing.
func (c APIConfig) AuditTimeout() time.Duration {
	return time.Duration(c.AuditTimeoutSecs) * time.Second
}

// WorkersConfig sizes the worker pool of each fan-out call site.
type WorkersConfig struct {
	Metadata     int `yaml:"metadata" mapstructure:"metadata"`
	Compartments int `yaml:"compartments" mapstructure:"compartments"`
	Namespaces   int `yaml:"namespaces" mapstructure:"namespaces"`
	Bulk         int `yaml:"bulk" mapstructure:"bulk"`
	Metrics      int `yaml:"metrics" mapstructure:"metrics"`
}

// CacheConfig configures the persisted result cache.
type CacheConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // file, sqlite or postgres
	Dir         string `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Reuse       bool   `yaml:"reuse" mapstructure:"reuse"` // trust entries written by earlier sessions
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ReportConfig configures report output.
type ReportConfig struct {
	Dir            string   `yaml:"dir" mapstructure:"dir"`
	Formats        []string `yaml:"formats" mapstructure:"formats"`
	TopN           int      `yaml:"top_n" mapstructure:"top_n"`
	FailureSamples int      `yaml:"failure_samples" mapstructure:"failure_samples"`
}

// QueryConfig holds defaults for usage queries.
type QueryConfig struct {
	Granularity      string `yaml:"granularity" mapstructure:"granularity"`
	CompartmentDepth int    `yaml:"compartment_depth" mapstructure:"compartment_depth"`
	AuditSampleSize  int    `yaml:"audit_sample_size" mapstructure:"audit_sample_size"`
}

// ServerConfig configures the read-only API server.
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
	v.SetEnvPrefix("CLOUDCOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a meaningful default are still registered so
	// AutomaticEnv picks them up during Unmarshal.
	v.SetDefault("tenancy.id", "")
	v.SetDefault("tenancy.home_region", "")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.item_timeout_secs", 30)
	v.SetDefault("api.bulk_timeout_secs", 300)
	v.SetDefault("api.audit_timeout_secs", 60)
	v.SetDefault("api.rate_limit", 20.0)
	v.SetDefault("api.rate_burst", 20)
	v.SetDefault("api.page_size", 1000)
	v.SetDefault("workers.metadata", 10)
	v.SetDefault("workers.compartments", 30)
	v.SetDefault("workers.namespaces", 20)
	v.SetDefault("workers.bulk", 3)
	v.SetDefault("workers.metrics", 5)
	v.SetDefault("cache.driver", "file")
	v.SetDefault("cache.dir", ".cloudcost/cache")
	v.SetDefault("cache.database_url", "")
	v.SetDefault("cache.reuse", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("report.dir", "output")
	v.SetDefault("report.formats", []string{"csv", "json"})
	v.SetDefault("report.top_n", 10)
	v.SetDefault("report.failure_samples", 20)
	v.SetDefault("query.granularity", "DAILY")
	v.SetDefault("query.compartment_depth", 4)
	v.SetDefault("query.audit_sample_size", 1000)
	v.SetDefault("server.port", 8080)
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

// Validate checks the settings required by a command mode ("collect",
// "serve" or "store"). All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "collect":
		if c.Tenancy.ID == "" {
			errs = append(errs, "tenancy.id is required")
		}
		if c.API.BaseURL == "" {
			errs = append(errs, "api.base_url is required")
		}
		switch c.Cache.Driver {
		case "file", "sqlite":
		case "postgres":
			if c.Cache.DatabaseURL == "" {
				errs = append(errs, "cache.database_url is required for the postgres cache")
			}
		default:
			errs = append(errs, fmt.Sprintf("unsupported cache driver %q", c.Cache.Driver))
		}
		pools := []struct {
			name string
			n    int
		}{
			{"workers.metadata", c.Workers.Metadata},
			{"workers.compartments", c.Workers.Compartments},
			{"workers.namespaces", c.Workers.Namespaces},
			{"workers.bulk", c.Workers.Bulk},
			{"workers.metrics", c.Workers.Metrics},
		}
		for _, p := range pools {
			if p.n < 1 || p.n > 200 {
				errs = append(errs, fmt.Sprintf("%s must be between 1 and 200", p.name))
			}
		}
		if c.API.ItemTimeoutSecs <= 0 || c.API.BulkTimeoutSecs <= 0 || c.API.AuditTimeoutSecs <= 0 {
			errs = append(errs, "api timeouts must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for the postgres store")
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
