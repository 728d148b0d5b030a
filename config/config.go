// Package config loads the service configuration from an optional YAML file
// and LOUPE_* environment variables. Environment values win over the file,
// and the file wins over the defaults.
//
//	database:
//	  url: postgres://loupe@localhost/loupe
//	http:
//	  addr: :8080
//	  jwt_secret: change-me
//	policy:
//	  thresholds:
//	    sale_amount: 50000
//	expiry:
//	  after: 72h
//	  action: escalate
//
// LOUPE_HTTP_JWT_SECRET overrides http.jwt_secret.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lirancohen/loupe/lifecycle"
	"github.com/lirancohen/loupe/policy"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOUPE"

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the service configuration.
type Config struct {
	// Store selects the persistence backend: postgres or memory.
	Store    string                 `mapstructure:"store"`
	Database DatabaseConfig         `mapstructure:"database"`
	HTTP     HTTPConfig             `mapstructure:"http"`
	Policy   PolicyConfig           `mapstructure:"policy"`
	Expiry   lifecycle.ExpiryPolicy `mapstructure:"expiry"`
	Jobs     JobsConfig             `mapstructure:"jobs"`
	Log      LogConfig              `mapstructure:"log"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PolicyConfig configures the evaluator. ThresholdsFile, when set, replaces
// the inline thresholds.
type PolicyConfig struct {
	ThresholdsFile string            `mapstructure:"thresholds_file"`
	Thresholds     policy.Thresholds `mapstructure:"thresholds"`
}

// JobsConfig configures the background job runner.
type JobsConfig struct {
	// Workers is the number of concurrent jobs. Zero only enqueues.
	Workers        int           `mapstructure:"workers"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StorePostgres)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.token_ttl", 24*time.Hour)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	t := policy.DefaultThresholds()
	v.SetDefault("policy.thresholds_file", "")
	v.SetDefault("policy.thresholds.sale_amount", t.SaleAmount)
	v.SetDefault("policy.thresholds.urgent_sale_amount", t.UrgentSaleAmount)
	v.SetDefault("policy.thresholds.discount_percent", t.DiscountPercent)
	v.SetDefault("policy.thresholds.high_discount_percent", t.HighDiscountPercent)
	v.SetDefault("policy.thresholds.urgent_discount_percent", t.UrgentDiscountPercent)
	v.SetDefault("policy.thresholds.price_change_percent", t.PriceChangePercent)
	v.SetDefault("policy.thresholds.unknown_action", string(t.UnknownAction))

	v.SetDefault("expiry.after", time.Duration(0))
	v.SetDefault("expiry.action", string(lifecycle.ExpireCancel))

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.job_timeout", time.Minute)
	v.SetDefault("jobs.expiry_interval", 15*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty to use defaults and the
// environment only. Load does not call Validate: commands that need only
// part of the configuration check what they use.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}

	if cfg.Policy.ThresholdsFile != "" {
		t, err := policy.LoadThresholds(cfg.Policy.ThresholdsFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.Policy.Thresholds = t
	}

	return cfg, nil
}

// Validate checks that the configuration is complete and consistent.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("config: database.url is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("config: store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}

	if c.HTTP.JWTSecret == "" {
		errs = append(errs, errors.New("config: http.jwt_secret is required"))
	}
	if c.Jobs.Workers < 0 {
		errs = append(errs, errors.New("config: jobs.workers must not be negative"))
	}
	if c.Jobs.ExpiryInterval < 0 {
		errs = append(errs, errors.New("config: jobs.expiry_interval must not be negative"))
	}
	if err := c.Policy.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Expiry.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
