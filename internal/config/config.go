// Package config loads settlement service configuration.
//
// Values start from Default, are overlaid by an optional YAML file and
// finally by SETTLEMENT_* environment variables. The aggregator API key
// should come from the environment rather than the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Orders     OrdersConfig     `yaml:"orders"`
	Sweep      SweepConfig      `yaml:"sweep"`
	LogLevel   string           `yaml:"log_level"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver string `yaml:"driver"`

	// DSN is a file path for sqlite or a connection URL for pgx.
	DSN string `yaml:"dsn"`
}

type AggregatorConfig struct {
	BaseURL    string `yaml:"base_url"`
	MerchantID string `yaml:"merchant_id"`
	APIKey     string `yaml:"api_key"`
	NotifyURL  string `yaml:"notify_url"`
	Version    string `yaml:"version"`

	// Timeout bounds each HTTP call.
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type OrdersConfig struct {
	IDPrefix string `yaml:"id_prefix"`
}

type SweepConfig struct {
	// Interval between sweeps; zero disables the sweep.
	Interval   time.Duration `yaml:"interval"`
	Grace      time.Duration `yaml:"grace"`
	StaleAfter time.Duration `yaml:"stale_after"`
	BatchSize  int           `yaml:"batch_size"`
}

// Default returns the configuration used before any file or environment
// overrides.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "settlement.db",
		},
		Aggregator: AggregatorConfig{
			Version:       "v1.0",
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			RetryInterval: time.Second,
		},
		Orders: OrdersConfig{
			IDPrefix: "UGMP",
		},
		Sweep: SweepConfig{
			Interval:   time.Minute,
			Grace:      2 * time.Minute,
			StaleAfter: 24 * time.Hour,
			BatchSize:  100,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from path (skipped when empty) and the
// environment, then validates it.
func Load(path string) (*Config, error) {
	cfg, err := layered(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase resolves only the database settings, for tools that never
// talk to the aggregator.
func LoadDatabase(path string) (DatabaseConfig, error) {
	cfg, err := layered(path)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if problems := cfg.Database.problems(); len(problems) > 0 {
		return DatabaseConfig{}, fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return cfg.Database, nil
}

func layered(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	dur := func(dst *time.Duration, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	num := func(dst *int, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str(&c.HTTP.Addr, "SETTLEMENT_HTTP_ADDR")
	if port, ok := lookup("PORT"); ok && port != "" {
		if _, set := lookup("SETTLEMENT_HTTP_ADDR"); !set {
			c.HTTP.Addr = ":" + port
		}
	}
	dur(&c.HTTP.ShutdownTimeout, "SETTLEMENT_HTTP_SHUTDOWN_TIMEOUT")

	str(&c.Database.Driver, "SETTLEMENT_DB_DRIVER")
	str(&c.Database.DSN, "SETTLEMENT_DB_DSN", "DB_PATH")

	str(&c.Aggregator.BaseURL, "SETTLEMENT_AGGREGATOR_BASE_URL")
	str(&c.Aggregator.MerchantID, "SETTLEMENT_AGGREGATOR_MERCHANT_ID")
	str(&c.Aggregator.APIKey, "SETTLEMENT_AGGREGATOR_API_KEY")
	str(&c.Aggregator.NotifyURL, "SETTLEMENT_AGGREGATOR_NOTIFY_URL")
	str(&c.Aggregator.Version, "SETTLEMENT_AGGREGATOR_VERSION")
	dur(&c.Aggregator.Timeout, "SETTLEMENT_AGGREGATOR_TIMEOUT")
	num(&c.Aggregator.RetryAttempts, "SETTLEMENT_RETRY_ATTEMPTS")
	dur(&c.Aggregator.RetryInterval, "SETTLEMENT_RETRY_INTERVAL")

	str(&c.Orders.IDPrefix, "SETTLEMENT_ORDER_PREFIX")

	dur(&c.Sweep.Interval, "SETTLEMENT_SWEEP_INTERVAL")
	dur(&c.Sweep.Grace, "SETTLEMENT_SWEEP_GRACE")
	dur(&c.Sweep.StaleAfter, "SETTLEMENT_SWEEP_STALE_AFTER")
	num(&c.Sweep.BatchSize, "SETTLEMENT_SWEEP_BATCH_SIZE")

	str(&c.LogLevel, "SETTLEMENT_LOG_LEVEL", "LOG_LEVEL")

	return errors.Join(errs...)
}

// Validate reports every missing or out-of-range setting at once.
func (c *Config) Validate() error {
	problems := c.Database.problems()
	if c.Aggregator.BaseURL == "" {
		problems = append(problems, "aggregator.base_url is required")
	}
	if c.Aggregator.MerchantID == "" {
		problems = append(problems, "aggregator.merchant_id is required")
	}
	if c.Aggregator.APIKey == "" {
		problems = append(problems, "aggregator.api_key is required")
	}
	if c.Aggregator.Timeout <= 0 {
		problems = append(problems, "aggregator.timeout must be positive")
	}
	if c.Aggregator.RetryAttempts < 1 {
		problems = append(problems, "aggregator.retry_attempts must be at least 1")
	}
	if c.Sweep.Interval < 0 {
		problems = append(problems, "sweep.interval must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (d DatabaseConfig) problems() []string {
	var problems []string
	switch d.Driver {
	case "sqlite", "pgx", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q must be sqlite or pgx", d.Driver))
	}
	if d.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	return problems
}
