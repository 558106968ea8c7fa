// Package config provides centralized configuration for the dedup service.
package config

import (
	"fmt"
	"time"

	"github.com/salesboard/dedup/internal/dedup"
)

// AppConfig is the complete service configuration: the engine knobs plus
// everything around them (storage, logging, metrics, scan scheduling).
type AppConfig struct {
	Environment string `mapstructure:"environment" yaml:"environment" validate:"required,oneof=development staging production"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" validate:"required"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Scan    ScanConfig    `mapstructure:"scan" yaml:"scan" validate:"required"`

	// Engine carries its own Validate; see validateCustomRules.
	Engine dedup.Config `mapstructure:"engine" yaml:"engine"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=debug info warn error"`
}

// StoreConfig selects and configures the persistence backend. The badger
// driver keeps rules, rejections and suggestions in Badger; the customer
// universe still comes from the SQL database at DSN.
type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=memory postgres badger"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	BadgerDir   string `mapstructure:"badger_dir" yaml:"badger_dir"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// ScanConfig holds scan scheduling configuration. A zero Interval means one
// scan per invocation instead of a periodic loop.
type ScanConfig struct {
	Divisions []string      `mapstructure:"divisions" yaml:"divisions" validate:"required,min=1"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	DryRun    bool          `mapstructure:"dry_run" yaml:"dry_run"`
}

// Default returns the configuration used when no file or environment
// variable overrides a value.
func Default() AppConfig {
	return AppConfig{
		Environment: "development",
		Logging:     LoggingConfig{Level: "info"},
		Store:       StoreConfig{Driver: "memory", AutoMigrate: true},
		Metrics:     MetricsConfig{Enabled: false, Address: ":9102"},
		Scan:        ScanConfig{Divisions: []string{"default"}, Interval: 0},
		Engine:      dedup.DefaultConfig(),
	}
}

// validateCustomRules checks cross-field constraints the struct tags cannot
// express.
func validateCustomRules(cfg *AppConfig) error {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires store.dsn", cfg.Store.Driver)
		}
	case "badger":
		if cfg.Store.BadgerDir == "" {
			return fmt.Errorf("store driver %q requires store.badger_dir", cfg.Store.Driver)
		}
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires store.dsn for the customer universe", cfg.Store.Driver)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics are enabled but metrics.address is empty")
	}

	if cfg.Scan.Interval < 0 {
		return fmt.Errorf("scan.interval cannot be negative, got %v", cfg.Scan.Interval)
	}

	if err := cfg.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration invalid: %w", err)
	}

	return nil
}
