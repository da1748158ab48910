// Package config loads the service configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nathanyu/trade-service/internal/dispatch"
	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/monitor"
	"github.com/nathanyu/trade-service/internal/ordermanager"
	"github.com/nathanyu/trade-service/internal/retry"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// Config holds every setting of the service. Load fills defaults first, then
// the YAML file, then environment overrides.
type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		MetricsPort int    `yaml:"metrics_port"`
		GinMode     string `yaml:"gin_mode"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Trading struct {
		CommissionRate       decimal.Decimal `yaml:"commission_rate"`
		MinCommission        decimal.Decimal `yaml:"min_commission"`
		TradingUnit          int64           `yaml:"trading_unit"`
		PriceScale           int32           `yaml:"price_scale"`
		SerializeInstruments bool            `yaml:"serialize_instruments"`
		SeedInstruments      bool            `yaml:"seed_instruments"`
		NodeID               int64           `yaml:"node_id"`
	} `yaml:"trading"`

	Dispatch struct {
		Default           dispatch.Config `yaml:"default"`
		HighThroughput    dispatch.Config `yaml:"high_throughput"`
		UseHighThroughput bool            `yaml:"use_high_throughput"`
	} `yaml:"dispatch"`

	Retry struct {
		Delay time.Duration `yaml:"delay"`
	} `yaml:"retry"`

	Monitor struct {
		ReportInterval   time.Duration `yaml:"report_interval"`
		ThroughputWindow time.Duration `yaml:"throughput_window"`
		SlowJob          time.Duration `yaml:"slow_job"`
	} `yaml:"monitor"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		Endpoint    string `yaml:"endpoint"`
		Environment string `yaml:"environment"`
	} `yaml:"tracing"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.MetricsPort = 9090
	cfg.Server.GinMode = "release"

	cfg.Database.Path = "data/trade.db"
	cfg.Logging.Level = "info"

	cfg.Trading.CommissionRate = domain.DefaultCommissionRate
	cfg.Trading.MinCommission = domain.DefaultMinCommission
	cfg.Trading.TradingUnit = domain.DefaultTradingUnit
	cfg.Trading.PriceScale = domain.PriceScale
	cfg.Trading.SerializeInstruments = true
	cfg.Trading.SeedInstruments = true
	cfg.Trading.NodeID = 1

	cfg.Dispatch.Default = dispatch.DefaultPoolConfig()
	cfg.Dispatch.HighThroughput = dispatch.HighThroughputPoolConfig()

	cfg.Retry.Delay = retry.DefaultDelay

	mon := monitor.DefaultConfig()
	cfg.Monitor.ReportInterval = mon.ReportInterval
	cfg.Monitor.ThroughputWindow = mon.ThroughputWindow
	cfg.Monitor.SlowJob = mon.SlowJob

	cfg.NATS.Subject = "trade.fills"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Environment = "development"
	return &cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("TRADE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRADE_HTTP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("TRADE_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TRADE_METRICS_PORT: %w", err)
		}
		cfg.Server.MetricsPort = port
	}
	if v := os.Getenv("TRADE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TRADE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRADE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
	return nil
}

// Validate checks ports, trading parameters and pool settings.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort == c.Server.Port {
		return fmt.Errorf("metrics port must differ from server port")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if _, err := telemetry.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Trading.CommissionRate.IsNegative() {
		return fmt.Errorf("commission rate must not be negative")
	}
	if c.Trading.MinCommission.IsNegative() {
		return fmt.Errorf("min commission must not be negative")
	}
	if c.Trading.TradingUnit <= 0 {
		return fmt.Errorf("trading unit must be positive")
	}
	if c.Trading.PriceScale != domain.PriceScale {
		return fmt.Errorf("price scale %d is not supported, only %d", c.Trading.PriceScale, domain.PriceScale)
	}
	if c.Trading.NodeID < 0 {
		return fmt.Errorf("node id must not be negative")
	}

	if err := c.Dispatch.Default.Validate(); err != nil {
		return err
	}
	if err := c.Dispatch.HighThroughput.Validate(); err != nil {
		return err
	}
	if c.Dispatch.Default.Name == c.Dispatch.HighThroughput.Name {
		return fmt.Errorf("pool names must differ")
	}

	if c.Retry.Delay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if c.Monitor.ThroughputWindow <= 0 || c.Monitor.ReportInterval <= 0 || c.Monitor.SlowJob <= 0 {
		return fmt.Errorf("monitor intervals must be positive")
	}
	return nil
}

// OrderSettings returns the order manager's fee and lot settings.
func (c *Config) OrderSettings() ordermanager.Settings {
	return ordermanager.Settings{
		CommissionRate: c.Trading.CommissionRate,
		MinCommission:  c.Trading.MinCommission,
		TradingUnit:    c.Trading.TradingUnit,
	}
}

// MonitorConfig returns the collector settings.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		ThroughputWindow: c.Monitor.ThroughputWindow,
		SlowJob:          c.Monitor.SlowJob,
		ReportInterval:   c.Monitor.ReportInterval,
	}
}

// LogOptions returns the logger settings.
func (c *Config) LogOptions() telemetry.LogOptions {
	return telemetry.LogOptions{Level: c.Logging.Level, File: c.Logging.File}
}

// TracingOptions returns the tracer settings.
func (c *Config) TracingOptions() telemetry.TracingOptions {
	return telemetry.TracingOptions{
		Enabled:     c.Tracing.Enabled,
		Endpoint:    c.Tracing.Endpoint,
		Environment: c.Tracing.Environment,
	}
}
