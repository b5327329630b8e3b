// Package config loads the polserver YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete polserver configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	History   HistoryConfig   `yaml:"history"`
	CountLog  CountLogConfig  `yaml:"countlog"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the admin HTTP interface settings
type ServerConfig struct {
	Name        string `yaml:"name"`
	HTTPPort    int    `yaml:"http_port"`
	BindAddress string `yaml:"bind_address"`
}

// HardwareConfig describes the polarization hardware control server.
type HardwareConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ExecutorConfig sizes the isolated worker pool for hardware commands.
type ExecutorConfig struct {
	Workers int `yaml:"workers"`
}

// MonitorConfig contains the photon-count monitor MQTT feed settings.
type MonitorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	Topic       string `yaml:"topic"`
	JournalSize int    `yaml:"journal_size"`
}

// TelemetryConfig tunes the counts consumer loop and its recovery policy.
type TelemetryConfig struct {
	ChannelPrefix          string  `yaml:"channel_prefix"`
	PollIntervalMS         int     `yaml:"poll_interval_ms"`
	ErrorBackoffMS         int     `yaml:"error_backoff_ms"`
	ReadBlockMS            int     `yaml:"read_block_ms"`
	ReadBudgetSeconds      int     `yaml:"read_budget_seconds"`
	FreshnessSeconds       float64 `yaml:"freshness_seconds"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	ResetCooldownSeconds   int     `yaml:"reset_cooldown_seconds"`
}

// HistoryConfig controls the persistent command history sink.
type HistoryConfig struct {
	DBPath     string `yaml:"db_path"`
	MaxEntries int    `yaml:"max_entries"`
	QueueSize  int    `yaml:"queue_size"`
}

// CountLogConfig controls the on-disk archive of published count snapshots.
type CountLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Keep    int    `yaml:"keep"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file and normalizes zero values.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "polserver"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Hardware.TimeoutSeconds <= 0 {
		c.Hardware.TimeoutSeconds = 30
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 2
	}
	if c.Monitor.JournalSize <= 0 {
		c.Monitor.JournalSize = 1024
	}
	if c.Telemetry.ChannelPrefix == "" {
		c.Telemetry.ChannelPrefix = "VV"
	}
	if c.Telemetry.PollIntervalMS <= 0 {
		c.Telemetry.PollIntervalMS = 200
	}
	if c.Telemetry.ErrorBackoffMS <= 0 {
		c.Telemetry.ErrorBackoffMS = 1000
	}
	if c.Telemetry.ReadBlockMS <= 0 {
		c.Telemetry.ReadBlockMS = 100
	}
	if c.Telemetry.ReadBudgetSeconds <= 0 {
		c.Telemetry.ReadBudgetSeconds = 5
	}
	if c.Telemetry.FreshnessSeconds <= 0 {
		c.Telemetry.FreshnessSeconds = 2.0
	}
	if c.Telemetry.MaxConsecutiveFailures <= 0 {
		c.Telemetry.MaxConsecutiveFailures = 5
	}
	if c.Telemetry.ResetCooldownSeconds <= 0 {
		c.Telemetry.ResetCooldownSeconds = 300
	}
	if c.History.DBPath == "" {
		c.History.DBPath = "data/command_history.db"
	}
	if c.History.MaxEntries <= 0 {
		c.History.MaxEntries = 200
	}
	if c.History.QueueSize <= 0 {
		c.History.QueueSize = 256
	}
	if c.CountLog.Dir == "" {
		c.CountLog.Dir = "data/countlog"
	}
	if c.CountLog.Keep <= 0 {
		c.CountLog.Keep = 10000
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
}

// HardwareTimeout returns the per-command transport timeout as a duration.
func (c *Config) HardwareTimeout() time.Duration {
	return time.Duration(c.Hardware.TimeoutSeconds) * time.Second
}

// Print displays the configuration
func (c *Config) Print() {
	fmt.Printf("Server: %s (admin http %s:%d)\n", c.Server.Name, c.Server.BindAddress, c.Server.HTTPPort)
	fmt.Printf("Hardware: %s:%d (timeout %ds, %d workers)\n",
		c.Hardware.Host, c.Hardware.Port, c.Hardware.TimeoutSeconds, c.Executor.Workers)
	if c.Monitor.Enabled {
		fmt.Printf("Monitor: %s:%d (topic: %s)\n", c.Monitor.Broker, c.Monitor.Port, c.Monitor.Topic)
	}
	fmt.Printf("Telemetry: prefix %s, poll %dms, freshness %.1fs\n",
		c.Telemetry.ChannelPrefix, c.Telemetry.PollIntervalMS, c.Telemetry.FreshnessSeconds)
	if c.CountLog.Enabled {
		fmt.Printf("Countlog: %s (keep %d)\n", c.CountLog.Dir, c.CountLog.Keep)
	}
}
