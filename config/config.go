// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP/WebSocket front end.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8880"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/shopstream"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

// HubConfig sets broadcast hub sizing characteristics.
type HubConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

func (c *HubConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
}

// ChannelConfig tunes the client-side session channel.
type ChannelConfig struct {
	URL           string        `yaml:"url"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadLimit     int64         `yaml:"readLimit"`
}

func (c *ChannelConfig) applyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		c.URL = "ws://localhost:8880/ws"
	}
	// Fixed-interval retry, no jitter: the channel must never stop retrying.
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 256 * 1024
	}
}

// StockThresholds classifies cached quantities into display severities.
// They are policy knobs, deliberately not baked into the cache logic.
type StockThresholds struct {
	CriticalLowMax int64 `yaml:"criticalLowMax"`
	LowMax         int64 `yaml:"lowMax"`
}

// ApplyDefaults fills unset threshold bands. Exported so components accepting
// bare thresholds (e.g. the stock cache) normalize them the same way.
func (c *StockThresholds) ApplyDefaults() {
	if c.CriticalLowMax <= 0 {
		c.CriticalLowMax = 5
	}
	if c.LowMax <= c.CriticalLowMax {
		c.LowMax = 10
	}
}

// PushConfig paces outbound websocket pushes per connection.
type PushConfig struct {
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Burst         int           `yaml:"burst"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
}

func (c *PushConfig) applyDefaults() {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "shopstream"
	}
}

// Config is the root application configuration.
type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Hub         HubConfig       `yaml:"hub"`
	Channel     ChannelConfig   `yaml:"channel"`
	Stock       StockThresholds `yaml:"stock"`
	Push        PushConfig      `yaml:"push"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

func (c *Config) applyDefaults() {
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = "development"
	}
	c.Server.applyDefaults()
	c.Database.applyDefaults()
	c.Hub.applyDefaults()
	c.Channel.applyDefaults()
	c.Stock.ApplyDefaults()
	c.Push.applyDefaults()
	c.Telemetry.applyDefaults()
}

// Validate rejects configurations that defaults cannot repair.
func (c Config) Validate() error {
	if c.Stock.LowMax <= c.Stock.CriticalLowMax {
		return fmt.Errorf("stock: lowMax (%d) must exceed criticalLowMax (%d)", c.Stock.LowMax, c.Stock.CriticalLowMax)
	}
	if !strings.HasPrefix(c.Channel.URL, "ws://") && !strings.HasPrefix(c.Channel.URL, "wss://") {
		return fmt.Errorf("channel: url %q must use ws:// or wss://", c.Channel.URL)
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load parses a YAML configuration document from r.
func Load(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration at path, falling back to defaults when
// the file does not exist. The boolean reports whether a file was read.
func LoadOrDefault(path string) (Config, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), false, nil
		}
		return Config{}, false, fmt.Errorf("open config %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := Load(f)
	if err != nil {
		return Config{}, false, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, true, nil
}
