package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Endpoint  Endpoint  `yaml:"endpoint"`
	Reconnect Reconnect `yaml:"reconnect"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Stream    Stream    `yaml:"stream"`
	History   History   `yaml:"history"`
	Server    Server    `yaml:"server"`
}

// Endpoint describes the upstream market-data feed. The API key is taken
// from the environment, never from the file.
type Endpoint struct {
	Scheme      string `yaml:"scheme"` // "ws" or "wss"
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Path        string `yaml:"path"`
	APIKeyParam string `yaml:"api_key_param"`
	APIKey      string `yaml:"-"`
}

// Address returns the dial target as host:port.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// RequestPath returns the resource path including the API key query
// parameter when a key is configured.
func (e Endpoint) RequestPath() string {
	p := e.Path
	if p == "" {
		p = "/"
	}
	if e.APIKey == "" {
		return p
	}
	param := e.APIKeyParam
	if param == "" {
		param = "apiKey"
	}
	return p + "?" + param + "=" + url.QueryEscape(e.APIKey)
}

// TLS reports whether the endpoint requires a TLS transport.
func (e Endpoint) TLS() bool {
	return e.Scheme == "wss"
}

// Reconnect controls the reconnection procedure after a dropped connection.
type Reconnect struct {
	Enabled           bool    `yaml:"enabled"`
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// InitialDelay returns the delay before the first retry.
func (r Reconnect) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the cap applied to the backoff sequence.
func (r Reconnect) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// Heartbeat controls the periodic application-level ping.
type Heartbeat struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// Interval returns the heartbeat period.
func (h Heartbeat) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Stream holds change-detection thresholds, in percent.
type Stream struct {
	MinChangePercent float64 `yaml:"min_change_percent"`
	SpikeThreshold   float64 `yaml:"spike_threshold"`
}

// History controls the per-symbol price history ring.
type History struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
}

// Server holds the relay server settings.
type Server struct {
	Port string `yaml:"port"`
}

// Default returns the stock configuration: local feed endpoint, exponential
// reconnection, 30s heartbeat, 0.01% change threshold, 5% spike threshold.
func Default() Config {
	return Config{
		Endpoint: Endpoint{
			Scheme:      "ws",
			Host:        "127.0.0.1",
			Port:        8765,
			Path:        "/stream",
			APIKeyParam: "apiKey",
		},
		Reconnect: Reconnect{
			Enabled:           true,
			MaxAttempts:       5,
			InitialDelayMS:    1000,
			MaxDelayMS:        30000,
			BackoffMultiplier: 2,
		},
		Heartbeat: Heartbeat{
			Enabled:         true,
			IntervalSeconds: 30,
		},
		Stream: Stream{
			MinChangePercent: 0.01,
			SpikeThreshold:   5.0,
		},
		History: History{
			Enabled: true,
			MaxSize: 100,
		},
		Server: Server{
			Port: "8086",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides. A .env file is honored when present. An empty path
// skips the file step.
func Load(path string) (Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("PRICEFEED_API_KEY"); key != "" {
		cfg.Endpoint.APIKey = key
	}
	if host := os.Getenv("PRICEFEED_HOST"); host != "" {
		cfg.Endpoint.Host = host
	}
	if port := os.Getenv("PRICEFEED_SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	return cfg, nil
}
