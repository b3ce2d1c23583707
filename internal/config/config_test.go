package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Reconnect.Enabled {
		t.Error("Reconnection should be enabled by default")
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("Expected 5 max attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Reconnect.InitialDelay() != time.Second {
		t.Errorf("Expected 1s initial delay, got %v", cfg.Reconnect.InitialDelay())
	}
	if cfg.Reconnect.MaxDelay() != 30*time.Second {
		t.Errorf("Expected 30s max delay, got %v", cfg.Reconnect.MaxDelay())
	}
	if cfg.Stream.MinChangePercent != 0.01 {
		t.Errorf("Expected 0.01 min change percent, got %g", cfg.Stream.MinChangePercent)
	}
	if cfg.Stream.SpikeThreshold != 5.0 {
		t.Errorf("Expected 5.0 spike threshold, got %g", cfg.Stream.SpikeThreshold)
	}
	if cfg.Heartbeat.Interval() != 30*time.Second {
		t.Errorf("Expected 30s heartbeat interval, got %v", cfg.Heartbeat.Interval())
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
endpoint:
  scheme: wss
  host: feed.example.com
  port: 443
  path: /v2/stream
reconnect:
  enabled: true
  max_attempts: 3
  initial_delay_ms: 500
  max_delay_ms: 4000
  backoff_multiplier: 3
stream:
  min_change_percent: 0.5
  spike_threshold: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Endpoint.Host != "feed.example.com" {
		t.Errorf("Expected host override, got %s", cfg.Endpoint.Host)
	}
	if !cfg.Endpoint.TLS() {
		t.Error("Expected wss scheme to require TLS")
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("Expected 3 max attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Reconnect.InitialDelay() != 500*time.Millisecond {
		t.Errorf("Expected 500ms initial delay, got %v", cfg.Reconnect.InitialDelay())
	}
	if cfg.Stream.SpikeThreshold != 10 {
		t.Errorf("Expected spike threshold 10, got %g", cfg.Stream.SpikeThreshold)
	}
	// Sections absent from the file keep their defaults.
	if cfg.History.MaxSize != 100 {
		t.Errorf("Expected default history size, got %d", cfg.History.MaxSize)
	}
}

func TestLoadEnvAPIKey(t *testing.T) {
	t.Setenv("PRICEFEED_API_KEY", "secret-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Endpoint.APIKey != "secret-key" {
		t.Errorf("Expected API key from environment, got %q", cfg.Endpoint.APIKey)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestRequestPath(t *testing.T) {
	e := Endpoint{Path: "/stream", APIKeyParam: "apiKey", APIKey: "k 1"}
	if got := e.RequestPath(); got != "/stream?apiKey=k+1" {
		t.Errorf("Unexpected request path: %s", got)
	}

	e.APIKey = ""
	if got := e.RequestPath(); got != "/stream" {
		t.Errorf("Expected bare path without key, got %s", got)
	}

	e.Path = ""
	if got := e.RequestPath(); got != "/" {
		t.Errorf("Expected / for empty path, got %s", got)
	}
}

func TestAddress(t *testing.T) {
	e := Endpoint{Host: "feed.example.com", Port: 443}
	if e.Address() != "feed.example.com:443" {
		t.Errorf("Unexpected address: %s", e.Address())
	}
}
