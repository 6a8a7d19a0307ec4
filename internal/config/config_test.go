package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Queue.ProcessingInterval != time.Second {
		t.Errorf("expected 1s processing interval, got %v", cfg.Queue.ProcessingInterval)
	}
	if !cfg.Queue.PriorityProcessing {
		t.Error("expected priority processing on by default")
	}
	if cfg.Broker.QoS != 1 {
		t.Errorf("expected default qos 1, got %d", cfg.Broker.QoS)
	}
	if cfg.OTA.CheckTimeout != 120*time.Second {
		t.Errorf("expected 120s OTA timeout, got %v", cfg.OTA.CheckTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clockd.yaml")
	content := `
device:
  name: clock-test
  data_dir: /tmp/clockd-test
broker:
  url: tls://broker.local:8883
  qos: 2
queue:
  processing_interval: 250ms
  journal: false
telemetry:
  interval: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Device.Name != "clock-test" {
		t.Errorf("device name not loaded: %q", cfg.Device.Name)
	}
	if cfg.Broker.QoS != 2 {
		t.Errorf("qos not loaded: %d", cfg.Broker.QoS)
	}
	if cfg.Queue.ProcessingInterval != 250*time.Millisecond {
		t.Errorf("processing interval not loaded: %v", cfg.Queue.ProcessingInterval)
	}
	if cfg.Queue.Journal {
		t.Error("journal override not applied")
	}
	// Untouched fields keep their defaults.
	if cfg.Queue.CleanupInterval != 30*time.Second {
		t.Errorf("cleanup interval default lost: %v", cfg.Queue.CleanupInterval)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/clockd.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Device.Name = "clock-test"
		cfg.Broker.URL = "tls://broker.local:8883"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing device name", func(c *Config) { c.Device.Name = "" }},
		{"missing broker url", func(c *Config) { c.Broker.URL = "" }},
		{"bad qos", func(c *Config) { c.Broker.QoS = 3 }},
		{"bad processing interval", func(c *Config) { c.Queue.ProcessingInterval = 0 }},
		{"bad secrets backend", func(c *Config) { c.Secrets.Backend = "vault" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("CLOCKD_DEVICE_NAME", "clock-env")
	t.Setenv("CLOCKD_BROKER_URL", "mqtt://env.local:1883")
	t.Setenv("CLOCKD_BROKER_QOS", "0")
	t.Setenv("CLOCKD_TELEMETRY_INTERVAL", "15s")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Device.Name != "clock-env" {
		t.Errorf("device name override not applied: %q", cfg.Device.Name)
	}
	if cfg.Broker.URL != "mqtt://env.local:1883" {
		t.Errorf("broker url override not applied: %q", cfg.Broker.URL)
	}
	if cfg.Broker.QoS != 0 {
		t.Errorf("qos override not applied: %d", cfg.Broker.QoS)
	}
	if cfg.Telemetry.Interval != 15*time.Second {
		t.Errorf("telemetry interval override not applied: %v", cfg.Telemetry.Interval)
	}
}
