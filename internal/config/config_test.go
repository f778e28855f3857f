package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.Port != 8080 {
		t.Errorf("proxy port = %d, want 8080", cfg.Proxy.Port)
	}
	if cfg.Proxy.Path != "/stream.mp3" {
		t.Errorf("proxy path = %q, want /stream.mp3", cfg.Proxy.Path)
	}
	if cfg.Cast.ReconnectAttempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", cfg.Cast.ReconnectAttempts)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
proxy:
  port: 9090
  path: /stream.mp3
  bitrate_kbps: 192
  start_timeout_ms: 10000
discovery:
  timeout_ms: 4000
  absent_after_scans: 3
network:
  interface: wlan0
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.Port != 9090 {
		t.Errorf("proxy port = %d, want 9090", cfg.Proxy.Port)
	}
	if cfg.Proxy.BitrateKbps != 192 {
		t.Errorf("bitrate = %d, want 192", cfg.Proxy.BitrateKbps)
	}
	if cfg.Discovery.AbsentAfterScans != 3 {
		t.Errorf("absent after scans = %d, want 3", cfg.Discovery.AbsentAfterScans)
	}
	if cfg.Network.Interface != "wlan0" {
		t.Errorf("interface = %q, want wlan0", cfg.Network.Interface)
	}
	// untouched sections keep defaults
	if cfg.Cast.ReconnectAttempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", cfg.Cast.ReconnectAttempts)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CASTBRIDGE_PROXY_PORT", "8099")
	t.Setenv("CASTBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.Port != 8099 {
		t.Errorf("proxy port = %d, want 8099", cfg.Proxy.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad port", "proxy:\n  port: -1\n"},
		{"bad path", "proxy:\n  path: stream.mp3\n"},
		{"bad bitrate", "proxy:\n  bitrate_kbps: 0\n"},
		{"bad reconnect", "cast:\n  reconnect_attempts: -2\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("Load accepted invalid config")
			}
		})
	}
}
