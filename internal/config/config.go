package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultProxyPort           = 8080
	defaultProxyPath           = "/stream.mp3"
	defaultProxyBitrateKbps    = 128
	defaultProxyStartTimeoutMS = 10000

	defaultDiscoveryTimeoutMS = 2500
	defaultAbsentAfterScans   = 2

	defaultCastReconnectAttempts = 3
	defaultCastReconnectBaseMS   = 500
	defaultCastReconnectMaxMS    = 8000
	defaultCastHeartbeatMS       = 5000
	defaultControlCallTimeoutMS  = 5000

	defaultAPIListen = "127.0.0.1:8073"
)

type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Cast      CastConfig      `yaml:"cast"`
	Control   ControlConfig   `yaml:"control"`
	Network   NetworkConfig   `yaml:"network"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProxyConfig struct {
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	BitrateKbps    int    `yaml:"bitrate_kbps"`
	StartTimeoutMS int    `yaml:"start_timeout_ms"`
	FFmpegPath     string `yaml:"ffmpeg_path"`
}

type DiscoveryConfig struct {
	TimeoutMS        int `yaml:"timeout_ms"`
	AbsentAfterScans int `yaml:"absent_after_scans"`
}

type CastConfig struct {
	ReconnectAttempts int `yaml:"reconnect_attempts"`
	ReconnectBaseMS   int `yaml:"reconnect_base_ms"`
	ReconnectMaxMS    int `yaml:"reconnect_max_ms"`
	HeartbeatMS       int `yaml:"heartbeat_ms"`
}

type ControlConfig struct {
	CallTimeoutMS int `yaml:"call_timeout_ms"`
}

type NetworkConfig struct {
	Interface string `yaml:"interface"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Port:           defaultProxyPort,
			Path:           defaultProxyPath,
			BitrateKbps:    defaultProxyBitrateKbps,
			StartTimeoutMS: defaultProxyStartTimeoutMS,
		},
		Discovery: DiscoveryConfig{
			TimeoutMS:        defaultDiscoveryTimeoutMS,
			AbsentAfterScans: defaultAbsentAfterScans,
		},
		Cast: CastConfig{
			ReconnectAttempts: defaultCastReconnectAttempts,
			ReconnectBaseMS:   defaultCastReconnectBaseMS,
			ReconnectMaxMS:    defaultCastReconnectMaxMS,
			HeartbeatMS:       defaultCastHeartbeatMS,
		},
		Control: ControlConfig{
			CallTimeoutMS: defaultControlCallTimeoutMS,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "castbridge", "config.yaml")
}

// Load reads path, overlays it on the defaults and applies environment
// overrides. A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "parsing %s", path)
			}
		case os.IsNotExist(err):
			// defaults apply
		default:
			return cfg, errors.Wrapf(err, "reading %s", path)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return errors.Errorf("proxy port %d out of range", c.Proxy.Port)
	}
	if !strings.HasPrefix(c.Proxy.Path, "/") {
		return errors.Errorf("proxy path %q must start with /", c.Proxy.Path)
	}
	if c.Proxy.BitrateKbps <= 0 {
		return errors.Errorf("proxy bitrate %d must be positive", c.Proxy.BitrateKbps)
	}
	if c.Cast.ReconnectAttempts < 0 {
		return errors.Errorf("cast reconnect attempts %d must not be negative", c.Cast.ReconnectAttempts)
	}
	return nil
}

func (c Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Discovery.TimeoutMS) * time.Millisecond
}

func (c Config) ProxyStartTimeout() time.Duration {
	return time.Duration(c.Proxy.StartTimeoutMS) * time.Millisecond
}

func (c Config) CastReconnectBase() time.Duration {
	return time.Duration(c.Cast.ReconnectBaseMS) * time.Millisecond
}

func (c Config) CastReconnectMax() time.Duration {
	return time.Duration(c.Cast.ReconnectMaxMS) * time.Millisecond
}

func (c Config) CastHeartbeat() time.Duration {
	return time.Duration(c.Cast.HeartbeatMS) * time.Millisecond
}

func (c Config) ControlCallTimeout() time.Duration {
	return time.Duration(c.Control.CallTimeoutMS) * time.Millisecond
}

func applyEnv(cfg *Config) {
	cfg.Proxy.Port = intEnv("CASTBRIDGE_PROXY_PORT", cfg.Proxy.Port)
	cfg.Discovery.TimeoutMS = intEnv("CASTBRIDGE_DISCOVERY_TIMEOUT_MS", cfg.Discovery.TimeoutMS)
	cfg.Cast.ReconnectAttempts = intEnv("CASTBRIDGE_CAST_RECONNECT_ATTEMPTS", cfg.Cast.ReconnectAttempts)
	cfg.Network.Interface = strEnv("CASTBRIDGE_INTERFACE", cfg.Network.Interface)
	cfg.API.Listen = strEnv("CASTBRIDGE_API_LISTEN", cfg.API.Listen)
	cfg.Logging.Level = strEnv("CASTBRIDGE_LOG_LEVEL", cfg.Logging.Level)
}

func intEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func strEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}
