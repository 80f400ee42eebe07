// Package config loads the mushroom client configuration from YAML with
// MUSHROOM_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Endpoint   string          `yaml:"endpoint"`
	Transports []string        `yaml:"transports"`
	Auth       string          `yaml:"auth"`
	MaxLog     int             `yaml:"max_log"`
	HTTP       HTTPConfig      `yaml:"http"`
	WebSocket  WebSocketConfig `yaml:"websocket"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Logger     LoggerConfig    `yaml:"logger"`
}

// HTTPConfig tunes the exchange used for the handshake and the poll transport.
// Zero values switch the corresponding middleware off.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	RateLimit  float64       `yaml:"rate_limit"`
	RateBurst  int           `yaml:"rate_burst"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// DiscoveryConfig enables endpoint lookup in etcd when EtcdEndpoints is set.
type DiscoveryConfig struct {
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	Service       string        `yaml:"service"`
	Balancer      string        `yaml:"balancer"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// Enabled reports whether endpoints come from etcd.
func (d DiscoveryConfig) Enabled() bool {
	return len(d.EtcdEndpoints) > 0
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Defaults returns a config with every optional field filled in.
func Defaults() *Config {
	return &Config{
		Transports: []string{"ws", "poll"},
		MaxLog:     1024,
		HTTP: HTTPConfig{
			Timeout:    30 * time.Second,
			RetryDelay: 100 * time.Millisecond,
		},
		Discovery: DiscoveryConfig{
			Service:     "mushroom",
			Balancer:    "round_robin",
			DialTimeout: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and validates
// the result. A missing file is not an error: defaults and env apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err) || path == "":
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MUSHROOM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MUSHROOM_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("MUSHROOM_TRANSPORTS"); v != "" {
		cfg.Transports = splitList(v)
	}
	if v := os.Getenv("MUSHROOM_AUTH"); v != "" {
		cfg.Auth = v
	}
	if v := os.Getenv("MUSHROOM_MAX_LOG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxLog = n
		}
	}
	if v := os.Getenv("MUSHROOM_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MUSHROOM_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MUSHROOM_ETCD_ENDPOINTS"); v != "" {
		cfg.Discovery.EtcdEndpoints = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
