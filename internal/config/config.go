// Package config loads gateway configuration from defaults, an optional
// yaml file and WAGATEWAY_ environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all gateway configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	CORS      CORSConfig      `koanf:"cors"`
	Outbox    OutboxConfig    `koanf:"outbox"`
	History   HistoryConfig   `koanf:"history"`
	Bot       BotConfig       `koanf:"bot"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// OutboxConfig holds queue, worker and wait-loop configuration.
type OutboxConfig struct {
	Dir               string        `koanf:"dir"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	SendTimeout       time.Duration `koanf:"send_timeout"`
	UpdateAttempts    int           `koanf:"update_attempts"`
	UpdateBackoff     time.Duration `koanf:"update_backoff"`
	MessageGap        time.Duration `koanf:"message_gap"`
	WaitTimeout       time.Duration `koanf:"wait_timeout"`
	WaitPollInterval  time.Duration `koanf:"wait_poll_interval"`
	TrackerRetention  time.Duration `koanf:"tracker_retention"`
	TrackerGCInterval time.Duration `koanf:"tracker_gc_interval"`
}

// HistoryConfig holds history store configuration.
type HistoryConfig struct {
	Path string `koanf:"path"`
}

// BotConfig holds the external bot process endpoint.
type BotConfig struct {
	BaseURL string        `koanf:"base_url"`
	Token   string        `koanf:"token"`
	Timeout time.Duration `koanf:"timeout"`
}

// ReconcileConfig holds reconciler and monitor configuration.
type ReconcileConfig struct {
	MonitorEnabled bool          `koanf:"monitor_enabled"`
	Debounce       time.Duration `koanf:"debounce"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Outbox: OutboxConfig{
			Dir:               "outbox",
			PollInterval:      3 * time.Second,
			SendTimeout:       20 * time.Second,
			UpdateAttempts:    3,
			UpdateBackoff:     time.Second,
			MessageGap:        time.Second,
			WaitTimeout:       45 * time.Second,
			WaitPollInterval:  1500 * time.Millisecond,
			TrackerRetention:  2 * time.Minute,
			TrackerGCInterval: 3 * time.Minute,
		},
		History: HistoryConfig{
			Path: "message-history.json",
		},
		Bot: BotConfig{
			BaseURL: "http://127.0.0.1:3001",
			Timeout: 25 * time.Second,
		},
		Reconcile: ReconcileConfig{
			MonitorEnabled: true,
			Debounce:       2 * time.Second,
		},
	}
}

// Load reads configuration. An empty path skips the file layer. Environment
// variables use WAGATEWAY_ prefix with "__" as the nesting separator, e.g.
// WAGATEWAY_OUTBOX__POLL_INTERVAL=5s.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("WAGATEWAY_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "WAGATEWAY_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
