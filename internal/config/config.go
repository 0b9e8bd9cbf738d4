// Package config loads termd's runtime configuration: a TOML file,
// overridden by environment variables, overridden by CLI flags (applied by
// the caller after Load returns).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server ServerConfig `toml:"server"`
}

// DashboardAccessMode names how the dashboard is meant to be reached. It is
// loaded and stored only: the HTTP/WS front-end does not read it and always
// binds BindAddress:Port.
type DashboardAccessMode string

const (
	AccessLocal   DashboardAccessMode = "local"
	AccessNetwork DashboardAccessMode = "network"
	AccessTunnel  DashboardAccessMode = "tunnel"
)

type ServerConfig struct {
	ControlRoot         string              `toml:"control_root"`
	BindAddress         string              `toml:"bind_address"`
	Port                int                 `toml:"port"`
	DashboardAccessMode DashboardAccessMode `toml:"dashboard_access_mode"`
	CleanupOnStartup    bool                `toml:"cleanup_on_startup"`
	AuthToken           string              `toml:"auth_token"`
	MaxFrameBytes       int                 `toml:"max_frame_bytes"`
	SubscriberQueueLen  int                 `toml:"subscriber_queue_len"`
	BackpressureGraceMs int                 `toml:"backpressure_grace_ms"`
	TitleMode           string              `toml:"title_mode"`

	// NatsURL, if set, turns on the session-lifecycle event bus (§ ambient
	// stack); DatabaseURL, if set, turns on the optional history store.
	NatsURL     string `toml:"nats_url"`
	DatabaseURL string `toml:"database_url"`
}

// BackpressureGrace returns the configured grace period as a duration.
func (c *ServerConfig) BackpressureGrace() time.Duration {
	return time.Duration(c.BackpressureGraceMs) * time.Millisecond
}

func DefaultConfig() *Config {
	controlRoot := filepath.Join(os.TempDir(), fmt.Sprintf("termd-%d", os.Getpid()))
	if home, err := os.UserHomeDir(); err == nil {
		controlRoot = filepath.Join(home, ".local", "share", "termd", "sessions")
	}

	return &Config{
		Server: ServerConfig{
			ControlRoot:         controlRoot,
			BindAddress:         "127.0.0.1",
			Port:                4020,
			DashboardAccessMode: AccessLocal,
			CleanupOnStartup:    false,
			MaxFrameBytes:       16 * 1024 * 1024,
			SubscriberQueueLen:  256,
			BackpressureGraceMs: 30000,
			TitleMode:           "dynamic",
		},
	}
}

// AuthEnabled returns true if control-plane calls must present AuthToken.
func (c *Config) AuthEnabled() bool {
	return c.Server.AuthToken != ""
}

func Load() (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat("/etc/termd/config.toml"); err == nil {
		if _, err := toml.DecodeFile("/etc/termd/config.toml", cfg); err != nil {
			return nil, fmt.Errorf("config: decode /etc/termd/config.toml: %w", err)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(home, ".config", "termd", "config.toml")
		if _, err := os.Stat(userConfig); err == nil {
			if _, err := toml.DecodeFile(userConfig, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", userConfig, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides layers TERMD_* environment variables over the TOML
// config. Any option not recognized here (or in the TOML file) is ignored
// per §6.4's "unknown option is ignored" contract.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TERMD_CONTROL_ROOT"); v != "" {
		cfg.Server.ControlRoot = v
	}
	if v := os.Getenv("TERMD_BIND_ADDRESS"); v != "" {
		cfg.Server.BindAddress = v
	}
	if v := os.Getenv("TERMD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TERMD_DASHBOARD_ACCESS_MODE"); v != "" {
		cfg.Server.DashboardAccessMode = DashboardAccessMode(v)
	}
	if v := os.Getenv("TERMD_CLEANUP_ON_STARTUP"); v != "" {
		cfg.Server.CleanupOnStartup = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TERMD_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("TERMD_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxFrameBytes = n
		}
	}
	if v := os.Getenv("TERMD_SUBSCRIBER_QUEUE_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.SubscriberQueueLen = n
		}
	}
	if v := os.Getenv("TERMD_BACKPRESSURE_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.BackpressureGraceMs = n
		}
	}
	if v := os.Getenv("TERMD_TITLE_MODE"); v != "" {
		cfg.Server.TitleMode = v
	}
	if v := os.Getenv("TERMD_NATS_URL"); v != "" {
		cfg.Server.NatsURL = v
	}
	if v := os.Getenv("TERMD_DATABASE_URL"); v != "" {
		cfg.Server.DatabaseURL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Server.DatabaseURL = v
	}
}

// EnsureControlRoot creates the control-directory root with the restrictive
// permissions every session directory beneath it relies on.
func (c *Config) EnsureControlRoot() error {
	return os.MkdirAll(c.Server.ControlRoot, 0700)
}
