package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// TOMLConfig represents the structure of the daemon config file
type TOMLConfig struct {
	Store   StoreSection   `toml:"store"`
	Engine  EngineSection  `toml:"engine"`
	Metrics MetricsSection `toml:"metrics"`
}

type StoreSection struct {
	DatabasePath string `toml:"database_path"`
	KeyFile      string `toml:"key_file"`
	MaxItemSize  int    `toml:"max_item_size"`
}

type EngineSection struct {
	ProcessIntervalMS    int `toml:"process_interval_ms"`
	MaxRequestAgeSeconds int `toml:"max_request_age_seconds"`
}

type MetricsSection struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Store: StoreSection{
			DatabasePath: "~/.gxsstore/gxs.db",
			KeyFile:      "",
			MaxItemSize:  1536 * 1024,
		},
		Engine: EngineSection{
			ProcessIntervalMS:    100,
			MaxRequestAgeSeconds: 30,
		},
		Metrics: MetricsSection{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9090",
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory.
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still runs on defaults.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Sections missing from the file keep their defaults.
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, errors.Wrap(err, "failed to parse config file")
	}
	return applyEnvOverrides(config), nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: GXS_SECTION_KEY
// Example: GXS_ENGINE_PROCESS_INTERVAL_MS=50
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("GXS_STORE_DATABASE_PATH"); val != "" {
		config.Store.DatabasePath = val
	}
	if val := os.Getenv("GXS_STORE_KEY_FILE"); val != "" {
		config.Store.KeyFile = val
	}
	envInt("GXS_STORE_MAX_ITEM_SIZE", &config.Store.MaxItemSize)

	envInt("GXS_ENGINE_PROCESS_INTERVAL_MS", &config.Engine.ProcessIntervalMS)
	envInt("GXS_ENGINE_MAX_REQUEST_AGE_SECONDS", &config.Engine.MaxRequestAgeSeconds)

	if val := os.Getenv("GXS_METRICS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Metrics.Enabled = enabled
		}
	}
	if val := os.Getenv("GXS_METRICS_LISTEN_ADDR"); val != "" {
		config.Metrics.ListenAddr = val
	}
	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	content := `# GXS store daemon configuration
# This file was auto-generated with default values
#
# Environment variables can override these settings:
# GXS_SECTION_KEY (e.g., GXS_METRICS_LISTEN_ADDR=0.0.0.0:9090)

[store]
# Path to the SQLite database file
database_path = "~/.gxsstore/gxs.db"

# Hex-encoded secret for at-rest encryption of stored payloads.
# Created on first start if it does not exist. Leave empty to store plaintext.
# key_file = "~/.gxsstore/store.key"

# Largest accepted record (data + meta) in bytes
max_item_size = 1572864

[engine]
# How often pending requests are processed
process_interval_ms = 100

# Idle token entries older than this are dropped
max_request_age_seconds = 30

[metrics]
# Serve /metrics and /health (internal only - never expose publicly!)
enabled = true
listen_addr = "127.0.0.1:9090"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Store.DatabasePath) != "" {
		path, err := expandHome(c.Store.DatabasePath)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.DatabasePath = path
	}
	if strings.TrimSpace(c.Store.KeyFile) != "" {
		path, err := expandHome(c.Store.KeyFile)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.KeyFile = path
	}
	if c.Store.MaxItemSize > 0 {
		cfg.MaxItemSize = c.Store.MaxItemSize
	}

	if c.Engine.ProcessIntervalMS > 0 {
		cfg.ProcessInterval = time.Duration(c.Engine.ProcessIntervalMS) * time.Millisecond
	}
	if c.Engine.MaxRequestAgeSeconds > 0 {
		cfg.MaxRequestAge = time.Duration(c.Engine.MaxRequestAgeSeconds) * time.Second
	}

	cfg.MetricsEnabled = c.Metrics.Enabled
	if strings.TrimSpace(c.Metrics.ListenAddr) != "" {
		cfg.MetricsAddr = c.Metrics.ListenAddr
	}
	return cfg, nil
}
