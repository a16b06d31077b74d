// Package config loads host configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/millwright-cad/millwright/internal/plugin/security"
)

// Environment variables read by Load.
const (
	EnvPluginDir      = "MILLWRIGHT_PLUGIN_DIR"
	EnvDBPath         = "MILLWRIGHT_DB_PATH"
	EnvRPCTimeout     = "MILLWRIGHT_RPC_TIMEOUT"
	EnvMemoryLimit    = "MILLWRIGHT_MEMORY_LIMIT"
	EnvContentSources = "MILLWRIGHT_CONTENT_SOURCES"
	EnvStyleSources   = "MILLWRIGHT_STYLE_SOURCES"
	EnvConnectSources = "MILLWRIGHT_CONNECT_SOURCES"
)

// Config holds the host runtime configuration.
type Config struct {
	// PluginDir is where installed plugin bundles live.
	PluginDir string

	// DBPath is the registry database location. Empty selects the
	// file-snapshot store under PluginDir instead of SQLite.
	DBPath string

	// RPCTimeout bounds host-to-plugin calls.
	RPCTimeout time.Duration

	// MemoryLimit is the advisory per-plugin memory ceiling in bytes.
	MemoryLimit int64

	// Sandbox source allow-lists.
	ContentSources []string
	StyleSources   []string
	ConnectSources []string
}

// Load reads configuration from an optional .env file and the
// environment. Unset values fall back to packaged defaults.
func Load() (*Config, error) {
	// A .env in the working directory or home is a development
	// convenience; absence is not an error.
	godotenv.Load(".env") //nolint:errcheck
	if home, err := os.UserHomeDir(); err == nil {
		godotenv.Load(filepath.Join(home, ".millwright.env")) //nolint:errcheck
	}

	return FromEnv()
}

// FromEnv reads configuration from the current environment only.
func FromEnv() (*Config, error) {
	baseline := security.DefaultPolicyDefaults()

	cfg := &Config{
		PluginDir:      os.Getenv(EnvPluginDir),
		DBPath:         os.Getenv(EnvDBPath),
		RPCTimeout:     baseline.Limits.ExecutionTimeout,
		MemoryLimit:    baseline.Limits.MemoryLimit,
		ContentSources: baseline.ContentSources,
		StyleSources:   baseline.StyleSources,
		ConnectSources: baseline.ConnectSources,
	}

	if cfg.PluginDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve plugin dir: %w", err)
		}
		cfg.PluginDir = filepath.Join(home, ".millwright", "plugins")
	}

	if raw := os.Getenv(EnvRPCTimeout); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvRPCTimeout, err)
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("%s: must be positive", EnvRPCTimeout)
		}
		cfg.RPCTimeout = timeout
	}

	if raw := os.Getenv(EnvMemoryLimit); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMemoryLimit, err)
		}
		if limit <= 0 {
			return nil, fmt.Errorf("%s: must be positive", EnvMemoryLimit)
		}
		cfg.MemoryLimit = limit
	}

	if sources := splitSources(os.Getenv(EnvContentSources)); sources != nil {
		cfg.ContentSources = sources
	}
	if sources := splitSources(os.Getenv(EnvStyleSources)); sources != nil {
		cfg.StyleSources = sources
	}
	if sources := splitSources(os.Getenv(EnvConnectSources)); sources != nil {
		cfg.ConnectSources = sources
	}

	return cfg, nil
}

// Defaults derives the sandbox policy baseline from the configuration.
func (c *Config) Defaults() security.Defaults {
	limits := security.DefaultResourceLimits()
	limits.ExecutionTimeout = c.RPCTimeout
	limits.MemoryLimit = c.MemoryLimit

	return security.Defaults{
		ContentSources: append([]string(nil), c.ContentSources...),
		StyleSources:   append([]string(nil), c.StyleSources...),
		ConnectSources: append([]string(nil), c.ConnectSources...),
		Limits:         limits,
	}
}

// SnapshotDir is where the file-snapshot store keeps registry entries
// when no database path is configured.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.PluginDir, ".registry")
}

func splitSources(raw string) []string {
	if raw == "" {
		return nil
	}
	var sources []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			sources = append(sources, trimmed)
		}
	}
	return sources
}
