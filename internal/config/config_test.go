package config

import (
	"testing"
	"time"

	"github.com/millwright-cad/millwright/internal/plugin/security"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		EnvPluginDir, EnvDBPath, EnvRPCTimeout, EnvMemoryLimit,
		EnvContentSources, EnvStyleSources, EnvConnectSources,
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if cfg.PluginDir == "" {
		t.Error("no plugin dir resolved")
	}
	if cfg.DBPath != "" {
		t.Errorf("db path = %q", cfg.DBPath)
	}

	baseline := security.DefaultResourceLimits()
	if cfg.RPCTimeout != baseline.ExecutionTimeout {
		t.Errorf("timeout = %v", cfg.RPCTimeout)
	}
	if cfg.MemoryLimit != baseline.MemoryLimit {
		t.Errorf("memory limit = %d", cfg.MemoryLimit)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvPluginDir, "/opt/millwright/plugins")
	t.Setenv(EnvDBPath, "/var/lib/millwright/registry.db")
	t.Setenv(EnvRPCTimeout, "2s")
	t.Setenv(EnvMemoryLimit, "33554432")
	t.Setenv(EnvConnectSources, "'self', https://api.example.com ,wss://live.example.com")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv error: %v", err)
	}
	if cfg.PluginDir != "/opt/millwright/plugins" {
		t.Errorf("plugin dir = %q", cfg.PluginDir)
	}
	if cfg.DBPath != "/var/lib/millwright/registry.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
	if cfg.RPCTimeout != 2*time.Second {
		t.Errorf("timeout = %v", cfg.RPCTimeout)
	}
	if cfg.MemoryLimit != 33554432 {
		t.Errorf("memory limit = %d", cfg.MemoryLimit)
	}

	want := []string{"'self'", "https://api.example.com", "wss://live.example.com"}
	if len(cfg.ConnectSources) != len(want) {
		t.Fatalf("connect sources = %v", cfg.ConnectSources)
	}
	for i := range want {
		if cfg.ConnectSources[i] != want[i] {
			t.Errorf("source[%d] = %q, want %q", i, cfg.ConnectSources[i], want[i])
		}
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparseable timeout", EnvRPCTimeout, "fast"},
		{"negative timeout", EnvRPCTimeout, "-1s"},
		{"unparseable memory", EnvMemoryLimit, "64MB"},
		{"zero memory", EnvMemoryLimit, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := FromEnv(); err == nil {
				t.Errorf("%s=%q accepted", tt.key, tt.value)
			}
		})
	}
}

func TestDefaultsDerivation(t *testing.T) {
	t.Setenv(EnvRPCTimeout, "3s")
	t.Setenv(EnvMemoryLimit, "16777216")
	t.Setenv(EnvStyleSources, "'self','unsafe-inline'")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}

	defaults := cfg.Defaults()
	if defaults.Limits.ExecutionTimeout != 3*time.Second {
		t.Errorf("execution timeout = %v", defaults.Limits.ExecutionTimeout)
	}
	if defaults.Limits.MemoryLimit != 16777216 {
		t.Errorf("memory limit = %d", defaults.Limits.MemoryLimit)
	}
	if len(defaults.StyleSources) != 2 || defaults.StyleSources[1] != "'unsafe-inline'" {
		t.Errorf("style sources = %v", defaults.StyleSources)
	}

	// Mutating the derived defaults must not leak back.
	defaults.StyleSources[0] = "mutated"
	if cfg.StyleSources[0] != "'self'" {
		t.Error("defaults share the config slice")
	}
}
