package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:      18789,
			Bind:      BindLoopback,
			Tailscale: TailscaleOff,
			Auth:      GatewayAuthConfig{Mode: AuthModeNone},
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Provider:   "anthropic",
				RunCeiling: "2h",
			},
		},
	}
}

// Load reads the gateway config, migrates legacy shapes in place, validates
// the result and overlays environment variables. A missing file yields the
// defaults. Validation failures after migration report every migrated path
// so the operator can see what the loader changed.
func Load(path string) (*Config, []MigrationChange, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil, nil
		}
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	migrated, changes := Migrate(raw)

	// Re-encode the migrated shape into the typed config.
	buf, err := json.Marshal(migrated)
	if err != nil {
		return nil, changes, fmt.Errorf("encode migrated config: %w", err)
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, changes, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		if len(changes) > 0 {
			return nil, changes, fmt.Errorf("config invalid after migration (migrated: %s): %w", describeChanges(changes), err)
		}
		return nil, changes, fmt.Errorf("config invalid: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, changes, nil
}

// applyEnvOverrides overlays EPILOOP_* env vars. Env takes precedence over
// file values. Ambient env is read once here at startup, never during a run.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EPILOOP_GATEWAY_TOKEN"); v != "" {
		c.Gateway.Auth.Token = v
		if c.Gateway.Auth.Mode == "" || c.Gateway.Auth.Mode == AuthModeNone {
			c.Gateway.Auth.Mode = AuthModeToken
		}
	}
	if v := os.Getenv("EPILOOP_GATEWAY_PASSWORD"); v != "" {
		c.Gateway.Auth.Password = v
		if c.Gateway.Auth.Mode == "" || c.Gateway.Auth.Mode == AuthModeNone {
			c.Gateway.Auth.Mode = AuthModePassword
		}
	}
	if v := os.Getenv("EPILOOP_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}

// Save writes the config to disk with owner-only permissions.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy with credential fields masked. Used by any
// surface that echoes config to clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Auth.Token)
	maskNonEmpty(&cp.Gateway.Auth.Password)
	for _, ch := range cp.Channels {
		maskNonEmpty(&ch.Token)
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

func describeChanges(changes []MigrationChange) string {
	out := ""
	for i, ch := range changes {
		if i > 0 {
			out += ", "
		}
		out += ch.Path
	}
	return out
}
