package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Default:        AgentClaude,
			Workspace:      "~/.agentcmd/workspace",
			HistoryLimit:   30,
			TurnTimeoutSec: 300,
			StartupWaitSec: 20,
		},
		Transport: TransportPTY,
		Proxy: ProxyConfig{
			BaseURL:   "http://127.0.0.1:8317",
			Endpoint:  "/v1/chat/completions",
			Binary:    "cliproxyapi",
			Port:      8317,
			MaxRounds: 25,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18789,
			RateLimitRPM: 60,
		},
		Tools: ToolsConfig{
			MaxOutputKB:     32,
			ShellTimeoutSec: 30,
			FetchTimeoutSec: 15,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTCMD_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("AGENTCMD_PROXY_API_KEY", &c.Proxy.APIKey)
	envStr("AGENTCMD_WORKSPACE", &c.Agents.Workspace)
	envStr("AGENTCMD_TRANSPORT", &c.Transport)
	envStr("AGENTCMD_PROXY_URL", &c.Proxy.BaseURL)

	// Per-agent CLI overrides, e.g. AGENTCMD_CLAUDE_CMD="claude --verbose".
	for _, key := range AgentKeys {
		env := "AGENTCMD_" + strings.ToUpper(key) + "_CMD"
		if v := os.Getenv(env); v != "" {
			if c.Agents.Commands == nil {
				c.Agents.Commands = make(map[string]string)
			}
			c.Agents.Commands[key] = v
		}
	}

	envStr("AGENTCMD_HOST", &c.Gateway.Host)
	if v := os.Getenv("AGENTCMD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("AGENTCMD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTCMD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("AGENTCMD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file via a temp file and rename, so a
// crash mid-write never truncates an existing config.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json5")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Frozen reports whether this build runs from a packaged install (the
// GUI launcher sets AGENTCMD_FROZEN). Frozen installs carry helper
// binaries next to the executable instead of relying on PATH.
func Frozen() bool {
	v := os.Getenv("AGENTCMD_FROZEN")
	return v == "true" || v == "1"
}

// AppDir resolves the per-user application directory. AGENTCMD_HOME
// overrides the default ~/.agentcmd.
func AppDir() string {
	if v := os.Getenv("AGENTCMD_HOME"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcmd"
	}
	return filepath.Join(home, ".agentcmd")
}

// DefaultConfigPath returns the config file location under the app dir.
func DefaultConfigPath() string {
	return filepath.Join(AppDir(), "config.json5")
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Workspace)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == os.PathSeparator) {
		return filepath.Join(home, path[2:])
	}
	return home
}
