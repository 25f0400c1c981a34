package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultFillsCoreSections(t *testing.T) {
	cfg := Default()
	if cfg.Agents.Default != AgentClaude {
		t.Errorf("default agent = %q, want %q", cfg.Agents.Default, AgentClaude)
	}
	if cfg.Transport != TransportPTY {
		t.Errorf("transport = %q, want %q", cfg.Transport, TransportPTY)
	}
	if cfg.Agents.HistoryLimit != 30 {
		t.Errorf("history limit = %d, want 30", cfg.Agents.HistoryLimit)
	}
	if cfg.Agents.TurnTimeoutSec != 300 {
		t.Errorf("turn timeout = %d, want 300", cfg.Agents.TurnTimeoutSec)
	}
	if cfg.Proxy.MaxRounds != 25 {
		t.Errorf("proxy max rounds = %d, want 25", cfg.Proxy.MaxRounds)
	}
}

func TestValidAgent(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"claude", true},
		{"gemini", true},
		{"codex", true},
		{"", false},
		{"Claude", false},
		{"gpt", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := ValidAgent(tt.key); got != tt.want {
				t.Errorf("ValidAgent(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18789 {
		t.Errorf("gateway port = %d, want 18789", cfg.Gateway.Port)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	body := `{
  // comments are fine
  agents: { default: "codex", workspace: "/tmp/ws" },
  transport: "proxy",
  proxy: { models: { codex: "gpt-5-codex" } },
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents.Default != "codex" {
		t.Errorf("default agent = %q, want codex", cfg.Agents.Default)
	}
	if cfg.Transport != TransportProxy {
		t.Errorf("transport = %q, want proxy", cfg.Transport)
	}
	if got := cfg.ProxyModel("codex"); got != "gpt-5-codex" {
		t.Errorf("ProxyModel(codex) = %q, want gpt-5-codex", got)
	}
	// Defaults survive a partial file.
	if cfg.Tools.ShellTimeoutSec != 30 {
		t.Errorf("shell timeout = %d, want 30", cfg.Tools.ShellTimeoutSec)
	}
}

func TestAgentCommandOverride(t *testing.T) {
	cfg := Default()
	cfg.Agents.Commands = map[string]string{"gemini": "/opt/gemini/bin/gemini"}

	got, err := cfg.AgentCommand("gemini")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/opt/gemini/bin/gemini" {
		t.Errorf("AgentCommand(gemini) = %q", got)
	}

	got, err = cfg.AgentCommand("claude")
	if err != nil {
		t.Fatal(err)
	}
	if got != "claude" {
		t.Errorf("AgentCommand(claude) = %q, want claude", got)
	}

	if _, err := cfg.AgentCommand("copilot"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCMD_CODEX_CMD", "codex-nightly")
	t.Setenv("AGENTCMD_TRANSPORT", "proxy")
	t.Setenv("AGENTCMD_GATEWAY_TOKEN", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := cfg.AgentCommand("codex"); got != "codex-nightly" {
		t.Errorf("codex command = %q, want codex-nightly", got)
	}
	if cfg.Transport != TransportProxy {
		t.Errorf("transport = %q, want proxy", cfg.Transport)
	}
	if cfg.Gateway.Token != "s3cret" {
		t.Errorf("token = %q, want s3cret", cfg.Gateway.Token)
	}
}

func TestFrozen(t *testing.T) {
	t.Setenv("AGENTCMD_FROZEN", "")
	if Frozen() {
		t.Error("frozen with env unset")
	}
	for _, v := range []string{"1", "true"} {
		t.Setenv("AGENTCMD_FROZEN", v)
		if !Frozen() {
			t.Errorf("AGENTCMD_FROZEN=%s not detected", v)
		}
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")

	cfg := Default()
	cfg.Gateway.Token = "do-not-persist"
	cfg.Proxy.APIKey = "also-secret"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, secret := range []string{"do-not-persist", "also-secret"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("saved config contains secret %q", secret)
		}
	}

	// Round-trip through Load.
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Gateway.Port != cfg.Gateway.Port {
		t.Errorf("port = %d, want %d", got.Gateway.Port, cfg.Gateway.Port)
	}
}
