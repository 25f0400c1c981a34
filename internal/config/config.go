package config

import (
	"fmt"
	"sync"
)

// Agent keys accepted everywhere an agent is named.
const (
	AgentClaude = "claude"
	AgentGemini = "gemini"
	AgentCodex  = "codex"
)

// AgentKeys lists the supported agents in display order.
var AgentKeys = []string{AgentClaude, AgentGemini, AgentCodex}

// ValidAgent reports whether key names a supported agent CLI.
func ValidAgent(key string) bool {
	switch key {
	case AgentClaude, AgentGemini, AgentCodex:
		return true
	}
	return false
}

// Transport modes for driving agent turns.
const (
	TransportPTY   = "pty"
	TransportProxy = "proxy"
)

// Config is the root configuration for agentcmd.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Transport string          `json:"transport"` // "pty" (default) or "proxy"
	Proxy     ProxyConfig     `json:"proxy"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	McpServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig controls which agent CLIs run and how.
type AgentsConfig struct {
	Default   string            `json:"default"`            // "claude", "gemini", "codex"
	Commands  map[string]string `json:"commands,omitempty"` // per-agent command override
	Workspace string            `json:"workspace"`          // default working directory for sessions

	HistoryLimit   int `json:"history_limit,omitempty"`    // prompt history tail (default 30)
	TurnTimeoutSec int `json:"turn_timeout_sec,omitempty"` // per-turn hard timeout (default 300)
	StartupWaitSec int `json:"startup_wait_sec,omitempty"` // PTY readiness wait (default 20)
}

// ProxyConfig configures the external OpenAI-compatible proxy that fronts
// the agents' subscription auth. APIKey is never persisted; it comes
// from env AGENTCMD_PROXY_API_KEY only.
type ProxyConfig struct {
	BaseURL    string            `json:"base_url,omitempty"`    // default "http://127.0.0.1:8317"
	Endpoint   string            `json:"endpoint,omitempty"`    // default "/v1/chat/completions"
	APIKey     string            `json:"-"`
	Models     map[string]string `json:"models,omitempty"`      // agent key → model id
	Binary     string            `json:"binary,omitempty"`      // proxy executable on PATH or absolute
	ConfigFile string            `json:"config_file,omitempty"` // passed as --config when set
	AuthDir    string            `json:"auth_dir,omitempty"`    // provider token files live here
	Port       int               `json:"port,omitempty"`        // listener port for takeover/kill (default 8317)
	Autostart  bool              `json:"autostart,omitempty"`   // start managed proxy with the gateway
	MaxRounds  int               `json:"max_rounds,omitempty"`  // tool-call rounds per turn (default 25)
}

// Model resolves the model id for an agent key, falling back to the
// bundled defaults when unconfigured.
func (p ProxyConfig) Model(agent string) string {
	if m, ok := p.Models[agent]; ok && m != "" {
		return m
	}
	switch agent {
	case AgentGemini:
		return "gemini-2.5-pro"
	case AgentCodex:
		return "gpt-5"
	default:
		return "claude-sonnet-4-5"
	}
}

// GatewayConfig configures the local WebSocket bridge the GUI attaches to.
// Token is never persisted; it comes from env AGENTCMD_GATEWAY_TOKEN only.
type GatewayConfig struct {
	Host         string `json:"host,omitempty"`           // default "127.0.0.1"
	Port         int    `json:"port,omitempty"`           // default 18789
	Token        string `json:"-"`
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // per-client inbound limit (default 60)
}

// ToolsConfig bounds builtin tool execution.
type ToolsConfig struct {
	MaxOutputKB     int `json:"max_output_kb,omitempty"`     // tool result ceiling (default 32)
	ShellTimeoutSec int `json:"shell_timeout_sec,omitempty"` // execute_command timeout (default 30)
	FetchTimeoutSec int `json:"fetch_timeout_sec,omitempty"` // web_fetch timeout (default 15)
}

// CronConfig configures the schedule runner.
type CronConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default true
}

// IsEnabled returns whether the scheduler runs (default true).
func (c CronConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TelemetryConfig configures OTLP trace export. Disabled by default.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`     // plaintext export for local collectors
	ServiceName string `json:"service_name,omitempty"` // default "agentcmd"
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Transport = src.Transport
	c.Proxy = src.Proxy
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
	c.McpServers = src.McpServers
}

// AgentCommand returns the command line for an agent CLI, honoring the
// per-agent override. The returned error names the offending key so CLI
// surfaces can report it verbatim.
func (c *Config) AgentCommand(key string) (string, error) {
	if !ValidAgent(key) {
		return "", fmt.Errorf("unknown agent %q (want claude, gemini or codex)", key)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cmd, ok := c.Agents.Commands[key]; ok && cmd != "" {
		return cmd, nil
	}
	return key, nil
}

// DefaultAgent returns the configured default agent key.
func (c *Config) DefaultAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ValidAgent(c.Agents.Default) {
		return c.Agents.Default
	}
	return AgentClaude
}

// ProxyModel resolves the model id used for an agent when driving turns
// through the proxy.
func (c *Config) ProxyModel(agent string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Proxy.Model(agent)
}
