package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/agentcmd/agentcmd/internal/tools"
)

// BridgeTool exposes one remote MCP tool through the local registry.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	name      string
	timeout   time.Duration
	connected *atomic.Bool
}

// NewBridgeTool wraps a tool discovered on an MCP server. A non-empty
// prefix namespaces the registry name against cross-server collisions.
func NewBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := tool.Name
	if prefix != "" {
		name = prefix + "_" + tool.Name
	}
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		server:    server,
		tool:      tool,
		client:    client,
		name:      name,
		timeout:   time.Duration(timeoutSec) * time.Second,
		connected: connected,
	}
}

func (b *BridgeTool) Name() string { return b.name }

// OriginalName returns the tool's name on its MCP server, before any
// prefixing.
func (b *BridgeTool) OriginalName() string { return b.tool.Name }

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return fmt.Sprintf("%s (MCP server %s)", b.tool.Name, b.server)
}

// Parameters converts the server's input schema to a plain JSON-schema
// map. Chat-completions validation rejects object schemas without a
// properties key, so one is always present.
func (b *BridgeTool) Parameters() map[string]interface{} {
	fallback := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}

	raw, err := json.Marshal(b.tool.InputSchema)
	if err != nil {
		return fallback
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil || len(schema) == 0 {
		return fallback
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}
	return schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.tool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", b.tool.Name, err)).WithError(err)
	}

	text := extractText(res)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", b.tool.Name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no content)"
	}
	return tools.SilentResult(text)
}

// extractText joins the text parts of a tool result; non-text content
// is noted but not inlined.
func extractText(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if ic, ok := mcpgo.AsImageContent(c); ok {
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", ic.MIMEType, len(ic.Data)))
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
