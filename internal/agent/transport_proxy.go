package agent

import (
	"context"

	"github.com/agentcmd/agentcmd/internal/proxy"
)

// ProxyTransport drives turns over the local OpenAI-compatible proxy.
// There is no per-chat process on this side; conversation state lives
// entirely in the prompt.
type ProxyTransport struct {
	client *proxy.Client
}

// NewProxyTransport wraps a proxy turn client.
func NewProxyTransport(client *proxy.Client) *ProxyTransport {
	return &ProxyTransport{client: client}
}

// Prewarm is a no-op: HTTP turns need no warm session.
func (t *ProxyTransport) Prewarm(ctx context.Context, req TurnRequest) error { return nil }

// StreamTurn runs one chat-completions turn, mapping text chunks to
// stream events and tool activity to tool events.
func (t *ProxyTransport) StreamTurn(ctx context.Context, req TurnRequest, emit func(Event)) (string, error) {
	return t.client.SendAndReceive(ctx, string(req.Agent), req.Prompt, req.Cwd, proxy.Callbacks{
		OnText: func(chunk string) { emit(Event{Kind: EventStream, Text: chunk}) },
		OnTool: func(line string) { emit(Event{Kind: EventTool, Text: line}) },
	})
}

// Close is a no-op; the proxy process belongs to the supervisor.
func (t *ProxyTransport) Close() {}
