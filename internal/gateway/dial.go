package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentcmd/agentcmd/pkg/protocol"
)

// ControlClient is a short-lived connection CLI surfaces use to query
// a running gateway.
type ControlClient struct {
	conn *websocket.Conn
}

// Dial connects to a gateway WebSocket endpoint, e.g.
// ws://127.0.0.1:18789/ws. token may be empty when the gateway is open.
func Dial(ctx context.Context, wsURL, token string) (*ControlClient, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &ControlClient{conn: conn}, nil
}

// ListSessions requests the session index and waits for the reply.
func (c *ControlClient) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	req := protocol.ClientFrame{Type: protocol.TypeListSessions}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// The control connection has no chat subscriptions, so the only
	// frames it can receive are the reply and errors.
	for {
		var frame protocol.ServerFrame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		switch frame.Type {
		case protocol.TypeSessions:
			return frame.Sessions, nil
		case protocol.TypeError:
			return nil, fmt.Errorf("gateway: %s", frame.Error)
		}
	}
}

// Close sends a normal close frame and shuts the connection down.
func (c *ControlClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
