// Package protocol defines the WebSocket frames exchanged between the
// agentcmd gateway and GUI clients. Both sides marshal frames as JSON
// text messages.
package protocol

// Version is bumped when the frame set changes incompatibly. The
// gateway reports it from /health so clients can refuse to talk to a
// gateway they no longer understand.
const Version = 1

// Client → server frame types.
const (
	TypeChat         = "chat"          // submit a user message
	TypeInitSession  = "init_session"  // prewarm the chat's agent session
	TypeHaltLoop     = "halt_loop"     // stop loop-mode continuation for a chat
	TypeSubscribe    = "subscribe"     // receive frames for a chat id
	TypeListSessions = "list_sessions" // request the session index
)

// Server → client frame types.
const (
	TypeStream   = "stream"   // incremental assistant text
	TypeTool     = "tool"     // tool activity (preview or result)
	TypeTerminal = "terminal" // raw PTY bytes, base64
	TypeFinal    = "final"    // end of a streamed turn
	TypeOutbound = "outbound" // complete assistant reply
	TypeSessions = "sessions" // session index snapshot
	TypeError    = "error"    // per-frame failure report
)

// ClientFrame is a message from a GUI client to the gateway.
type ClientFrame struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content,omitempty"`

	// Chat routing overrides. Empty means "use the session's current value".
	Agent   string `json:"agent,omitempty"`
	Workdir string `json:"workdir,omitempty"`

	LoopMode bool `json:"loop_mode,omitempty"`
}

// ServerFrame is a message from the gateway to a GUI client. Stream,
// tool and outbound frames carry text; terminal frames carry base64
// bytes in Data.
type ServerFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Data   string `json:"data,omitempty"`

	// Streamed marks outbound frames whose text already arrived as
	// stream frames, so clients must not render it twice.
	Streamed bool `json:"streamed,omitempty"`

	Sessions []SessionSummary `json:"sessions,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// SessionSummary is one entry of the session index as shipped to clients.
type SessionSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Agent      string `json:"agent"`
	Workdir    string `json:"workdir"`
	Mode       string `json:"mode"`
	LoopStatus string `json:"loop_status,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}
