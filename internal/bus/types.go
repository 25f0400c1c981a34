package bus

// Metadata keys recognized by the agent loop.
const (
	MetaAgent       = "agent"        // target agent key: claude, gemini, codex
	MetaCwd         = "cwd"          // working directory for the turn
	MetaInitSession = "init_session" // prewarm only, no outbound produced
	MetaLoopMode    = "loop_mode"    // auto-continue until the stop sentinel
	MetaLoopStop    = "loop_stop"    // user halt, suppress further continuations
	MetaAutoLoop    = "auto_loop"    // set on synthetic continuation turns
	MetaStreamed    = "streamed"     // outbound content was already streamed
)

// InboundMessage is one turn awaiting the agent loop. The GUI publishes
// from channel "gui"; the scheduler publishes on the chat's recorded
// channel with sender_id "system". A message arriving on channel
// "system" may address a destination as chat_id "channel:chat_id".
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Meta returns the metadata value for key, or "".
func (m InboundMessage) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// InitSession reports whether this message only prewarms a session.
func (m InboundMessage) InitSession() bool { return metaTrue(m.Metadata, MetaInitSession) }

// LoopMode reports whether the turn runs under loop-mode continuation.
func (m InboundMessage) LoopMode() bool { return metaTrue(m.Metadata, MetaLoopMode) }

// LoopStop reports whether the user halted loop mode for this chat.
func (m InboundMessage) LoopStop() bool { return metaTrue(m.Metadata, MetaLoopStop) }

// AutoLoop reports whether this message is a synthetic continuation.
func (m InboundMessage) AutoLoop() bool { return metaTrue(m.Metadata, MetaAutoLoop) }

// OutboundMessage is a complete assistant reply headed for subscribers.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Streamed reports whether subscribers already saw this content as
// streaming chunks and must not re-render it.
func (m OutboundMessage) Streamed() bool { return metaTrue(m.Metadata, MetaStreamed) }

func metaTrue(meta map[string]string, key string) bool {
	if meta == nil {
		return false
	}
	v := meta[key]
	return v == "true" || v == "1"
}
