package agent

import (
	"context"

	"github.com/agentcmd/agentcmd/internal/cliagent"
)

// EventKind discriminates the fan-out events produced while a turn runs.
type EventKind int

const (
	// EventStream carries a filtered assistant text chunk.
	EventStream EventKind = iota
	// EventTerminal carries raw PTY output bytes for terminal mirroring.
	EventTerminal
	// EventTool carries a tool-call preview or fenced result.
	EventTool
)

// Event is one intermediate item observed during a turn. Stream and
// tool events populate Text; terminal events populate Data.
type Event struct {
	Kind EventKind
	Text string
	Data []byte
}

// TurnRequest is one prompt headed for an agent.
type TurnRequest struct {
	Agent  cliagent.Kind
	ChatID string
	Cwd    string
	Prompt string
}

// Transport drives agent turns. StreamTurn blocks until the turn
// completes and returns the final assistant text, already noise
// filtered and never empty. emit is invoked for every intermediate
// event; implementations may call it from more than one goroutine.
type Transport interface {
	// Prewarm readies the chat's session without running a turn.
	Prewarm(ctx context.Context, req TurnRequest) error
	// StreamTurn submits the prompt and streams events until the turn
	// completes or ctx expires.
	StreamTurn(ctx context.Context, req TurnRequest, emit func(Event)) (string, error)
	// Close stops every live session.
	Close()
}
