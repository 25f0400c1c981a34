package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentcmd/agentcmd/internal/cliagent"
	"github.com/agentcmd/agentcmd/internal/config"
)

// rawPollInterval paces the terminal mirror while a turn is running.
const rawPollInterval = 50 * time.Millisecond

// PTYTransport drives agents interactively inside pseudo-terminals.
// Sessions are keyed by chat id and survive across turns; a chat that
// switches agent or working directory gets a fresh session after the
// old one is stopped. Gemini turns run as one-shot subprocesses and
// hold no session.
type PTYTransport struct {
	cfg         *config.Config
	startupWait time.Duration
	turnTimeout time.Duration

	spawn   cliagent.SpawnFunc // test seam, nil spawns a real PTY
	oneShot func(ctx context.Context, spec cliagent.Spec, cwd, prompt string) (string, error)

	mu       sync.Mutex
	sessions map[string]*cliagent.Session
}

// NewPTYTransport builds the PTY transport. Startup and turn limits
// come from the agents config, defaulted at load time.
func NewPTYTransport(cfg *config.Config) *PTYTransport {
	return &PTYTransport{
		cfg:         cfg,
		startupWait: time.Duration(cfg.Agents.StartupWaitSec) * time.Second,
		turnTimeout: time.Duration(cfg.Agents.TurnTimeoutSec) * time.Second,
		oneShot:     cliagent.RunOneShot,
		sessions:    make(map[string]*cliagent.Session),
	}
}

// Prewarm spawns the chat's session and waits for its input prompt.
// One-shot agents have nothing to warm.
func (t *PTYTransport) Prewarm(ctx context.Context, req TurnRequest) error {
	if req.Agent == cliagent.KindGemini {
		return nil
	}
	sess, err := t.ensure(req.ChatID, req.Agent, req.Cwd)
	if err != nil {
		return err
	}
	return sess.WaitUntilReady(ctx, t.startupWait)
}

// StreamTurn submits the prompt to the chat's session and mirrors raw
// PTY bytes to terminal events while the response streams.
func (t *PTYTransport) StreamTurn(ctx context.Context, req TurnRequest, emit func(Event)) (string, error) {
	if req.Agent == cliagent.KindGemini {
		return t.oneShotTurn(ctx, req, emit)
	}

	sess, err := t.ensure(req.ChatID, req.Agent, req.Cwd)
	if err != nil {
		return "", err
	}
	if err := sess.WaitUntilReady(ctx, t.startupWait); err != nil {
		return "", fmt.Errorf("%s session not ready: %w", req.Agent, err)
	}

	// Codex keeps its raw buffer so the terminal view retains the
	// startup handshake on the first turn.
	sess.PrepareTurn(req.Agent != cliagent.KindCodex)
	if err := sess.Submit(req.Prompt); err != nil {
		return "", fmt.Errorf("submit to %s: %w", req.Agent, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go mirrorRaw(sess, emit, stop, done)

	text, err := sess.ReceiveResponse(ctx, func(delta string) {
		emit(Event{Kind: EventStream, Text: delta})
	})
	close(stop)
	<-done
	return text, err
}

// Close stops every live session and kills the child processes.
func (t *PTYTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sess := range t.sessions {
		if err := sess.Close(); err != nil {
			slog.Debug("agent.session_close_failed", "chat_id", id, "error", err)
		}
		delete(t.sessions, id)
	}
}

// ensure returns the chat's live session, replacing it when the agent
// or working directory changed.
func (t *PTYTransport) ensure(chatID string, kind cliagent.Kind, cwd string) (*cliagent.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.sessions[chatID]; ok {
		if sess.Kind() == kind && sess.Cwd() == cwd {
			return sess, nil
		}
		slog.Info("agent.session_replaced",
			"chat_id", chatID,
			"old_agent", string(sess.Kind()), "old_cwd", sess.Cwd(),
			"new_agent", string(kind), "new_cwd", cwd)
		if err := sess.Close(); err != nil {
			slog.Warn("agent.session_close_failed", "chat_id", chatID, "error", err)
		}
		delete(t.sessions, chatID)
	}

	cmd, err := t.cfg.AgentCommand(string(kind))
	if err != nil {
		return nil, err
	}
	sess, err := cliagent.NewSession(cliagent.SpecFor(kind, cmd), cliagent.Options{
		Cwd:         cwd,
		TurnTimeout: t.turnTimeout,
		Spawn:       t.spawn,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s session: %w", kind, err)
	}
	t.sessions[chatID] = sess
	slog.Info("agent.session_started", "chat_id", chatID, "agent", string(kind), "cwd", cwd)
	return sess, nil
}

// oneShotTurn runs agents without an interactive session: one
// subprocess per prompt, combined output as both the terminal mirror
// and the reply.
func (t *PTYTransport) oneShotTurn(ctx context.Context, req TurnRequest, emit func(Event)) (string, error) {
	cmd, err := t.cfg.AgentCommand(string(req.Agent))
	if err != nil {
		return "", err
	}
	text, err := t.oneShot(ctx, cliagent.SpecFor(req.Agent, cmd), req.Cwd, req.Prompt)
	if err != nil {
		return "", err
	}
	emit(Event{Kind: EventTerminal, Data: []byte(text + "\r\n")})
	emit(Event{Kind: EventStream, Text: text})
	return text, nil
}

// mirrorRaw forwards raw PTY bytes to terminal events until stopped,
// then drains whatever the reader queued last.
func mirrorRaw(sess *cliagent.Session, emit func(Event), stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(rawPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, chunk := range sess.TakeRaw() {
				emit(Event{Kind: EventTerminal, Data: chunk})
			}
		case <-stop:
			for _, chunk := range sess.TakeRaw() {
				emit(Event{Kind: EventTerminal, Data: chunk})
			}
			return
		}
	}
}
