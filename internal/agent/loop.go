// Package agent runs the conversation loop: it consumes inbound
// messages from the bus one at a time, drives a single agent turn per
// message through a transport, and publishes the reply. Loop mode
// re-enqueues a continuation after each reply until the stop marker
// appears or the user halts.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentcmd/agentcmd/internal/bus"
	"github.com/agentcmd/agentcmd/internal/cliagent"
	"github.com/agentcmd/agentcmd/internal/prompt"
	"github.com/agentcmd/agentcmd/internal/store"
	"github.com/agentcmd/agentcmd/internal/telemetry"
)

const (
	// continuePrompt keeps loop mode rolling between turns.
	continuePrompt = "Continue. Check your plan and proceed with the next step."
	// stopMarker ends loop mode when the assistant text contains it,
	// matched case-insensitively.
	stopMarker = "TASK_COMPLETE"

	systemChannel = "system"
	systemSender  = "system"

	// DefaultTurnTimeout bounds a single turn when the config carries
	// no limit.
	DefaultTurnTimeout = 5 * time.Minute
)

// Sink receives turn fan-out for connected UIs. The loop serializes
// calls, so implementations never see two callbacks at once.
type Sink interface {
	// OnStream delivers one assistant text chunk.
	OnStream(chatID, text string)
	// OnTerminal delivers raw PTY bytes for the terminal pane.
	OnTerminal(chatID string, data []byte)
	// OnTool delivers a tool-call preview or result.
	OnTool(chatID, text string)
	// OnFinal marks the end of a turn so streaming bubbles close.
	OnFinal(chatID string)
}

type noopSink struct{}

func (noopSink) OnStream(string, string)   {}
func (noopSink) OnTerminal(string, []byte) {}
func (noopSink) OnTool(string, string)     {}
func (noopSink) OnFinal(string)            {}

// Config wires a Loop.
type Config struct {
	Bus       *bus.MessageBus
	Transport Transport
	Sessions  *store.Sessions
	Prompt    *prompt.Builder

	Sink         Sink   // optional, turn fan-out for UIs
	DefaultAgent string // fallback agent key, default "claude"
	Workspace    string // fallback working directory
	TurnTimeout  time.Duration
}

// Loop is the single consumer of the inbound queue.
type Loop struct {
	bus       *bus.MessageBus
	transport Transport
	sessions  *store.Sessions
	prompt    *prompt.Builder

	sinkMu sync.Mutex
	sink   Sink

	defaultAgent string
	workspace    string
	turnTimeout  time.Duration
	tracer       trace.Tracer
}

// NewLoop builds the loop, applying defaults for anything Config
// leaves zero.
func NewLoop(cfg Config) *Loop {
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = string(cliagent.KindClaude)
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	return &Loop{
		bus:          cfg.Bus,
		transport:    cfg.Transport,
		sessions:     cfg.Sessions,
		prompt:       cfg.Prompt,
		sink:         cfg.Sink,
		defaultAgent: cfg.DefaultAgent,
		workspace:    cfg.Workspace,
		turnTimeout:  cfg.TurnTimeout,
		tracer:       telemetry.Tracer("agentcmd/agent"),
	}
}

// SetSink swaps the fan-out target. Safe while turns are streaming;
// the gateway installs itself after the loop starts.
func (l *Loop) SetSink(s Sink) {
	if s == nil {
		s = noopSink{}
	}
	l.sinkMu.Lock()
	l.sink = s
	l.sinkMu.Unlock()
}

// Run consumes the inbound queue until ctx is cancelled, then stops
// every live agent session. It never returns early on a bad message;
// each turn's failure becomes an outbound and the loop keeps going.
func (l *Loop) Run(ctx context.Context) {
	slog.Info("agent.loop_started")
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		l.handle(ctx, msg)
	}
	l.transport.Close()
	slog.Info("agent.loop_stopped")
}

// handle runs one inbound message through a full turn.
func (l *Loop) handle(ctx context.Context, msg bus.InboundMessage) {
	channel, chatID := routeDestination(msg)
	if chatID == "" {
		slog.Warn("agent.message_dropped", "reason", "empty chat_id", "channel", msg.Channel, "sender_id", msg.SenderID)
		return
	}

	// A crashing turn must not take the consumer down with it.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("agent.turn_panic", "chat_id", chatID, "panic", r)
			l.publishError(channel, chatID, fmt.Errorf("%v", r))
		}
	}()

	if msg.LoopStop() {
		l.haltLoop(chatID)
		return
	}
	// A continuation that was already queued when the user halted gets
	// dropped here instead of resurrecting the loop.
	if msg.AutoLoop() && l.loopHalted(chatID) {
		slog.Info("agent.continuation_skipped", "chat_id", chatID)
		return
	}

	state := l.sessions.GetOrCreate(chatID)
	kind, cwd, err := l.resolveTarget(msg, state)
	if err != nil {
		slog.Error("agent.turn_failed", "chat_id", chatID, "error", err)
		l.publishError(channel, chatID, err)
		return
	}
	l.rememberTarget(state, kind, cwd)

	if msg.InitSession() {
		if err := l.transport.Prewarm(ctx, TurnRequest{Agent: kind, ChatID: chatID, Cwd: cwd}); err != nil {
			slog.Warn("agent.prewarm_failed", "chat_id", chatID, "agent", string(kind), "error", err)
		}
		l.emitFinal(chatID)
		return
	}

	l.trackLoopStart(msg, chatID)

	text, err := l.runTurn(ctx, msg, channel, chatID, kind, cwd)
	l.emitFinal(chatID)
	if err != nil {
		slog.Error("agent.turn_failed", "chat_id", chatID, "agent", string(kind), "error", err)
		l.publishError(channel, chatID, err)
		return
	}

	l.continueLoop(msg, channel, chatID, text)
}

// runTurn builds the prompt, drives the transport, persists the
// exchange and publishes the reply.
func (l *Loop) runTurn(ctx context.Context, msg bus.InboundMessage, channel, chatID string, kind cliagent.Kind, cwd string) (string, error) {
	turnCtx, cancel := context.WithTimeout(ctx, l.turnTimeout)
	defer cancel()

	turnCtx, span := l.tracer.Start(turnCtx, "agent.turn",
		trace.WithAttributes(
			attribute.String("agent.kind", string(kind)),
			attribute.String("chat.id", chatID),
			attribute.Bool("loop.auto", msg.AutoLoop()),
		))
	defer span.End()

	promptText := l.prompt.Build(turnCtx, prompt.Turn{
		Channel: channel,
		ChatID:  chatID,
		Cwd:     cwd,
		History: l.sessions.History(chatID, 0),
		Content: msg.Content,
	})

	start := time.Now()
	text, err := l.transport.StreamTurn(turnCtx, TurnRequest{
		Agent:  kind,
		ChatID: chatID,
		Cwd:    cwd,
		Prompt: promptText,
	}, l.emitTo(chatID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return "", err
	}
	span.SetAttributes(attribute.Int("reply.chars", len(text)))
	slog.Info("agent.turn_done",
		"chat_id", chatID, "agent", string(kind),
		"duration_ms", time.Since(start).Milliseconds(), "reply_chars", len(text))

	// Noise filtering and the empty-turn sentinel happen inside the
	// transport; text arrives display-ready.
	l.sessions.Append(chatID, "user", msg.Content)
	l.sessions.Append(chatID, "assistant", text)
	l.sessions.Save()

	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  text,
		Metadata: map[string]string{bus.MetaStreamed: "true"},
	})
	return text, nil
}

// continueLoop publishes the synthetic follow-up turn when loop mode
// is active and nothing asked it to stop. The continuation is enqueued
// only after the turn's outbound has been published, so replies for
// turn k always precede the pickup of turn k+1.
func (l *Loop) continueLoop(msg bus.InboundMessage, channel, chatID, text string) {
	if !msg.LoopMode() {
		return
	}

	state, ok := l.sessions.Get(chatID)
	iteration := 0
	if ok && state.LoopState != nil {
		iteration = state.LoopState.Iteration
	}

	if hasStopMarker(text) {
		l.sessions.SetLoopState(chatID, &store.LoopState{
			Iteration:    iteration,
			Status:       store.LoopDone,
			StopDetected: true,
		})
		slog.Info("agent.loop_done", "chat_id", chatID, "iterations", iteration)
		return
	}
	if ok && state.LoopState != nil &&
		(state.LoopState.Status == store.LoopPaused || state.LoopState.Status == store.LoopDone) {
		// A halt landed while this turn was running.
		return
	}

	cont := bus.InboundMessage{
		Channel:  channel,
		SenderID: systemSender,
		ChatID:   chatID,
		Content:  continuePrompt,
		Metadata: map[string]string{
			bus.MetaLoopMode: "true",
			bus.MetaAutoLoop: "true",
		},
	}
	// Published off the loop goroutine: the loop is the queue's only
	// consumer, so blocking here on a full queue would deadlock it.
	go func() {
		if !l.bus.PublishInbound(cont) {
			slog.Warn("agent.continuation_dropped", "chat_id", chatID)
		}
	}()
	slog.Debug("agent.loop_continue", "chat_id", chatID, "iteration", iteration)
}

// loopHalted reports whether the chat's persisted loop state forbids
// further continuations.
func (l *Loop) loopHalted(chatID string) bool {
	state, ok := l.sessions.Get(chatID)
	if !ok || state.LoopState == nil {
		return false
	}
	return state.LoopState.Status == store.LoopPaused || state.LoopState.Status == store.LoopDone
}

// trackLoopStart updates loop bookkeeping before a loop turn runs: a
// user-initiated loop message resets the counter, a continuation
// advances it.
func (l *Loop) trackLoopStart(msg bus.InboundMessage, chatID string) {
	if !msg.LoopMode() {
		return
	}
	if msg.AutoLoop() {
		if state, ok := l.sessions.Get(chatID); ok && state.LoopState != nil {
			next := *state.LoopState
			next.Iteration++
			next.Status = store.LoopRunning
			l.sessions.SetLoopState(chatID, &next)
			return
		}
	}
	l.sessions.SetMode(chatID, store.ModeLoop)
	l.sessions.SetLoopState(chatID, &store.LoopState{Status: store.LoopRunning})
}

// haltLoop pauses auto-continuation for a chat without running a turn.
func (l *Loop) haltLoop(chatID string) {
	state, ok := l.sessions.Get(chatID)
	if !ok {
		return
	}
	next := store.LoopState{Status: store.LoopPaused}
	if state.LoopState != nil {
		next = *state.LoopState
		next.Status = store.LoopPaused
	}
	l.sessions.SetLoopState(chatID, &next)
	slog.Info("agent.loop_halted", "chat_id", chatID)
	l.emitFinal(chatID)
}

// resolveTarget picks the agent and working directory for a turn:
// message metadata first, then the chat's recorded defaults, then the
// process-wide defaults.
func (l *Loop) resolveTarget(msg bus.InboundMessage, state store.Session) (cliagent.Kind, string, error) {
	agent := msg.Meta(bus.MetaAgent)
	if agent == "" {
		agent = state.Agent
	}
	if agent == "" {
		agent = l.defaultAgent
	}
	kind, err := cliagent.ParseKind(agent)
	if err != nil {
		return "", "", err
	}

	cwd := msg.Meta(bus.MetaCwd)
	if cwd == "" {
		cwd = state.Workdir
	}
	if cwd == "" {
		cwd = l.workspace
	}
	return kind, cwd, nil
}

// rememberTarget persists the resolved agent and cwd as the chat's
// defaults so later messages can omit them.
func (l *Loop) rememberTarget(state store.Session, kind cliagent.Kind, cwd string) {
	if state.Agent != string(kind) {
		l.sessions.SetAgent(state.ID, string(kind))
	}
	if cwd != "" && state.Workdir != cwd {
		l.sessions.SetWorkdir(state.ID, cwd)
	}
}

// emitTo routes one chat's transport events to the sink. The mutex
// keeps sink callbacks strictly sequential even though the PTY
// transport emits from two goroutines.
func (l *Loop) emitTo(chatID string) func(Event) {
	return func(ev Event) {
		l.sinkMu.Lock()
		defer l.sinkMu.Unlock()
		switch ev.Kind {
		case EventStream:
			l.sink.OnStream(chatID, ev.Text)
		case EventTerminal:
			l.sink.OnTerminal(chatID, ev.Data)
		case EventTool:
			l.sink.OnTool(chatID, ev.Text)
		}
	}
}

func (l *Loop) emitFinal(chatID string) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.sink.OnFinal(chatID)
}

func (l *Loop) publishError(channel, chatID string, err error) {
	l.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: "Sorry, I encountered an error: " + err.Error(),
	})
}

// routeDestination resolves where replies go. System-channel senders
// address a destination session as chat_id "channel:chat_id".
func routeDestination(msg bus.InboundMessage) (channel, chatID string) {
	if msg.Channel == systemChannel {
		if dest, id, ok := strings.Cut(msg.ChatID, ":"); ok && dest != "" && id != "" {
			return dest, id
		}
	}
	return msg.Channel, msg.ChatID
}

// hasStopMarker reports whether the assistant declared the task done.
func hasStopMarker(text string) bool {
	return strings.Contains(strings.ToUpper(text), stopMarker)
}
