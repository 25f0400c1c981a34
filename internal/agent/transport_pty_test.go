package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcmd/agentcmd/internal/cliagent"
	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/proxy"
	"github.com/agentcmd/agentcmd/internal/pty"
	"github.com/agentcmd/agentcmd/internal/tools"
)

type fakeBackend struct {
	mu        sync.Mutex
	wrote     []byte
	closed    bool
	feed      chan []byte
	closeOnce sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{feed: make(chan []byte, 16)}
}

func (f *fakeBackend) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	select {
	case chunk, ok := <-f.feed:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (f *fakeBackend) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, p...)
	return len(p), nil
}

func (f *fakeBackend) Resize(cols, rows uint16) error { return nil }

func (f *fakeBackend) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.feed)
	})
	return nil
}

func (f *fakeBackend) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func spawnOf(backends ...*fakeBackend) (cliagent.SpawnFunc, *int32) {
	var n int32
	return func(argv []string, cwd string, env []string, cols, rows uint16) (pty.Backend, error) {
		i := atomic.AddInt32(&n, 1) - 1
		if int(i) >= len(backends) {
			i = int32(len(backends) - 1)
		}
		return backends[i], nil
	}, &n
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) terminalText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sb strings.Builder
	for _, ev := range e.events {
		if ev.Kind == EventTerminal {
			sb.Write(ev.Data)
		}
	}
	return sb.String()
}

func (e *eventLog) streamText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sb strings.Builder
	for _, ev := range e.events {
		if ev.Kind == EventStream {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func newTestTransport(spawn cliagent.SpawnFunc) *PTYTransport {
	tr := NewPTYTransport(config.Default())
	tr.spawn = spawn
	tr.turnTimeout = 5 * time.Second
	return tr
}

func claudeReply(text string) []byte {
	return []byte("⏺ " + text + "\r\n\r\n> \r\n")
}

// feedAfter delivers the reply once the turn is underway, after the
// queue reset that follows submission.
func feedAfter(fb *fakeBackend, chunk []byte) {
	go func() {
		time.Sleep(200 * time.Millisecond)
		fb.feed <- chunk
	}()
}

func TestPTYSessionReuse(t *testing.T) {
	fb := newFakeBackend()
	spawn, spawned := spawnOf(fb)
	tr := newTestTransport(spawn)
	defer tr.Close()

	fb.feed <- []byte("> \r\n")
	req := TurnRequest{Agent: cliagent.KindClaude, ChatID: "c1", Cwd: "/tmp", Prompt: "one"}
	var log eventLog

	feedAfter(fb, claudeReply("first answer"))
	got, err := tr.StreamTurn(context.Background(), req, log.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got != "first answer" {
		t.Errorf("first turn = %q", got)
	}

	feedAfter(fb, claudeReply("second answer"))
	req.Prompt = "two"
	got, err = tr.StreamTurn(context.Background(), req, log.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got != "second answer" {
		t.Errorf("second turn = %q", got)
	}

	if n := atomic.LoadInt32(spawned); n != 1 {
		t.Errorf("spawned %d sessions, want 1 reused", n)
	}
}

func TestPTYSessionRekeyOnCwdChange(t *testing.T) {
	first := newFakeBackend()
	second := newFakeBackend()
	spawn, spawned := spawnOf(first, second)
	tr := newTestTransport(spawn)
	defer tr.Close()

	var log eventLog
	first.feed <- []byte("> \r\n")
	feedAfter(first, claudeReply("from old dir"))
	_, err := tr.StreamTurn(context.Background(),
		TurnRequest{Agent: cliagent.KindClaude, ChatID: "c1", Cwd: "/a", Prompt: "x"}, log.emit)
	if err != nil {
		t.Fatal(err)
	}

	second.feed <- []byte("> \r\n")
	feedAfter(second, claudeReply("from new dir"))
	got, err := tr.StreamTurn(context.Background(),
		TurnRequest{Agent: cliagent.KindClaude, ChatID: "c1", Cwd: "/b", Prompt: "y"}, log.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got != "from new dir" {
		t.Errorf("reply after rekey = %q", got)
	}
	if n := atomic.LoadInt32(spawned); n != 2 {
		t.Errorf("spawned %d sessions, want 2", n)
	}
	if !first.wasClosed() {
		t.Error("old session must be stopped before the new one starts")
	}
}

func TestPTYTerminalMirror(t *testing.T) {
	fb := newFakeBackend()
	spawn, _ := spawnOf(fb)
	tr := newTestTransport(spawn)
	defer tr.Close()

	// Readiness first; the reply arrives only after the prompt was
	// submitted so it survives the turn's queue reset.
	fb.feed <- []byte("> \r\n")
	go func() {
		time.Sleep(200 * time.Millisecond)
		fb.feed <- claudeReply("mirrored")
	}()

	var log eventLog
	got, err := tr.StreamTurn(context.Background(),
		TurnRequest{Agent: cliagent.KindClaude, ChatID: "c1", Cwd: "/tmp", Prompt: "show me"}, log.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got != "mirrored" {
		t.Errorf("reply = %q", got)
	}
	if term := log.terminalText(); !strings.Contains(term, "mirrored") {
		t.Errorf("terminal mirror missing reply bytes: %q", term)
	}
	if stream := log.streamText(); !strings.Contains(stream, "mirrored") {
		t.Errorf("stream missing reply: %q", stream)
	}
}

func TestPTYGeminiOneShot(t *testing.T) {
	spawn, spawned := spawnOf(newFakeBackend())
	tr := newTestTransport(spawn)
	defer tr.Close()

	var gotPrompt string
	tr.oneShot = func(ctx context.Context, spec cliagent.Spec, cwd, prompt string) (string, error) {
		gotPrompt = prompt
		return "gemini says hi", nil
	}

	var log eventLog
	got, err := tr.StreamTurn(context.Background(),
		TurnRequest{Agent: cliagent.KindGemini, ChatID: "c1", Cwd: "/tmp", Prompt: "hello"}, log.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got != "gemini says hi" {
		t.Errorf("reply = %q", got)
	}
	if gotPrompt != "hello" {
		t.Errorf("prompt = %q", gotPrompt)
	}
	if n := atomic.LoadInt32(spawned); n != 0 {
		t.Errorf("one-shot agent spawned %d PTY sessions", n)
	}
	if !strings.Contains(log.terminalText(), "gemini says hi") {
		t.Error("one-shot output missing from terminal mirror")
	}
}

func TestPTYPrewarm(t *testing.T) {
	fb := newFakeBackend()
	spawn, spawned := spawnOf(fb)
	tr := newTestTransport(spawn)
	defer tr.Close()

	fb.feed <- []byte("> \r\n")
	req := TurnRequest{Agent: cliagent.KindClaude, ChatID: "c1", Cwd: "/tmp"}
	if err := tr.Prewarm(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(spawned); n != 1 {
		t.Errorf("spawned = %d, want 1", n)
	}

	// Gemini has no session to warm.
	if err := tr.Prewarm(context.Background(), TurnRequest{Agent: cliagent.KindGemini, ChatID: "c2"}); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(spawned); n != 1 {
		t.Errorf("gemini prewarm spawned a session")
	}
}

func TestPTYNotReadySurfaces(t *testing.T) {
	spawn, _ := spawnOf(newFakeBackend())
	tr := newTestTransport(spawn)
	tr.startupWait = 200 * time.Millisecond
	defer tr.Close()

	var log eventLog
	_, err := tr.StreamTurn(context.Background(),
		TurnRequest{Agent: cliagent.KindClaude, ChatID: "c1", Prompt: "x"}, log.emit)
	if err == nil {
		t.Fatal("expected readiness error")
	}
	if !strings.Contains(err.Error(), "not ready") {
		t.Errorf("error = %v", err)
	}
}

func TestProxyTransportEventMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"answer\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	tr := NewProxyTransport(proxy.NewClient(config.ProxyConfig{BaseURL: ts.URL}, tools.NewRegistry()))
	defer tr.Close()

	var log eventLog
	got, err := tr.StreamTurn(context.Background(),
		TurnRequest{Agent: cliagent.KindCodex, ChatID: "c1", Prompt: "q"}, log.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got != "partial answer" {
		t.Errorf("final = %q", got)
	}
	if stream := log.streamText(); stream != "partial answer" {
		t.Errorf("streamed = %q", stream)
	}
	if err := tr.Prewarm(context.Background(), TurnRequest{}); err != nil {
		t.Errorf("proxy prewarm: %v", err)
	}
}
