package cliagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentcmd/agentcmd/internal/pty"
	"github.com/agentcmd/agentcmd/internal/term"
)

const (
	pollInterval    = 50 * time.Millisecond
	idleSettle      = 200 * time.Millisecond
	progressCadence = time.Second

	// DefaultTurnTimeout caps one submit/receive cycle.
	DefaultTurnTimeout = 300 * time.Second

	// NoContent is returned when a turn produced nothing extractable.
	NoContent = "(no content)"

	rawQueueCap   = 256
	cleanQueueCap = 256
	tailLines     = 64
	readyWindow   = 8

	// Codex treats large or multiline input as composer content that
	// needs a second return to send.
	codexPasteThreshold = 800
)

var (
	updateMenuRe  = regexp.MustCompile(`(?i)update available`)
	trustDialogRe = regexp.MustCompile(`(?i)do you trust the files`)
)

// SpawnFunc creates the PTY backend. Swappable in tests.
type SpawnFunc func(argv []string, cwd string, env []string, cols, rows uint16) (pty.Backend, error)

// Options configures a Session.
type Options struct {
	Cwd         string
	Env         []string // nil inherits the parent environment
	Cols, Rows  uint16
	TurnTimeout time.Duration
	Spawn       SpawnFunc
}

// Session owns one interactive agent CLI child. A reader goroutine
// splits child output into a raw byte queue (terminal mirroring) and a
// clean text queue (prompt detection, completion detection); the
// attached screen provides snapshots for response extraction.
type Session struct {
	spec        Spec
	cwd         string
	env         []string
	cols, rows  uint16
	turnTimeout time.Duration
	spawn       SpawnFunc

	mu        sync.Mutex
	backend   pty.Backend
	screen    *term.Screen
	rawQueue  [][]byte
	cleanQ    []string
	tail      []string // recent clean lines for prompt detection
	lastLines []string // previous snapshot, for delta computation

	promptReady   atomic.Bool
	answeredMenu  atomic.Bool
	answeredTrust atomic.Bool

	stopReader chan struct{}
	readerDone chan struct{}
	closed     atomic.Bool
}

// NewSession spawns the agent CLI and starts the reader.
func NewSession(spec Spec, opts Options) (*Session, error) {
	if opts.Cols == 0 {
		opts.Cols = term.DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = term.DefaultRows
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.Spawn == nil {
		opts.Spawn = pty.Spawn
	}
	env := opts.Env
	if env == nil {
		env = append(os.Environ(), "TERM=xterm-256color")
	}

	s := &Session{
		spec:        spec,
		cwd:         opts.Cwd,
		env:         env,
		cols:        opts.Cols,
		rows:        opts.Rows,
		turnTimeout: opts.TurnTimeout,
		spawn:       opts.Spawn,
	}
	if err := s.launch(); err != nil {
		return nil, err
	}
	return s, nil
}

// launch spawns the child and starts a fresh reader. Caller must not
// hold mu.
func (s *Session) launch() error {
	backend, err := s.spawn(s.spec.Argv, s.cwd, s.env, s.cols, s.rows)
	if err != nil {
		return fmt.Errorf("launch %s: %w", s.spec.Kind, err)
	}

	s.mu.Lock()
	s.backend = backend
	if s.spec.UsesEmulator {
		s.screen = term.NewScreen(int(s.cols), int(s.rows))
	}
	s.lastLines = nil
	s.stopReader = make(chan struct{})
	s.readerDone = make(chan struct{})
	stop, done := s.stopReader, s.readerDone
	s.mu.Unlock()

	s.promptReady.Store(false)
	s.answeredMenu.Store(false)
	s.answeredTrust.Store(false)

	go s.readLoop(backend, stop, done)
	slog.Info("cliagent.launched", "agent", s.spec.Kind, "cwd", s.cwd)
	return nil
}

func (s *Session) readLoop(backend pty.Backend, stop chan struct{}, done chan struct{}) {
	defer close(done)
	buf := make([]byte, pty.ReadChunk)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := backend.ReadTimeout(buf, pty.DefaultReadTimeout)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if answer := s.ingest(chunk); answer != "" {
				if _, werr := backend.Write([]byte(answer)); werr != nil {
					slog.Warn("cliagent.auto_answer_failed", "agent", s.spec.Kind, "error", werr)
				}
			}
		}
		if err != nil {
			if !pty.IsClosedErr(err) {
				slog.Debug("cliagent.read_error", "agent", s.spec.Kind, "error", err)
			}
			return
		}
	}
}

// ingest feeds one chunk into the queues and returns a pending
// startup auto-answer, if any.
func (s *Session) ingest(chunk []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rawQueue = append(s.rawQueue, chunk)
	if len(s.rawQueue) > rawQueueCap {
		s.rawQueue = s.rawQueue[len(s.rawQueue)-rawQueueCap:]
	}

	var delta string
	if s.screen != nil {
		s.screen.Write(chunk)
		lines := strings.Split(s.screen.Snapshot(), "\n")
		delta = strings.Join(lineDelta(s.lastLines, lines), "\n")
		s.lastLines = lines
	} else {
		delta = term.StripANSI(string(chunk))
	}

	if strings.TrimSpace(delta) != "" {
		s.cleanQ = append(s.cleanQ, delta)
		if len(s.cleanQ) > cleanQueueCap {
			s.cleanQ = s.cleanQ[len(s.cleanQ)-cleanQueueCap:]
		}
		s.tail = append(s.tail, strings.Split(delta, "\n")...)
		if len(s.tail) > tailLines {
			s.tail = s.tail[len(s.tail)-tailLines:]
		}
	}

	if !s.promptReady.Load() && s.spec.PromptReady != nil {
		from := len(s.tail) - readyWindow
		if from < 0 {
			from = 0
		}
		for _, ln := range s.tail[from:] {
			if s.spec.PromptReady.MatchString(ln) {
				s.promptReady.Store(true)
				break
			}
		}
	}

	return s.startupAnswer(delta)
}

// startupAnswer reacts to known one-shot startup dialogs, each at most
// once per child process.
func (s *Session) startupAnswer(delta string) string {
	if delta == "" {
		return ""
	}
	if s.spec.Kind == KindCodex && !s.answeredMenu.Load() && updateMenuRe.MatchString(delta) {
		s.answeredMenu.Store(true)
		slog.Debug("cliagent.auto_answer", "agent", s.spec.Kind, "dialog", "update_menu")
		return "2\r"
	}
	if s.spec.Kind == KindClaude && !s.answeredTrust.Load() && trustDialogRe.MatchString(delta) {
		s.answeredTrust.Store(true)
		slog.Debug("cliagent.auto_answer", "agent", s.spec.Kind, "dialog", "trust_folder")
		return "1\r"
	}
	return ""
}

// lineDelta returns the lines of cur not yet yielded given prev. Plain
// appends take the fast path; on a repaint with little top-of-screen
// overlap the delta anchors on prev's last non-blank line so the whole
// screen is not re-emitted.
func lineDelta(prev, cur []string) []string {
	if len(cur) == 0 {
		return nil
	}
	if len(prev) == 0 {
		return cur
	}
	p := 0
	for p < len(prev) && p < len(cur) && prev[p] == cur[p] {
		p++
	}
	if p == len(prev) {
		return cur[p:]
	}
	if p*5 < len(prev) {
		if anchor := lastNonBlank(prev); anchor != "" {
			for i := len(cur) - 1; i >= 0; i-- {
				if cur[i] == anchor {
					return cur[i+1:]
				}
			}
		}
	}
	return cur[p:]
}

func lastNonBlank(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

// Kind returns the agent key this session drives.
func (s *Session) Kind() Kind { return s.spec.Kind }

// Cwd returns the working directory the child was launched in.
func (s *Session) Cwd() string { return s.cwd }

// Ready reports whether the idle prompt has been seen since launch.
func (s *Session) Ready() bool { return s.promptReady.Load() }

// WaitUntilReady polls for the startup prompt.
func (s *Session) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		if s.promptReady.Load() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not ready after %s", s.spec.Kind, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Submit writes one turn's input. A closed backend triggers a single
// relaunch and retry; the second failure surfaces.
func (s *Session) Submit(text string) error {
	err := s.writeTurn(text)
	if err == nil {
		return nil
	}
	if !pty.IsClosedErr(err) {
		return err
	}
	slog.Warn("cliagent.relaunch", "agent", s.spec.Kind, "error", err)
	s.stopChild()
	if lerr := s.launch(); lerr != nil {
		return lerr
	}
	return s.writeTurn(text)
}

func (s *Session) writeTurn(text string) error {
	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()
	if backend == nil {
		return pty.ErrClosed
	}
	if _, err := backend.Write([]byte(text + "\r")); err != nil {
		return err
	}
	if s.spec.Kind == KindCodex && (strings.Contains(text, "\n") || len(text) > codexPasteThreshold) {
		// Give the composer time to register the paste before the
		// confirming return.
		time.Sleep(120 * time.Millisecond)
		if _, err := backend.Write([]byte("\r")); err != nil {
			return err
		}
	}
	return nil
}

// PrepareTurn drains the clean queue (and the raw queue when clearRaw)
// so completion detection measures only the coming turn's output.
func (s *Session) PrepareTurn(clearRaw bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanQ = nil
	if clearRaw {
		s.rawQueue = nil
	}
}

// TakeRaw drains and returns the raw byte queue.
func (s *Session) TakeRaw() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.rawQueue
	s.rawQueue = nil
	return out
}

func (s *Session) takeClean() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cleanQ
	s.cleanQ = nil
	return out
}

// Snapshot returns the current screen text, or the clean tail when no
// emulator is attached.
func (s *Session) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screen != nil {
		return s.screen.Snapshot()
	}
	return strings.Join(s.tail, "\n")
}

// State classifies the current screen.
func (s *Session) State() term.State {
	return term.ParseState(string(s.spec.Kind), s.Snapshot())
}

// Resize propagates a terminal resize to the child.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	backend := s.backend
	s.cols, s.rows = cols, rows
	if s.screen != nil {
		s.screen.Resize(int(cols), int(rows))
	}
	s.mu.Unlock()
	if backend == nil {
		return pty.ErrClosed
	}
	return backend.Resize(cols, rows)
}

// ReceiveResponse polls until the turn completes: output has been
// seen, no new output for the settle interval, and the screen reads
// completed or idle. The hard timeout returns whatever was extracted
// so far. onDelta receives filtered new suffixes of the extraction at
// a coarse cadence while the turn is still running.
func (s *Session) ReceiveResponse(ctx context.Context, onDelta func(string)) (string, error) {
	deadline := time.Now().Add(s.turnTimeout)
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	var (
		sawOutput  bool
		lastOutput time.Time
		lastStream = time.Now()
		streamed   string
	)

	for {
		select {
		case <-ctx.Done():
			return s.extractFinal(), ctx.Err()
		case <-t.C:
		}

		if chunks := s.takeClean(); len(chunks) > 0 {
			sawOutput = true
			lastOutput = time.Now()
		}

		if sawOutput && time.Since(lastOutput) >= idleSettle {
			switch s.State() {
			case term.StateCompleted, term.StateIdle:
				resp := s.extractFinal()
				if resp != NoContent {
					s.streamTail(resp, &streamed, onDelta)
				}
				return resp, nil
			}
		}

		if time.Now().After(deadline) {
			slog.Warn("cliagent.turn_timeout", "agent", s.spec.Kind, "timeout", s.turnTimeout)
			return s.extractFinal(), nil
		}

		if onDelta != nil && time.Since(lastStream) >= progressCadence {
			lastStream = time.Now()
			cleaned := term.CleanChat(term.ExtractResponse(string(s.spec.Kind), s.Snapshot()))
			s.streamTail(cleaned, &streamed, onDelta)
		}
	}
}

// streamTail emits the part of cleaned not yet streamed. When the
// extraction no longer extends the streamed text (a new response block
// started) the whole new extraction is emitted.
func (s *Session) streamTail(cleaned string, streamed *string, onDelta func(string)) {
	if onDelta == nil || cleaned == "" || cleaned == *streamed {
		return
	}
	delta := cleaned
	if strings.HasPrefix(cleaned, *streamed) {
		delta = cleaned[len(*streamed):]
	}
	*streamed = cleaned
	if delta != "" {
		onDelta(delta)
	}
}

func (s *Session) extractFinal() string {
	resp := term.ExtractResponse(string(s.spec.Kind), s.Snapshot())
	cleaned := term.CleanChat(resp)
	if strings.TrimSpace(cleaned) == "" {
		return NoContent
	}
	return cleaned
}

// stopChild stops the reader and kills the child tree. Safe to call
// with no live backend.
func (s *Session) stopChild() {
	s.mu.Lock()
	backend := s.backend
	s.backend = nil
	stop, done := s.stopReader, s.readerDone
	s.stopReader, s.readerDone = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if backend != nil {
		_ = backend.Close()
	}
	if done != nil {
		<-done
	}
}

// Close terminates the child and the reader goroutine.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopChild()
	slog.Info("cliagent.closed", "agent", s.spec.Kind)
	return nil
}
