// Package store persists chat sessions, skills, extensions, projects and
// window state under the application directory. Files are plain JSON or
// JSONL; the in-memory copy stays authoritative when a write fails.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is a session's interaction mode.
type Mode string

const (
	ModeManual   Mode = "manual"
	ModeLoop     Mode = "loop"
	ModeSchedule Mode = "schedule"
)

// LoopStatus tracks where auto-continuation stands for a loop session.
type LoopStatus string

const (
	LoopIdle    LoopStatus = "idle"
	LoopRunning LoopStatus = "running"
	LoopPaused  LoopStatus = "paused"
	LoopDone    LoopStatus = "done"
)

// LoopState is the persisted auto-continuation state.
type LoopState struct {
	Iteration    int        `json:"iteration"`
	Checklist    string     `json:"checklist,omitempty"`
	Status       LoopStatus `json:"status"`
	StopDetected bool       `json:"stop_detected,omitempty"`
}

// ScheduleDef is the cron schedule attached to a session in schedule
// mode.
type ScheduleDef struct {
	CronExpr string `json:"cron_expr"`
	Display  string `json:"display,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// Message is one record of a session's message log.
type Message struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	TS   time.Time `json:"ts"`
}

// Session is the metadata record kept in the index. The message log
// lives in its own JSONL file.
type Session struct {
	ID          string       `json:"session_id"`
	Title       string       `json:"title,omitempty"`
	Agent       string       `json:"agent,omitempty"`
	Workdir     string       `json:"workdir,omitempty"`
	Mode        Mode         `json:"mode"`
	LoopState   *LoopState   `json:"loop_state,omitempty"`
	ScheduleDef *ScheduleDef `json:"schedule_def,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// clone copies the record so callers cannot alias the live pointers.
func (s Session) clone() Session {
	if s.LoopState != nil {
		ls := *s.LoopState
		s.LoopState = &ls
	}
	if s.ScheduleDef != nil {
		sd := *s.ScheduleDef
		s.ScheduleDef = &sd
	}
	return s
}

type sessionState struct {
	Session
	messages []Message
}

// Sessions holds every chat session: an index file sorted newest-first
// plus one append-only JSONL log per session under messages/.
type Sessions struct {
	mu   sync.RWMutex
	dir  string
	byID map[string]*sessionState
}

// NewSessionID returns a fresh identifier for a chat created locally.
func NewSessionID() string { return uuid.NewString() }

// OpenSessions loads the index and message logs from dir, creating the
// layout if absent.
func OpenSessions(dir string) (*Sessions, error) {
	if err := os.MkdirAll(filepath.Join(dir, "messages"), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Sessions{dir: dir, byID: make(map[string]*sessionState)}
	s.loadIndex()
	return s, nil
}

func (s *Sessions) indexPath() string { return filepath.Join(s.dir, "sessions.json") }

func (s *Sessions) logPath(id string) string {
	return filepath.Join(s.dir, "messages", sanitizeID(id)+".jsonl")
}

// GetOrCreate returns a copy of the session, creating it on first
// reference.
func (s *Sessions) GetOrCreate(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id).Session.clone()
}

// Get returns a copy of the session if it exists.
func (s *Sessions) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[id]
	if !ok {
		return Session{}, false
	}
	return st.Session.clone(), true
}

func (s *Sessions) getOrCreateLocked(id string) *sessionState {
	if st, ok := s.byID[id]; ok {
		return st
	}
	now := time.Now().UTC()
	st := &sessionState{Session: Session{
		ID:        id,
		Mode:      ModeManual,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	st.messages = s.loadLog(id)
	s.byID[id] = st
	return st
}

// Append adds one message to the session's log and bumps its updated
// time. The JSONL write failing leaves the in-memory log intact.
func (s *Sessions) Append(id, role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(id)
	msg := Message{Role: role, Text: text, TS: time.Now().UTC()}
	st.messages = append(st.messages, msg)
	st.UpdatedAt = msg.TS

	line, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("store.append_marshal_failed", "session", id, "error", err)
		return
	}
	f, err := os.OpenFile(s.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("store.append_failed", "session", id, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("store.append_failed", "session", id, "error", err)
	}
}

// History returns up to limit of the newest messages, oldest first.
// limit <= 0 returns everything.
func (s *Sessions) History(id string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.byID[id]
	if !ok {
		return nil
	}
	msgs := st.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// List returns all sessions sorted by updated time, newest first.
func (s *Sessions) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.byID))
	for _, st := range s.byID {
		out = append(out, st.Session.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Rename sets the session title.
func (s *Sessions) Rename(id, title string) {
	s.mutate(id, func(st *sessionState) { st.Title = title })
}

// SetMode switches the session's interaction mode.
func (s *Sessions) SetMode(id string, mode Mode) {
	s.mutate(id, func(st *sessionState) { st.Mode = mode })
}

// SetLoopState replaces the loop state; nil clears it.
func (s *Sessions) SetLoopState(id string, ls *LoopState) {
	s.mutate(id, func(st *sessionState) {
		if ls == nil {
			st.LoopState = nil
			return
		}
		cp := *ls
		st.LoopState = &cp
	})
}

// SetScheduleDef replaces the schedule; nil clears it.
func (s *Sessions) SetScheduleDef(id string, def *ScheduleDef) {
	s.mutate(id, func(st *sessionState) {
		if def == nil {
			st.ScheduleDef = nil
			return
		}
		cp := *def
		st.ScheduleDef = &cp
	})
}

// SetAgent records which agent the session talks to.
func (s *Sessions) SetAgent(id, agent string) {
	s.mutate(id, func(st *sessionState) { st.Agent = agent })
}

// SetWorkdir records the session's working directory.
func (s *Sessions) SetWorkdir(id, dir string) {
	s.mutate(id, func(st *sessionState) { st.Workdir = dir })
}

func (s *Sessions) mutate(id string, fn func(*sessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreateLocked(id)
	fn(st)
	st.UpdatedAt = time.Now().UTC()
	s.saveIndexLocked()
}

// Delete removes the session and its message log.
func (s *Sessions) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return nil
	}
	delete(s.byID, id)
	s.saveIndexLocked()
	if err := os.Remove(s.logPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session log: %w", err)
	}
	return nil
}

// Save flushes the index to disk. Append already wrote the message
// logs; this persists the metadata ordering.
func (s *Sessions) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveIndexLocked()
}

func (s *Sessions) saveIndexLocked() {
	list := make([]Session, 0, len(s.byID))
	for _, st := range s.byID {
		list = append(list, st.Session)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		slog.Warn("store.index_marshal_failed", "error", err)
		return
	}
	if err := writeFileAtomic(s.indexPath(), data); err != nil {
		slog.Warn("store.index_save_failed", "error", err)
	}
}

func (s *Sessions) loadIndex() {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("store.index_read_failed", "error", err)
		}
		return
	}
	var list []Session
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("store.index_corrupt", "error", err)
		return
	}
	for i := range list {
		st := &sessionState{Session: list[i]}
		st.messages = s.loadLog(st.ID)
		s.byID[st.ID] = st
	}
}

func (s *Sessions) loadLog(id string) []Message {
	f, err := os.Open(s.logPath(id))
	if err != nil {
		return nil
	}
	defer f.Close()

	var msgs []Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			// Skip torn or corrupt lines, keep the rest.
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		slog.Warn("store.log_read_failed", "session", id, "error", err)
	}
	return msgs
}

// sanitizeID maps a session id to a safe filename component.
func sanitizeID(id string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
	out = strings.TrimLeft(out, ".")
	if out == "" {
		return "session"
	}
	return out
}

// writeFileAtomic writes data via a temp file and rename so readers
// never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
