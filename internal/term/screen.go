package term

import (
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"github.com/tuzig/vt10x"
)

// Default screen geometry for spawned agent CLIs.
const (
	DefaultCols = 80
	DefaultRows = 24

	maxScrollback = 5000
)

// Screen feeds raw PTY bytes into an xterm-compatible emulator and keeps
// a bounded scrollback of lines that scroll off the top, so snapshots
// cover the whole turn and not just the visible rows.
type Screen struct {
	mu         sync.Mutex
	vt         vt10x.Terminal
	cols, rows int
	scrollback []string
	lastView   []string
}

// NewScreen creates a screen model; zero dimensions select the defaults.
func NewScreen(cols, rows int) *Screen {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Screen{
		vt:   vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

// Write feeds PTY output to the emulator and captures any lines that
// scrolled off the top.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.vt.Write(p)
	view := s.render()
	s.captureScrollOff(view)
	s.lastView = view
	return n, err
}

// Resize changes the emulator dimensions. Scroll detection restarts from
// the next write; scrollback is kept.
func (s *Screen) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(cols, rows)
	s.cols, s.rows = cols, rows
	s.lastView = nil
}

// Snapshot returns scrollback plus the current display as plain text,
// right-trimmed, without trailing blank lines.
func (s *Screen) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := make([]string, 0, len(s.scrollback)+s.rows)
	lines = append(lines, s.scrollback...)
	lines = append(lines, s.render()...)
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// render extracts the visible rows. The cell following a wide rune is
// the emulator's placeholder and is skipped.
func (s *Screen) render() []string {
	rows := make([]string, s.rows)
	for row := 0; row < s.rows; row++ {
		var b strings.Builder
		for col := 0; col < s.cols; col++ {
			g := s.vt.Cell(col, row)
			r := g.Char
			if r == 0 {
				b.WriteByte(' ')
				continue
			}
			b.WriteRune(r)
			// A wide rune occupies two cells; the second is a
			// placeholder, not content.
			if runewidth.RuneWidth(r) == 2 && col+1 < s.cols {
				if nxt := s.vt.Cell(col+1, row); nxt.Char == 0 || nxt.Char == ' ' {
					col++
				}
			}
		}
		rows[row] = strings.TrimRight(b.String(), " ")
	}
	return rows
}

// captureScrollOff finds the smallest shift that aligns the previous
// view with the new one; the shifted-out head moved into scrollback.
// Rows that were blank before the shift may have been written after the
// scroll, so they are allowed to differ, but at least one non-blank row
// must line up as evidence. No alignment means a full repaint, which
// scrolls nothing.
func (s *Screen) captureScrollOff(view []string) {
	old := s.lastView
	if len(old) == 0 || len(old) != len(view) {
		return
	}
	for d := 0; d < len(old); d++ {
		match, evidence := true, false
		for i := 0; i < len(old)-d; i++ {
			if old[d+i] == "" {
				continue
			}
			if old[d+i] != view[i] {
				match = false
				break
			}
			evidence = true
		}
		if !match {
			continue
		}
		if d == 0 {
			return
		}
		if !evidence {
			continue
		}
		s.scrollback = append(s.scrollback, old[:d]...)
		if len(s.scrollback) > maxScrollback {
			s.scrollback = s.scrollback[len(s.scrollback)-maxScrollback:]
		}
		return
	}
}
