package pty

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"testing"
)

func TestQuoteArg(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", `""`},
		{"plain", "hello", "hello"},
		{"space", "hello world", `"hello world"`},
		{"tab", "a\tb", `"a` + "\t" + `b"`},
		{"embedded quote", `say "hi"`, `"say \"hi\""`},
		{"backslash not before quote", `a\b`, `a\b`},
		{"backslash before quote", `a\"`, `a\\\"`},
		{"trailing backslash quoted", `a b\`, `"a b\\"`},
		{"run of backslashes before quote", `\\"`, `\\\\\"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quoteArg(tt.in); got != tt.want {
				t.Errorf("quoteArg(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildCmdLine(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want string
	}{
		{"bare", []string{"codex"}, "codex"},
		{"flags", []string{"claude", "--dangerously-skip-permissions"}, "claude --dangerously-skip-permissions"},
		{"path with space", []string{`C:\Program Files\node\node.exe`, "cli.js"}, `"C:\Program Files\node\node.exe" cli.js`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCmdLine(tt.argv); got != tt.want {
				t.Errorf("buildCmdLine(%v) = %q, want %q", tt.argv, got, tt.want)
			}
		})
	}
}

func TestIsClosedErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"ErrClosed", ErrClosed, true},
		{"wrapped ErrClosed", fmt.Errorf("read: %w", ErrClosed), true},
		{"eof", io.EOF, true},
		{"os closed", os.ErrClosed, true},
		{"fs closed", fs.ErrClosed, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"file already closed text", errors.New("read /dev/ptmx: file already closed"), true},
		{"eio text", errors.New("read /dev/ptmx: input/output error"), true},
		{"broken pipe text", errors.New("write: broken pipe"), true},
		{"unrelated", errors.New("permission denied"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsClosedErr(tt.err); got != tt.want {
				t.Errorf("IsClosedErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSpawnRejectsEmptyArgv(t *testing.T) {
	if _, err := Spawn(nil, "", nil, 80, 24); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
