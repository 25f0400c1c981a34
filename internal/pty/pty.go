// Package pty spawns agent CLIs under a pseudo-terminal and exposes a
// platform-neutral byte transport with deadline reads. The POSIX side
// rides creack/pty; Windows uses ConPTY with a pipe fallback.
package pty

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

// Read geometry shared by both platforms.
const (
	ReadChunk          = 4096
	DefaultReadTimeout = 100 * time.Millisecond
)

// ErrClosed reports a write or read against a backend that was closed.
var ErrClosed = errors.New("pty: backend closed")

// Backend drives one spawned CLI process.
type Backend interface {
	// ReadTimeout reads up to len(p) bytes, waiting at most timeout.
	// A quiet deadline returns (0, nil) so callers can tell silence
	// from EOF.
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	// Close kills the whole process tree and releases the terminal.
	Close() error
}

// Spawn starts argv under a pseudo-terminal sized cols x rows, with the
// given working directory and environment (nil env inherits the parent).
func Spawn(argv []string, cwd string, env []string, cols, rows uint16) (Backend, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: empty argv")
	}
	return spawn(argv, cwd, env, cols, rows)
}

// IsClosedErr classifies failures that mean the backend is gone and a
// session restart is worth trying.
func IsClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) || errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"file already closed",
		"input/output error",
		"broken pipe",
		"process already finished",
		"handle is invalid",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
