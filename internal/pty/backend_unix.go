//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// unixBackend wraps the PTY master of a forkpty-spawned child. The
// child is a session leader (creack sets Setsid+Setctty), so its
// process group id equals its pid and the whole tree can be signalled
// at once.
type unixBackend struct {
	f   *os.File
	cmd *exec.Cmd

	waitDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func spawn(argv []string, cwd string, env []string, cols, rows uint16) (Backend, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	slog.Debug("pty.spawn", "cmd", argv[0], "pid", cmd.Process.Pid, "cols", cols, "rows", rows)

	b := &unixBackend{f: f, cmd: cmd, waitDone: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(b.waitDone)
	}()
	return b, nil
}

func (b *unixBackend) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if err := b.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := b.f.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (b *unixBackend) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

func (b *unixBackend) Resize(cols, rows uint16) error {
	return pty.Setsize(b.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (b *unixBackend) Close() error {
	b.closeOnce.Do(func() {
		pid := b.cmd.Process.Pid
		// SIGTERM the process group, give it a grace window, then
		// SIGKILL stragglers so no grandchildren survive.
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-b.waitDone:
		case <-time.After(2 * time.Second):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			select {
			case <-b.waitDone:
			case <-time.After(2 * time.Second):
				slog.Warn("pty.kill_timeout", "pid", pid)
			}
		}
		b.closeErr = b.f.Close()
		slog.Debug("pty.closed", "pid", pid)
	})
	return b.closeErr
}
