//go:build windows

package pty

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/UserExistsError/conpty"
)

// winBackend reads through a pump goroutine because neither ConPTY nor
// pipes support read deadlines directly. cpty is nil in pipe-fallback
// mode.
type winBackend struct {
	cpty  *conpty.ConPty
	stdin io.WriteCloser
	pid   int

	chunks  chan []byte
	pending []byte
	readErr error

	closeOnce sync.Once
	closeErr  error
}

func spawn(argv []string, cwd string, env []string, cols, rows uint16) (Backend, error) {
	if conpty.IsConPtyAvailable() {
		return spawnConPty(argv, cwd, env, cols, rows)
	}
	return spawnPipe(argv, cwd, env)
}

func spawnConPty(argv []string, cwd string, env []string, cols, rows uint16) (Backend, error) {
	opts := []conpty.ConPtyOption{
		conpty.ConPtyDimensions(int(cols), int(rows)),
	}
	if cwd != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cwd))
	}
	if env != nil {
		opts = append(opts, conpty.ConPtyEnv(env))
	}

	cpty, err := conpty.Start(buildCmdLine(argv), opts...)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	b := &winBackend{
		cpty:   cpty,
		pid:    int(cpty.Pid()),
		chunks: make(chan []byte, 64),
	}
	slog.Debug("pty.spawn", "cmd", argv[0], "pid", b.pid, "mode", "conpty")
	go b.pump(cpty)
	return b, nil
}

// spawnPipe is the last resort when ConPTY is unavailable: a plain
// subprocess with pipes. The child sees no terminal and resize is a
// no-op.
func spawnPipe(argv []string, cwd string, env []string) (Backend, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	b := &winBackend{
		stdin:  stdin,
		pid:    cmd.Process.Pid,
		chunks: make(chan []byte, 64),
	}
	slog.Debug("pty.spawn", "cmd", argv[0], "pid", b.pid, "mode", "pipe")
	go func() {
		b.pump(stdout)
		_ = cmd.Wait()
	}()
	return b, nil
}

// pump moves child output into the chunk channel until read error.
func (b *winBackend) pump(r io.Reader) {
	buf := make([]byte, ReadChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.chunks <- chunk
		}
		if err != nil {
			b.readErr = err
			close(b.chunks)
			return
		}
	}
}

func (b *winBackend) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if len(b.pending) == 0 {
		select {
		case chunk, ok := <-b.chunks:
			if !ok {
				if b.readErr != nil {
					return 0, b.readErr
				}
				return 0, io.EOF
			}
			b.pending = chunk
		case <-time.After(timeout):
			return 0, nil
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *winBackend) Write(p []byte) (int, error) {
	if b.cpty != nil {
		return b.cpty.Write(p)
	}
	return b.stdin.Write(p)
}

func (b *winBackend) Resize(cols, rows uint16) error {
	if b.cpty != nil {
		return b.cpty.Resize(int(cols), int(rows))
	}
	return nil
}

func (b *winBackend) Close() error {
	b.closeOnce.Do(func() {
		if b.pid > 0 {
			// taskkill /T takes the whole tree down, matching the
			// POSIX group kill.
			_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(b.pid)).Run()
		}
		if b.cpty != nil {
			b.closeErr = b.cpty.Close()
		} else if b.stdin != nil {
			b.closeErr = b.stdin.Close()
		}
		slog.Debug("pty.closed", "pid", b.pid)
	})
	return b.closeErr
}
