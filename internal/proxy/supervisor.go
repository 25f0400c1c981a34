package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentcmd/agentcmd/internal/config"
)

// State describes the supervisor's relationship to the proxy process.
type State string

const (
	StateStopped  State = "stopped"  // no child and no listener
	StateManaged  State = "managed"  // we spawned the child and own it
	StateAttached State = "attached" // someone else's listener answers /v1/models
)

const (
	// DefaultStartTimeout bounds the startup health poll.
	DefaultStartTimeout = 30 * time.Second

	stopGrace  = 3 * time.Second
	probeEvery = 2 * time.Second
)

// providerTokenGlobs maps an agent key to the token files its login
// leaves under the proxy's auth dir.
var providerTokenGlobs = map[string][]string{
	config.AgentClaude: {"claude-*.json", "anthropic-*.json"},
	config.AgentGemini: {"gemini-*.json", "google-*.json", "oauth_creds*.json"},
	config.AgentCodex:  {"codex-*.json", "openai-*.json", "auth.json"},
}

// Supervisor manages the bundled proxy binary: spawn, attach, health,
// provider auth. One lifecycle operation runs at a time.
type Supervisor struct {
	cfg  config.ProxyConfig
	http *http.Client

	mu    sync.Mutex
	child *child
}

type child struct {
	cmd  *exec.Cmd
	done chan error // receives the Wait result exactly once
}

func NewSupervisor(cfg config.ProxyConfig) *Supervisor {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8317"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Binary == "" {
		cfg.Binary = "cliproxyapi"
	}
	cfg.Binary = resolveBinary(cfg.Binary)
	if cfg.Port <= 0 {
		cfg.Port = 8317
	}
	return &Supervisor{
		cfg:  cfg,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// resolveBinary locates the proxy executable. Explicit paths are
// home-expanded and used as-is; bare names prefer a copy bundled next
// to the agentcmd executable on frozen installs, then fall back to
// PATH lookup at spawn time.
func resolveBinary(name string) string {
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator) {
		return config.ExpandHome(name)
	}
	if !config.Frozen() {
		return name
	}
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	cand := filepath.Join(filepath.Dir(exe), name)
	if _, err := os.Stat(cand); err == nil {
		return cand
	}
	if runtime.GOOS == "windows" {
		if _, err := os.Stat(cand + ".exe"); err == nil {
			return cand + ".exe"
		}
	}
	return name
}

// Start brings the proxy up. forceRestart stops our own child first;
// takeOverExisting kills whatever holds the configured port. A listener
// that already answers /v1/models is attached to instead of spawning.
func (s *Supervisor) Start(ctx context.Context, timeout time.Duration, forceRestart, takeOverExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}

	if forceRestart {
		s.stopChildLocked()
	}
	if takeOverExisting {
		if n := killPortOwners(s.cfg.Port); n > 0 {
			slog.Info("proxy.port_takeover", "port", s.cfg.Port, "killed", n)
		}
	}

	if !s.aliveLocked() {
		probeCtx, cancel := context.WithTimeout(ctx, probeEvery)
		ids, err := s.HealthCheck(probeCtx)
		cancel()
		if err == nil {
			slog.Info("proxy.attached", "base_url", s.cfg.BaseURL, "models", len(ids))
			return nil
		}
		if err := s.spawnLocked(); err != nil {
			return err
		}
	}

	ids, err := s.pollHealth(ctx, timeout)
	if err != nil {
		s.stopChildLocked()
		return err
	}
	slog.Info("proxy.health_ok", "models", len(ids))
	return nil
}

// Stop terminates our child with grace then kill. force additionally
// kills whoever owns the listener port.
func (s *Supervisor) Stop(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopChildLocked()
	if force {
		if n := killPortOwners(s.cfg.Port); n > 0 {
			slog.Info("proxy.port_takeover", "port", s.cfg.Port, "killed", n)
		}
	}
}

// Restart is Stop followed by Start.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration, force bool) error {
	s.Stop(force)
	return s.Start(ctx, timeout, false, false)
}

// HealthCheck asks the proxy for its model list.
func (s *Supervisor) HealthCheck(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	ids := make([]string, 0, len(models.Data))
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// RuntimeState reports the live state: managed while our child runs,
// attached while a foreign listener answers, stopped otherwise.
func (s *Supervisor) RuntimeState() State {
	s.mu.Lock()
	alive := s.aliveLocked()
	s.mu.Unlock()
	if alive {
		return StateManaged
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeEvery)
	defer cancel()
	if _, err := s.HealthCheck(ctx); err == nil {
		return StateAttached
	}
	return StateStopped
}

// ProviderStatus buckets the served model ids by agent family.
func (s *Supervisor) ProviderStatus(ctx context.Context) map[string]bool {
	out := map[string]bool{
		config.AgentClaude: false,
		config.AgentGemini: false,
		config.AgentCodex:  false,
	}
	ids, err := s.HealthCheck(ctx)
	if err != nil {
		return out
	}
	for _, id := range ids {
		lid := strings.ToLower(id)
		switch {
		case strings.HasPrefix(lid, "claude"):
			out[config.AgentClaude] = true
		case strings.HasPrefix(lid, "gemini"):
			out[config.AgentGemini] = true
		case strings.HasPrefix(lid, "gpt-"), strings.HasPrefix(lid, "codex"),
			strings.HasPrefix(lid, "o1-"), strings.HasPrefix(lid, "o3-"), strings.HasPrefix(lid, "o4-"):
			out[config.AgentCodex] = true
		}
	}
	return out
}

// DisconnectProvider removes the provider's token files under the auth
// dir. Returns how many files were deleted.
func (s *Supervisor) DisconnectProvider(key string) (int, error) {
	globs, ok := providerTokenGlobs[key]
	if !ok {
		return 0, fmt.Errorf("unknown agent %q (want claude, gemini or codex)", key)
	}
	if s.cfg.AuthDir == "" {
		return 0, fmt.Errorf("proxy auth dir not configured")
	}
	dir := config.ExpandHome(s.cfg.AuthDir)

	removed := 0
	for _, glob := range globs {
		matches, err := filepath.Glob(filepath.Join(dir, glob))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				return removed, fmt.Errorf("remove %s: %w", m, err)
			}
			removed++
		}
	}
	slog.Info("proxy.provider_disconnected", "provider", key, "removed", removed)
	return removed, nil
}

// LoginOptions controls an interactive provider login run.
type LoginOptions struct {
	ForwardStdin bool              // relay operator answers to the child
	OnOutput     func(line string) // every output line
	OnURL        func(url string)  // first URL printed (the verification link)
}

var loginURLRe = regexp.MustCompile(`https://\S+`)

// RunLogin spawns the proxy binary with the provider's login flag and
// supervises it until it exits or ctx is canceled.
func (s *Supervisor) RunLogin(ctx context.Context, key string, opts LoginOptions) error {
	if !config.ValidAgent(key) {
		return fmt.Errorf("unknown agent %q (want claude, gemini or codex)", key)
	}

	args := []string{"--" + key + "-login"}
	if s.cfg.ConfigFile != "" {
		args = append(args, "--config", config.ExpandHome(s.cfg.ConfigFile))
	}
	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	if opts.ForwardStdin {
		cmd.Stdin = os.Stdin
	}
	slog.Info("proxy.login_started", "provider", key, "binary", s.cfg.Binary)

	if opts.OnOutput == nil && opts.OnURL == nil {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start login: %w", err)
	}

	scanDone := make(chan struct{})
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(scanDone)
		urlSeen := false
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if opts.OnOutput != nil {
				opts.OnOutput(line)
			}
			if !urlSeen && opts.OnURL != nil {
				if m := loginURLRe.FindString(line); m != "" {
					opts.OnURL(strings.TrimRight(m, ".,)"))
					urlSeen = true
				}
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		// Reap only after the pipe drains.
		<-scanDone
		return cmd.Wait()
	})
	return g.Wait()
}

// spawnLocked starts the managed child. Caller holds mu.
func (s *Supervisor) spawnLocked() error {
	args := []string{}
	if s.cfg.ConfigFile != "" {
		args = append(args, "--config", config.ExpandHome(s.cfg.ConfigFile))
	}
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start proxy %s: %w", s.cfg.Binary, err)
	}

	ch := &child{cmd: cmd, done: make(chan error, 1)}
	go func() { ch.done <- cmd.Wait() }()
	s.child = ch
	slog.Info("proxy.spawned", "binary", s.cfg.Binary, "pid", cmd.Process.Pid)
	return nil
}

// aliveLocked reports whether our child still runs, reaping it if it
// exited on its own. Caller holds mu.
func (s *Supervisor) aliveLocked() bool {
	if s.child == nil {
		return false
	}
	select {
	case err := <-s.child.done:
		slog.Warn("proxy.exited", "pid", s.child.cmd.Process.Pid, "error", err)
		s.child = nil
		return false
	default:
		return true
	}
}

// stopChildLocked terminates our child with grace then kill. Caller
// holds mu.
func (s *Supervisor) stopChildLocked() {
	if !s.aliveLocked() {
		return
	}
	ch := s.child
	s.child = nil

	if err := ch.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = ch.cmd.Process.Kill()
	}
	select {
	case <-ch.done:
	case <-time.After(stopGrace):
		_ = ch.cmd.Process.Kill()
		<-ch.done
	}
	slog.Info("proxy.stopped", "pid", ch.cmd.Process.Pid)
}

// pollHealth retries HealthCheck with growing delays until it answers
// or the timeout expires.
func (s *Supervisor) pollHealth(ctx context.Context, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	delay := 200 * time.Millisecond
	for {
		probeCtx, cancel := context.WithTimeout(ctx, probeEvery)
		ids, err := s.HealthCheck(probeCtx)
		cancel()
		if err == nil {
			return ids, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("proxy not healthy after %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
}

// killPortOwners terminates every process bound to the TCP port, except
// ourselves. Returns how many processes were signaled.
func killPortOwners(port int) int {
	killed := 0
	for _, pid := range pidsOnPort(port) {
		if pid == os.Getpid() {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Kill(); err == nil {
			killed++
		}
	}
	return killed
}
