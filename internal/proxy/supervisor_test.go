package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agentcmd/agentcmd/internal/config"
)

func modelsHandler(ids ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		type model struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		}
		out := struct {
			Data []model `json:"data"`
		}{}
		for _, id := range ids {
			out.Data = append(out.Data, model{ID: id, Object: "model"})
		}
		json.NewEncoder(w).Encode(out)
	}
}

func TestHealthCheckParsesModels(t *testing.T) {
	ts := httptest.NewServer(modelsHandler("claude-sonnet-4-5", "gpt-5"))
	defer ts.Close()

	s := NewSupervisor(config.ProxyConfig{BaseURL: ts.URL})
	ids, err := s.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	want := []string{"claude-sonnet-4-5", "gpt-5"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestHealthCheckUnreachable(t *testing.T) {
	s := NewSupervisor(config.ProxyConfig{BaseURL: "http://127.0.0.1:1"})
	if _, err := s.HealthCheck(context.Background()); err == nil {
		t.Fatal("want error for unreachable proxy")
	}
}

func TestProviderStatusBuckets(t *testing.T) {
	cases := []struct {
		name string
		ids  []string
		want map[string]bool
	}{
		{
			name: "all families",
			ids:  []string{"claude-sonnet-4-5", "gemini-2.5-pro", "gpt-5", "o3-mini"},
			want: map[string]bool{"claude": true, "gemini": true, "codex": true},
		},
		{
			name: "codex aliases",
			ids:  []string{"codex-mini-latest", "o1-preview", "o4-mini"},
			want: map[string]bool{"claude": false, "gemini": false, "codex": true},
		},
		{
			name: "unknown ids ignored",
			ids:  []string{"llama-3-70b", "mistral-large"},
			want: map[string]bool{"claude": false, "gemini": false, "codex": false},
		},
		{
			name: "empty list",
			ids:  nil,
			want: map[string]bool{"claude": false, "gemini": false, "codex": false},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(modelsHandler(tc.ids...))
			defer ts.Close()

			s := NewSupervisor(config.ProxyConfig{BaseURL: ts.URL})
			got := s.ProviderStatus(context.Background())
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("status = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProviderStatusUnreachable(t *testing.T) {
	s := NewSupervisor(config.ProxyConfig{BaseURL: "http://127.0.0.1:1"})
	got := s.ProviderStatus(context.Background())
	for key, connected := range got {
		if connected {
			t.Errorf("%s reported connected with proxy down", key)
		}
	}
}

func TestStartAttachesToHealthyListener(t *testing.T) {
	ts := httptest.NewServer(modelsHandler("claude-sonnet-4-5"))
	defer ts.Close()

	s := NewSupervisor(config.ProxyConfig{
		BaseURL: ts.URL,
		Binary:  "agentcmd-test-missing-binary",
	})
	if err := s.Start(context.Background(), 2*time.Second, false, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := s.RuntimeState(); st != StateAttached {
		t.Errorf("state = %s, want %s", st, StateAttached)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	s := NewSupervisor(config.ProxyConfig{
		BaseURL: "http://127.0.0.1:1",
		Binary:  "agentcmd-test-missing-binary",
	})
	if err := s.Start(context.Background(), 500*time.Millisecond, false, false); err == nil {
		t.Fatal("want error when the binary cannot start")
	}
	if st := s.RuntimeState(); st != StateStopped {
		t.Errorf("state = %s, want %s", st, StateStopped)
	}
}

func TestDisconnectProvider(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"claude-token.json", "anthropic-oauth.json", "gemini-token.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSupervisor(config.ProxyConfig{AuthDir: dir})
	n, err := s.DisconnectProvider("claude")
	if err != nil {
		t.Fatalf("DisconnectProvider: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	for _, name := range []string{"claude-token.json", "anthropic-oauth.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still present", name)
		}
	}
	for _, name := range []string{"gemini-token.json", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s unexpectedly touched: %v", name, err)
		}
	}
}

func TestDisconnectProviderErrors(t *testing.T) {
	s := NewSupervisor(config.ProxyConfig{AuthDir: t.TempDir()})
	if _, err := s.DisconnectProvider("openai"); err == nil {
		t.Error("want error for unknown provider")
	}

	s = NewSupervisor(config.ProxyConfig{})
	if _, err := s.DisconnectProvider("claude"); err == nil {
		t.Error("want error with auth dir unset")
	}
}

func TestRuntimeStateStopped(t *testing.T) {
	s := NewSupervisor(config.ProxyConfig{BaseURL: "http://127.0.0.1:1"})
	if st := s.RuntimeState(); st != StateStopped {
		t.Errorf("state = %s, want %s", st, StateStopped)
	}
}

func TestResolveBinary(t *testing.T) {
	t.Setenv("AGENTCMD_FROZEN", "")
	if got := resolveBinary("cliproxyapi"); got != "cliproxyapi" {
		t.Errorf("bare name = %q, want unchanged for PATH lookup", got)
	}
	if got := resolveBinary("/opt/proxy/cliproxyapi"); got != "/opt/proxy/cliproxyapi" {
		t.Errorf("explicit path = %q, want unchanged", got)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Skipf("executable path unavailable: %v", err)
	}
	bundled := filepath.Join(filepath.Dir(exe), "agentcmd-test-bundled")
	if err := os.WriteFile(bundled, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Skipf("cannot write beside test binary: %v", err)
	}
	t.Cleanup(func() { os.Remove(bundled) })

	t.Setenv("AGENTCMD_FROZEN", "1")
	if got := resolveBinary("agentcmd-test-bundled"); got != bundled {
		t.Errorf("frozen = %q, want bundled copy %q", got, bundled)
	}
	if got := resolveBinary("agentcmd-test-absent"); got != "agentcmd-test-absent" {
		t.Errorf("frozen without bundled copy = %q, want bare name", got)
	}
}
