package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/tools"
)

// lookupTool answers every call with a fixed reply and records the raw
// args it saw.
type lookupTool struct {
	reply string
	calls int
	args  []map[string]interface{}
}

func (l *lookupTool) Name() string        { return "lookup" }
func (l *lookupTool) Description() string { return "look something up" }
func (l *lookupTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (l *lookupTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	l.calls++
	l.args = append(l.args, args)
	return tools.SilentResult(l.reply)
}

// recorder keeps every request body the test server saw.
type recorder struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *recorder) record(req *http.Request) int {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return len(r.bodies)
}

func (r *recorder) request(t *testing.T, n int) chatRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.bodies) {
		t.Fatalf("request %d never arrived (got %d)", n, len(r.bodies))
	}
	var req chatRequest
	if err := json.Unmarshal(r.bodies[n-1], &req); err != nil {
		t.Fatalf("decode request %d: %v", n, err)
	}
	return req
}

func sseWrite(w http.ResponseWriter, payloads ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func TestSendAndReceiveStreamsText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c := NewClient(config.ProxyConfig{BaseURL: ts.URL}, tools.NewRegistry())
	var chunks []string
	got, err := c.SendAndReceive(context.Background(), "claude", "hi", "", Callbacks{
		OnText: func(s string) { chunks = append(chunks, s) },
	})
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if got != "Hello" {
		t.Errorf("text = %q, want %q", got, "Hello")
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Errorf("chunks = %v, want [Hel lo]", chunks)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch rec.record(r) {
		case 1:
			sseWrite(w,
				`{"choices":[{"delta":{"content":"Checking. "}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"city\":"}}]}}]}`,
				`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Hanoi\"}"}}]}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			)
		default:
			sseWrite(w, `{"choices":[{"delta":{"content":"Sunny."},"finish_reason":"stop"}]}`)
		}
	}))
	defer ts.Close()

	tool := &lookupTool{reply: "32C and clear in Hanoi"}
	reg := tools.NewRegistry()
	reg.Register(tool)

	var events []string
	c := NewClient(config.ProxyConfig{BaseURL: ts.URL}, reg)
	got, err := c.SendAndReceive(context.Background(), "claude", "weather in hanoi", "/work", Callbacks{
		OnText: func(s string) { events = append(events, "text:"+s) },
		OnTool: func(s string) { events = append(events, "tool:"+s) },
	})
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if got != "Checking. Sunny." {
		t.Errorf("text = %q, want %q", got, "Checking. Sunny.")
	}
	if tool.calls != 1 {
		t.Fatalf("tool calls = %d, want 1", tool.calls)
	}
	if city := tool.args[0]["city"]; city != "Hanoi" {
		t.Errorf("tool arg city = %v, want Hanoi", city)
	}

	// The second request must replay the accumulated call verbatim and
	// pair it with exactly one tool reply.
	req2 := rec.request(t, 2)
	if len(req2.Messages) != 3 {
		t.Fatalf("round 2 messages = %d, want 3", len(req2.Messages))
	}
	asst := req2.Messages[1]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", asst)
	}
	call := asst.ToolCalls[0]
	if call.ID != "call_1" || call.Type != "function" || call.Function.Name != "lookup" {
		t.Errorf("tool call = %+v", call)
	}
	if call.Function.Arguments != `{"city":"Hanoi"}` {
		t.Errorf("arguments = %q, want %q", call.Function.Arguments, `{"city":"Hanoi"}`)
	}
	reply := req2.Messages[2]
	if reply.Role != "tool" || reply.ToolCallID != "call_1" || reply.Content != tool.reply {
		t.Errorf("tool reply = %+v", reply)
	}

	// Round-1 text lands before any tool event.
	firstTool := -1
	for i, ev := range events {
		if strings.HasPrefix(ev, "tool:") {
			firstTool = i
			break
		}
	}
	if firstTool < 1 || events[0] != "text:Checking. " {
		t.Errorf("event order = %v", events)
	}
	if !strings.Contains(events[firstTool], "lookup(") {
		t.Errorf("tool preview = %q", events[firstTool])
	}
}

func TestRoundCapStopsLoop(t *testing.T) {
	rec := &recorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		sseWrite(w,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c","function":{"name":"lookup","arguments":"{}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	}))
	defer ts.Close()

	tool := &lookupTool{reply: "ok"}
	reg := tools.NewRegistry()
	reg.Register(tool)

	c := NewClient(config.ProxyConfig{BaseURL: ts.URL, MaxRounds: 3}, reg)
	if _, err := c.SendAndReceive(context.Background(), "codex", "go", "", Callbacks{}); err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}

	rec.mu.Lock()
	requests := len(rec.bodies)
	rec.mu.Unlock()
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}
	if tool.calls != 3 {
		t.Errorf("tool calls = %d, want 3", tool.calls)
	}
}

func TestProviderErrorSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseWrite(w, `{"error":{"message":"quota exhausted"}}`)
	}))
	defer ts.Close()

	c := NewClient(config.ProxyConfig{BaseURL: ts.URL}, tools.NewRegistry())
	_, err := c.SendAndReceive(context.Background(), "claude", "hi", "", Callbacks{})
	if err == nil || !strings.Contains(err.Error(), "quota exhausted") {
		t.Errorf("err = %v, want provider message", err)
	}
}

func TestSchemaTolerance(t *testing.T) {
	cases := []struct {
		name     string
		payloads []string
		want     string
	}{
		{
			name:     "content parts list",
			payloads: []string{`{"choices":[{"delta":{"content":[{"type":"text","text":"Hi"},{"type":"text","text":" there"}]}}]}`},
			want:     "Hi there",
		},
		{
			name: "responses api deltas",
			payloads: []string{
				`{"type":"response.output_text.delta","delta":"Hi"}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}`,
			},
			want: "Hi there",
		},
		{
			name:     "anthropic message",
			payloads: []string{`{"content":[{"type":"text","text":"Hi there"}]}`},
			want:     "Hi there",
		},
		{
			name:     "non-streaming choice",
			payloads: []string{`{"choices":[{"message":{"content":"Hi there"},"finish_reason":"stop"}]}`},
			want:     "Hi there",
		},
		{
			name: "unknown shape yields nothing",
			payloads: []string{
				`{"object":"ping"}`,
				`{"choices":[{"delta":{"content":"Hi there"}}]}`,
			},
			want: "Hi there",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				sseWrite(w, tc.payloads...)
			}))
			defer ts.Close()

			c := NewClient(config.ProxyConfig{BaseURL: ts.URL}, tools.NewRegistry())
			got, err := c.SendAndReceive(context.Background(), "gemini", "hi", "", Callbacks{})
			if err != nil {
				t.Fatalf("SendAndReceive: %v", err)
			}
			if got != tc.want {
				t.Errorf("text = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSSESplitDataLines(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"multi\n")
		fmt.Fprint(w, "data: line\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	c := NewClient(config.ProxyConfig{BaseURL: ts.URL}, tools.NewRegistry())
	got, err := c.SendAndReceive(context.Background(), "claude", "hi", "", Callbacks{})
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if got != "multiline" {
		t.Errorf("text = %q, want %q", got, "multiline")
	}
}

func TestSSEPendingPayloadAtEOF(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// No trailing separator and no [DONE]; the connection just ends.
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tail\"},\"finish_reason\":\"stop\"}]}\n")
	}))
	defer ts.Close()

	c := NewClient(config.ProxyConfig{BaseURL: ts.URL}, tools.NewRegistry())
	got, err := c.SendAndReceive(context.Background(), "claude", "hi", "", Callbacks{})
	if err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}
	if got != "tail" {
		t.Errorf("text = %q, want %q", got, "tail")
	}
}

func TestRequestShape(t *testing.T) {
	var auth, accept string
	var body map[string]interface{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		sseWrite(w, `{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer ts.Close()

	reg := tools.NewRegistry()
	reg.Register(&lookupTool{reply: "x"})
	c := NewClient(config.ProxyConfig{
		BaseURL: ts.URL,
		APIKey:  "secret-key",
		Models:  map[string]string{"codex": "gpt-5-codex"},
	}, reg)

	if _, err := c.SendAndReceive(context.Background(), "codex", "hi", "", Callbacks{}); err != nil {
		t.Fatalf("SendAndReceive: %v", err)
	}

	if auth != "Bearer secret-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if accept != "text/event-stream" {
		t.Errorf("Accept = %q", accept)
	}
	if body["model"] != "gpt-5-codex" {
		t.Errorf("model = %v", body["model"])
	}
	if body["stream"] != true {
		t.Errorf("stream = %v", body["stream"])
	}
	if temp, ok := body["temperature"]; !ok || temp != 0.0 {
		t.Errorf("temperature = %v (present=%v), want 0", temp, ok)
	}
	defs, ok := body["tools"].([]interface{})
	if !ok || len(defs) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestClip(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"0123456789abc", 10, "0123456789…"},
		{"héllo wörld", 3, "hé…"}, // stops before splitting é's second byte
	}
	for _, tc := range cases {
		if got := clip(tc.in, tc.max); got != tc.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
