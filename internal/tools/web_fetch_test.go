package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebFetchStripsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><script>alert(1)</script><style>p{}</style></head>` +
			`<body><h1>Title</h1><p>Some &amp; text</p></body></html>`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(5 * time.Second)
	res := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if res.IsError {
		t.Fatalf("fetch: %s", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "alert(1)") {
		t.Error("script content not stripped")
	}
	if strings.Contains(res.ForLLM, "<p>") {
		t.Error("tags not stripped")
	}
	if !strings.Contains(res.ForLLM, "Title") || !strings.Contains(res.ForLLM, "Some & text") {
		t.Errorf("content lost: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Status: 200") {
		t.Error("status header missing")
	}
}

func TestWebFetchTextMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Title</h1><p>Body text <a href="https://x">here</a></p></body></html>`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(5 * time.Second)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"url":  srv.URL,
		"mode": "text",
	})
	if res.IsError {
		t.Fatalf("fetch: %s", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "# Title") {
		t.Errorf("text mode produced markdown heading: %q", res.ForLLM)
	}
	if strings.Contains(res.ForLLM, "](") {
		t.Errorf("text mode produced markdown link: %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Title") || !strings.Contains(res.ForLLM, "Body text") {
		t.Errorf("content lost: %q", res.ForLLM)
	}
}

func TestWebFetchPrettyPrintsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"gateway","ports":[8080,9090]}`))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(5 * time.Second)
	res := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if res.IsError {
		t.Fatalf("fetch: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "  \"name\": \"gateway\"") {
		t.Errorf("json not pretty-printed: %q", res.ForLLM)
	}
}

func TestWebFetchPlainTextPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("raw <b>content</b>"))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(5 * time.Second)
	res := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	if res.IsError {
		t.Fatalf("fetch: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "raw <b>content</b>") {
		t.Errorf("plain text modified: %q", res.ForLLM)
	}
}

func TestWebFetchTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("a", 2000)))
	}))
	defer srv.Close()

	tool := NewWebFetchTool(5 * time.Second)
	res := tool.Execute(context.Background(), map[string]interface{}{
		"url":       srv.URL,
		"max_chars": float64(100),
	})
	if res.IsError {
		t.Fatalf("fetch: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "truncated") {
		t.Error("truncation notice missing")
	}
	if len(res.ForLLM) > 400 {
		t.Errorf("output too long: %d bytes", len(res.ForLLM))
	}
}

func TestWebFetchRejectsBadURLs(t *testing.T) {
	tool := NewWebFetchTool(5 * time.Second)
	for _, url := range []string{"", "ftp://example.com/x", "file:///etc/passwd", "http://"} {
		res := tool.Execute(context.Background(), map[string]interface{}{"url": url})
		if !res.IsError {
			t.Errorf("url %q should be rejected", url)
		}
	}
}
