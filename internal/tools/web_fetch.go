package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchMaxRedirects    = 3
	fetchUserAgent       = "agentcmd/1.0 (+https://github.com/agentcmd/agentcmd)"
)

// WebFetchTool fetches a URL and returns its textual content. HTML is
// converted to markdown or plain text, JSON is pretty-printed.
type WebFetchTool struct {
	timeout  time.Duration
	maxChars int
}

func NewWebFetchTool(timeout time.Duration) *WebFetchTool {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebFetchTool{timeout: timeout, maxChars: defaultFetchMaxChars}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its content. HTML pages are converted to markdown or plain text."
}
func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"description": `Extraction mode for HTML ("markdown" or "text"). Default: "markdown".`,
				"enum":        []string{"markdown", "text"},
			},
			"max_chars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}

	mode := "markdown"
	if m, ok := args["mode"].(string); ok && (m == "markdown" || m == "text") {
		mode = m
	}
	maxChars := t.maxChars
	if mc, ok := args["max_chars"].(float64); ok && int(mc) > 0 {
		maxChars = int(mc)
	}

	text, status, err := t.doFetch(ctx, rawURL, mode, maxChars)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\n\n", rawURL, status)
	sb.WriteString(text)
	return SilentResult(sb.String())
}

func (t *WebFetchTool) doFetch(ctx context.Context, rawURL, mode string, maxChars int) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: t.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	// Read extra for HTML overhead; tags are stripped below.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	var text string
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "application/json"):
		text, _ = extractJSON(body)
	case strings.Contains(ct, "text/markdown"):
		text = string(body)
		if mode == "text" {
			text = markdownToText(text)
		}
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		if mode == "text" {
			text = htmlToText(string(body))
		} else {
			text = htmlToMarkdown(string(body))
		}
	default:
		text = string(body)
	}

	if len(text) > maxChars {
		text = text[:maxChars] + fmt.Sprintf("\n... [truncated at %d chars]", maxChars)
	}
	return text, resp.StatusCode, nil
}
