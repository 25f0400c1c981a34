// Package proxy drives agent turns through an OpenAI-compatible HTTP
// proxy and supervises the bundled proxy binary's lifecycle.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/telemetry"
	"github.com/agentcmd/agentcmd/internal/tools"
)

const (
	doneSentinel      = "[DONE]"
	maxSSELine        = 1024 * 1024
	toolResultPreview = 500
	toolArgsPreview   = 80
)

// Callbacks carries the per-turn streaming sinks. Either may be nil.
type Callbacks struct {
	OnText func(string) // every text chunk, in stream order
	OnTool func(string) // tool-call previews and fenced results
}

// Client runs conversation turns against the proxy, executing tool
// calls locally between rounds.
type Client struct {
	cfg      config.ProxyConfig
	registry *tools.Registry
	http     *http.Client
}

// NewClient builds a turn client. Round timeouts come from the caller's
// context, so the HTTP client itself carries none.
func NewClient(cfg config.ProxyConfig, registry *tools.Registry) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8317"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/v1/chat/completions"
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 25
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		http:     &http.Client{},
	}
}

// chatMessage is one entry in the request messages list, in the OpenAI
// chat-completions wire shape.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequest struct {
	Model       string                   `json:"model"`
	Messages    []chatMessage            `json:"messages"`
	Stream      bool                     `json:"stream"`
	Temperature float64                  `json:"temperature"`
	Tools       []map[string]interface{} `json:"tools,omitempty"`
}

// SendAndReceive runs one conversation turn for the given agent: it
// streams rounds against the proxy, dispatches tool calls through the
// registry with cwd, and keeps going until the model stops asking for
// tools or the round cap is hit. Returns the accumulated assistant text.
func (c *Client) SendAndReceive(ctx context.Context, agent, prompt, cwd string, cb Callbacks) (string, error) {
	model := c.cfg.Model(agent)
	messages := []chatMessage{{Role: "user", Content: prompt}}
	toolDefs := c.registry.Definitions()
	tracer := telemetry.Tracer("agentcmd/proxy")

	var final strings.Builder
	for round := 1; ; round++ {
		if round > c.cfg.MaxRounds {
			slog.Warn("proxy.round_cap_reached", "agent", agent, "rounds", c.cfg.MaxRounds)
			break
		}

		roundCtx, span := tracer.Start(ctx, "proxy.round",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("proxy.model", model),
				attribute.Int("proxy.round", round),
				attribute.Int("proxy.messages", len(messages)),
			),
		)

		st := &roundState{onText: cb.OnText}
		if err := c.streamRound(roundCtx, model, messages, toolDefs, st); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return final.String(), err
		}

		text := st.buf.String()
		final.WriteString(text)

		calls := st.finalized()
		if st.finishReason != "tool_calls" || len(calls) == 0 {
			span.End()
			break
		}
		slog.Debug("proxy.tool_round", "agent", agent, "round", round, "calls", len(calls))

		// Echo the model's tool request back verbatim so the proxy sees
		// the same arguments it streamed.
		asst := chatMessage{Role: "assistant", Content: text}
		for _, call := range calls {
			asst.ToolCalls = append(asst.ToolCalls, toolCall{
				ID:   call.id,
				Type: "function",
				Function: toolFunction{
					Name:      call.name,
					Arguments: call.args,
				},
			})
		}
		messages = append(messages, asst)

		for _, call := range calls {
			if cb.OnTool != nil {
				cb.OnTool(fmt.Sprintf("`%s(%s)`\n", call.name, clip(call.args, toolArgsPreview)))
			}

			_, tspan := tracer.Start(roundCtx, "proxy.tool."+call.name,
				trace.WithAttributes(attribute.String("tool.call_id", call.id)),
			)
			result := c.registry.Dispatch(roundCtx, call.name, call.args, cwd)
			if strings.HasPrefix(result, "Error:") {
				tspan.SetStatus(codes.Error, clip(result, 200))
			}
			tspan.End()

			if cb.OnTool != nil {
				cb.OnTool("```\n" + clip(result, toolResultPreview) + "\n```\n")
			}
			messages = append(messages, chatMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.id,
			})
		}
		span.End()
	}

	return final.String(), nil
}

// streamRound issues one POST and consumes its SSE body into st.
func (c *Client) streamRound(ctx context.Context, model string, messages []chatMessage, toolDefs []map[string]interface{}, st *roundState) error {
	data, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      true,
		Temperature: 0,
		Tools:       toolDefs,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("proxy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return consumeSSE(resp.Body, st)
}

// consumeSSE reads server-sent events: data lines accumulate until a
// blank separator completes the event, ":" comment lines are keepalives,
// and the [DONE] sentinel ends the stream. A payload still pending at
// EOF is processed too since some providers skip the final separator.
func consumeSSE(body io.Reader, st *roundState) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			if payload == doneSentinel {
				return nil
			}
			if err := st.process(payload); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	if data.Len() > 0 && data.String() != doneSentinel {
		return st.process(data.String())
	}
	return nil
}

// toolCallState accumulates one streamed tool call across deltas.
type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

type finalCall struct {
	id   string
	name string
	args string
}

// roundState gathers text, tool-call accumulators and the finish reason
// over one SSE stream.
type roundState struct {
	buf          strings.Builder
	finishReason string
	calls        map[int]*toolCallState
	onText       func(string)
}

// ssePayload is the superset of the vendor shapes the proxy may relay:
// chat-completions chunks and full responses, Responses-API events,
// Anthropic messages, and top-level errors.
type ssePayload struct {
	Error   *apiError       `json:"error"`
	Choices []sseChoice     `json:"choices"`
	Type    string          `json:"type"`
	Delta   json.RawMessage `json:"delta"`
	Content json.RawMessage `json:"content"`
}

type apiError struct {
	Message string `json:"message"`
}

type sseChoice struct {
	Delta        *sseMessage `json:"delta"`
	Message      *sseMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type sseMessage struct {
	Content   json.RawMessage `json:"content"`
	ToolCalls []sseToolCall   `json:"tool_calls"`
}

type sseToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id"`
	Function sseToolFunction `json:"function"`
}

type sseToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (st *roundState) process(payload string) error {
	var p ssePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// Malformed frame; providers interleave junk on occasion.
		return nil
	}

	if p.Error != nil && p.Error.Message != "" {
		return fmt.Errorf("provider error: %s", p.Error.Message)
	}

	if len(p.Choices) > 0 {
		ch := p.Choices[0]
		if ch.FinishReason != "" {
			st.finishReason = ch.FinishReason
		}
		if ch.Delta != nil {
			st.emit(textOf(ch.Delta.Content))
			for _, tc := range ch.Delta.ToolCalls {
				st.accumulate(tc.Index, tc)
			}
			return nil
		}
		if ch.Message != nil {
			st.emit(textOf(ch.Message.Content))
			// Non-streaming tool calls arrive complete and usually
			// without indexes; position keys them.
			for i, tc := range ch.Message.ToolCalls {
				st.accumulate(i, tc)
			}
		}
		return nil
	}

	switch p.Type {
	case "response.output_text.delta", "content_block_delta", "message_delta":
		st.emit(textOf(p.Delta))
		return nil
	}

	// Anthropic full message: top-level content parts.
	st.emit(textOf(p.Content))
	return nil
}

func (st *roundState) emit(text string) {
	if text == "" {
		return
	}
	st.buf.WriteString(text)
	if st.onText != nil {
		st.onText(text)
	}
}

func (st *roundState) accumulate(index int, tc sseToolCall) {
	if st.calls == nil {
		st.calls = make(map[int]*toolCallState)
	}
	acc, ok := st.calls[index]
	if !ok {
		acc = &toolCallState{}
		st.calls[index] = acc
	}
	if tc.ID != "" {
		acc.id = tc.ID
	}
	if tc.Function.Name != "" {
		acc.name = strings.TrimSpace(tc.Function.Name)
	}
	acc.args.WriteString(tc.Function.Arguments)
}

// finalized returns the tool calls whose name arrived, in index order.
// Arguments stay the byte-for-byte concatenation of the stream deltas.
func (st *roundState) finalized() []finalCall {
	idxs := make([]int, 0, len(st.calls))
	for i, acc := range st.calls {
		if acc.name != "" {
			idxs = append(idxs, i)
		}
	}
	sort.Ints(idxs)

	out := make([]finalCall, 0, len(idxs))
	for _, i := range idxs {
		acc := st.calls[i]
		out = append(out, finalCall{id: acc.id, name: acc.name, args: acc.args.String()})
	}
	return out
}

// textOf decodes a content field that may be a plain string, a list of
// {text} parts, or an object carrying a text field.
func textOf(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// clip truncates s to max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "…"
}
