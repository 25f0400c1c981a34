package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema object describing the
	// arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// DefaultMaxOutput caps tool output handed back to the model.
const DefaultMaxOutput = 32 * 1024

// Registry maps tool names to implementations and renders their
// schemas for the chat-completions API.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	maxOutput int
}

func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		maxOutput: DefaultMaxOutput,
	}
}

// SetMaxOutput overrides the output ceiling (bytes).
func (r *Registry) SetMaxOutput(n int) {
	if n > 0 {
		r.mu.Lock()
		r.maxOutput = n
		r.mu.Unlock()
	}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders every tool as an OpenAI function-calling schema,
// ordered by name.
func (r *Registry) Definitions() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name(),
				"description": t.Description(),
				"parameters":  t.Parameters(),
			},
		})
	}
	return defs
}

// Dispatch executes one tool call from the transport: parses the raw
// JSON arguments, threads cwd through the context, and renders the
// outcome as the string that becomes the role:tool reply. Failures
// come back as "Error: ..." text so the model can react instead of the
// turn aborting.
func (r *Registry) Dispatch(ctx context.Context, name, argsJSON, cwd string) string {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	args := map[string]interface{}{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Sprintf("Error: invalid arguments for %s: %v", name, err)
		}
	}
	if cwd != "" {
		ctx = WithCwd(ctx, cwd)
	}

	result := tool.Execute(ctx, args)
	if result == nil {
		return "Error: tool returned no result"
	}
	if result.Err != nil {
		slog.Warn("tools.execute_failed", "tool", name, "error", result.Err)
	}

	out := result.ForLLM
	if result.IsError && out != "" {
		out = "Error: " + out
	}
	if out == "" {
		out = "(no output)"
	}

	r.mu.RLock()
	limit := r.maxOutput
	r.mu.RUnlock()
	if len(out) > limit {
		out = out[:limit] + fmt.Sprintf("\n... [output truncated at %d bytes]", limit)
	}
	return out
}
