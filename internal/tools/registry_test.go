package tools

import (
	"context"
	"strings"
	"testing"
)

type echoTool struct {
	name   string
	result *Result
	gotCwd string
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echo tool for tests" }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.gotCwd = CwdFromCtx(ctx)
	if t.result != nil {
		return t.result
	}
	text, _ := args["text"].(string)
	return NewResult(text)
}

func TestRegistryRegisterListUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "beta"})
	r.Register(&echoTool{name: "alpha"})

	if got := r.List(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("List() = %v, want sorted [alpha beta]", got)
	}

	r.Unregister("alpha")
	if _, ok := r.Get("alpha"); ok {
		t.Error("alpha still registered after Unregister")
	}
	if _, ok := r.Get("beta"); !ok {
		t.Error("beta missing")
	}
}

func TestRegistryDefinitions(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "echo"})

	defs := r.Definitions()
	if len(defs) != 1 {
		t.Fatalf("got %d definitions, want 1", len(defs))
	}
	if defs[0]["type"] != "function" {
		t.Errorf("type = %v, want function", defs[0]["type"])
	}
	fn, ok := defs[0]["function"].(map[string]interface{})
	if !ok {
		t.Fatal("function key missing")
	}
	if fn["name"] != "echo" {
		t.Errorf("name = %v, want echo", fn["name"])
	}
	if _, ok := fn["parameters"].(map[string]interface{}); !ok {
		t.Error("parameters missing")
	}
}

func TestDispatch(t *testing.T) {
	r := NewRegistry()
	tool := &echoTool{name: "echo"}
	r.Register(tool)

	out := r.Dispatch(context.Background(), "echo", `{"text":"hello"}`, "/tmp/work")
	if out != "hello" {
		t.Errorf("Dispatch = %q, want hello", out)
	}
	if tool.gotCwd != "/tmp/work" {
		t.Errorf("cwd = %q, want /tmp/work", tool.gotCwd)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	out := r.Dispatch(context.Background(), "nope", "{}", "")
	if !strings.Contains(out, "Error:") || !strings.Contains(out, "nope") {
		t.Errorf("Dispatch unknown = %q, want an Error mentioning the tool", out)
	}
}

func TestDispatchBadArguments(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "echo"})
	out := r.Dispatch(context.Background(), "echo", `{not json`, "")
	if !strings.HasPrefix(out, "Error:") {
		t.Errorf("Dispatch bad args = %q, want Error prefix", out)
	}
}

func TestDispatchRendersToolErrors(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{name: "bad", result: ErrorResult("file not found")})
	out := r.Dispatch(context.Background(), "bad", "{}", "")
	if out != "Error: file not found" {
		t.Errorf("Dispatch = %q, want rendered error", out)
	}
}

func TestDispatchTruncatesOutput(t *testing.T) {
	r := NewRegistry()
	r.SetMaxOutput(100)
	big := strings.Repeat("x", 500)
	r.Register(&echoTool{name: "big", result: NewResult(big)})

	out := r.Dispatch(context.Background(), "big", "{}", "")
	if len(out) >= 500 {
		t.Errorf("output not truncated: %d bytes", len(out))
	}
	if !strings.Contains(out, "truncated") {
		t.Error("truncation notice missing")
	}
}
