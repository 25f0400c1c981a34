package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentcmd/agentcmd/internal/memory"
)

// MemoryStoreTool saves one durable memory.
type MemoryStoreTool struct {
	store *memory.Store
}

func NewMemoryStoreTool(store *memory.Store) *MemoryStoreTool {
	return &MemoryStoreTool{store: store}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }
func (t *MemoryStoreTool) Description() string {
	return "Store a fact in long-term memory so it survives across sessions"
}
func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember",
			},
			"tags": map[string]interface{}{
				"type":        "string",
				"description": "Optional comma-separated tags",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	tags, _ := args["tags"].(string)

	id, err := t.store.Add(ctx, content, tags)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to store memory: %v", err)).WithError(err)
	}
	return SilentResult(fmt.Sprintf("memory #%d stored", id))
}

// MemorySearchTool queries long-term memory.
type MemorySearchTool struct {
	store *memory.Store
}

func NewMemorySearchTool(store *memory.Store) *MemorySearchTool {
	return &MemorySearchTool{store: store}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }
func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for facts matching a query"
}
func (t *MemorySearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to search for in memory contents and tags",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum entries to return (default 10)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && int(l) > 0 {
		limit = int(l)
	}

	entries, err := t.store.Search(ctx, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(entries) == 0 {
		return SilentResult("no memories matched")
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "#%d [%s]", e.ID, e.CreatedAt.Format("2006-01-02"))
		if e.Tags != "" {
			fmt.Fprintf(&sb, " (%s)", e.Tags)
		}
		sb.WriteString(" " + e.Content + "\n")
	}
	return SilentResult(sb.String())
}
