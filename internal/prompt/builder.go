// Package prompt assembles the per-turn context string sent through
// the HTTP transport. Sections are fixed in order and skipped entirely
// when their source has nothing to say.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/agentcmd/agentcmd/internal/bootstrap"
	"github.com/agentcmd/agentcmd/internal/memory"
	"github.com/agentcmd/agentcmd/internal/store"
)

// DefaultHistoryLimit is the number of trailing messages kept in the
// rendered history.
const DefaultHistoryLimit = 30

const memoryEntries = 10

// MemorySource feeds the memory section. *memory.Store implements it.
type MemorySource interface {
	Recent(ctx context.Context, limit int) ([]memory.Entry, error)
}

// SkillSource feeds the skill sections. *store.Entities implements it.
type SkillSource interface {
	AlwaysOnSkills() []store.Skill
	OnDemandSkills() []store.Skill
}

// Config wires the builder's context sources. Nil sources skip their
// sections.
type Config struct {
	Workspace    string
	HistoryLimit int
	Memory       MemorySource
	Skills       SkillSource
}

// Turn carries the inputs that change per message.
type Turn struct {
	Channel string
	ChatID  string
	Cwd     string
	History []store.Message
	Content string
}

// Builder renders turns into a single prompt string.
type Builder struct {
	workspace    string
	historyLimit int
	memory       MemorySource
	skills       SkillSource

	now func() time.Time
}

func NewBuilder(cfg Config) *Builder {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Builder{
		workspace:    cfg.Workspace,
		historyLimit: limit,
		memory:       cfg.Memory,
		skills:       cfg.Skills,
		now:          time.Now,
	}
}

// Build assembles the prompt: identity, workspace files, memory,
// skills, session facts, history tail, the current message and the
// response instruction, joined by blank lines.
func (b *Builder) Build(ctx context.Context, t Turn) string {
	var sections []string
	add := func(s string) {
		if s != "" {
			sections = append(sections, s)
		}
	}

	add(b.identity())
	for _, s := range b.bootstrapFiles() {
		add(s)
	}
	add(b.memorySection(ctx))
	for _, s := range b.alwaysOnSkills() {
		add(s)
	}
	add(b.skillSummary())
	add(sessionFacts(t))
	add(b.historySection(t.History))
	add("USER: " + t.Content)
	add("Respond only with your assistant answer.")

	return strings.Join(sections, "\n\n")
}

func (b *Builder) identity() string {
	var sb strings.Builder
	sb.WriteString("## Identity\n")
	sb.WriteString("You are the assistant behind this chat, driving a coding agent on the user's machine.\n")
	fmt.Fprintf(&sb, "Time: %s\n", b.now().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&sb, "Runtime: %s/%s, %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
	if b.workspace != "" {
		fmt.Fprintf(&sb, "\nWorkspace: %s", b.workspace)
	}
	return sb.String()
}

// bootstrapFiles loads the well-known workspace files, one section per
// file that exists and has content.
func (b *Builder) bootstrapFiles() []string {
	if b.workspace == "" {
		return nil
	}
	var out []string
	for _, name := range bootstrap.Files() {
		data, err := os.ReadFile(filepath.Join(b.workspace, name))
		if err != nil {
			continue
		}
		body := strings.TrimSpace(string(data))
		if body == "" {
			continue
		}
		out = append(out, fmt.Sprintf("## %s\n%s", name, body))
	}
	return out
}

func (b *Builder) memorySection(ctx context.Context) string {
	if b.memory == nil {
		return ""
	}
	entries, err := b.memory.Recent(ctx, memoryEntries)
	if err != nil {
		slog.Debug("prompt.memory_unavailable", "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Memory")
	for _, e := range entries {
		sb.WriteString("\n- ")
		sb.WriteString(strings.TrimSpace(e.Content))
	}
	return sb.String()
}

func (b *Builder) alwaysOnSkills() []string {
	if b.skills == nil {
		return nil
	}
	var out []string
	for _, s := range b.skills.AlwaysOnSkills() {
		body := strings.TrimSpace(s.Content)
		if body == "" {
			continue
		}
		out = append(out, fmt.Sprintf("## Skill: %s\n%s", s.Name, body))
	}
	return out
}

func (b *Builder) skillSummary() string {
	if b.skills == nil {
		return ""
	}
	skills := b.skills.OnDemandSkills()
	if len(skills) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Available skills")
	for _, s := range skills {
		sb.WriteString("\n- ")
		sb.WriteString(s.Name)
		if s.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(s.Description)
		}
	}
	return sb.String()
}

func sessionFacts(t Turn) string {
	var lines []string
	if t.Channel != "" {
		lines = append(lines, "Channel: "+t.Channel)
	}
	if t.ChatID != "" {
		lines = append(lines, "Chat: "+t.ChatID)
	}
	if t.Cwd != "" {
		lines = append(lines, "Working directory: "+t.Cwd)
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Session\n" + strings.Join(lines, "\n")
}

// historySection renders the trailing messages as "ROLE: text" blocks.
func (b *Builder) historySection(history []store.Message) string {
	if len(history) > b.historyLimit {
		history = history[len(history)-b.historyLimit:]
	}
	var blocks []string
	for _, m := range history {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		blocks = append(blocks, strings.ToUpper(m.Role)+": "+text)
	}
	if len(blocks) == 0 {
		return ""
	}
	return "## Conversation so far\n" + strings.Join(blocks, "\n\n")
}
