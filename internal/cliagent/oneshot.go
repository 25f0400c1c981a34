package cliagent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/agentcmd/agentcmd/internal/term"
)

// RunOneShot executes one non-interactive turn: a fresh subprocess per
// prompt, the prompt on stdin, combined stdout+stderr ANSI-stripped as
// the response. Gemini is operated this way because its interactive
// TUI is not reliably drivable.
func RunOneShot(ctx context.Context, spec Spec, cwd, prompt string) (string, error) {
	argv := append([]string{}, spec.Argv...)
	argv = append(argv, "-p", "")

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(prompt)

	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(term.StripANSI(string(out)))
	if err != nil {
		snippet := text
		if len(snippet) > 300 {
			snippet = snippet[:300] + "..."
		}
		return "", fmt.Errorf("run %s: %w: %s", argv[0], err, snippet)
	}

	slog.Debug("cliagent.oneshot_done",
		"agent", spec.Kind, "duration_ms", time.Since(start).Milliseconds(), "bytes", len(out))
	if text == "" {
		return NoContent, nil
	}
	return text, nil
}
