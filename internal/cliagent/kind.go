// Package cliagent drives third-party coding-agent CLIs. Claude and
// Codex run interactively inside a PTY with a terminal emulator
// attached; Gemini runs as a one-shot subprocess per turn.
package cliagent

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Kind identifies a supported agent CLI.
type Kind string

const (
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
	KindCodex  Kind = "codex"
)

// ParseKind validates an agent key. Keys are matched case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindClaude:
		return KindClaude, nil
	case KindGemini:
		return KindGemini, nil
	case KindCodex:
		return KindCodex, nil
	default:
		return "", fmt.Errorf("unknown agent %q (want claude, gemini or codex)", s)
	}
}

// Spec describes how to launch and recognize one agent CLI.
type Spec struct {
	Kind Kind
	Argv []string
	// PromptReady matches an idle input-prompt line. Checked against
	// the last lines of the clean buffer to detect startup completion.
	PromptReady *regexp.Regexp
	// UsesEmulator is false for agents operated in one-shot mode.
	UsesEmulator bool
}

var (
	claudeReadyRe = regexp.MustCompile(`^\s*(?:│\s*)?>(?:\s|$)`)
	codexReadyRe  = regexp.MustCompile(`^\s*(?:│\s*)?(?:❯|›|codex>)\s*$`)
	geminiReadyRe = regexp.MustCompile(`^\s*(?:│\s*)?[❯>](?:\s|$)`)
)

// SpecFor returns the launch spec for an agent. override, when
// non-empty, replaces the default command line; it is split on
// whitespace. The AGENTCMD_<KIND>_CMD environment variable takes
// effect when no explicit override is given.
func SpecFor(kind Kind, override string) Spec {
	if override == "" {
		override = os.Getenv("AGENTCMD_" + strings.ToUpper(string(kind)) + "_CMD")
	}

	spec := Spec{Kind: kind, UsesEmulator: true}
	switch kind {
	case KindClaude:
		spec.Argv = []string{"claude"}
		spec.PromptReady = claudeReadyRe
	case KindCodex:
		spec.Argv = []string{"codex"}
		spec.PromptReady = codexReadyRe
	case KindGemini:
		spec.Argv = []string{"gemini"}
		spec.PromptReady = geminiReadyRe
		spec.UsesEmulator = false
	}
	if override != "" {
		if argv := strings.Fields(override); len(argv) > 0 {
			spec.Argv = argv
		}
	}
	return spec
}
