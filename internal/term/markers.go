package term

import (
	"regexp"
	"strings"
)

// State classifies the lifecycle of an agent CLI from its rendered
// screen.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateCompleted
	StateWaitingAnswer
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateWaitingAnswer:
		return "waiting_user_answer"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Per-agent marker patterns. These are hand-written against the TUIs of
// the supported CLI versions and break when those TUIs change; keep them
// in one place.
var (
	claudeSepRe     = regexp.MustCompile(`^[─━═┄┅┈┉\-]{10,}$`)
	claudeWorkingRe = regexp.MustCompile(`^\s*[✢✳✶✻✽∗·∴].*\((esc|ctrl\+c) to interrupt`)
	claudeMenuRe    = regexp.MustCompile(`^\s*❯\s*\d+\.`)

	codexRespRe     = regexp.MustCompile(`(?i)^(assistant|codex|agent):`)
	codexIdleRe     = regexp.MustCompile(`^(❯|›|codex>)\s*$`)
	codexApprovalRe = regexp.MustCompile(`^(Approve|Allow).*(y/n|yes/no)`)
	codexErrorRe    = regexp.MustCompile(`^(Traceback|ERROR|Error:|error:)`)

	geminiIdleRe = regexp.MustCompile(`^\s*[❯>]\s*$`)
)

const (
	claudeMarker  = "⏺"
	geminiMarker  = "✦"
	geminiMarker2 = "✧"
)

// ParseState classifies a screen snapshot for the given agent key.
// Unknown agents report idle so completion falls back to idle-settle
// timing.
func ParseState(agent, snapshot string) State {
	switch agent {
	case "claude":
		return parseClaudeState(snapshot)
	case "codex":
		return parseCodexState(snapshot)
	case "gemini":
		return parseGeminiState(snapshot)
	}
	return StateIdle
}

// ExtractResponse pulls the assistant text out of a snapshot: the block
// after the last start marker, up to the idle prompt or separator, with
// ANSI and control bytes stripped. Empty when no marker is present.
func ExtractResponse(agent, snapshot string) string {
	switch agent {
	case "claude":
		return extractClaude(snapshot)
	case "codex":
		return extractCodex(snapshot)
	case "gemini":
		return extractGemini(snapshot)
	}
	return ""
}

func parseClaudeState(snapshot string) State {
	lines := strings.Split(snapshot, "\n")
	hasPrompt := false
	for _, line := range lines {
		if claudeWorkingRe.MatchString(line) {
			return StateProcessing
		}
		if claudeMenuRe.MatchString(line) {
			return StateWaitingAnswer
		}
		if isClaudePrompt(line) {
			hasPrompt = true
		}
	}
	hasResp := strings.Contains(snapshot, claudeMarker)
	switch {
	case hasResp && hasPrompt:
		return StateCompleted
	case hasPrompt:
		return StateIdle
	}
	return StateProcessing
}

func isClaudePrompt(line string) bool {
	return strings.HasPrefix(line, "> ") || strings.TrimRight(line, " ") == ">"
}

func parseCodexState(snapshot string) State {
	lines := strings.Split(snapshot, "\n")
	hasResp := false
	for _, line := range lines {
		if codexApprovalRe.MatchString(line) {
			return StateWaitingAnswer
		}
		if codexErrorRe.MatchString(line) {
			return StateError
		}
		if codexRespRe.MatchString(line) {
			hasResp = true
		}
	}
	idle := codexIdleRe.MatchString(lastNonEmpty(lines))
	switch {
	case hasResp && idle:
		return StateCompleted
	case idle:
		return StateIdle
	}
	return StateProcessing
}

func parseGeminiState(snapshot string) State {
	lines := strings.Split(snapshot, "\n")
	hasResp := strings.Contains(snapshot, geminiMarker) || strings.Contains(snapshot, geminiMarker2)
	idle := geminiIdleRe.MatchString(lastNonEmpty(lines))
	switch {
	case hasResp && idle:
		return StateCompleted
	case idle:
		return StateIdle
	}
	return StateProcessing
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func extractClaude(snapshot string) string {
	idx := strings.LastIndex(snapshot, claudeMarker)
	if idx < 0 {
		return ""
	}
	rest := snapshot[idx+len(claudeMarker):]
	lines := strings.Split(rest, "\n")
	out := lines[:1]
	for _, line := range lines[1:] {
		if isClaudePrompt(line) || claudeSepRe.MatchString(strings.TrimSpace(line)) {
			break
		}
		out = append(out, line)
	}
	return finishExtract(strings.Join(out, "\n"))
}

func extractCodex(snapshot string) string {
	lines := strings.Split(snapshot, "\n")
	start, startCol := -1, 0
	for i, line := range lines {
		if loc := codexRespRe.FindStringIndex(line); loc != nil {
			start, startCol = i, loc[1]
		}
	}
	if start < 0 {
		return ""
	}
	var out []string
	if first := strings.TrimSpace(lines[start][startCol:]); first != "" {
		out = append(out, first)
	}
	for _, line := range lines[start+1:] {
		if codexIdleRe.MatchString(line) || codexApprovalRe.MatchString(line) {
			break
		}
		out = append(out, line)
	}
	return finishExtract(strings.Join(out, "\n"))
}

func extractGemini(snapshot string) string {
	idx := strings.LastIndex(snapshot, geminiMarker)
	if j := strings.LastIndex(snapshot, geminiMarker2); j > idx {
		idx = j
	}
	if idx < 0 {
		return ""
	}
	rest := snapshot[idx+len(geminiMarker):]
	lines := strings.Split(rest, "\n")
	out := lines[:1]
	for _, line := range lines[1:] {
		if geminiIdleRe.MatchString(line) {
			break
		}
		out = append(out, line)
	}
	return finishExtract(strings.Join(out, "\n"))
}

func finishExtract(s string) string {
	return strings.TrimSpace(StripANSI(s))
}
