package term

import (
	"regexp"
	"strings"
)

// Chat-surface noise patterns. Suppression applies line by line and
// only outside triple-backtick fences.
var (
	progressBarRe = regexp.MustCompile(`^[\s\[\]()|]*[█▉▊▋▌▍▎▏▇▆▅▄▃▂▁▓▒░#=>\-]{5,}[\s\[\]()|0-9.%]*$`)
	statusBarRe   = regexp.MustCompile(`(?i)\b(claude|sonnet|opus|haiku|gemini|flash|gpt|codex)[\w.-]*\b.*\b\d+(\.\d+)?\s*(%|k?\s?tokens?|tok/s|[kmg]b)\b`)
	contextLeftRe = regexp.MustCompile(`(?i)\d+\s*%\s+context\s+left`)
	pastedRe      = regexp.MustCompile(`(?i)^\s*\[?\s*pasted content\s+\d+\s+chars`)
)

var hintPhrases = []string{
	"type your message",
	"press enter",
	"esc to interrupt",
	"ctrl+c to",
	"? for shortcuts",
	"shift+tab to",
	"enter to send",
}

var trustPhrases = []string{
	"trust the files in this folder",
	"trust this folder",
	"yes, proceed",
	"no, exit",
}

// CleanChat strips TUI chrome from extracted agent output. Inside code
// fences nothing is filtered; trailing blank lines are removed. The
// function is idempotent.
func CleanChat(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		if isNoiseLine(line) {
			continue
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// IsNoiseBlock reports whether an entire block is TUI chrome; the PTY
// provider uses it to discard inter-response repaints.
func IsNoiseBlock(text string) bool {
	return strings.TrimSpace(CleanChat(text)) == ""
}

func isNoiseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	if isBoxDrawingOnly(trimmed) || startsWithBraille(trimmed) || isBlockArt(trimmed) {
		return true
	}
	if progressBarRe.MatchString(trimmed) || statusBarRe.MatchString(line) {
		return true
	}
	if pastedRe.MatchString(line) || contextLeftRe.MatchString(line) {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, p := range hintPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range trustPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	// Gemini /auth banner.
	if strings.Contains(lower, "/auth") {
		return true
	}
	return false
}

// isBoxDrawingOnly reports whether every non-space rune sits in the
// box-drawing block U+2500..U+257F.
func isBoxDrawingOnly(s string) bool {
	seen := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		if r < 0x2500 || r > 0x257f {
			return false
		}
		seen = true
	}
	return seen
}

// startsWithBraille reports whether the first non-space rune is in the
// Braille block U+2800..U+28FF (the spinner glyph alphabet).
func startsWithBraille(s string) bool {
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		return r >= 0x2800 && r <= 0x28ff
	}
	return false
}

// isBlockArt reports whether the line carries banner art from the block
// elements range U+2580..U+259F (three or more cells).
func isBlockArt(s string) bool {
	n := 0
	for _, r := range s {
		if r >= 0x2580 && r <= 0x259f {
			n++
			if n >= 3 {
				return true
			}
		}
	}
	return false
}
