// Package term recovers structured text from the rendered screens of
// interactive agent CLIs: a vt10x-backed screen model, per-agent marker
// parsing, and a chat-surface noise filter.
package term

import (
	"strings"
	"unicode/utf8"
)

// StripANSI removes ANSI escape sequences (CSI, OSC, DCS, two-byte
// escapes) and residual C0/C1 control characters. Newline and tab
// survive; carriage returns do not.
func StripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		c := s[i]
		if c == 0x1b {
			i = skipEscape(s, i)
			continue
		}
		if c < utf8.RuneSelf {
			if c == '\n' || c == '\t' || (c >= 0x20 && c != 0x7f) {
				b.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r >= 0x80 && r <= 0x9f {
			// C1 controls decoded from UTF-8.
			i += size
			continue
		}
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// skipEscape returns the index just past the escape sequence that starts
// at s[i] (an ESC byte).
func skipEscape(s string, i int) int {
	i++
	if i >= len(s) {
		return i
	}
	switch s[i] {
	case '[':
		// CSI: parameter and intermediate bytes, then a final in 0x40..0x7e.
		i++
		for i < len(s) {
			c := s[i]
			i++
			if c >= 0x40 && c <= 0x7e {
				break
			}
		}
		return i
	case ']':
		// OSC: terminated by BEL or ST.
		i++
		for i < len(s) {
			if s[i] == 0x07 {
				return i + 1
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2
			}
			i++
		}
		return i
	case 'P', 'X', '^', '_':
		// DCS, SOS, PM, APC: terminated by ST.
		i++
		for i < len(s) {
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2
			}
			i++
		}
		return i
	default:
		// Two-byte escapes, optionally with intermediates 0x20..0x2f.
		for i < len(s) && s[i] >= 0x20 && s[i] <= 0x2f {
			i++
		}
		if i < len(s) {
			i++
		}
		return i
	}
}
