package term

import "testing"

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"sgr", "\x1b[1;31mbold red\x1b[0m", "bold red"},
		{"cursor moves", "a\x1b[2Jb\x1b[Hc", "abc"},
		{"osc title", "\x1b]0;window title\x07text", "text"},
		{"dcs", "\x1bPq#0;2;0;0;0\x1b\\after", "after"},
		{"keeps newline and tab", "a\tb\nc", "a\tb\nc"},
		{"drops carriage return", "spin\rdone", "spindone"},
		{"drops c0", "a\x08b\x07c", "abc"},
		{"utf8 passthrough", "⏺ 日本語 ✦", "⏺ 日本語 ✦"},
		{"truncated escape", "tail\x1b", "tail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.in); got != tt.want {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
