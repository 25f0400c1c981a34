package pty

import "strings"

// buildCmdLine joins argv into a single CreateProcess command line.
// ConPTY takes a command line rather than an argv vector, so arguments
// must be re-quoted for CommandLineToArgvW on the other side.
func buildCmdLine(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = quoteArg(a)
	}
	return strings.Join(parts, " ")
}

// quoteArg applies the CommandLineToArgvW rules: a double quote is
// escaped with a backslash, a run of backslashes doubles only when it
// precedes a quote (including the closing quote), and the argument is
// wrapped in quotes only when it contains whitespace.
func quoteArg(a string) string {
	if a == "" {
		return `""`
	}
	hasSpecial := false
	hasSpace := false
	for i := 0; i < len(a); i++ {
		switch a[i] {
		case '"', '\\':
			hasSpecial = true
		case ' ', '\t':
			hasSpace = true
		}
	}
	if !hasSpecial {
		if hasSpace {
			return `"` + a + `"`
		}
		return a
	}

	var b strings.Builder
	if hasSpace {
		b.WriteByte('"')
	}
	slashes := 0
	for i := 0; i < len(a); i++ {
		c := a[i]
		switch c {
		case '\\':
			slashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, slashes+1))
			slashes = 0
		default:
			slashes = 0
		}
		b.WriteByte(c)
	}
	if hasSpace {
		b.WriteString(strings.Repeat(`\`, slashes))
		b.WriteByte('"')
	}
	return b.String()
}
