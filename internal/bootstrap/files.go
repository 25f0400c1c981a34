// Package bootstrap seeds and names the well-known workspace files the
// prompt builder injects into every turn.
package bootstrap

// Well-known workspace files, in prompt injection order.
const (
	AgentsFile   = "AGENTS.md"
	SoulFile     = "SOUL.md"
	UserFile     = "USER.md"
	ToolsFile    = "TOOLS.md"
	IdentityFile = "IDENTITY.md"
)

// Files returns the injection order of the workspace files.
func Files() []string {
	return []string{AgentsFile, SoulFile, UserFile, ToolsFile, IdentityFile}
}
