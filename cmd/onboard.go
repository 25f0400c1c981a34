package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/agentcmd/agentcmd/internal/config"
)

func onboardCmd() *cobra.Command {
	var auto bool
	var agentFlag string
	c := &cobra.Command{
		Use:   "onboard",
		Short: "First-run setup: detect agent CLIs and write a config",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(auto, agentFlag)
		},
	}
	c.Flags().BoolVar(&auto, "auto", false, "skip prompts: first installed agent, current transport, default paths")
	c.Flags().StringVar(&agentFlag, "agent", "", "preselect the default agent (claude, gemini or codex)")
	return c
}

// agentProbe is one agent CLI's install state.
type agentProbe struct {
	key  string
	cmd  string // configured command line
	path string // resolved binary path, empty when not on PATH
}

func probeAgents(cfg *config.Config) []agentProbe {
	probes := make([]agentProbe, 0, len(config.AgentKeys))
	for _, key := range config.AgentKeys {
		cmdline, err := cfg.AgentCommand(key)
		if err != nil {
			continue
		}
		probe := agentProbe{key: key, cmd: cmdline}
		if fields := strings.Fields(cmdline); len(fields) > 0 {
			if path, lookErr := exec.LookPath(fields[0]); lookErr == nil {
				probe.path = path
			}
		}
		probes = append(probes, probe)
	}
	return probes
}

func firstInstalled(probes []agentProbe, fallback string) string {
	for _, p := range probes {
		if p.path != "" {
			return p.key
		}
	}
	return fallback
}

func runOnboard(auto bool, agentFlag string) {
	setupLogging()

	if agentFlag != "" && !config.ValidAgent(agentFlag) {
		fmt.Fprintf(os.Stderr, "unknown agent %q (want claude, gemini or codex)\n", agentFlag)
		os.Exit(1)
	}

	cfgPath := resolveConfigPath()

	// Loading first keeps a re-run from clobbering earlier choices.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}

	probes := probeAgents(cfg)
	fmt.Println("Detected agent CLIs:")
	for _, p := range probes {
		if p.path != "" {
			fmt.Printf("  %-8s %s\n", p.key+":", p.path)
		} else {
			fmt.Printf("  %-8s not found (configured: %s)\n", p.key+":", p.cmd)
		}
	}
	fmt.Println()

	defaultAgent := cfg.Agents.Default
	transport := cfg.Transport
	workspace := cfg.Agents.Workspace

	switch {
	case agentFlag != "":
		defaultAgent = agentFlag
	case auto:
		defaultAgent = firstInstalled(probes, defaultAgent)
	}

	if !auto {
		options := make([]huh.Option[string], 0, len(probes))
		for _, p := range probes {
			label := p.key
			if p.path == "" {
				label += " (not found)"
			}
			options = append(options, huh.NewOption(label, p.key))
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Default agent").
					Options(options...).
					Value(&defaultAgent),
				huh.NewSelect[string]().
					Title("Transport").
					Description("pty drives the installed CLIs; proxy speaks OpenAI-compatible HTTP").
					Options(
						huh.NewOption("pty", config.TransportPTY),
						huh.NewOption("proxy", config.TransportProxy),
					).
					Value(&transport),
				huh.NewInput().
					Title("Workspace").
					Description("default working directory for agent sessions").
					Value(&workspace),
			),
		)
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "onboarding aborted: %s\n", err)
			os.Exit(1)
		}
	}

	cfg.Agents.Default = defaultAgent
	cfg.Transport = transport
	cfg.Agents.Workspace = workspace

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  agentcmd            start the gateway")
	fmt.Println("  agentcmd status     check agents and gateway health")
}
