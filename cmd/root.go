package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/agentcmd/agentcmd/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "agentcmd",
	Short: "Coding agent orchestrator for claude, gemini and codex",
	Long: "agentcmd drives claude, gemini and codex CLI sessions behind one local gateway:\n" +
		"PTY or proxy transport, loop mode, cron schedules and a WebSocket bridge for GUIs.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway("")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.agentcmd/config.json5 or $AGENTCMD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(proxyCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentcmd %s (protocol %d)\n", Version, protocol.Version)
		},
	}
}

// setupLogging installs the process-wide slog handler. Logs go to
// stderr so command output on stdout stays script-friendly.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("AGENTCMD_CONFIG"); v != "" {
		return v
	}
	return config.DefaultConfigPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
