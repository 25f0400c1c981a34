package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/proxy"
)

func proxyCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the CLI proxy that fronts agent subscription auth",
	}
	c.AddCommand(proxyStartCmd())
	c.AddCommand(proxyStopCmd())
	c.AddCommand(proxyRestartCmd())
	c.AddCommand(proxyStatusCmd())
	c.AddCommand(proxyLoginCmd())
	c.AddCommand(proxyLogoutCmd())
	return c
}

// loadProxyConfig loads the config and builds a supervisor for the
// proxy subcommands.
func loadProxyConfig() (*config.Config, *proxy.Supervisor) {
	setupLogging()
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	return cfg, proxy.NewSupervisor(cfg.Proxy)
}

func proxyStartCmd() *cobra.Command {
	var timeoutSec int
	var force, takeover bool
	c := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy, or attach to a healthy one",
		Run: func(cmd *cobra.Command, args []string) {
			_, sup := loadProxyConfig()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sup.Start(ctx, time.Duration(timeoutSec)*time.Second, force, takeover); err != nil {
				fmt.Fprintf(os.Stderr, "proxy start: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("proxy %s\n", sup.RuntimeState())
		},
	}
	c.Flags().IntVar(&timeoutSec, "timeout", 30, "seconds to wait for the proxy to become healthy")
	c.Flags().BoolVar(&force, "force", false, "stop our managed proxy before starting")
	c.Flags().BoolVar(&takeover, "takeover", false, "kill whatever process owns the proxy port first")
	return c
}

func proxyStopCmd() *cobra.Command {
	var force bool
	c := &cobra.Command{
		Use:   "stop",
		Short: "Stop the managed proxy",
		Run: func(cmd *cobra.Command, args []string) {
			_, sup := loadProxyConfig()
			sup.Stop(force)
			fmt.Printf("proxy %s\n", sup.RuntimeState())
		},
	}
	c.Flags().BoolVar(&force, "force", false, "also kill whatever process owns the proxy port")
	return c
}

func proxyRestartCmd() *cobra.Command {
	var timeoutSec int
	var force bool
	c := &cobra.Command{
		Use:   "restart",
		Short: "Restart the proxy",
		Run: func(cmd *cobra.Command, args []string) {
			_, sup := loadProxyConfig()
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sup.Restart(ctx, time.Duration(timeoutSec)*time.Second, force); err != nil {
				fmt.Fprintf(os.Stderr, "proxy restart: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("proxy %s\n", sup.RuntimeState())
		},
	}
	c.Flags().IntVar(&timeoutSec, "timeout", 30, "seconds to wait for the proxy to become healthy")
	c.Flags().BoolVar(&force, "force", false, "also kill whatever process owns the proxy port")
	return c
}

func proxyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report proxy health and per-provider auth",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, sup := loadProxyConfig()
			fmt.Printf("  State:    %s\n", sup.RuntimeState())
			checkProxy(cfg)
		},
	}
}

func proxyLoginCmd() *cobra.Command {
	var noInput bool
	c := &cobra.Command{
		Use:   "login <claude|gemini|codex>",
		Short: "Run the provider's interactive login through the proxy binary",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			if !config.ValidAgent(key) {
				fmt.Fprintf(os.Stderr, "unknown agent %q (want claude, gemini or codex)\n", key)
				os.Exit(1)
			}
			_, sup := loadProxyConfig()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := proxy.LoginOptions{
				ForwardStdin: !noInput,
				OnOutput:     func(line string) { fmt.Println(line) },
				OnURL: func(url string) {
					fmt.Printf("\nOpen this URL to authorize %s:\n  %s\n\n", key, url)
				},
			}
			if err := sup.RunLogin(ctx, key, opts); err != nil {
				fmt.Fprintf(os.Stderr, "login failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s login complete\n", key)
		},
	}
	c.Flags().BoolVar(&noInput, "no-input", false, "do not forward stdin to the login process")
	return c
}

func proxyLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <claude|gemini|codex>",
		Short: "Delete the provider's token files from the proxy auth dir",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			_, sup := loadProxyConfig()

			removed, err := sup.DisconnectProvider(key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logout failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s disconnected (%d token files removed)\n", key, removed)
		},
	}
}
