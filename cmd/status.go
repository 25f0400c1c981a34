package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/gateway"
	"github.com/agentcmd/agentcmd/internal/proxy"
	"github.com/agentcmd/agentcmd/internal/store"
	"github.com/agentcmd/agentcmd/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, agents, gateway and proxy health",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	fmt.Println("agentcmd status")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	fmt.Printf("  Transport: %s\n", cfg.Transport)
	fmt.Printf("  Default agent: %s\n", cfg.Agents.Default)

	fmt.Println()
	fmt.Println("  Agents:")
	for _, p := range probeAgents(cfg) {
		if p.path != "" {
			fmt.Printf("    %-8s %s\n", p.key+":", p.path)
		} else {
			fmt.Printf("    %-8s NOT FOUND (configured: %s)\n", p.key+":", p.cmd)
		}
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	checkGateway(cfg)

	if cfg.Transport == config.TransportProxy {
		fmt.Println()
		fmt.Println("  Proxy:")
		checkProxy(cfg)
	}

	fmt.Println()
	fmt.Println("Status check complete.")
}

// checkGateway dials the running gateway over its WebSocket control
// endpoint and reports the session index.
func checkGateway(cfg *config.Config) {
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cc, err := gateway.Dial(ctx, "ws://"+addr+"/ws", cfg.Gateway.Token)
	if err != nil {
		fmt.Printf("    %-12s not running\n", addr+":")
		return
	}
	defer cc.Close()

	sessions, err := cc.ListSessions(ctx)
	if err != nil {
		fmt.Printf("    %-12s connected, session query failed (%s)\n", addr+":", err)
		return
	}

	looping := 0
	for _, s := range sessions {
		if s.LoopStatus == string(store.LoopRunning) {
			looping++
		}
	}
	fmt.Printf("    %-12s running, %d sessions (%d in active loops)\n", addr+":", len(sessions), looping)
}

// checkProxy probes the CLI proxy's model list and per-provider auth.
func checkProxy(cfg *config.Config) {
	sup := proxy.NewSupervisor(cfg.Proxy)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	models, err := sup.HealthCheck(ctx)
	if err != nil {
		fmt.Printf("    %-12s unreachable (%s)\n", cfg.Proxy.BaseURL+":", err)
		return
	}
	fmt.Printf("    %-12s healthy, %d models\n", cfg.Proxy.BaseURL+":", len(models))

	buckets := sup.ProviderStatus(ctx)
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		status := "no credentials"
		if buckets[k] {
			status = "authenticated"
		}
		fmt.Printf("    %-12s %s\n", k+":", status)
	}
}
