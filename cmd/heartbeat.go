package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcmd/agentcmd/internal/agent"
	"github.com/agentcmd/agentcmd/internal/bus"
	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/cron"
	"github.com/agentcmd/agentcmd/internal/prompt"
	"github.com/agentcmd/agentcmd/internal/proxy"
	"github.com/agentcmd/agentcmd/internal/store"
	"github.com/agentcmd/agentcmd/internal/tools"
)

func heartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Fire all due cron jobs once and exit",
		Long: "Runs a single scheduler pass for OS-level timers (launchd, systemd, cron):\n" +
			"every enabled job whose expression matches the current minute fires one turn.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runHeartbeat(); err != nil {
				slog.Error("heartbeat.failed", "error", err)
				os.Exit(1)
			}
		},
	}
}

func runHeartbeat() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appDir := config.AppDir()

	sched, err := cron.NewScheduler(filepath.Join(appDir, "cron", "jobs.json"))
	if err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}

	sessions, err := store.OpenSessions(filepath.Join(appDir, "sessions"))
	if err != nil {
		return fmt.Errorf("open sessions: %w", err)
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}

	var transport agent.Transport
	if cfg.Transport == config.TransportProxy {
		transport = agent.NewProxyTransport(proxy.NewClient(cfg.Proxy, tools.NewRegistry()))
	} else {
		transport = agent.NewPTYTransport(cfg)
	}

	msgBus := bus.New()
	loop := agent.NewLoop(agent.Config{
		Bus:          msgBus,
		Transport:    transport,
		Sessions:     sessions,
		Prompt:       prompt.NewBuilder(prompt.Config{Workspace: workspace, HistoryLimit: cfg.Agents.HistoryLimit}),
		DefaultAgent: cfg.Agents.Default,
		Workspace:    workspace,
		TurnTimeout:  time.Duration(cfg.Agents.TurnTimeoutSec) * time.Second,
	})

	outs := make(chan bus.OutboundMessage, 64)
	msgBus.SubscribeOutbound("heartbeat", func(m bus.OutboundMessage) { outs <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()
	go msgBus.DispatchOutbound(ctx)

	sched.SetOnJob(makeCronJobHandler(msgBus))
	fired := sched.RunPass(time.Now())
	if fired == 0 {
		slog.Info("heartbeat.no_due_jobs")
		cancel()
		<-loopDone
		return nil
	}
	slog.Info("heartbeat.jobs_fired", "count", fired)

	// Every fired job produces exactly one outbound reply, error
	// reports included. Wait for all of them before tearing down.
	turnBudget := time.Duration(cfg.Agents.TurnTimeoutSec)*time.Second + 30*time.Second
	deadline := time.NewTimer(time.Duration(fired) * turnBudget)
	defer deadline.Stop()

	for done := 0; done < fired; {
		select {
		case <-outs:
			done++
		case <-deadline.C:
			cancel()
			<-loopDone
			return fmt.Errorf("timed out after %d/%d jobs", done, fired)
		}
	}

	cancel()
	<-loopDone
	sessions.Save()
	slog.Info("heartbeat.done", "jobs", fired)
	return nil
}
