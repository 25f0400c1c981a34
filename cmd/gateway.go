package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentcmd/agentcmd/internal/agent"
	"github.com/agentcmd/agentcmd/internal/bootstrap"
	"github.com/agentcmd/agentcmd/internal/bus"
	"github.com/agentcmd/agentcmd/internal/config"
	"github.com/agentcmd/agentcmd/internal/cron"
	"github.com/agentcmd/agentcmd/internal/gateway"
	"github.com/agentcmd/agentcmd/internal/mcp"
	"github.com/agentcmd/agentcmd/internal/memory"
	"github.com/agentcmd/agentcmd/internal/prompt"
	"github.com/agentcmd/agentcmd/internal/proxy"
	"github.com/agentcmd/agentcmd/internal/store"
	"github.com/agentcmd/agentcmd/internal/telemetry"
	"github.com/agentcmd/agentcmd/internal/tools"
	"github.com/agentcmd/agentcmd/pkg/protocol"
)

func gatewayCmd() *cobra.Command {
	var agentOverride string
	c := &cobra.Command{
		Use:   "gateway",
		Short: "Run the orchestrator gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway(agentOverride)
		},
	}
	c.Flags().StringVar(&agentOverride, "agent", "", "default agent for this run (claude, gemini or codex)")
	return c
}

func runGateway(agentOverride string) {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		slog.Info("config.defaults_in_use", "path", cfgPath, "hint", "run 'agentcmd onboard' to create a config")
	}

	if agentOverride != "" {
		if !config.ValidAgent(agentOverride) {
			slog.Error("config.unknown_agent", "agent", agentOverride)
			os.Exit(1)
		}
		cfg.Agents.Default = agentOverride
	}
	if !config.ValidAgent(cfg.Agents.Default) {
		slog.Error("config.unknown_agent", "agent", cfg.Agents.Default)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry.init_failed", "error", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	// Workspace must be absolute: tool path checks and PTY working
	// directories resolve against it.
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0755)

	if seeded, seedErr := bootstrap.EnsureWorkspaceFiles(workspace); seedErr != nil {
		slog.Warn("bootstrap.seed_failed", "error", seedErr)
	} else if len(seeded) > 0 {
		slog.Info("bootstrap.seeded", "files", seeded)
	}

	appDir := config.AppDir()

	sessions, err := store.OpenSessions(filepath.Join(appDir, "sessions"))
	if err != nil {
		slog.Error("store.open_failed", "error", err)
		os.Exit(1)
	}

	entities, err := store.OpenEntities(appDir)
	if err != nil {
		slog.Warn("store.entities_unavailable", "error", err)
		entities = nil
	} else {
		defer entities.Close()
	}

	mem, err := memory.Open(filepath.Join(appDir, "memory.db"))
	if err != nil {
		slog.Warn("memory.open_failed", "error", err)
		mem = nil
	} else {
		defer mem.Close()
	}

	toolsReg := tools.NewRegistry()
	toolsReg.SetMaxOutput(cfg.Tools.MaxOutputKB * 1024)
	toolsReg.Register(tools.NewReadFileTool(workspace, false))
	toolsReg.Register(tools.NewWriteFileTool(workspace, false))
	toolsReg.Register(tools.NewListDirTool(workspace, false))
	toolsReg.Register(tools.NewExecTool(workspace, time.Duration(cfg.Tools.ShellTimeoutSec)*time.Second))
	toolsReg.Register(tools.NewWebFetchTool(time.Duration(cfg.Tools.FetchTimeoutSec) * time.Second))
	if mem != nil {
		toolsReg.Register(tools.NewMemoryStoreTool(mem))
		toolsReg.Register(tools.NewMemorySearchTool(mem))
	}
	if entities != nil {
		toolsReg.Register(tools.NewSendEmailTool(entities))
	}

	var mcpMgr *mcp.Manager
	if len(cfg.McpServers) > 0 {
		mcpMgr = mcp.NewManager(toolsReg, cfg.McpServers)
		if mcpErr := mcpMgr.Start(ctx); mcpErr != nil {
			slog.Warn("mcp.startup_errors", "error", mcpErr)
		}
		defer mcpMgr.Stop()
		slog.Info("mcp.initialized", "servers", len(cfg.McpServers), "tools", len(mcpMgr.ToolNames()))
	}

	msgBus := bus.New()

	var transport agent.Transport
	var supervisor *proxy.Supervisor
	if cfg.Transport == config.TransportProxy {
		if cfg.Proxy.Autostart {
			supervisor = proxy.NewSupervisor(cfg.Proxy)
			if supErr := supervisor.Start(ctx, 0, false, false); supErr != nil {
				slog.Warn("proxy.autostart_failed", "error", supErr)
			}
		}
		transport = agent.NewProxyTransport(proxy.NewClient(cfg.Proxy, toolsReg))
	} else {
		transport = agent.NewPTYTransport(cfg)
	}

	// Interface fields must stay nil when the backing store is absent.
	var memSource prompt.MemorySource
	if mem != nil {
		memSource = mem
	}
	var skillSource prompt.SkillSource
	if entities != nil {
		skillSource = entities
	}
	builder := prompt.NewBuilder(prompt.Config{
		Workspace:    workspace,
		HistoryLimit: cfg.Agents.HistoryLimit,
		Memory:       memSource,
		Skills:       skillSource,
	})

	loop := agent.NewLoop(agent.Config{
		Bus:          msgBus,
		Transport:    transport,
		Sessions:     sessions,
		Prompt:       builder,
		DefaultAgent: cfg.Agents.Default,
		Workspace:    workspace,
		TurnTimeout:  time.Duration(cfg.Agents.TurnTimeoutSec) * time.Second,
	})

	var sched *cron.Scheduler
	if cfg.Cron.IsEnabled() {
		sched, err = cron.NewScheduler(filepath.Join(appDir, "cron", "jobs.json"))
		if err != nil {
			slog.Warn("cron.open_failed", "error", err)
		} else {
			// Startup reconciliation: drop jobs whose target session
			// is gone or no longer in schedule mode.
			known := make(map[string]bool)
			for _, sess := range sessions.List() {
				if sess.Mode == store.ModeSchedule {
					known[sess.ID] = true
				}
			}
			if n := sched.PurgeOrphanJobs(known); n > 0 {
				slog.Info("cron.orphans_purged", "count", n)
			}
			sched.SetOnJob(makeCronJobHandler(msgBus))
			sched.Start(ctx)
			defer sched.Stop()
		}
	}

	server := gateway.NewServer(cfg, msgBus, sessions)
	loop.SetSink(server)

	slog.Info("gateway.ready",
		"version", Version,
		"protocol", protocol.Version,
		"transport", cfg.Transport,
		"agent", cfg.Agents.Default,
		"workspace", workspace,
		"tools", len(toolsReg.List()),
	)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loop.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		msgBus.DispatchOutbound(runCtx)
		return nil
	})
	g.Go(func() error {
		return server.Start(runCtx)
	})

	err = g.Wait()

	// Shutdown: the loop and dispatcher exited on cancel, the cron
	// ticker stops via its deferred Stop, then a final session flush.
	// Stopping the bus unblocks any continuation still waiting to
	// publish.
	msgBus.Stop()
	sessions.Save()
	if supervisor != nil {
		supervisor.Stop(false)
	}

	if err != nil {
		slog.Error("gateway.run_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway.stopped")
}

// makeCronJobHandler converts a due job into a synthetic user turn.
// The job payload's channel field carries the target session id.
func makeCronJobHandler(msgBus *bus.MessageBus) cron.OnJob {
	return func(job cron.Job) error {
		ok := msgBus.PublishInbound(bus.InboundMessage{
			Channel:  "gui",
			SenderID: "system",
			ChatID:   job.Payload.Channel,
			Content:  job.Payload.Message,
		})
		if !ok {
			return fmt.Errorf("message bus is stopped")
		}
		return nil
	}
}
