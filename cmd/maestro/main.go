// Maestro orchestration server: accepts task submissions over HTTP,
// schedules them onto registered agents, and streams progress to clients.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/agent/builtin"
	"github.com/maestro-run/maestro/pkg/api"
	"github.com/maestro-run/maestro/pkg/audit"
	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/cleanup"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/executor"
	"github.com/maestro-run/maestro/pkg/learning"
	"github.com/maestro-run/maestro/pkg/logging"
	"github.com/maestro-run/maestro/pkg/model"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/plugin"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/sched"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/taskctx"
	"github.com/maestro-run/maestro/pkg/tools"
	"github.com/maestro-run/maestro/pkg/version"
)

// builtinTools are granted to every registered agent at startup.
var builtinTools = []string{"clock", "math"}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("MAESTRO_CONFIG", "maestro.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Load .env next to the working directory, if present.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Install the process logger with the HTTP-visible ring
	logRing := logging.NewRing(cfg.Logging.Buffer)
	logger := logging.Setup(cfg.Logging.Level, logRing)
	logger.Info("Starting maestro",
		"version", version.Full(),
		"addr", cfg.Server.Addr,
		"config", *configPath)

	// 3. Open persistence and reduce the JSONL streams into memory
	var persist *store.Persister
	auditLog := audit.NewLog(0)
	replays := replay.NewStore(0)
	bus := events.NewBus()
	tasks := store.NewTaskStore(bus, nil, logger)
	if cfg.Persistence.Dir != "" {
		persist, err = store.NewPersister(cfg.Persistence.Dir)
		if err != nil {
			logger.Error("Failed to open persistence directory", "dir", cfg.Persistence.Dir, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := persist.Close(); err != nil {
				logger.Error("Error closing persistence", "error", err)
			}
		}()

		records, err := persist.LoadTasks()
		if err != nil {
			logger.Error("Failed to load task history", "error", err)
			os.Exit(1)
		}
		tasks = store.NewTaskStore(bus, persist, logger)
		tasks.Seed(records)

		auditEvents, err := persist.LoadAudit()
		if err != nil {
			logger.Error("Failed to load audit log", "error", err)
			os.Exit(1)
		}
		for _, evt := range auditEvents {
			auditLog.Record(evt)
		}
		replayEvents, err := persist.LoadReplay()
		if err != nil {
			logger.Error("Failed to load replay log", "error", err)
			os.Exit(1)
		}
		for _, evt := range replayEvents {
			replays.Append(evt)
		}
		auditLog.Attach(persist.AppendAudit)
		replays.Attach(persist.AppendReplay)
		logger.Info("Persistence loaded",
			"dir", cfg.Persistence.Dir,
			"tasks", len(records),
			"audit_events", len(auditEvents),
			"replay_events", len(replayEvents))
	}

	// 4. Start the WebSocket bridge
	connMgr := events.NewConnectionManager(bus, 10*time.Second)
	connMgr.Start(ctx)
	defer connMgr.Stop()

	// 5. Registries, tools, and the model adapter
	agents := agent.NewRegistry(logger)
	cancels := cancel.NewRegistry()
	contexts := taskctx.NewManager()

	toolMgr := tools.NewManager(auditLog, replays, bus, logger)
	if err := toolMgr.RegisterTool(tools.ClockTool{}); err != nil {
		logger.Error("Failed to register builtin tool", "error", err)
		os.Exit(1)
	}
	if err := toolMgr.RegisterTool(tools.MathTool{}); err != nil {
		logger.Error("Failed to register builtin tool", "error", err)
		os.Exit(1)
	}

	chain := model.NewChain(cfg.Models.Mode, providerConfigs(cfg.Models.Providers))
	adapter := model.NewEchoAdapter()
	if st := chain.Status(ctx); st.OK {
		logger.Info("Model provider reachable", "chain", st.Chain)
	} else {
		logger.Warn("No model provider reachable, using builtin adapter")
	}

	if err := builtin.RegisterDefaults(agents, adapter); err != nil {
		logger.Error("Failed to register builtin agents", "error", err)
		os.Exit(1)
	}

	// 6. Plugin discovery
	loader := plugin.NewLoader(agents, cfg.Plugins.Dir, logger)
	if cfg.Plugins.Dir != "" {
		loaded, err := loader.Scan()
		if err != nil {
			logger.Error("Plugin scan failed", "dir", cfg.Plugins.Dir, "error", err)
			os.Exit(1)
		}
		logger.Info("Plugins loaded", "count", len(loaded))
		if cfg.Plugins.Watch {
			if err := loader.Watch(ctx); err != nil {
				logger.Error("Failed to watch plugin directory", "error", err)
				os.Exit(1)
			}
			defer loader.Stop()
		}
	}

	// Grant the builtin tools to every registered agent.
	for _, id := range agents.IDs() {
		toolMgr.SetPermissions(id, builtinTools)
	}

	// 7. Scheduler, executor, and orchestrator
	scheduler := sched.New(agents, bus, logger)
	exec := executor.New(agents, contexts, bus, replays, toolMgr, logger)
	learn := learning.New(cfg.Learning.Capacity)
	orch := orchestrator.New(
		orchestrator.Config{
			MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
			DefaultTaskTimeout: cfg.Orchestrator.DefaultTaskTimeout.Std(),
		},
		agents, scheduler, exec, tasks, cancels, contexts, bus, learn, logger)
	orch.Start()

	sweeper := cleanup.NewService(tasks, replays, bus,
		cfg.Persistence.Retention.Std(), cfg.Persistence.SweepInterval.Std(), logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 8. HTTP server
	srv := api.NewServer(cfg.Server, api.Deps{
		Orchestrator: orch,
		Tasks:        tasks,
		Agents:       agents,
		Scheduler:    scheduler,
		Audit:        auditLog,
		Replays:      replays,
		Bus:          bus,
		ConnMgr:      connMgr,
		Chain:        chain,
		LogRing:      logRing,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("Maestro started",
		"agents", len(agents.IDs()),
		"max_concurrent_tasks", cfg.Orchestrator.MaxConcurrentTasks)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	// 10. Graceful shutdown: stop accepting requests, then drain workflows
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	orchCtx, orchCancel := context.WithTimeout(ctx, 30*time.Second)
	defer orchCancel()
	if err := orch.Stop(orchCtx); err != nil {
		logger.Warn("Workflows did not drain before timeout", "error", err)
	}

	logger.Info("Shutdown complete")
}

func providerConfigs(providers []config.ProviderConfig) []model.ProviderConfig {
	out := make([]model.ProviderConfig, 0, len(providers))
	for _, p := range providers {
		out = append(out, model.ProviderConfig{
			Name:       p.Name,
			BaseURL:    p.BaseURL,
			HealthPath: p.HealthPath,
		})
	}
	return out
}
