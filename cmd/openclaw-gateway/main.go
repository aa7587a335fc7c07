package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openclaw/openclaw/core/agent"
	"github.com/openclaw/openclaw/core/backup"
	"github.com/openclaw/openclaw/core/controlplane/gateway"
	"github.com/openclaw/openclaw/core/controlplane/scheduler"
	"github.com/openclaw/openclaw/core/infra/buildinfo"
	"github.com/openclaw/openclaw/core/infra/config"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/infra/metrics"
	"github.com/openclaw/openclaw/core/tenancy"
	"github.com/openclaw/openclaw/core/terminal"
	"github.com/openclaw/openclaw/core/usage"
)

func main() {
	buildinfo.Log("openclaw-gateway")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("gateway", "config load failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		logging.Error("gateway", "state dir create failed", "dir", cfg.StateDir, "error", err)
		os.Exit(1)
	}
	if cfg.ControlPlaneToken == "" {
		logging.Warn("gateway", "no control-plane token configured; internal API and admin scopes are disabled")
	}

	registry := tenancy.NewRegistry(cfg.StateDir)
	ledger := usage.NewLedger(cfg.StateDir)
	clients := gateway.NewClientRegistry()
	terminals := terminal.NewManager(terminal.SandboxSpawner{}, clients, ledger)

	runner := agent.NewOllamaRunner(cfg.Model.URL, cfg.Model.Name,
		time.Duration(cfg.Model.TimeoutSeconds)*time.Second)

	scheds := scheduler.NewSupervisor(registry, scheduler.Deps{
		Runner:       runner,
		Events:       clients,
		Ledger:       ledger,
		DefaultAgent: cfg.DefaultAgentID,
	}, cfg.SchedulerEnabled)

	var backups *backup.Orchestrator
	if cfg.ObjectStore.Endpoint != "" {
		store, err := backup.NewS3Store(cfg.ObjectStore)
		if err != nil {
			logging.Error("gateway", "object store init failed", "error", err)
			os.Exit(1)
		}
		backups = backup.NewOrchestrator(store, registry, cfg.ObjectStore.Prefix)
		logging.Info("gateway", "object store configured",
			"endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
	} else {
		logging.Warn("gateway", "no object store configured; backup operations unavailable")
	}

	collector := metrics.NewCollector(cfg.StateDir, metrics.Gauges{
		Tenants:     registry.Count,
		Connections: clients.Count,
		Terminals:   terminals.Count,
	})

	srv := gateway.NewServer(gateway.Options{
		Config:    *cfg,
		Registry:  registry,
		Ledger:    ledger,
		Terminals: terminals,
		Scheduler: scheds,
		Backups:   backups,
		Runner:    runner,
		Metrics:   metrics.NewGatewayProm("openclaw"),
		Collector: collector,
		Clients:   clients,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logging.Error("gateway", "server exited", "error", err)
		os.Exit(1)
	}
	logging.Info("gateway", "shutdown complete")
}
