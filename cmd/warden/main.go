// Package main is the warden runtime: the orchestrator brain, its
// sub-agents and tools, the local dashboard, and the optional relay
// tunnel, all behind one serve command.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/brain"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/classify"
	"github.com/wardenlabs/warden/internal/comms"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/dashboard"
	"github.com/wardenlabs/warden/internal/escalate"
	"github.com/wardenlabs/warden/internal/killswitch"
	"github.com/wardenlabs/warden/internal/memory"
	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/internal/provider"
	"github.com/wardenlabs/warden/internal/tools/files"
	"github.com/wardenlabs/warden/internal/tools/shell"
	"github.com/wardenlabs/warden/internal/tools/web"
	"github.com/wardenlabs/warden/internal/tunnel"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "warden",
		Short:        "Warden - autonomous agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime",
		Long: `Start the agent runtime: model client, tool registry, orchestrator
brain, local dashboard, and (when configured) the relay tunnel.

Graceful shutdown on SIGINT/SIGTERM; a second signal aborts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "warden.yaml", "Path to the configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(log)
	log.Info("starting warden", "version", version, "config", configPath, "provider", cfg.Provider)

	metrics := observability.NewMetrics(nil)
	events := bus.New(cfg.EventHistory, metrics)
	kill := killswitch.New()

	client, err := buildModelClient(cfg, log, metrics)
	if err != nil {
		return err
	}
	model := brain.ProviderModel{Inner: client}

	registry, err := buildRegistry(cfg, log, metrics)
	if err != nil {
		return err
	}

	store, err := memory.NewStore(filepath.Join(cfg.StateDir, "memory"), log)
	if err != nil {
		return err
	}

	fastModel := cfg.FastModel
	if fastModel == "" {
		fastModel = cfg.HeavyModel
	}

	b, err := brain.New(brain.Deps{
		Client:     model,
		Planner:    classify.NewPlanner(client, fastModel, log),
		Config:     cfg,
		Events:     events,
		Kill:       kill,
		Memory:     store,
		Escalation: escalate.New(cfg.Reroute, events, log),
		Scratchpad: comms.NewScratchpad(),
		Handoffs:   comms.NewHandoffRegistry(),
		Registries: map[string]*agent.Registry{"default": registry},
		Log:        log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfgMu sync.Mutex
	if cfg.Dashboard.Enabled {
		dash := dashboard.New(dashboard.Deps{
			Config:  cfg.Dashboard,
			Events:  events,
			Tasks:   b,
			Stats:   b,
			Profile: store,
			Kill:    kill,
			SetConfig: func(key, value string) error {
				cfgMu.Lock()
				defer cfgMu.Unlock()
				return cfg.Set(key, value)
			},
			Metrics: metrics,
			Log:     log,
		})
		if err := dash.Start(); err != nil {
			return err
		}
		defer dash.Shutdown(context.Background())
	}

	if cfg.Relay.URL != "" {
		tun := tunnel.New(tunnel.Options{
			URL:   cfg.Relay.URL,
			Token: cfg.Relay.Token,
		}, events, b, kill, metrics, log)
		go tun.Run(ctx)
	}

	// Tasks arrive over the dashboard and tunnel; between them the main
	// goroutine idles on the configured poll cadence, re-read each cycle
	// so update_config takes effect.
	for {
		cfgMu.Lock()
		interval := cfg.PollInterval.Std()
		cfgMu.Unlock()
		if interval <= 0 {
			interval = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			kill.Trip("shutdown signal")
			log.Info("shutting down")
			return nil
		case <-time.After(interval):
			log.Debug("waiting for tasks")
		}
	}
}

func buildModelClient(cfg *config.Config, log *slog.Logger, metrics *observability.Metrics) (*provider.Client, error) {
	var p provider.Provider
	switch cfg.Provider {
	case "anthropic":
		p = provider.NewAnthropic(cfg.APIKey, cfg.HeavyModel, cfg.BaseURL)
	case "openai":
		p = provider.NewOpenAI(cfg.APIKey, cfg.HeavyModel, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	client := provider.NewClient(p, log, metrics)
	client.SetMaxAttempts(cfg.MaxRetries)
	return client, nil
}

// buildRegistry wires the default tool set. External collaborators (a
// browser driver, custom handlers) register on top of this.
func buildRegistry(cfg *config.Config, log *slog.Logger, metrics *observability.Metrics) (*agent.Registry, error) {
	registry := agent.NewRegistry(log, metrics)

	fileTools, err := files.New(cfg.Tools.WorkDir)
	if err != nil {
		return nil, err
	}
	if err := fileTools.Register(registry); err != nil {
		return nil, err
	}

	shellTools := shell.New(shell.Options{
		Timeout:            cfg.Tools.ShellTimeout.Std(),
		ConfirmDestructive: cfg.ConfirmDestructive,
		WorkDir:            cfg.Tools.WorkDir,
	})
	if err := shellTools.Register(registry); err != nil {
		return nil, err
	}

	if err := web.New(nil).Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
