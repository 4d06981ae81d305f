// Package main is the relay binary: the remote rendezvous a warden
// runtime dials into so dashboards can reach it from anywhere.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/observability"
	"github.com/wardenlabs/warden/internal/relay"
)

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
		Use:          "warden-relay",
		Short:        "Relay server bridging a warden runtime and remote dashboards",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			return run(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "warden.yaml", "Path to the configuration file")
	serve.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides relay.listen)")
	return serve
}

func run(ctx context.Context, cfg *config.Config) error {
	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	slog.SetDefault(log)

	if cfg.Relay.Token == "" {
		return fmt.Errorf("relay.token must be set")
	}
	if cfg.Relay.JWTSecret == "" {
		return fmt.Errorf("relay.jwt_secret must be set")
	}

	metrics := observability.NewMetrics(nil)
	server := relay.New(cfg.Relay, metrics, log)

	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.Relay.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
