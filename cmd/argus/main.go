// Package main is the entry point for the argus proxy.
//
// Argus sits between an application and its LLM providers, observes
// every request unmodified, reconstructs sessions and agents from the
// stateless traffic, and runs behavioral and security analysis over
// completed sessions.
//
// Start the proxy:
//
//	argus serve --config argus.yaml
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/argus/internal/analysis"
	"github.com/haasonsaas/argus/internal/config"
	"github.com/haasonsaas/argus/internal/mcp"
	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/pricing"
	"github.com/haasonsaas/argus/internal/proxy"
	"github.com/haasonsaas/argus/internal/resolver"
	"github.com/haasonsaas/argus/internal/store"
	"github.com/haasonsaas/argus/internal/web"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "argus",
		Short:   "Intercepting observability proxy for LLM APIs",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "argus %s\ncommit: %s\nbuilt:  %s\n", version, commit, date)
		},
	}
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy, analysis workers and dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("ARGUS_CONFIG"), "Path to configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	st, err := store.Open(store.Options{
		Mode:             cfg.Storage.Mode,
		Path:             cfg.Storage.DBPath,
		MaxEvents:        cfg.Storage.MaxEvents,
		RetentionMinutes: cfg.Storage.RetentionMinutes,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	res := resolver.New(resolver.Options{
		MaxSessions: cfg.Sessions.MaxSessions,
		TTL:         time.Duration(cfg.Sessions.TTLSeconds) * time.Second,
		Metrics:     metrics,
	})

	runner := analysis.NewRunner(st, logger, metrics, cfg.Analysis.MinSessions, cfg.Analysis.SimilarityTau)
	monitor := analysis.NewMonitor(st, runner, logger,
		time.Duration(cfg.Analysis.MonitorIntervalS)*time.Second,
		time.Duration(cfg.Sessions.CompletionTimeoutSeconds)*time.Second)

	prices := pricing.New(pricing.Options{
		URL:       cfg.Pricing.URL,
		CachePath: cfg.Pricing.CachePath,
		Logger:    logger,
	})
	prices.StartRefresh()
	defer prices.Stop()

	px, err := proxy.New(proxy.Options{
		OpenAIBase:    cfg.Upstream.OpenAI,
		AnthropicBase: cfg.Upstream.Anthropic,
		Store:         st,
		Resolver:      res,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}

	api := web.NewServer(web.Options{
		Store:         st,
		Resolver:      res,
		Pricing:       prices,
		Logger:        logger,
		Gatherer:      registry,
		MinSessions:   cfg.Analysis.MinSessions,
		ReplayTimeout: time.Duration(cfg.Upstream.ReplayTimeoutSeconds) * time.Second,
		OpenAIBase:    cfg.Upstream.OpenAI,
		AnthropicBase: cfg.Upstream.Anthropic,
	})
	tools := mcp.NewServer(mcp.Options{Store: st, Logger: logger, Version: version})

	mux := http.NewServeMux()
	px.Register(mux)
	api.Register(mux)
	tools.Register(mux)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.RecoverAtStartup(); err != nil {
		logger.Warn(ctx, "startup analysis recovery failed", "error", err)
	}
	go monitor.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
		// No write timeout: streamed completions hold the response open.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "argus listening",
			"addr", addr,
			"version", version,
			"storage_mode", cfg.Storage.Mode,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "server shutdown", "error", err)
	}
	runner.Wait()
	return nil
}
