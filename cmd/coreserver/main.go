// Package main is the coreserver process entry point: an agent gateway
// that accepts WebSocket connections, runs the agent turn loop per
// connection, and exposes Prometheus metrics. The CLI is a cobra root
// command plus a long-running "serve" subcommand.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/iiagent/coreserver/internal/backoff"
	"github.com/iiagent/coreserver/internal/config"
	"github.com/iiagent/coreserver/internal/connection"
	"github.com/iiagent/coreserver/internal/credits"
	"github.com/iiagent/coreserver/internal/eventstore"
	"github.com/iiagent/coreserver/internal/observability"
	"github.com/iiagent/coreserver/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "coreserver",
		Short:   "Agent WebSocket gateway",
		Version: version + " (" + commit + ")",
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CORESERVER_CONFIG"), "path to a YAML config file (optional)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway and metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	return root
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	var exporter sdktrace.SpanExporter
	sampleRatio := 0.0
	if cfg.Tracing.Enabled {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		sampleRatio = cfg.Tracing.SampleRatio
		if sampleRatio <= 0 {
			sampleRatio = 1
		}
	}
	shutdownTracing, err := observability.NewTracerProvider(context.Background(), observability.TracingConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    exporter,
		SampleRatio: sampleRatio,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	var store eventstore.Store
	switch cfg.Storage.Driver {
	case "postgres":
		store, err = eventstore.OpenPostgres(cfg.Storage.DSN, log)
	default:
		store, err = eventstore.OpenSQLite(cfg.Storage.DSN, log)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	alloc, err := workspace.NewAllocator(cfg.Workspace.Root)
	if err != nil {
		return err
	}

	var ledger *credits.Ledger
	if sqlBacked, ok := store.(eventstore.SQLBacked); ok {
		ledger = credits.NewLedger(sqlBacked.DB(), sqlBacked.DialectName(), log)
	} else {
		log.Warn(context.Background(), "event store is not SQL-backed; Pro credit tracking is disabled")
	}

	providers, err := buildProviderSet(cfg.Providers, log)
	if err != nil {
		return err
	}

	policy := backoff.DefaultPolicy()
	if cfg.Providers.Backoff.TestMode {
		policy = backoff.TestModePolicy()
	}
	if cfg.Providers.Backoff.BaseMillis > 0 {
		policy.InitialMs = float64(cfg.Providers.Backoff.BaseMillis)
	}

	factory := &runtimeFactory{
		providers:  providers,
		ledger:     ledger,
		log:        log,
		metrics:    metrics,
		policy:     policy,
		budgets:    cfg.Budgets,
		proCredits: cfg.ProCredits,
		maxRetries: cfg.Providers.MaxRetries,
		classOf:    modelClassOf(cfg.Providers),
	}

	manager := connection.NewManager(store, alloc, factory, log, metrics, cfg.Server.MaxConcurrentConnections)
	defer manager.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", manager.ServeWS)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info(context.Background(), "coreserver listening", "addr", cfg.Server.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
