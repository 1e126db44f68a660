// Command runforged is the long-running control plane: HTTP API, run
// registry with durable sidecar, execution history, alert evaluation and
// the cron scheduler. It shuts down gracefully on SIGINT/SIGTERM, cancelling
// active runs and flushing telemetry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/api"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/history"
	"github.com/runforge/runforge/internal/logging"
	"github.com/runforge/runforge/internal/otelinit"
	"github.com/runforge/runforge/internal/runs"
	"github.com/runforge/runforge/internal/sched"
)

func main() {
	listen := flag.String("listen", ":8099", "HTTP listen address")
	configPath := flag.String("config", "", "configuration file (YAML or JSON)")
	uploadsDir := flag.String("uploads-dir", "uploads", "directory for uploaded scripts")
	scheduleDB := flag.String("schedule-db", "runforge_schedule.db", "scheduled-task database path")
	workers := flag.Int("workers", 8, "concurrent run workers")
	flag.Parse()

	log := logging.Init("runforged")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelinit.InitTracer(ctx, "runforged")
	shutdownMetrics := otelinit.InitMetrics(ctx, "runforged")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	historyPath := envOr("HISTORY_DB_PATH", "runforge_history.db")
	store, err := history.Open(historyPath, nil)
	if err != nil {
		log.Error("open history db", "path", historyPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runPath := envOr("RUN_DB_PATH", "runforge_runs.db")
	sidecar, err := runs.OpenSidecar(runPath, nil)
	if err != nil {
		log.Error("open run db", "path", runPath, "error", err)
		os.Exit(1)
	}
	defer sidecar.Close()

	allowRoot := os.Getenv("ALLOWED_SCRIPT_ROOT")

	registry, err := runs.NewRegistry(runs.Config{
		AllowRoot: allowRoot,
		Workers:   *workers,
		Retry:     cfg.RetryPolicy(),
		Store:     sidecar,
		History:   store,
		Alerts:    buildEvaluator(cfg),
	})
	if err != nil {
		log.Error("build run registry", "error", err)
		os.Exit(1)
	}

	scheduler, err := sched.Open(*scheduleDB, registry, sched.DefaultTickInterval, nil, log)
	if err != nil {
		log.Error("open scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Close()
	go scheduler.Run(ctx)

	server := api.NewServer(api.ServerConfig{
		Registry:   registry,
		History:    store,
		UploadsDir: *uploadsDir,
		AllowRoot:  allowRoot,
		Log:        log,
	})
	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control plane listening", "addr", *listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	registry.Close()

	otelinit.Flush(shutdownCtx, shutdownTracer)
	otelinit.Flush(shutdownCtx, shutdownMetrics)
	log.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildEvaluator wires the configured alert rules and notification sinks.
// Returns nil when no rules are configured.
func buildEvaluator(cfg *config.Config) *alerts.Evaluator {
	if len(cfg.Alerts) == 0 {
		return nil
	}
	sinks := []alerts.Sink{&alerts.StdoutSink{}}
	if url := cfg.Notifications.Slack.WebhookURL; url != "" {
		sinks = append(sinks, alerts.NewBreakerSink(&alerts.SlackSink{WebhookURL: url}))
	}
	email := cfg.Notifications.Email
	if email.SMTPHost != "" && len(email.To) > 0 {
		sinks = append(sinks, alerts.NewBreakerSink(&alerts.EmailSink{
			Host: fmt.Sprintf("%s:%d", email.SMTPHost, email.SMTPPort),
			From: email.From,
			To:   email.To,
		}))
	}
	return alerts.NewEvaluator(cfg.Alerts, sinks, nil)
}
