package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/renraku/internal/agent"
	"github.com/ashita-ai/renraku/internal/config"
	"github.com/ashita-ai/renraku/internal/contact"
	"github.com/ashita-ai/renraku/internal/decider"
	"github.com/ashita-ai/renraku/internal/model"
	"github.com/ashita-ai/renraku/internal/operation"
	"github.com/ashita-ai/renraku/internal/projection"
	"github.com/ashita-ai/renraku/internal/server"
	"github.com/ashita-ai/renraku/internal/storage"
	"github.com/ashita-ai/renraku/internal/telemetry"
	"github.com/ashita-ai/renraku/internal/thread"
	"github.com/ashita-ai/renraku/internal/webhook"
	"github.com/ashita-ai/renraku/internal/worker"
	"github.com/ashita-ai/renraku/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RENRAKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("renraku starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Wire the domain: projection → store → queue → loop → machine → worker.
	proj := projection.NewPostgres(db.Pool())
	store := storage.NewThreadStore(db, proj, logger)
	queue := storage.NewQueue(db, cfg.JobMaxAttempts)
	tracker := operation.NewTracker(proj, logger)

	dispatcher := contact.NewDispatcher(contact.Config{
		SMTPHost:        cfg.SMTPHost,
		SMTPPort:        cfg.SMTPPort,
		SMTPUser:        cfg.SMTPUser,
		SMTPPassword:    cfg.SMTPPassword,
		SMTPFrom:        cfg.SMTPFrom,
		SlackWebhookURL: cfg.SlackWebhookURL,
	}, logger)

	registry := agent.NewRegistry()
	registerHandlers(registry)

	loop := agent.NewLoop(agent.LoopConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Registry:   registry,
		Decide:     newDecider(cfg, logger),
		Logger:     logger,
		BaseURL:    cfg.BaseURL,
	})

	machine := webhook.New(webhook.Config{
		Store:    store,
		Loop:     loop,
		Registry: registry,
		Tracker:  tracker,
		Logger:   logger,
	})

	wrk := worker.New(queue, machine, logger, cfg.WorkerPollInterval, cfg.WorkerBatchSize, cfg.WorkerConcurrency)
	wrk.Start(ctx)

	handlers := server.NewHandlers(server.HandlersDeps{
		DB:      db,
		Store:   store,
		Queue:   queue,
		Machine: machine,
		Events:  proj,
		Logger:  logger,
		Version: version,
		MaxBody: cfg.MaxRequestBodyBytes,
	})

	srv := server.New(server.ServerConfig{
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		WebhookSecret: cfg.WebhookSecret,
	}, handlers, logger)

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Stop accepting HTTP first (requests may still
	// enqueue), then drain the worker; an unfinished job reappears when its
	// lease expires, so a drain timeout loses nothing.
	slog.Info("renraku shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	wrk.Drain(drainCtx)
	drainCancel()

	slog.Info("renraku stopped")
	return nil
}

// newDecider selects the decision backend. Auto mode uses OpenAI when a key
// is present, else the noop backend that suspends every thread.
func newDecider(cfg config.Config, logger *slog.Logger) agent.DecisionFunc {
	switch cfg.DeciderProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when RENRAKU_DECIDER=openai, falling back to noop")
			return decider.Noop{}.Decide
		}
		logger.Info("decider: openai", "model", cfg.DeciderModel)
		return decider.NewOpenAI(cfg.OpenAIAPIKey, cfg.DeciderModel, cfg.DeciderBaseURL).Decide

	case "noop":
		logger.Info("decider: noop (threads suspend immediately)")
		return decider.Noop{}.Decide

	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("decider: openai (auto-detected)", "model", cfg.DeciderModel)
			return decider.NewOpenAI(cfg.OpenAIAPIKey, cfg.DeciderModel, cfg.DeciderBaseURL).Decide
		}
		logger.Warn("decider: no backend configured, using noop")
		return decider.Noop{}.Decide
	}
}

// registerHandlers binds the built-in approved-function handlers.
func registerHandlers(registry *agent.Registry) {
	// create_ticket records the approved ticket on the thread; the concrete
	// tracker transport is deployment-specific and hangs off this event.
	registry.Register("create_ticket", func(_ context.Context, t model.Thread, kwargs map[string]any) (model.Thread, error) {
		return thread.Append(t, model.Event{Type: "ticket_created", Data: kwargs}), nil
	})
}
