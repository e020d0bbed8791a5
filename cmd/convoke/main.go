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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	api "github.com/convoke-ai/convoke/internal/adapter/http"
	"github.com/convoke-ai/convoke/internal/adapter/mcp"
	cvnats "github.com/convoke-ai/convoke/internal/adapter/nats"
	"github.com/convoke-ai/convoke/internal/adapter/natskv"
	"github.com/convoke-ai/convoke/internal/adapter/openai"
	cvotel "github.com/convoke-ai/convoke/internal/adapter/otel"
	"github.com/convoke-ai/convoke/internal/adapter/postgres"
	"github.com/convoke-ai/convoke/internal/adapter/ristretto"
	"github.com/convoke-ai/convoke/internal/adapter/tiered"
	"github.com/convoke-ai/convoke/internal/adapter/ws"
	"github.com/convoke-ai/convoke/internal/config"
	"github.com/convoke-ai/convoke/internal/logger"
	"github.com/convoke-ai/convoke/internal/middleware"
	"github.com/convoke-ai/convoke/internal/port/cache"
	"github.com/convoke-ai/convoke/internal/port/messagequeue"
	"github.com/convoke-ai/convoke/internal/resilience"
	"github.com/convoke-ai/convoke/internal/service"
)

const cacheBucket = "convoke-cache"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "admin":
			if err := runAdmin(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			return
		case "migrate":
			if err := runMigrate(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, yamlPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)
	log.Info("config loaded", "path", yamlPath)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := cvotel.Setup(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}()

	// --- Storage ---
	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	turnStore := postgres.NewTurnStore(pool)
	trajStore := postgres.NewTrajectoryStore(pool)

	// --- Message queue (optional) ---
	var queue *cvnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cvnats.Connect(ctx, cfg.NATS.URL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		log.Info("nats connected", "url", cfg.NATS.URL)
	}

	// --- Cache ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	var syntaxCache cache.Cache = l1
	if queue != nil {
		kv, err := queue.KeyValue(ctx, cacheBucket)
		if err != nil {
			log.Warn("nats kv unavailable, running on L1 cache only", "error", err)
		} else {
			syntaxCache = tiered.New(l1, natskv.New(kv), cfg.Commands.SyntaxCacheTTL)
		}
	}

	// --- Provider ---
	client := openai.NewClient(cfg.Provider)
	breaker := resilience.NewBreaker("provider", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	client.SetBreaker(breaker)

	// --- Services ---
	hub := ws.NewHub(log)

	dispatcher := service.NewDispatcher(cfg, log)

	models := service.NewModelRegistry()
	if cfg.Models.Dir != "" {
		if err := models.LoadFromDirectory(cfg.Models.Dir); err != nil {
			return fmt.Errorf("models: %w", err)
		}
	}

	commands := service.NewCommandService(dispatcher, models, syntaxCache, cfg, log)

	experts := service.NewExpertsService(client, cfg, log)
	if cfg.Experts.PresetsDir != "" {
		if err := experts.LoadFromDirectory(cfg.Experts.PresetsDir); err != nil {
			return fmt.Errorf("experts: %w", err)
		}
	}

	runner := service.NewRunnerService(client, hub, trajStore, cfg, log)
	workers := service.NewWorkerPool(cfg.Pool.MaxWorkers, log)

	turns := service.NewTurnService(service.TurnDeps{
		Dispatcher:  dispatcher,
		Commands:    commands,
		Experts:     experts,
		Runner:      runner,
		Bridge:      client,
		Assistants:  client,
		Store:       turnStore,
		Trajectory:  trajStore,
		Broadcaster: hub,
		Pool:        workers,
	}, cfg, log)

	// --- Plugins ---
	telemetry, err := cvotel.NewTelemetryPlugin()
	if err != nil {
		return fmt.Errorf("telemetry plugin: %w", err)
	}
	if err := dispatcher.Register(telemetry); err != nil {
		return fmt.Errorf("register telemetry plugin: %w", err)
	}

	if queue != nil {
		qp := service.NewQueuePlugin(queue, log)
		if err := qp.Start(ctx); err != nil {
			return fmt.Errorf("queue plugin: %w", err)
		}
		defer qp.Stop()
		if err := dispatcher.Register(qp); err != nil {
			return fmt.Errorf("register queue plugin: %w", err)
		}
	}

	if cfg.MCP.ServersDir != "" {
		defs, err := mcp.LoadDefinitions(cfg.MCP.ServersDir)
		if err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		mcpPlugin := mcp.NewPlugin(log)
		mcpPlugin.Start(ctx, defs)
		defer mcpPlugin.Stop()
		if err := dispatcher.Register(mcpPlugin); err != nil {
			return fmt.Errorf("register mcp plugin: %w", err)
		}
	}

	// --- HTTP ---
	var queuePort messagequeue.Queue
	if queue != nil {
		queuePort = queue
	}
	handlers := &api.Handlers{
		Turns:      turns,
		Commands:   commands,
		Experts:    experts,
		Models:     models,
		TurnStore:  turnStore,
		Trajectory: trajStore,
		Queue:      queuePort,
		Breaker:    breaker,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.OTel.Enabled {
		r.Use(cvotel.HTTPMiddleware(cfg.Logging.Service))
	}
	r.Use(api.Logger)
	r.Use(api.SecurityHeaders)
	r.Use(api.CORS(cfg.Server.CORSOrigin))

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()
	r.Use(limiter.Handler)

	r.Use(middleware.APIKeyAuth(cfg.Auth.Enabled, cfg.Auth.APIKeyHash))

	if queue != nil {
		if kv, err := queue.KeyValue(ctx, "convoke-idempotency"); err == nil {
			r.Use(middleware.Idempotency(kv))
		} else {
			log.Warn("idempotency kv unavailable", "error", err)
		}
	}

	api.MountRoutes(r, handlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // turns block on provider calls
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	workers.Wait()
	return nil
}
