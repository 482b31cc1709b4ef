// Command bmad runs the HITL approval, budget and emergency-stop core of
// the agent orchestration platform.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	bmadhttp "github.com/geniusboywonder/bmad/internal/adapter/http"
	bmadmcp "github.com/geniusboywonder/bmad/internal/adapter/mcp"
	"github.com/geniusboywonder/bmad/internal/adapter/memory"
	bmadnats "github.com/geniusboywonder/bmad/internal/adapter/nats"
	bmadotel "github.com/geniusboywonder/bmad/internal/adapter/otel"
	"github.com/geniusboywonder/bmad/internal/adapter/postgres"
	"github.com/geniusboywonder/bmad/internal/adapter/ristretto"
	"github.com/geniusboywonder/bmad/internal/adapter/slack"
	"github.com/geniusboywonder/bmad/internal/adapter/ws"
	"github.com/geniusboywonder/bmad/internal/config"
	"github.com/geniusboywonder/bmad/internal/domain/budget"
	"github.com/geniusboywonder/bmad/internal/logger"
	"github.com/geniusboywonder/bmad/internal/middleware"
	"github.com/geniusboywonder/bmad/internal/port/database"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
	"github.com/geniusboywonder/bmad/internal/port/notifier"
	"github.com/geniusboywonder/bmad/internal/port/workflow"
	"github.com/geniusboywonder/bmad/internal/secrets"
	"github.com/geniusboywonder/bmad/internal/service"
)

const envSlackWebhook = "BMAD_SLACK_WEBHOOK_URL"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"dev_mode", cfg.Server.DevMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	var (
		store     database.Store
		taskStore workflow.TaskStore
		dbPinger  bmadhttp.Pinger
	)
	if cfg.Server.DevMode {
		store = memory.NewStore()
		taskStore = memory.NewTaskStore()
		slog.Info("dev mode: using in-memory store")
	} else {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")

		store = postgres.NewStore(pool)
		taskStore = postgres.NewTaskStore(pool)
		dbPinger = pool
	}

	var queue messagequeue.Queue
	var queueHealth func() bool
	if !cfg.Server.DevMode {
		natsQueue, err := bmadnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsQueue.Close() }()
		queue = natsQueue
		queueHealth = natsQueue.IsConnected
	}

	cacheImpl, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cacheImpl.Close()

	// --- Telemetry ---

	if cfg.Otel.Enabled {
		shutdown, err := bmadotel.Setup(ctx, cfg.Logging.Service, cfg.Otel.Endpoint)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("otel shutdown failed", "error", err)
			}
		}()
	}

	// --- Services ---

	hub := ws.NewHub()

	// Secrets live in a vault so SIGHUP can rotate them without a restart.
	vault, err := secrets.NewVault(func() (map[string]string, error) {
		vals, _ := secrets.EnvLoader(envSlackWebhook)()
		if vals[envSlackWebhook] == "" && cfg.Notify.SlackWebhookURL != "" {
			vals[envSlackWebhook] = cfg.Notify.SlackWebhookURL
		}
		return vals, nil
	})
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded")
		}
	}()

	var notifiers []notifier.Notifier
	if vault.Get(envSlackWebhook) != "" {
		notifiers = append(notifiers, slack.NewNotifier(func() string {
			return vault.Get(envSlackWebhook)
		}))
	}
	notify := service.NewNotificationService(notifiers, cfg.Notify.EnabledEvents,
		cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	slog.Info("notification providers registered", "count", notify.NotifierCount())

	stops := service.NewStopService(store, cacheImpl, cfg.Cache.StopTTL, queue, hub, notify)
	budgets := service.NewBudgetService(store, stops, budgetLimits(cfg.Budget))
	approvals := service.NewApprovalService(store, budgets, stops, cfg.Approval, queue, hub, notify)
	resume := service.NewResumeService(store, taskStore, queue, hub)
	approvals.SetResumeHook(resume)

	// --- Metrics bridge ---

	var cancelMetrics func()
	if cfg.Otel.Enabled && queue != nil {
		cancelMetrics, err = startMetricsBridge(ctx, queue)
		if err != nil {
			return fmt.Errorf("metrics bridge: %w", err)
		}
		defer cancelMetrics()
	}

	// --- HTTP ---

	handlers := &bmadhttp.Handlers{
		Approvals:      approvals,
		Budgets:        budgets,
		Stops:          stops,
		DB:             dbPinger,
		QueueConnected: queueHealth,
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(bmadhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(bmadhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Server.RateLimitRPS > 0 {
		r.Use(limiter.Handler)
	}
	if cfg.Otel.Enabled {
		r.Use(bmadotel.HTTPMiddleware(cfg.Logging.Service))
	}
	bmadhttp.MountRoutes(r, handlers, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long-poll waits can sit at the handler for the full wait
		// timeout; give writes headroom beyond it.
		WriteTimeout: cfg.Approval.DefaultWaitTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- MCP ---

	var mcpServer *bmadmcp.Server
	if cfg.MCP.Enabled {
		mcpServer = bmadmcp.NewServer(bmadmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    cfg.Logging.Service,
			Version: "0.1.0",
			APIKey:  cfg.MCP.APIKey,
		}, bmadmcp.ServerDeps{
			Approvals: approvals,
			Budgets:   budgets,
			Stops:     stops,
		})
		if err := mcpServer.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if mcpServer != nil {
			if err := mcpServer.Stop(shutdownCtx); err != nil {
				slog.Error("mcp shutdown failed", "error", err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return ignoreCancel(approvals.RunExpirySweeper(gctx, cfg.Approval.SweepInterval))
	})

	g.Go(func() error {
		return ignoreCancel(budgets.RunDailyResetLoop(gctx, cfg.Budget.ResetInterval))
	})

	g.Go(func() error {
		return ignoreCancel(limiter.RunCleanup(gctx, time.Minute, 10*time.Minute))
	})

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// budgetLimits maps the config section onto the domain's default ceilings.
func budgetLimits(b config.Budget) budget.Limits {
	return budget.Limits{
		DailyTokens:    b.DailyTokenLimit,
		SessionTokens:  b.SessionTokenLimit,
		DailyCostUSD:   b.DailyCostLimit,
		SessionCostUSD: b.SessionCostLimit,
	}
}
