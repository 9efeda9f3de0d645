// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aryasadewa/wagateway/internal/config"
	"github.com/aryasadewa/wagateway/internal/gateway"
	"github.com/aryasadewa/wagateway/internal/history"
	"github.com/aryasadewa/wagateway/internal/outbox"
	"github.com/aryasadewa/wagateway/internal/pkg/ctxlog"
	"github.com/aryasadewa/wagateway/internal/pkg/httputil"
	"github.com/aryasadewa/wagateway/internal/pkg/metrics"
	"github.com/aryasadewa/wagateway/internal/reconcile"
	"github.com/aryasadewa/wagateway/internal/sender"
	"github.com/aryasadewa/wagateway/internal/sender/bridge"
	"github.com/aryasadewa/wagateway/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	queue         *outbox.Queue
	worker        *outbox.Worker
	sender        sender.Sender
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	queue, err := outbox.NewQueue(cfg.Outbox.Dir)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	store, err := history.NewStore(cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	botClient, err := bridge.NewClient(bridge.Config{
		BaseURL: cfg.Bot.BaseURL,
		Token:   cfg.Bot.Token,
		Timeout: cfg.Bot.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create bot client: %w", err)
	}

	tracker := outbox.NewTracker(cfg.Outbox.TrackerRetention)

	worker := outbox.NewWorker(outbox.WorkerConfig{
		PollInterval:   cfg.Outbox.PollInterval,
		SendTimeout:    cfg.Outbox.SendTimeout,
		UpdateAttempts: cfg.Outbox.UpdateAttempts,
		UpdateBackoff:  cfg.Outbox.UpdateBackoff,
		MessageGap:     cfg.Outbox.MessageGap,
	}, queue, tracker, store, botClient)

	waiter := outbox.NewWaiter(outbox.WaiterConfig{
		PollInterval: cfg.Outbox.WaitPollInterval,
		Timeout:      cfg.Outbox.WaitTimeout,
	}, queue, tracker)

	reconciler := reconcile.New(queue, store)

	service := gateway.NewService(queue, store, waiter, botClient, reconciler)
	handler := gateway.NewHandler(service)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		queue:    queue,
		worker:   worker,
		sender:   botClient,
		bgCancel: bgCancel,
	}

	worker.Start(bgCtx)
	go tracker.RunGC(bgCtx, cfg.Outbox.TrackerGCInterval)
	go app.collectQueueMetrics(bgCtx)
	go app.probeBot(bgCtx)

	if cfg.Reconcile.MonitorEnabled {
		monitor := reconcile.NewMonitor(reconcile.MonitorConfig{
			Debounce: cfg.Reconcile.Debounce,
		}, reconciler, cfg.History.Path, cfg.Outbox.Dir)

		go func() {
			if err := monitor.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("history monitor stopped", "error", err)
			}
		}()
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(handler),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers and blocks until both stop.
func (a *App) Run() error {
	var g errgroup.Group

	g.Go(func() error {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting server",
			"host", a.config.Server.Host,
			"port", a.config.Server.Port,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the application. Queued messages stay on
// disk and are picked up again on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.bgCancel()
	a.worker.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.Stats()
			if err != nil {
				a.logger.Error("failed to get queue stats", "error", err)
				continue
			}
			outbox.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) probeBot(ctx context.Context) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if a.sender.Available(probeCtx) {
			metrics.BotUp.Set(1)
		} else {
			metrics.BotUp.Set(0)
		}
	}

	probe()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probe()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the outbox worker instance. Used in tests.
func (a *App) Worker() *outbox.Worker {
	return a.worker
}

func (a *App) setupRouter(handler *gateway.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if !a.sender.Available(ctx) {
		ctxlog.FromContext(r.Context()).Warn("readiness check failed: bot offline")
		httputil.Text(w, http.StatusServiceUnavailable, "Bot unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
