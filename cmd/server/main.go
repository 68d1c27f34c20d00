package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/activityhub/notification-dispatcher/internal/bus"
	"github.com/activityhub/notification-dispatcher/internal/config"
	"github.com/activityhub/notification-dispatcher/internal/domain"
	"github.com/activityhub/notification-dispatcher/internal/handler"
	"github.com/activityhub/notification-dispatcher/internal/metrics"
	"github.com/activityhub/notification-dispatcher/internal/middleware"
	"github.com/activityhub/notification-dispatcher/internal/push"
	"github.com/activityhub/notification-dispatcher/internal/repository/postgres"
	"github.com/activityhub/notification-dispatcher/internal/repository/redis"
	"github.com/activityhub/notification-dispatcher/internal/worker"
	"github.com/activityhub/notification-dispatcher/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug.Enabled {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting notification dispatcher",
		"addr", cfg.ServerAddr(),
		"debug", cfg.Debug.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	store := postgres.NewNotificationStore(db, logger, cfg.Debug)

	// Optional push rate limiting, backed by Redis.
	var limiter push.RateLimiter
	var redisClient *redis.Client
	if cfg.HasRedis() {
		redisClient, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		limiter = redis.NewRateLimiter(redisClient, cfg.Redis.RateLimitPerSec)
		logger.Info("connected to Redis, push rate limiting enabled",
			"limit_per_sec", cfg.Redis.RateLimitPerSec,
		)
	}

	// Push is optional; without credentials the dispatcher is bus-only.
	var pushSender domain.PushSender
	if cfg.HasFCM() {
		fcmClient, err := push.NewFCMClient(cfg.FCM, limiter, logger, cfg.Debug)
		if err != nil {
			logger.Error("failed to initialize FCM client", "error", err)
			os.Exit(1)
		}
		pushSender = fcmClient
	} else {
		logger.Warn("FCM not configured, push delivery disabled")
	}

	// The real-time bus is either the external websocket-bus service or the
	// in-process hub serving sockets directly.
	var busPublisher domain.BusPublisher
	var hub *ws.Hub
	if cfg.HasBus() {
		busPublisher = bus.NewClient(cfg.Bus)
		logger.Info("using external websocket-bus", "url", cfg.Bus.URL)
	} else {
		hub = ws.NewHub(logger)
		busPublisher = hub
		logger.Info("using in-process websocket hub")
	}

	m := metrics.New()

	processor := worker.NewProcessor(store, busPublisher, pushSender, m, logger, cfg.Worker)

	wake := make(chan struct{}, 1)
	listener := postgres.NewListener(cfg.Database.URL, logger)
	go listener.Run(ctx, wake)

	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("postgres", db)
	if redisClient != nil {
		healthHandler.AddChecker("redis", redisClient)
	}

	var connCounter handler.ConnectionCounter
	if hub != nil {
		connCounter = hub
	}
	metricsHandler := handler.NewMetricsHandler(m, store, connCounter, logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))

	r.Get("/health", healthHandler.Liveness)
	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)
	r.Handle("/metrics", metricsHandler)

	if hub != nil {
		tickets := ws.NewTicketStore()
		wsHandler := ws.NewHandler(hub, tickets, logger)

		r.Get("/ws", wsHandler.Serve)
		r.Route("/api/v1/notifications", func(r chi.Router) {
			r.Post("/ws-ticket", wsHandler.CreateTicket)
			r.Get("/ws", wsHandler.Serve)
		})
	}

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := processor.Start(ctx, wake); err != nil {
		logger.Error("failed to start delivery engine", "error", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stops the engine after its in-flight notification completes, then
	// cancels the listener.
	processor.Stop()
	cancel()

	logger.Info("dispatcher stopped")
}
