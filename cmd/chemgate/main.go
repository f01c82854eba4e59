package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chemgate/internal/api"
	"chemgate/internal/config"
	"chemgate/internal/logger"
	"chemgate/internal/models"
	"chemgate/internal/observability"
	"chemgate/internal/ratelimit"
	"chemgate/internal/realtime"
	"chemgate/internal/session"
	"chemgate/internal/storage"
	"chemgate/internal/version"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo())
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, version.GetInfo())
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	if err := run(cfg, log, otelProvider); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *models.Config, log *slog.Logger, otelProvider *observability.Provider) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize audit event storage
	store, err := initializeStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	recorder := storage.NewRecorder(store, cfg.Storage, log.With("component", "recorder"))

	// Admission control
	sessions := session.New(cfg.Session, session.WithLogger(log.With("component", "session")))
	broadcaster := realtime.NewBroadcaster(sessions, cfg.Realtime, log.With("component", "realtime"))
	sessions.AddListener(recorder)
	sessions.AddListener(broadcaster)

	limiterOpts := []ratelimit.Option{
		ratelimit.WithLogger(log.With("component", "ratelimit")),
		ratelimit.WithObserver(recorder),
	}

	if cfg.Metrics.Enabled {
		sessionMetrics, err := observability.NewSessionMetrics()
		if err != nil {
			return fmt.Errorf("create session metrics: %w", err)
		}
		sessions.AddListener(sessionMetrics)

		rateLimitMetrics, err := observability.NewRateLimitMetrics()
		if err != nil {
			return fmt.Errorf("create rate limit metrics: %w", err)
		}
		limiterOpts = append(limiterOpts, ratelimit.WithObserver(rateLimitMetrics))

		reg, err := observability.RegisterAdmissionMetrics(sessions, broadcaster)
		if err != nil {
			return fmt.Errorf("register admission metrics: %w", err)
		}
		defer reg.Unregister()
	}

	limiter := ratelimit.NewSlidingWindowLimiter(cfg.RateLimit, limiterOpts...)
	defer limiter.Close()

	decisions, closeStats, err := initializeStatsStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize rate limit stats: %w", err)
	}
	defer closeStats()

	// Initialize HTTP handlers
	pushHandler := realtime.NewHandler(broadcaster, sessions, cfg.Realtime,
		cfg.Server.CORS.AllowedOrigins, log.With("component", "websocket"))

	handlers := api.NewHandlers(sessions,
		api.WithLimiter(limiter),
		api.WithDecisionStats(decisions),
		api.WithPushChannels(broadcaster),
		api.WithPushHandler(pushHandler),
		api.WithEventStore(store),
		api.WithAuditStats(recorder),
		api.WithSessionCookie(cfg.Session.CookieName, cfg.Session.InactivityTimeout),
	)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{api.WithRouteLogger(log)}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}
	if cfg.RateLimit.Enabled {
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(limiter,
			ratelimit.WithStatsStore(decisions),
			ratelimit.WithMiddlewareLogger(log.With("component", "ratelimit")),
		)))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Background workers
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error { return broadcaster.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Starting server", "addr", server.Addr,
			"max_concurrent_users", cfg.Session.MaxConcurrentUsers,
			"rate_limit_enabled", cfg.RateLimit.Enabled,
			"storage", cfg.Storage.Type,
		)

		var err error
		if cfg.Server.TLSEnabled {
			if cfg.Server.TLSCertFile == "" || cfg.Server.TLSKeyFile == "" {
				return errors.New("TLS is enabled but cert file or key file is not specified")
			}
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// Wait for a signal or a failed worker, then shut everything down
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server forced to shutdown", "error", err)
			}
		}

		closed := broadcaster.CloseAll(realtime.CloseGoingAway, realtime.ReasonShutdown)
		slog.Info("Closed push channels", "count", closed)

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}

		limiter.Close()
		if err := recorder.Close(shutdownCtx); err != nil {
			slog.Error("Audit recorder did not drain", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("Server shutdown complete")
	return err
}

// initializeStorage creates the audit event store for the configured backend,
// wrapped with instrumentation when metrics are enabled.
func initializeStorage(ctx context.Context, cfg *models.Config) (storage.EventStore, error) {
	store, err := storage.NewFactory().Create(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if !cfg.Metrics.Enabled {
		return store, nil
	}

	instrumented, err := observability.NewInstrumentedEventStore(store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("instrument storage: %w", err)
	}
	return instrumented, nil
}

// initializeStatsStore returns the rate limit decision counter backend and a
// func releasing its connections. The redis backend is pinged once so a bad
// address fails startup.
func initializeStatsStore(ctx context.Context, cfg *models.Config) (ratelimit.StatsStore, func(), error) {
	if cfg.RateLimit.StatsBackend != models.StatsBackendRedis {
		return ratelimit.NewMemoryStatsStore(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	slog.Info("Using redis rate limit stats", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	return ratelimit.NewRedisStatsStore(rdb,
		ratelimit.WithStatsPrefix(cfg.Redis.Prefix),
		ratelimit.WithStatsTTL(cfg.Redis.TTL),
	), func() { _ = rdb.Close() }, nil
}
