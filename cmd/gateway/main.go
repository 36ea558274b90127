package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/stratus/internal/api"
	"github.com/lalithlochan/stratus/internal/backoff"
	"github.com/lalithlochan/stratus/internal/circuitbreaker"
	"github.com/lalithlochan/stratus/internal/config"
	"github.com/lalithlochan/stratus/internal/db"
	"github.com/lalithlochan/stratus/internal/handlers"
	"github.com/lalithlochan/stratus/internal/job"
	"github.com/lalithlochan/stratus/internal/metrics"
	"github.com/lalithlochan/stratus/internal/notify"
	"github.com/lalithlochan/stratus/internal/observ"
	"github.com/lalithlochan/stratus/internal/redis"
	"github.com/lalithlochan/stratus/internal/sqs"
	"github.com/lalithlochan/stratus/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stratus gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Initialize stores
	jobStore := job.NewStore(database, logger)
	notifyStore := notify.NewStore(database, logger)
	handlerStore := handlers.NewStore(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per tenant
		})
		defer redisClient.Close()
	}

	// Channel adapters, each behind its own circuit breaker
	adapters := buildAdapters(ctx, cfg, logger)

	// Notification dispatch engine
	engine := notify.NewEngine(notifyStore, adapters, backoff.Default(), logger)

	// Job registry: every job type this deployment executes
	registry := job.NewRegistry()
	registry.Register(notify.JobDefinition(engine))

	if cfg.PSPBaseURL != "" {
		psp := handlers.NewHTTPPSP(handlers.PSPConfig{BaseURL: cfg.PSPBaseURL}, logger)
		payout := handlers.NewPayoutHandler(handlerStore, psp, logger)
		registry.Register(handlers.PayoutJobDefinition(payout))
	} else {
		logger.Warn("PSP_BASE_URL not set, payout jobs disabled")
	}

	if cfg.SQSQueueURL != "" {
		publisher, err := sqs.NewPublisher(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs publisher: %w", err)
		}
		export := handlers.NewExportHandler(handlerStore, handlerStore, handlerStore, publisher, logger)
		registry.Register(handlers.ExportJobDefinition(export))
	} else {
		logger.Warn("SQS_QUEUE_URL not set, audit export jobs disabled")
	}

	if cfg.RendererURL != "" {
		renderer := handlers.NewHTTPRenderer(handlers.RendererConfig{BaseURL: cfg.RendererURL}, logger)
		render := handlers.NewRenderHandler(renderer, handlerStore, handlerStore.Documents(), logger)
		registry.Register(handlers.RenderJobDefinition(render))
	} else {
		logger.Warn("RENDERER_URL not set, render jobs disabled")
	}

	enqueuer := job.NewEnqueuer(jobStore, registry, logger)

	// Worker pool
	pool := worker.New(jobStore, registry, worker.Config{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.ClaimBatchSize,
		Backoff:      backoff.Default(),
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go pool.Start(workerCtx)

	logger.Info("worker pool started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("job_types", registry.Types()),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, enqueuer, jobStore, notifyStore, idempotencyService)
	} else {
		handler = api.NewHandler(logger, enqueuer, jobStore, notifyStore)
	}
	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.TenantKeyFunc))

		r.Post("/jobs", handler.EnqueueJob)
		r.Get("/jobs", handler.ListJobs)
		r.Get("/jobs/{id}", handler.GetJob)
		r.Post("/jobs/{id}/cancel", handler.CancelJob)

		// Dead Letter Queue route
		r.Get("/dlq", handler.ListDeadLetterQueue)

		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Get("/notifications/{id}/attempts", handler.ListAttempts)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new jobs, then give outstanding requests and
		// running handlers 10 seconds to complete.
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildAdapters wires the channel adapters that could be initialized,
// each protected by its own circuit breaker. A provider that cannot be
// initialized disables its channel rather than failing startup.
func buildAdapters(ctx context.Context, cfg *config.Config, logger *zap.Logger) []notify.Adapter {
	var adapters []notify.Adapter

	protect := func(a notify.Adapter) notify.Adapter {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:            a.Provider(),
			MaxFailures:     5,
			RecoveryTimeout: 30 * time.Second,
		}, logger)
		return circuitbreaker.NewProtectedAdapter(a, breaker, logger)
	}

	ses, err := notify.NewSESAdapter(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES adapter unavailable, email channel disabled", zap.Error(err))
	} else {
		adapters = append(adapters, protect(ses))
	}

	sns, err := notify.NewSNSAdapter(ctx, notify.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS adapter unavailable, push channel disabled", zap.Error(err))
	} else {
		adapters = append(adapters, protect(sns))
	}

	webhook := notify.NewWebhookAdapter(notify.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	}, logger)
	adapters = append(adapters, protect(webhook))

	logger.Info("channel adapters initialized",
		zap.Int("count", len(adapters)),
	)

	return adapters
}
