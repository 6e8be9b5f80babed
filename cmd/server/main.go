// Command server starts the media generation API server.
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

	"github.com/redis/go-redis/v9"

	httpserver "github.com/adi99/vidai/internal/adapter/httpserver"
	moderationcli "github.com/adi99/vidai/internal/adapter/moderation"
	"github.com/adi99/vidai/internal/adapter/notify/kafka"
	"github.com/adi99/vidai/internal/adapter/observability"
	asynqadp "github.com/adi99/vidai/internal/adapter/queue/asynq"
	"github.com/adi99/vidai/internal/adapter/repo/postgres"
	"github.com/adi99/vidai/internal/app"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
	moderationsvc "github.com/adi99/vidai/internal/service/moderation"
	"github.com/adi99/vidai/internal/service/ratelimiter"
	"github.com/adi99/vidai/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue, and job instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	creditRepo := postgres.NewCreditRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	moderationRepo := postgres.NewModerationRepo(pool)
	violationRepo := postgres.NewViolationRepo(pool)

	// Retention: expired violations and old credit audit rows
	cleanupSvc := postgres.NewCleanupService(pool, cfg.ViolationRetentionDays, 0)
	go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	slog.Info("cleanup service started",
		slog.Int("violation_retention_days", cfg.ViolationRetentionDays),
		slog.Duration("interval", cfg.CleanupInterval))

	// Queue client (asynq over Redis)
	queue, err := asynqadp.New(cfg.RedisURL, cfg.CompletedTaskRetention)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	// Dedicated Redis client for the sliding-window rate limiter. The asynq
	// adapter owns its own connections internally.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	limits, err := config.LoadRateLimits(cfg.RateLimitsFile)
	if err != nil {
		slog.Error("rate limits load failed", slog.String("path", cfg.RateLimitsFile), slog.Any("error", err))
		os.Exit(1)
	}
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, violationRepo, limits)
	if err := limiter.WarmFromStore(ctx); err != nil {
		slog.Warn("rate limiter warm-up failed", slog.Any("error", err))
	}

	// Notification producer (Kafka)
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationsTopic)
	if err != nil {
		slog.Error("kafka producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	// Moderation engine; the classifier is an external service in
	// production and a deterministic stub in dev.
	var classifier domain.Classifier
	if cfg.UseStubProviders {
		classifier = moderationcli.Stub{}
	} else {
		classifier = moderationcli.NewClient(cfg)
	}
	engine := moderationsvc.NewEngine(classifier, jobRepo, moderationRepo, userRepo, producer)

	// Usecases
	genSvc := usecase.NewGenerateService(jobRepo, creditRepo, queue, limiter, userRepo,
		cfg.RefundBackoffInitial, cfg.RefundGraceMaxElapsed)
	jobSvc := usecase.NewJobService(jobRepo, creditRepo, queue, queue, producer,
		cfg.RefundBackoffInitial, cfg.RefundGraceMaxElapsed)

	// Readiness checks
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, app.GoRedisClient{C: rdb}, producer)

	// HTTP server
	srv := httpserver.NewServer(cfg, genSvc, jobSvc, engine, userRepo, limiter, dbCheck, redisCheck, kafkaCheck)

	// Ops API. Breaker state reflects this process; provider health is
	// probed live on request.
	var admin *httpserver.AdminServer
	if cfg.AdminEnabled() {
		orch := app.BuildOrchestrator(cfg)
		admin = httpserver.NewAdminServer(cfg, queue, orch, engine, creditRepo)
		slog.Info("admin ops API enabled", slog.String("username", cfg.AdminUsername))
	}

	handler := app.BuildRouter(cfg, srv, admin)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
