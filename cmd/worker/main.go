// Command worker runs the generation worker: it consumes queued jobs from
// the priority queues, drives them through the GPU providers and the
// moderation engine, and delivers push notifications.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	moderationcli "github.com/adi99/vidai/internal/adapter/moderation"
	"github.com/adi99/vidai/internal/adapter/notify/kafka"
	"github.com/adi99/vidai/internal/adapter/observability"
	asynqadp "github.com/adi99/vidai/internal/adapter/queue/asynq"
	"github.com/adi99/vidai/internal/adapter/repo/postgres"
	"github.com/adi99/vidai/internal/app"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
	moderationsvc "github.com/adi99/vidai/internal/service/moderation"
	"github.com/adi99/vidai/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated /metrics endpoint so Prometheus can scrape queue and GPU
	// instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	creditRepo := postgres.NewCreditRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	moderationRepo := postgres.NewModerationRepo(pool)

	// Queue client for DLQ pushes, cancel marks, and depth gauges. The
	// asynq server below owns its own Redis connections.
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
	go queue.ReportDepths(ctx, 15*time.Second)

	// Notification producer and the push-delivery consumer
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.NotificationsTopic)
	if err != nil {
		slog.Error("kafka producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	pusher := kafka.NewHTTPPusher(cfg.PushGatewayURL, cfg.PushGatewayKey)
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.NotificationsGroup, cfg.NotificationsTopic, userRepo, pusher)
	if err != nil {
		slog.Error("kafka consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := consumer.Run(ctx); err != nil {
			slog.Error("notification consumer error", slog.Any("error", err))
		}
	}()

	// GPU orchestrator and moderation engine
	orch := app.BuildOrchestrator(cfg)

	var classifier domain.Classifier
	if cfg.UseStubProviders {
		classifier = moderationcli.Stub{}
	} else {
		classifier = moderationcli.NewClient(cfg)
	}
	engine := moderationsvc.NewEngine(classifier, jobRepo, moderationRepo, userRepo, producer)

	processSvc := usecase.NewProcessService(jobRepo, creditRepo, queue, orch, engine, producer, usecase.ProcessOptions{
		TrainingStepInterval: cfg.TrainingStepInterval,
		CaptionTimeout:       cfg.CaptionTimeout,
		CaptionTokenBudget:   cfg.CaptionTokenBudget,
		RefundInitial:        cfg.RefundBackoffInitial,
		RefundMaxElapsed:     cfg.RefundGraceMaxElapsed,
	})

	worker, err := asynqadp.NewWorker(asynqadp.WorkerConfig{
		RedisURL:        cfg.RedisURL,
		Concurrency:     cfg.WorkerConcurrency,
		ShutdownTimeout: cfg.WorkerShutdownTimeout,
	}, processSvc)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Stuck-job sweeper settles processing jobs whose worker died, with
	// refund, dead letter, and notification.
	if sweeper := app.NewStuckJobSweeper(jobRepo, creditRepo, queue, producer, app.SweeperOptions{
		MaxProcessingAge: cfg.StuckJobMaxAge,
		Interval:         cfg.StuckJobSweepInterval,
		RefundInitial:    cfg.RefundBackoffInitial,
		RefundMaxElapsed: cfg.RefundGraceMaxElapsed,
	}); sweeper != nil {
		go sweeper.Run(ctx)
	}

	if err := worker.Start(); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker started, waiting for shutdown signal",
		slog.Int("concurrency", cfg.WorkerConcurrency))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	// Drain in-flight tasks first, then stop the background loops.
	worker.Shutdown()
	cancel()
	consumer.Close()
	slog.Info("worker stopped")
}
