package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/domain"
)

// Processor handles one delivery of a generation task. The attempt tells
// it whether the budget is exhausted so it can take the dead letter path
// on the last delivery.
type Processor interface {
	Process(ctx context.Context, task domain.GenerationTask, attempt domain.Attempt) error
}

// WorkerConfig carries the queue server knobs.
type WorkerConfig struct {
	RedisURL        string
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker runs the asynq server over the three generation queues with
// their dispatch weights.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker wires the server, queue weights, retry schedule and the
// generation handler.
func NewWorker(cfg WorkerConfig, proc Processor) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("op=worker.new: redis: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}

	queues := make(map[string]int, len(domain.QueueNames()))
	for _, name := range domain.QueueNames() {
		queues[name] = domain.PolicyFor(domain.JobKind(name)).Priority
	}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RetryDelayFunc:  retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			slog.Error("task processing failed",
				slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})

	mux := asynq.NewServeMux()
	w := &Worker{server: srv, mux: mux}
	mux.HandleFunc(TaskGenerate, handleGenerate(proc))
	return w, nil
}

// Run blocks until Shutdown is called.
func (w *Worker) Run() error {
	return w.server.Run(w.mux)
}

// Start begins processing without blocking.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown drains in-flight tasks within the configured grace.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

// retryDelay maps queue retries onto the kind's backoff schedule: image
// and video double from their base, training waits a fixed interval.
func retryDelay(n int, _ error, task *asynq.Task) time.Duration {
	kind := domain.KindImage
	var t domain.GenerationTask
	if err := json.Unmarshal(task.Payload(), &t); err == nil && t.Kind != "" {
		kind = t.Kind
	}
	if n < 1 {
		n = 1
	}
	return domain.PolicyFor(kind).Delay(n - 1)
}

// handleGenerate decodes the payload, derives the attempt from the queue
// bookkeeping and classifies the processor's verdict: terminal failures
// stop retrying, transient ones ride the retry schedule.
func handleGenerate(proc Processor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, "ProcessGeneration")
		defer span.End()

		var task domain.GenerationTask
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			slog.Error("task payload decode failed", slog.Any("error", err))
			return fmt.Errorf("decode task: %v: %w", err, asynq.SkipRetry)
		}
		span.SetAttributes(
			attribute.String("job.id", task.JobID),
			attribute.String("job.kind", string(task.Kind)),
		)

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		attempt := domain.Attempt{Number: retried + 1, Max: maxRetry + 1}

		err := proc.Process(ctx, task, attempt)
		if err == nil {
			return nil
		}

		var failure *domain.TaskFailure
		if errors.As(err, &failure) && failure.Class == domain.FailureTerminal {
			slog.Warn("task failed terminally",
				slog.String("job_id", task.JobID),
				slog.String("code", failure.Code),
				slog.Any("error", err))
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		slog.Warn("task failed, retrying within budget",
			slog.String("job_id", task.JobID),
			slog.Int("attempt", attempt.Number),
			slog.Int("max_attempts", attempt.Max),
			slog.Any("error", err))
		return err
	}
}
