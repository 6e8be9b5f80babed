package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// SweeperOptions tunes the stuck-job sweep.
type SweeperOptions struct {
	MaxProcessingAge time.Duration
	Interval         time.Duration
	RefundInitial    time.Duration
	RefundMaxElapsed time.Duration
}

// StuckJobSweeper is the backstop for jobs stranded in processing, typically
// because a worker died mid-task. It settles them the same way a terminal
// worker failure would: failed state, refund, dead letter, notification.
type StuckJobSweeper struct {
	jobs     domain.JobRepository
	credits  domain.CreditLedger
	queue    domain.Queue
	notifier domain.NotificationPublisher
	opts     SweeperOptions
}

// NewStuckJobSweeper builds a sweeper. queue and notifier may be nil; the
// sweep then settles state and credits only.
func NewStuckJobSweeper(jobs domain.JobRepository, credits domain.CreditLedger, queue domain.Queue, notifier domain.NotificationPublisher, opts SweeperOptions) *StuckJobSweeper {
	if jobs == nil || credits == nil {
		return nil
	}
	if opts.MaxProcessingAge <= 0 {
		opts.MaxProcessingAge = 30 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.RefundMaxElapsed <= 0 {
		opts.RefundMaxElapsed = 30 * time.Second
	}
	return &StuckJobSweeper{
		jobs:     jobs,
		credits:  credits,
		queue:    queue,
		notifier: notifier,
		opts:     opts,
	}
}

// Run sweeps until the context is cancelled.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.opts.MaxProcessingAge)
	const batchSize = 100
	span.SetAttributes(
		attribute.Int("jobs.batch_size", batchSize),
		attribute.Float64("jobs.max_processing_age_seconds", s.opts.MaxProcessingAge.Seconds()),
	)

	totalSettled := 0
	for {
		jobs, err := s.jobs.ListStuckProcessing(ctx, cutoff, batchSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}

		settled := 0
		for _, j := range jobs {
			if s.settleJob(ctx, j) {
				settled++
			}
		}
		totalSettled += settled
		// Settled jobs leave the processing state, so the next list returns
		// the following batch. A batch where nothing settled would repeat
		// forever; bail and let the next tick retry.
		if settled == 0 || len(jobs) < batchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("jobs.total_settled", totalSettled))
	if totalSettled > 0 {
		slog.Warn("stuck jobs settled", slog.Int("count", totalSettled))
	}
}

// settleJob marks one stuck job failed and runs the failure side effects.
// Reports whether the state change was applied.
func (s *StuckJobSweeper) settleJob(ctx context.Context, job domain.Job) bool {
	failed := domain.JobFailed
	jerr := domain.JobError{
		Code:    domain.ErrCodeStuck,
		Message: fmt.Sprintf("processing exceeded %s, settled by sweeper", s.opts.MaxProcessingAge),
	}
	if err := s.jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{State: &failed, Error: &jerr}); err != nil {
		// A worker or a cancel may have settled the job between list and
		// update. That is the good case.
		if errors.Is(err, domain.ErrTerminalState) {
			return false
		}
		slog.Error("stuck job sweep failed to update job status",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return false
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Kind)).Inc()
	slog.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("code", domain.ErrCodeStuck),
		slog.Duration("max_age", s.opts.MaxProcessingAge))

	s.refund(ctx, job)
	s.deadLetter(ctx, job, jerr.Message)
	s.notify(ctx, job)
	return true
}

func (s *StuckJobSweeper) refund(ctx context.Context, job domain.Job) {
	bo := backoff.NewExponentialBackOff()
	if s.opts.RefundInitial > 0 {
		bo.InitialInterval = s.opts.RefundInitial
	}
	bo.MaxElapsedTime = s.opts.RefundMaxElapsed

	meta := map[string]string{"error_code": domain.ErrCodeStuck}
	op := func() error {
		err := s.credits.Refund(ctx, job.OwnerID, job.Cost, job.ID, meta)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		observability.CreditRefundFailuresTotal.Inc()
		slog.Error("refund failed, manual reconciliation required",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.OwnerID),
			slog.Int64("amount", job.Cost),
			slog.Any("error", err))
		return
	}
	observability.CreditsRefundedTotal.Add(float64(job.Cost))
}

func (s *StuckJobSweeper) deadLetter(ctx context.Context, job domain.Job, msg string) {
	if s.queue == nil {
		return
	}
	entry := domain.DeadLetter{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Kind:      job.Kind,
		Params:    job.Params,
		Cost:      job.Cost,
		Attempts:  job.Attempts,
		ErrorCode: domain.ErrCodeStuck,
		ErrorMsg:  msg,
		FailedAt:  time.Now().UTC(),
		Reprocess: true,
		QueueName: domain.PolicyFor(job.Kind).Queue,
	}
	if err := s.queue.PushDeadLetter(ctx, entry); err != nil {
		slog.Warn("dead letter push failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (s *StuckJobSweeper) notify(ctx context.Context, job domain.Job) {
	if s.notifier == nil {
		return
	}
	title := "Generation failed"
	category := domain.NotifyGenerationComplete
	if job.Kind == domain.KindTraining {
		title = "Training failed"
		category = domain.NotifyTrainingComplete
	}
	event := domain.NotificationEvent{
		UserID:   job.OwnerID,
		Category: category,
		Title:    title,
		Body:     fmt.Sprintf("Your %s job could not be completed. Credits were refunded.", job.Kind),
		JobID:    job.ID,
		Data: map[string]string{
			"state": string(domain.JobFailed),
			"kind":  string(job.Kind),
			"code":  domain.ErrCodeStuck,
		},
	}
	if err := s.notifier.Publish(ctx, event); err != nil {
		slog.Warn("failure notification dropped", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
