package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
	"github.com/adi99/vidai/pkg/textx"
)

const (
	enrichSeparator = ". Scene reference: "
	maxErrorRunes   = 500
)

// ProcessOptions carries the worker tunables.
type ProcessOptions struct {
	TrainingStepInterval time.Duration
	CaptionTimeout       time.Duration
	CaptionTokenBudget   int
	RefundInitial        time.Duration
	RefundMaxElapsed     time.Duration
}

// ProcessService drives one queued task from pickup to a terminal state:
// mark processing, run the generation, and either complete the job or fail
// it with refund, dead letter, and notification. Returned errors are
// classified so the queue adapter knows whether to retry.
type ProcessService struct {
	Jobs     domain.JobRepository
	Credits  domain.CreditLedger
	Queue    domain.Queue
	Gen      domain.Generator
	Mod      domain.Moderator
	Notifier domain.NotificationPublisher

	opts ProcessOptions
}

// NewProcessService constructs the worker-side pipeline. Mod and notifier
// are optional; a nil moderator skips the post-completion pass and a nil
// notifier drops events silently.
func NewProcessService(jobs domain.JobRepository, credits domain.CreditLedger, queue domain.Queue, gen domain.Generator, mod domain.Moderator, notifier domain.NotificationPublisher, opts ProcessOptions) ProcessService {
	if opts.TrainingStepInterval <= 0 {
		opts.TrainingStepInterval = time.Second
	}
	if opts.CaptionTimeout <= 0 {
		opts.CaptionTimeout = 20 * time.Second
	}
	if opts.CaptionTokenBudget <= 0 {
		opts.CaptionTokenBudget = 300
	}
	return ProcessService{
		Jobs:     jobs,
		Credits:  credits,
		Queue:    queue,
		Gen:      gen,
		Mod:      mod,
		Notifier: notifier,
		opts:     opts,
	}
}

// Process handles one delivery of a generation task. The job store stays
// authoritative throughout: a task whose job is already terminal is
// acknowledged without work, and every failure path re-checks the store
// before doing terminal bookkeeping so a concurrent cancel is never undone.
func (s ProcessService) Process(ctx context.Context, task domain.GenerationTask, attempt domain.Attempt) error {
	tracer := otel.Tracer("usecase.process")
	ctx, span := tracer.Start(ctx, "ProcessGeneration")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("job.kind", string(task.Kind)),
		attribute.Int("job.attempt", attempt.Number),
	)

	job, err := s.Jobs.Get(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The row is gone; there is nothing to retry against.
			return domain.TerminalFailure(domain.ErrCodeInternal, fmt.Errorf("op=usecase.process: %w", err))
		}
		return fmt.Errorf("op=usecase.process: load job: %w", err)
	}
	if job.State.Terminal() {
		slog.Info("skipping terminal job",
			slog.String("job_id", job.ID), slog.String("state", string(job.State)))
		return nil
	}

	processing := domain.JobProcessing
	if err := s.Jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{State: &processing, IncrementAttempts: true}); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			return nil
		}
		return fmt.Errorf("op=usecase.process: mark processing: %w", err)
	}
	observability.StartProcessingJob(string(job.Kind))

	started := time.Now()
	result, err := s.run(ctx, job)
	if err != nil {
		return s.fail(ctx, job, attempt, err)
	}

	completed := domain.JobCompleted
	full := 100
	patch := domain.StatusPatch{State: &completed, Progress: &full, Result: &result}
	if result.Provider != "" {
		patch.Provider = &result.Provider
	}
	if err := s.Jobs.UpdateStatus(ctx, job.ID, patch); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			// A cancel landed between generation and the final write; the
			// cancel flow owns the bookkeeping and the output is discarded.
			slog.Warn("completion lost to a terminal transition", slog.String("job_id", job.ID))
			return nil
		}
		return fmt.Errorf("op=usecase.process: mark completed: %w", err)
	}
	observability.CompleteJob(string(job.Kind))
	observability.ObserveJobDuration(string(job.Kind), time.Since(started))
	slog.Info("job completed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("provider", result.Provider),
		slog.Int("attempt", attempt.Number))

	bctx := context.WithoutCancel(ctx)
	if s.Mod != nil && job.Kind != domain.KindTraining {
		moderated := job
		moderated.State = completed
		moderated.Result = &result
		if _, err := s.Mod.Moderate(bctx, moderated); err != nil {
			slog.Warn("moderation pass failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	s.notifyDone(bctx, job, result)
	return nil
}

func (s ProcessService) run(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	switch job.Kind {
	case domain.KindImage, domain.KindVideo:
		return s.runGeneration(ctx, job)
	case domain.KindTraining:
		return s.runTraining(ctx, job)
	default:
		return domain.JobResult{}, domain.TerminalFailure(domain.ErrCodeInternal,
			fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

func (s ProcessService) runGeneration(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	params := job.Params
	if job.Kind == domain.KindImage && params.CaptionInitImage && params.InitImageURL != "" {
		if enriched, ok := s.enrichPrompt(ctx, job); ok {
			params.Prompt = enriched
		}
	}

	s.setProgress(ctx, job.ID, 25)
	// Job-oriented providers ack once their backend accepts the submission;
	// that ack advances progress to 50 while the poll loop runs.
	genCtx := domain.WithSubmitAck(ctx, func(string) {
		s.setProgress(ctx, job.ID, 50)
	})

	var (
		res domain.GenerationResult
		err error
	)
	if job.Kind == domain.KindVideo {
		res, err = s.Gen.GenerateVideo(genCtx, params)
	} else {
		res, err = s.Gen.GenerateImage(genCtx, params)
	}
	if err != nil {
		code := domain.ErrCodeProviderFailed
		if errors.Is(err, domain.ErrProviderUnavailable) {
			code = domain.ErrCodeProviderDown
		}
		return domain.JobResult{}, domain.TransientFailure(code, err)
	}

	result := domain.JobResult{
		ImageURL:  res.ImageURL,
		VideoURL:  res.VideoURL,
		Provider:  res.Provider,
		LatencyMs: res.LatencyMs,
		Meta:      res.Meta,
	}
	if (job.Kind == domain.KindImage && result.ImageURL == "") ||
		(job.Kind == domain.KindVideo && result.VideoURL == "") {
		return domain.JobResult{}, domain.TerminalFailure(domain.ErrCodeInvalidOutput,
			fmt.Errorf("provider %s returned no output url", res.Provider))
	}
	return result, nil
}

// enrichPrompt runs the single-shot caption pass for image jobs that opted
// in. Failures and over-budget captions fall back to the original prompt;
// the canonical params are never mutated, only Job.EnrichedPrompt is set.
func (s ProcessService) enrichPrompt(ctx context.Context, job domain.Job) (string, bool) {
	capCtx, cancel := context.WithTimeout(ctx, s.opts.CaptionTimeout)
	defer cancel()

	out, err := s.Gen.Caption(capCtx, domain.CaptionParams{
		ImageURL: job.Params.InitImageURL,
		Prompt:   job.Params.Prompt,
	})
	if err != nil || out.Caption == "" {
		slog.Warn("caption enrichment skipped", slog.String("job_id", job.ID), slog.Any("error", err))
		return "", false
	}

	enriched := job.Params.Prompt + enrichSeparator + out.Caption
	if tokens := countTokens(enriched); tokens > s.opts.CaptionTokenBudget {
		slog.Debug("caption dropped, over token budget",
			slog.String("job_id", job.ID),
			slog.Int("tokens", tokens),
			slog.Int("budget", s.opts.CaptionTokenBudget))
		return "", false
	}
	if err := s.Jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{EnrichedPrompt: &enriched}); err != nil {
		slog.Warn("enriched prompt not persisted", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	return enriched, true
}

// runTraining paces the fixed progress ladder; the waits stand in for the
// provider's training epochs. Cancellation is checked between rungs so a
// cancelled training job stops within one step interval.
func (s ProcessService) runTraining(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	started := time.Now()
	interval := s.opts.TrainingStepInterval
	for _, step := range domain.TrainingProgressLadder {
		if step >= 100 {
			// The completion patch writes the final 100.
			break
		}
		select {
		case <-ctx.Done():
			return domain.JobResult{}, fmt.Errorf("op=usecase.training: %w", ctx.Err())
		case <-time.After(interval):
		}
		if fresh, err := s.Jobs.Get(ctx, job.ID); err == nil && fresh.State.Terminal() {
			return domain.JobResult{}, domain.TransientFailure(domain.ErrCodeCancelled,
				fmt.Errorf("job reached %s mid-training", fresh.State))
		}
		s.setProgress(ctx, job.ID, step)
	}

	meta := map[string]string{
		"model_name": job.Params.ModelName,
		"steps":      strconv.Itoa(job.Params.Steps),
	}
	if job.Params.TriggerWord != "" {
		meta["trigger_word"] = job.Params.TriggerWord
	}
	return domain.JobResult{
		ModelURL:  fmt.Sprintf("https://cdn.vidai.io/models/%s/%s.safetensors", job.OwnerID, job.ID),
		Provider:  "trainer",
		LatencyMs: time.Since(started).Milliseconds(),
		Meta:      meta,
	}, nil
}

// fail decides what one failed attempt means for the job. Retryable
// failures within budget bubble back to the queue; terminal failures and
// exhausted budgets settle the job here.
func (s ProcessService) fail(ctx context.Context, job domain.Job, attempt domain.Attempt, cause error) error {
	bctx := context.WithoutCancel(ctx)

	// A cancel may have landed while the attempt was in flight; its flow
	// already refunded and notified, so the attempt is just abandoned.
	if fresh, err := s.Jobs.Get(bctx, job.ID); err == nil && fresh.State.Terminal() {
		slog.Info("attempt abandoned, job already terminal",
			slog.String("job_id", job.ID), slog.String("state", string(fresh.State)))
		return nil
	}
	if ctx.Err() != nil {
		// Worker shutdown mid-attempt; the queue redelivers after restart.
		return fmt.Errorf("op=usecase.process: interrupted: %w", ctx.Err())
	}

	var tf *domain.TaskFailure
	if !errors.As(cause, &tf) {
		tf = domain.TransientFailure(domain.ErrCodeInternal, cause)
	}
	if tf.Class != domain.FailureTerminal && !attempt.Final() {
		slog.Warn("attempt failed, queue will retry",
			slog.String("job_id", job.ID),
			slog.Int("attempt", attempt.Number),
			slog.Int("max_attempts", attempt.Max),
			slog.String("code", tf.Code),
			slog.Any("error", tf.Err))
		return tf
	}

	s.failJob(bctx, job, attempt, tf)
	if tf.Class == domain.FailureTerminal {
		return tf
	}
	return domain.TerminalFailure(tf.Code, tf.Err)
}

// failJob settles a job as failed: state, metric, refund, dead letter,
// notification. Runs on a cancellation-immune context so shutdown cannot
// strand a half-settled job.
func (s ProcessService) failJob(ctx context.Context, job domain.Job, attempt domain.Attempt, tf *domain.TaskFailure) {
	msg := textx.TruncateRunes(tf.Error(), maxErrorRunes)
	failed := domain.JobFailed
	jerr := domain.JobError{Code: tf.Code, Message: msg}
	if err := s.Jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{State: &failed, Error: &jerr}); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			return
		}
		// Leave the refund and dead letter to the stuck-job sweep rather
		// than refund a job that is still processing on record.
		slog.Error("failed to mark job failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.FailJob(string(job.Kind))
	slog.Error("job failed",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("code", tf.Code),
		slog.Int("attempts", attempt.Number),
		slog.Any("error", tf.Err))

	meta := map[string]string{"error_code": tf.Code}
	if err := refundWithGrace(ctx, s.Credits, job.OwnerID, job.Cost, job.ID, meta, s.opts.RefundInitial, s.opts.RefundMaxElapsed); err != nil {
		observability.CreditRefundFailuresTotal.Inc()
		slog.Error("refund failed, manual reconciliation required",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.OwnerID),
			slog.Int64("amount", job.Cost),
			slog.Any("error", err))
	} else {
		observability.CreditsRefundedTotal.Add(float64(job.Cost))
	}

	entry := domain.DeadLetter{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Kind:      job.Kind,
		Params:    job.Params,
		Cost:      job.Cost,
		Attempts:  attempt.Number,
		ErrorCode: tf.Code,
		ErrorMsg:  msg,
		FailedAt:  time.Now().UTC(),
		Reprocess: reprocessable(tf.Code),
		QueueName: domain.PolicyFor(job.Kind).Queue,
	}
	if err := s.Queue.PushDeadLetter(ctx, entry); err != nil {
		slog.Warn("dead letter push failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	s.notifyFailed(ctx, job, tf.Code)
}

// reprocessable reports whether an operator replay of the dead letter could
// plausibly succeed. Bad output and user cancellation cannot.
func reprocessable(code string) bool {
	switch code {
	case domain.ErrCodeInvalidOutput, domain.ErrCodeCancelled:
		return false
	}
	return true
}

// setProgress advances the monotonic progress gauge. Regressions and
// terminal races are expected after retries and cancels; they are absorbed.
func (s ProcessService) setProgress(ctx context.Context, jobID string, progress int) {
	err := s.Jobs.UpdateStatus(ctx, jobID, domain.StatusPatch{Progress: &progress})
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrProgressRegression) || errors.Is(err, domain.ErrTerminalState) {
		slog.Debug("progress update skipped",
			slog.String("job_id", jobID), slog.Int("progress", progress), slog.Any("error", err))
		return
	}
	slog.Warn("progress update failed",
		slog.String("job_id", jobID), slog.Int("progress", progress), slog.Any("error", err))
}

func (s ProcessService) notifyDone(ctx context.Context, job domain.Job, result domain.JobResult) {
	if s.Notifier == nil {
		return
	}
	url := result.ImageURL
	if url == "" {
		url = result.VideoURL
	}
	if url == "" {
		url = result.ModelURL
	}
	title := "Generation complete"
	body := fmt.Sprintf("Your %s is ready to view.", job.Kind)
	if job.Kind == domain.KindTraining {
		title = "Training complete"
		body = fmt.Sprintf("Your model %q is ready to use.", job.Params.ModelName)
	}
	event := domain.NotificationEvent{
		UserID:   job.OwnerID,
		Category: categoryFor(job.Kind),
		Title:    title,
		Body:     body,
		JobID:    job.ID,
		Data: map[string]string{
			"state": string(domain.JobCompleted),
			"kind":  string(job.Kind),
			"url":   url,
		},
	}
	if err := s.Notifier.Publish(ctx, event); err != nil {
		slog.Warn("completion notification dropped", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (s ProcessService) notifyFailed(ctx context.Context, job domain.Job, code string) {
	if s.Notifier == nil {
		return
	}
	title := "Generation failed"
	if job.Kind == domain.KindTraining {
		title = "Training failed"
	}
	event := domain.NotificationEvent{
		UserID:   job.OwnerID,
		Category: categoryFor(job.Kind),
		Title:    title,
		Body:     fmt.Sprintf("Your %s job could not be completed. Credits were refunded.", job.Kind),
		JobID:    job.ID,
		Data: map[string]string{
			"state": string(domain.JobFailed),
			"kind":  string(job.Kind),
			"code":  code,
		},
	}
	if err := s.Notifier.Publish(ctx, event); err != nil {
		slog.Warn("failure notification dropped", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func categoryFor(kind domain.JobKind) domain.NotificationCategory {
	if kind == domain.KindTraining {
		return domain.NotifyTrainingComplete
	}
	return domain.NotifyGenerationComplete
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// countTokens measures the enriched prompt against the caption budget with
// the cl100k_base BPE. When the encoding cannot be loaded it degrades to a
// chars/4 estimate rather than blocking enrichment.
func countTokens(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("token encoding unavailable, using estimate", slog.Any("error", err))
			return
		}
		enc = e
	})
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
