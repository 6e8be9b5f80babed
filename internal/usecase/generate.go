// Package usecase contains the application services: admission of
// generation requests, the worker-side processing pipeline, and job
// queries. Services speak to the outside world only through domain ports.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
	"github.com/adi99/vidai/pkg/textx"
)

// Request field limits. The HTTP layer enforces the same ranges via
// validator tags; admission re-checks them so non-HTTP callers get the
// same contract.
const (
	maxPromptRunes    = 1000
	maxNegativeRunes  = 500
	maxModelNameRunes = 100
	minDimension      = 256
	maxDimension      = 2048
	minDuration       = 1
	maxDuration       = 30
	minFPS            = 12
	maxFPS            = 60
	minTrainingImages = 5
	maxTrainingImages = 50
)

// AdmitResult is the admission receipt returned to the API layer.
type AdmitResult struct {
	JobID string
	Queue string
	Cost  int64
}

// GenerateService is the admission controller: the only path that
// reserves credits and creates jobs. Rollback runs as an explicit
// reverse stack so a partial admission cannot leak a debit or a job row.
type GenerateService struct {
	Jobs    domain.JobRepository
	Credits domain.CreditLedger
	Queue   domain.Queue
	Limiter domain.RateLimiter
	Users   domain.UserRepository

	refundInitial    time.Duration
	refundMaxElapsed time.Duration
}

// NewGenerateService constructs the admission controller. The refund
// pair bounds the rollback retry when a partially admitted job must be
// unwound.
func NewGenerateService(jobs domain.JobRepository, credits domain.CreditLedger, queue domain.Queue, limiter domain.RateLimiter, users domain.UserRepository, refundInitial, refundMaxElapsed time.Duration) GenerateService {
	return GenerateService{
		Jobs:             jobs,
		Credits:          credits,
		Queue:            queue,
		Limiter:          limiter,
		Users:            users,
		refundInitial:    refundInitial,
		refundMaxElapsed: refundMaxElapsed,
	}
}

// AdmitImage admits an image generation or edit request.
func (s GenerateService) AdmitImage(ctx domain.Context, userID string, params domain.GenerationParams) (AdmitResult, error) {
	return s.admit(ctx, userID, domain.KindImage, config.ActionImageGeneration, params)
}

// AdmitVideo admits a video generation request.
func (s GenerateService) AdmitVideo(ctx domain.Context, userID string, params domain.GenerationParams) (AdmitResult, error) {
	return s.admit(ctx, userID, domain.KindVideo, config.ActionVideoGeneration, params)
}

// AdmitTraining admits a model training request. Model names are unique
// per owner among jobs that are not failed or cancelled.
func (s GenerateService) AdmitTraining(ctx domain.Context, userID string, params domain.GenerationParams) (AdmitResult, error) {
	return s.admit(ctx, userID, domain.KindTraining, config.ActionTraining, params)
}

func (s GenerateService) admit(ctx domain.Context, userID string, kind domain.JobKind, action string, params domain.GenerationParams) (AdmitResult, error) {
	tracer := otel.Tracer("usecase.generate")
	ctx, span := tracer.Start(ctx, "Admit")
	defer span.End()
	span.SetAttributes(attribute.String("job.kind", string(kind)))

	if userID == "" {
		return AdmitResult{}, fmt.Errorf("op=usecase.admit: %w: user id is required", domain.ErrInvalidArgument)
	}

	params = normalizeParams(params)
	if err := validateParams(kind, params); err != nil {
		return AdmitResult{}, err
	}

	// Known to downstream lookups (account age, notification prefs) even
	// for a first request; failure here never blocks admission.
	if err := s.Users.EnsureUser(ctx, userID); err != nil {
		slog.Warn("user upsert failed", slog.String("user_id", userID), slog.Any("error", err))
	}

	// Rate limit before anything is debited.
	decision := s.Limiter.Check(ctx, userID, action)
	if !decision.Allowed {
		return AdmitResult{}, fmt.Errorf("op=usecase.admit: %w",
			&domain.RateLimitError{Action: action, RetryAfter: decision.RetryAfter})
	}

	cost, err := domain.Price(kind, params)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("op=usecase.admit: %w", err)
	}

	if kind == domain.KindTraining {
		if _, err := s.Jobs.GetByOwnerAndName(ctx, userID, kind, params.ModelName); err == nil {
			return AdmitResult{}, fmt.Errorf("op=usecase.admit model_name=%q: %w: model name already used",
				params.ModelName, domain.ErrInvalidArgument)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return AdmitResult{}, fmt.Errorf("op=usecase.admit: %w", err)
		}
	}

	// The job id is minted before the debit so the charge and the job row
	// share one reference from the start.
	jobID := ulid.Make().String()
	span.SetAttributes(attribute.String("job.id", jobID))

	meta := map[string]string{"kind": string(kind)}
	if _, err := s.Credits.Reserve(ctx, userID, cost, jobID, meta); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return AdmitResult{}, fmt.Errorf("op=usecase.admit cost=%d: %w", cost, domain.ErrInsufficientCredits)
		}
		return AdmitResult{}, fmt.Errorf("op=usecase.admit: reserve: %w", err)
	}
	observability.CreditsReservedTotal.Add(float64(cost))

	now := time.Now().UTC()
	job := domain.Job{
		ID:         jobID,
		OwnerID:    userID,
		Kind:       kind,
		Params:     params,
		Cost:       cost,
		State:      domain.JobPending,
		Moderation: domain.ModerationUnknown,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		s.rollbackReserve(ctx, userID, cost, jobID)
		return AdmitResult{}, fmt.Errorf("op=usecase.admit: create job: %w", err)
	}

	task := domain.GenerationTask{JobID: jobID, OwnerID: userID, Kind: kind}
	if err := s.Queue.Enqueue(ctx, task); err != nil {
		// Reverse order of the steps above: mark the row failed, then
		// give the credits back.
		s.failUnqueued(ctx, jobID)
		s.rollbackReserve(ctx, userID, cost, jobID)
		return AdmitResult{}, fmt.Errorf("op=usecase.admit: %w", err)
	}

	slog.Info("job admitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("kind", string(kind)),
		slog.Int64("cost", cost))
	return AdmitResult{JobID: jobID, Queue: string(kind), Cost: cost}, nil
}

func (s GenerateService) failUnqueued(ctx domain.Context, jobID string) {
	failed := domain.JobFailed
	patch := domain.StatusPatch{
		State: &failed,
		Error: &domain.JobError{Code: domain.ErrCodeQueueError, Message: "task could not be enqueued"},
	}
	if err := s.Jobs.UpdateStatus(ctx, jobID, patch); err != nil {
		slog.Error("orphaned pending job after enqueue failure",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (s GenerateService) rollbackReserve(ctx domain.Context, userID string, cost int64, jobID string) {
	meta := map[string]string{"rollback": "admission"}
	if err := refundWithGrace(ctx, s.Credits, userID, cost, jobID, meta, s.refundInitial, s.refundMaxElapsed); err != nil {
		slog.Error("admission rollback refund failed",
			slog.String("job_id", jobID),
			slog.String("user_id", userID),
			slog.Int64("amount", cost),
			slog.Any("error", err))
	}
}

// normalizeParams sanitizes the free-text fields. Canonical params are
// stored post-normalization; caption enrichment later never mutates them.
func normalizeParams(p domain.GenerationParams) domain.GenerationParams {
	p.Prompt = textx.NormalizePrompt(p.Prompt)
	p.NegativePrompt = textx.NormalizePrompt(p.NegativePrompt)
	p.ModelName = textx.SanitizeText(p.ModelName)
	p.TriggerWord = textx.SanitizeText(p.TriggerWord)
	return p
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("op=usecase.admit: %w: %s", domain.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func validateParams(kind domain.JobKind, p domain.GenerationParams) error {
	switch kind {
	case domain.KindImage:
		if p.Prompt == "" {
			return invalidf("prompt is required")
		}
		if utf8.RuneCountInString(p.Prompt) > maxPromptRunes {
			return invalidf("prompt exceeds %d characters", maxPromptRunes)
		}
		if utf8.RuneCountInString(p.NegativePrompt) > maxNegativeRunes {
			return invalidf("negative prompt exceeds %d characters", maxNegativeRunes)
		}
		if p.Width != 0 && (p.Width < minDimension || p.Width > maxDimension) {
			return invalidf("width must be between %d and %d", minDimension, maxDimension)
		}
		if p.Height != 0 && (p.Height < minDimension || p.Height > maxDimension) {
			return invalidf("height must be between %d and %d", minDimension, maxDimension)
		}
		if p.Strength != 0 && (p.Strength < 0 || p.Strength > 1) {
			return invalidf("strength must be between 0 and 1")
		}
		if p.EditType != "" && p.InitImageURL == "" {
			return invalidf("edit requires an init image")
		}
	case domain.KindVideo:
		if p.Prompt == "" && p.GenerationType != domain.VideoImageToVideo {
			return invalidf("prompt is required")
		}
		if utf8.RuneCountInString(p.Prompt) > maxPromptRunes {
			return invalidf("prompt exceeds %d characters", maxPromptRunes)
		}
		if p.DurationSeconds < minDuration || p.DurationSeconds > maxDuration {
			return invalidf("duration must be between %d and %d seconds", minDuration, maxDuration)
		}
		if p.FPS != 0 && (p.FPS < minFPS || p.FPS > maxFPS) {
			return invalidf("fps must be between %d and %d", minFPS, maxFPS)
		}
		switch p.GenerationType {
		case "", domain.VideoTextToVideo:
		case domain.VideoImageToVideo:
			if p.InitImageURL == "" {
				return invalidf("image_to_video requires an init image")
			}
		case domain.VideoKeyframe:
			if p.InitImageURL == "" || p.EndImageURL == "" {
				return invalidf("keyframe requires start and end frames")
			}
		default:
			return invalidf("unknown generation type %q", p.GenerationType)
		}
	case domain.KindTraining:
		if p.ModelName == "" {
			return invalidf("model name is required")
		}
		if utf8.RuneCountInString(p.ModelName) > maxModelNameRunes {
			return invalidf("model name exceeds %d characters", maxModelNameRunes)
		}
		if len(p.ImageURLs) < minTrainingImages || len(p.ImageURLs) > maxTrainingImages {
			return invalidf("training requires between %d and %d images", minTrainingImages, maxTrainingImages)
		}
	default:
		return invalidf("unknown job kind %q", kind)
	}
	return nil
}
