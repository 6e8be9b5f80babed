package moderation

import (
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// reportWindow is the lookback for similar-report counting.
const reportWindow = 24 * time.Hour

// trustTTL bounds how long an owner's trust score is cached.
const trustTTL = 10 * time.Minute

// Engine classifies completed job output and enforces the policy verdict on
// the job record. It implements domain.Moderator.
type Engine struct {
	classifier domain.Classifier
	jobs       domain.JobRepository
	repo       domain.ModerationRepository
	users      domain.UserRepository
	notifier   domain.NotificationPublisher

	trustCache *cache.Cache
	now        func() time.Time
}

// NewEngine wires the moderation engine. notifier may be nil; enforcement
// notifications are then skipped.
func NewEngine(classifier domain.Classifier, jobs domain.JobRepository, repo domain.ModerationRepository, users domain.UserRepository, notifier domain.NotificationPublisher) *Engine {
	return &Engine{
		classifier: classifier,
		jobs:       jobs,
		repo:       repo,
		users:      users,
		notifier:   notifier,
		trustCache: cache.New(trustTTL, 2*trustTTL),
		now:        time.Now,
	}
}

// Moderate implements domain.Moderator. Classifier failures return an error
// and leave the job unmoderated (and therefore non-public); callers treat
// the whole call as best-effort.
func (e *Engine) Moderate(ctx domain.Context, job domain.Job) (domain.ModerationOutcome, error) {
	tracer := otel.Tracer("service.moderation")
	ctx, span := tracer.Start(ctx, "Moderate", trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	mediaURL := resultURL(job)
	if mediaURL == "" {
		return domain.ModerationOutcome{}, fmt.Errorf("op=moderation.moderate: job %s has no result url: %w", job.ID, domain.ErrInvalidArgument)
	}
	cls, err := e.classifier.Classify(ctx, mediaURL, job.Kind)
	if err != nil {
		return domain.ModerationOutcome{}, fmt.Errorf("op=moderation.moderate: %w", err)
	}
	outcome := Decide(cls, e.ownerTrust(ctx, job.OwnerID))
	if err := e.enforce(ctx, job, outcome); err != nil {
		return outcome, err
	}
	observability.ModerationActionsTotal.WithLabelValues(string(outcome.Action)).Inc()
	slog.Info("moderation enforced",
		slog.String("job_id", job.ID),
		slog.String("action", string(outcome.Action)),
		slog.String("reason", outcome.Reason))
	return outcome, nil
}

// enforce writes the verdict onto the job, the audit log, and the review
// queue where applicable.
func (e *Engine) enforce(ctx domain.Context, job domain.Job, outcome domain.ModerationOutcome) error {
	public := outcome.Action == domain.ModerationApprove || outcome.Action == domain.ModerationFlag
	state := outcome.Action
	patch := domain.StatusPatch{Moderation: &state, IsPublic: &public}
	if err := e.jobs.UpdateStatus(ctx, job.ID, patch); err != nil {
		return fmt.Errorf("op=moderation.enforce: update job: %w", err)
	}
	if outcome.Action == domain.ModerationReview {
		if err := e.parkForReview(ctx, job, outcome.Reason, e.reviewPriority(ctx, job.ID, outcome)); err != nil {
			return err
		}
	}
	if err := e.repo.InsertLog(ctx, domain.ModerationLog{
		ID:         uuid.NewString(),
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Action:     outcome.Action,
		Confidence: outcome.Confidence,
		Categories: outcome.Categories,
		Reason:     outcome.Reason,
		CreatedAt:  e.now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=moderation.enforce: insert log: %w", err)
	}
	if e.notifier != nil && (outcome.Action == domain.ModerationBlock || outcome.Action == domain.ModerationReview) {
		e.notifyEnforcement(ctx, job, outcome)
	}
	return nil
}

func (e *Engine) parkForReview(ctx domain.Context, job domain.Job, reason string, priority int) error {
	err := e.repo.InsertReviewItem(ctx, domain.ReviewItem{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Priority:  priority,
		Reason:    reason,
		Status:    domain.ReviewPending,
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("op=moderation.enforce: insert review item: %w", err)
	}
	return nil
}

// reviewPriority derives the queue position from severity and how often the
// content has been reported recently.
func (e *Engine) reviewPriority(ctx domain.Context, contentID string, outcome domain.ModerationOutcome) int {
	priority := int(outcome.Confidence * 100)
	if n, err := e.repo.CountReportsForContent(ctx, contentID, e.now().Add(-reportWindow)); err == nil {
		priority += 10 * n
	}
	return priority
}

func (e *Engine) notifyEnforcement(ctx domain.Context, job domain.Job, outcome domain.ModerationOutcome) {
	body := "Your content was removed after a policy check."
	if outcome.Action == domain.ModerationReview {
		body = "Your content is being reviewed and is hidden until that finishes."
	}
	err := e.notifier.Publish(ctx, domain.NotificationEvent{
		UserID:    job.OwnerID,
		Category:  domain.NotifySystem,
		Title:     "Content moderation update",
		Body:      body,
		JobID:     job.ID,
		Data:      map[string]string{"action": string(outcome.Action)},
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		slog.Warn("moderation notification dropped", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// ownerTrust resolves the owner's trust score, caching it briefly. Unknown
// accounts score as brand new.
func (e *Engine) ownerTrust(ctx domain.Context, userID string) float64 {
	if v, ok := e.trustCache.Get(userID); ok {
		return v.(float64)
	}
	createdAt, err := e.users.AccountCreatedAt(ctx, userID)
	if err != nil {
		slog.Warn("trust lookup failed, assuming new account", slog.String("user_id", userID), slog.Any("error", err))
		return TrustScore(0)
	}
	score := TrustScore(e.now().Sub(createdAt))
	e.trustCache.Set(userID, score, cache.DefaultExpiration)
	return score
}

func resultURL(job domain.Job) string {
	if job.Result == nil {
		return ""
	}
	if job.Kind == domain.KindVideo {
		return job.Result.VideoURL
	}
	return job.Result.ImageURL
}
