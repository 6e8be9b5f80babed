package moderation

import (
	"fmt"
	"slices"

	"log/slog"

	"github.com/google/uuid"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// Report escalation thresholds.
const (
	// immediateActionReports triggers a block without waiting for review.
	immediateActionReports = 5
	// trustedReporterMin paired with trustedReporterReports also triggers
	// immediate action.
	trustedReporterMin     = 0.8
	trustedReporterReports = 3
	// reviewReports parks the content for human review.
	reviewReports = 2
)

// SubmitReport records a user report against a job and runs the escalation
// rules. Repeat reports by the same reporter are absorbed by the store.
func (e *Engine) SubmitReport(ctx domain.Context, report domain.ContentReport) error {
	if !slices.Contains(domain.ReportReasons, report.Reason) {
		return fmt.Errorf("op=moderation.report: reason %q: %w", report.Reason, domain.ErrInvalidArgument)
	}
	job, err := e.jobs.Get(ctx, report.ContentID)
	if err != nil {
		return fmt.Errorf("op=moderation.report: %w", err)
	}
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	report.CreatedAt = e.now().UTC()
	if err := e.repo.InsertReport(ctx, report); err != nil {
		return fmt.Errorf("op=moderation.report: %w", err)
	}
	count, err := e.repo.CountReportsForContent(ctx, report.ContentID, e.now().Add(-reportWindow))
	if err != nil {
		slog.Warn("report count failed, skipping escalation", slog.String("content_id", report.ContentID), slog.Any("error", err))
		return nil
	}
	reporterTrust := e.ownerTrust(ctx, report.ReporterID)
	switch {
	case count >= immediateActionReports || (reporterTrust >= trustedReporterMin && count >= trustedReporterReports):
		return e.immediateAction(ctx, job, count)
	case count >= reviewReports:
		reason := fmt.Sprintf("reported %d times in 24h", count)
		state := domain.ModerationReview
		public := false
		if err := e.jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{Moderation: &state, IsPublic: &public}); err != nil {
			return fmt.Errorf("op=moderation.report: update job: %w", err)
		}
		if err := e.parkForReview(ctx, job, reason, 50+10*count); err != nil {
			return err
		}
		if err := e.repo.InsertLog(ctx, domain.ModerationLog{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			OwnerID:   job.OwnerID,
			Action:    domain.ModerationReview,
			Reason:    reason,
			CreatedAt: e.now().UTC(),
		}); err != nil {
			return fmt.Errorf("op=moderation.report: insert log: %w", err)
		}
		observability.ModerationActionsTotal.WithLabelValues(string(domain.ModerationReview)).Inc()
	}
	return nil
}

// immediateAction blocks reported content outright and still parks it for a
// moderator to confirm.
func (e *Engine) immediateAction(ctx domain.Context, job domain.Job, count int) error {
	outcome := domain.ModerationOutcome{
		Action: domain.ModerationBlock,
		Reason: fmt.Sprintf("immediate action after %d reports", count),
	}
	state := outcome.Action
	public := false
	if err := e.jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{Moderation: &state, IsPublic: &public}); err != nil {
		return fmt.Errorf("op=moderation.report: update job: %w", err)
	}
	if err := e.parkForReview(ctx, job, outcome.Reason, 100+10*count); err != nil {
		return err
	}
	if err := e.repo.InsertLog(ctx, domain.ModerationLog{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Action:    outcome.Action,
		Reason:    outcome.Reason,
		CreatedAt: e.now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=moderation.report: insert log: %w", err)
	}
	observability.ModerationActionsTotal.WithLabelValues(string(domain.ModerationBlock)).Inc()
	if e.notifier != nil {
		e.notifyEnforcement(ctx, job, outcome)
	}
	return nil
}

// ResolveReview closes a review item and writes the verdict back onto the
// job. decision is approved or blocked.
func (e *Engine) ResolveReview(ctx domain.Context, reviewID, decision string) (domain.ReviewItem, error) {
	var state domain.ModerationState
	var public bool
	switch decision {
	case domain.ReviewApproved:
		state, public = domain.ModerationApprove, true
	case domain.ReviewBlocked:
		state, public = domain.ModerationBlock, false
	default:
		return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve: decision %q: %w", decision, domain.ErrInvalidArgument)
	}
	item, err := e.repo.ResolveReviewItem(ctx, reviewID, decision)
	if err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve: %w", err)
	}
	if err := e.jobs.UpdateStatus(ctx, item.JobID, domain.StatusPatch{Moderation: &state, IsPublic: &public}); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve: update job: %w", err)
	}
	if err := e.repo.InsertLog(ctx, domain.ModerationLog{
		ID:        uuid.NewString(),
		JobID:     item.JobID,
		OwnerID:   item.OwnerID,
		Action:    state,
		Reason:    "manual review: " + decision,
		CreatedAt: e.now().UTC(),
	}); err != nil {
		return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve: insert log: %w", err)
	}
	observability.ModerationActionsTotal.WithLabelValues(string(state)).Inc()
	return item, nil
}

// PendingReviews lists open review items for the ops surface.
func (e *Engine) PendingReviews(ctx domain.Context, p domain.Page) ([]domain.ReviewItem, error) {
	items, err := e.repo.ListReviewItems(ctx, domain.ReviewPending, p)
	if err != nil {
		return nil, fmt.Errorf("op=moderation.reviews: %w", err)
	}
	return items, nil
}
