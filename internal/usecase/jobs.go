package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// QueueInspector refines how the queue currently holds a non-terminal job's
// task, so the API can tell a retry backoff apart from normal waiting.
type QueueInspector interface {
	Hold(ctx domain.Context, jobID string, kind domain.JobKind) (domain.QueueHold, error)
}

// API states. The store vocabulary is pending/processing; the API reports
// waiting/active/delayed for non-terminal jobs, where delayed means the
// queue is holding the task for a retry backoff.
const (
	StateWaiting = "waiting"
	StateActive  = "active"
	StateDelayed = "delayed"
)

// JobStatus is the owner-facing view of a job.
type JobStatus struct {
	JobID       string            `json:"jobId"`
	State       string            `json:"state"`
	Progress    int               `json:"progress"`
	Queue       string            `json:"queue"`
	Cost        int64             `json:"cost"`
	Result      *domain.JobResult `json:"result,omitempty"`
	Error       *domain.JobError  `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// HistoryPage is one page of an owner's job listing.
type HistoryPage struct {
	Jobs  []JobStatus `json:"jobs"`
	Total int         `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}

// JobService answers owner-scoped job queries and cancellations, plus the
// credit views that ride along with them.
type JobService struct {
	Jobs      domain.JobRepository
	Credits   domain.CreditLedger
	Queue     domain.Queue
	Inspector QueueInspector
	Notifier  domain.NotificationPublisher

	refundInitial    time.Duration
	refundMaxElapsed time.Duration
}

// NewJobService constructs the query/cancel service. Inspector and notifier
// are optional.
func NewJobService(jobs domain.JobRepository, credits domain.CreditLedger, queue domain.Queue, inspector QueueInspector, notifier domain.NotificationPublisher, refundInitial, refundMaxElapsed time.Duration) JobService {
	return JobService{
		Jobs:             jobs,
		Credits:          credits,
		Queue:            queue,
		Inspector:        inspector,
		Notifier:         notifier,
		refundInitial:    refundInitial,
		refundMaxElapsed: refundMaxElapsed,
	}
}

// Get returns the owner's view of one job. Jobs owned by someone else read
// as not found so job ids cannot be probed.
func (s JobService) Get(ctx domain.Context, userID, jobID string) (JobStatus, error) {
	if userID == "" || jobID == "" {
		return JobStatus{}, fmt.Errorf("op=usecase.jobs.get: %w: user and job ids are required", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("op=usecase.jobs.get: %w", err)
	}
	if job.OwnerID != userID {
		return JobStatus{}, fmt.Errorf("op=usecase.jobs.get: %w", domain.ErrNotFound)
	}
	return s.status(ctx, job, true), nil
}

// Cancel stops a non-terminal job: the store flips first so workers observe
// the cancel, then the queue task is removed best-effort, then the refund.
func (s JobService) Cancel(ctx domain.Context, userID, jobID string) error {
	tracer := otel.Tracer("usecase.jobs")
	ctx, span := tracer.Start(ctx, "CancelJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	if userID == "" || jobID == "" {
		return fmt.Errorf("op=usecase.jobs.cancel: %w: user and job ids are required", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=usecase.jobs.cancel: %w", err)
	}
	if job.OwnerID != userID {
		return fmt.Errorf("op=usecase.jobs.cancel: %w", domain.ErrNotOwner)
	}
	if job.State.Terminal() {
		return fmt.Errorf("op=usecase.jobs.cancel state=%s: %w", job.State, domain.ErrNotCancellable)
	}

	cancelled := domain.JobCancelled
	jerr := domain.JobError{Code: domain.ErrCodeCancelled, Message: "cancelled by user"}
	if err := s.Jobs.UpdateStatus(ctx, jobID, domain.StatusPatch{State: &cancelled, Error: &jerr}); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			return fmt.Errorf("op=usecase.jobs.cancel: %w", domain.ErrNotCancellable)
		}
		return fmt.Errorf("op=usecase.jobs.cancel: %w", err)
	}
	observability.CancelJob(string(job.Kind))
	slog.Info("job cancelled",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("kind", string(job.Kind)),
		slog.String("prior_state", string(job.State)))

	// The store is already authoritative; a task that escapes removal will
	// see the cancelled state on pickup and ack without work.
	if err := s.Queue.Cancel(ctx, jobID, job.Kind); err != nil {
		slog.Warn("queue task removal failed", slog.String("job_id", jobID), slog.Any("error", err))
	}

	meta := map[string]string{"error_code": domain.ErrCodeCancelled}
	if err := refundWithGrace(ctx, s.Credits, job.OwnerID, job.Cost, job.ID, meta, s.refundInitial, s.refundMaxElapsed); err != nil {
		observability.CreditRefundFailuresTotal.Inc()
		slog.Error("refund failed, manual reconciliation required",
			slog.String("job_id", job.ID),
			slog.String("user_id", job.OwnerID),
			slog.Int64("amount", job.Cost),
			slog.Any("error", err))
	} else {
		observability.CreditsRefundedTotal.Add(float64(job.Cost))
	}

	s.notifyCancelled(ctx, job)
	return nil
}

// History lists the owner's jobs, newest first. The queue is not consulted
// per row; processing jobs read as active.
func (s JobService) History(ctx domain.Context, userID string, f domain.JobFilter, page, limit int) (HistoryPage, error) {
	if userID == "" {
		return HistoryPage{}, fmt.Errorf("op=usecase.jobs.history: %w: user id is required", domain.ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	jobs, total, err := s.Jobs.ListByOwner(ctx, userID, f, domain.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("op=usecase.jobs.history: %w", err)
	}
	statuses := lo.Map(jobs, func(j domain.Job, _ int) JobStatus {
		return s.status(ctx, j, false)
	})
	return HistoryPage{Jobs: statuses, Total: total, Page: page, Limit: limit}, nil
}

// Balance returns the user's current credit balance.
func (s JobService) Balance(ctx domain.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("op=usecase.jobs.balance: %w: user id is required", domain.ErrInvalidArgument)
	}
	bal, err := s.Credits.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("op=usecase.jobs.balance: %w", err)
	}
	return bal, nil
}

// Transactions returns a page of the user's credit ledger, newest first.
func (s JobService) Transactions(ctx domain.Context, userID string, page, limit int) ([]domain.CreditTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("op=usecase.jobs.transactions: %w: user id is required", domain.ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	txs, err := s.Credits.Transactions(ctx, userID, domain.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("op=usecase.jobs.transactions: %w", err)
	}
	return txs, nil
}

func (s JobService) status(ctx domain.Context, job domain.Job, refine bool) JobStatus {
	hold := domain.HoldNone
	if refine && !job.State.Terminal() && s.Inspector != nil {
		h, err := s.Inspector.Hold(ctx, job.ID, job.Kind)
		if err != nil {
			slog.Debug("queue hold lookup failed", slog.String("job_id", job.ID), slog.Any("error", err))
		} else {
			hold = h
		}
	}
	return JobStatus{
		JobID:       job.ID,
		State:       apiState(job.State, hold),
		Progress:    job.Progress,
		Queue:       domain.PolicyFor(job.Kind).Queue,
		Cost:        job.Cost,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
}

// apiState folds the store state and the queue hold into the API vocabulary.
func apiState(state domain.JobState, hold domain.QueueHold) string {
	switch state {
	case domain.JobPending:
		return StateWaiting
	case domain.JobProcessing:
		switch hold {
		case domain.HoldDelayed:
			return StateDelayed
		case domain.HoldWaiting:
			return StateWaiting
		default:
			return StateActive
		}
	default:
		return string(state)
	}
}

func (s JobService) notifyCancelled(ctx domain.Context, job domain.Job) {
	if s.Notifier == nil {
		return
	}
	title := "Generation cancelled"
	if job.Kind == domain.KindTraining {
		title = "Training cancelled"
	}
	event := domain.NotificationEvent{
		UserID:   job.OwnerID,
		Category: categoryFor(job.Kind),
		Title:    title,
		Body:     fmt.Sprintf("Your %s job was cancelled and the credits were refunded.", job.Kind),
		JobID:    job.ID,
		Data: map[string]string{
			"state": string(domain.JobCancelled),
			"kind":  string(job.Kind),
		},
	}
	if err := s.Notifier.Publish(ctx, event); err != nil {
		slog.Warn("cancel notification dropped", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
