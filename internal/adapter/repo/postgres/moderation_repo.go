package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/domain"
)

// ModerationRepo persists moderation audit logs, the human review queue and
// user content reports.
type ModerationRepo struct{ Pool PgxPool }

// NewModerationRepo constructs a ModerationRepo with the given pool.
func NewModerationRepo(p PgxPool) *ModerationRepo { return &ModerationRepo{Pool: p} }

// InsertLog appends one enforcement decision to the audit trail.
func (r *ModerationRepo) InsertLog(ctx domain.Context, log domain.ModerationLog) error {
	tracer := otel.Tracer("repo.moderation")
	ctx, span := tracer.Start(ctx, "moderation.InsertLog")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "moderation_logs"),
	)
	id := log.ID
	if id == "" {
		id = uuid.New().String()
	}
	categories, err := json.Marshal(log.Categories)
	if err != nil {
		return fmt.Errorf("op=moderation.insert_log: marshal categories: %w", err)
	}
	q := `INSERT INTO moderation_logs (id, job_id, owner_id, action, confidence, categories, reason, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = r.Pool.Exec(ctx, q, id, log.JobID, log.OwnerID, log.Action, log.Confidence, categories, log.Reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=moderation.insert_log: %w", err)
	}
	return nil
}

// InsertReviewItem parks a job for human review.
func (r *ModerationRepo) InsertReviewItem(ctx domain.Context, item domain.ReviewItem) error {
	tracer := otel.Tracer("repo.moderation")
	ctx, span := tracer.Start(ctx, "moderation.InsertReviewItem")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "review_queue"),
	)
	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := item.Status
	if status == "" {
		status = domain.ReviewPending
	}
	q := `INSERT INTO review_queue (id, job_id, owner_id, priority, reason, status, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (job_id) DO UPDATE SET priority=GREATEST(review_queue.priority, EXCLUDED.priority), reason=EXCLUDED.reason`
	_, err := r.Pool.Exec(ctx, q, id, item.JobID, item.OwnerID, item.Priority, item.Reason, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=moderation.insert_review: %w", err)
	}
	return nil
}

// ListReviewItems returns one page of review items for a status, highest
// priority first, then oldest.
func (r *ModerationRepo) ListReviewItems(ctx domain.Context, status string, p domain.Page) ([]domain.ReviewItem, error) {
	tracer := otel.Tracer("repo.moderation")
	ctx, span := tracer.Start(ctx, "moderation.ListReviewItems")
	defer span.End()
	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `SELECT id, job_id, owner_id, priority, reason, status, created_at
	FROM review_queue WHERE status=$1 ORDER BY priority DESC, created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, status, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=moderation.list_review: %w", err)
	}
	defer rows.Close()
	var out []domain.ReviewItem
	for rows.Next() {
		var it domain.ReviewItem
		if err := rows.Scan(&it.ID, &it.JobID, &it.OwnerID, &it.Priority, &it.Reason, &it.Status, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=moderation.list_review: scan: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=moderation.list_review: rows: %w", err)
	}
	return out, nil
}

// ResolveReviewItem moves a pending item to approved or blocked and returns
// the updated item so the caller can propagate the verdict to the job.
func (r *ModerationRepo) ResolveReviewItem(ctx domain.Context, id, status string) (domain.ReviewItem, error) {
	tracer := otel.Tracer("repo.moderation")
	ctx, span := tracer.Start(ctx, "moderation.ResolveReviewItem")
	defer span.End()
	if status != domain.ReviewApproved && status != domain.ReviewBlocked {
		return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve_review: status %q: %w", status, domain.ErrInvalidArgument)
	}
	q := `UPDATE review_queue SET status=$2, resolved_at=$3 WHERE id=$1 AND status=$4
	RETURNING id, job_id, owner_id, priority, reason, status, created_at`
	row := r.Pool.QueryRow(ctx, q, id, status, time.Now().UTC(), domain.ReviewPending)
	var it domain.ReviewItem
	if err := row.Scan(&it.ID, &it.JobID, &it.OwnerID, &it.Priority, &it.Reason, &it.Status, &it.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve_review: %w", domain.ErrNotFound)
		}
		return domain.ReviewItem{}, fmt.Errorf("op=moderation.resolve_review: %w", err)
	}
	return it, nil
}

// InsertReport stores one user report against a piece of content.
func (r *ModerationRepo) InsertReport(ctx domain.Context, report domain.ContentReport) error {
	tracer := otel.Tracer("repo.moderation")
	ctx, span := tracer.Start(ctx, "moderation.InsertReport")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "content_reports"),
	)
	id := report.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO content_reports (id, content_id, reporter_id, reason, details, created_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (content_id, reporter_id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, report.ContentID, report.ReporterID, report.Reason, report.Details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=moderation.insert_report: %w", err)
	}
	return nil
}

// CountReportsForContent counts distinct reporters of a content id since the
// cutoff. The policy engine escalates at its thresholds.
func (r *ModerationRepo) CountReportsForContent(ctx domain.Context, contentID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.moderation")
	ctx, span := tracer.Start(ctx, "moderation.CountReports")
	defer span.End()
	var n int
	q := `SELECT COUNT(DISTINCT reporter_id) FROM content_reports WHERE content_id=$1 AND created_at >= $2`
	if err := r.Pool.QueryRow(ctx, q, contentID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=moderation.count_reports: %w", err)
	}
	return n, nil
}
