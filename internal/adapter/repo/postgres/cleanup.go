package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService handles data retention and cleanup
type CleanupService struct {
	Pool                   PgxPool
	ViolationRetentionDays int
	AuditRetentionDays     int
	MaxViolationsPerUser   int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool, violationDays, auditDays int) *CleanupService {
	if violationDays <= 0 {
		violationDays = 7
	}
	if auditDays <= 0 {
		auditDays = 90 // default 90 days
	}
	return &CleanupService{
		Pool:                   pool,
		ViolationRetentionDays: violationDays,
		AuditRetentionDays:     auditDays,
		MaxViolationsPerUser:   100,
	}
}

// CleanupOldData removes data older than the retention periods: rate-limit
// violations past their window, stale moderation audit logs and resolved
// review items. Jobs and the credit ledger are kept indefinitely.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	violationCutoff := time.Now().AddDate(0, 0, -s.ViolationRetentionDays)
	auditCutoff := time.Now().AddDate(0, 0, -s.AuditRetentionDays)

	tag, err := s.Pool.Exec(ctx, `DELETE FROM rate_violations WHERE created_at < $1`, violationCutoff)
	if err != nil {
		return fmt.Errorf("cleanup violations: %w", err)
	}
	deletedViolations := tag.RowsAffected()

	// The violation log is a bounded per-user ring: beyond the newest N rows
	// a user's older entries go, regardless of age.
	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM rate_violations WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY created_at DESC) AS rn
				FROM rate_violations
			) ranked WHERE rn > $1
		)`, s.MaxViolationsPerUser)
	if err != nil {
		return fmt.Errorf("cleanup violation overflow: %w", err)
	}
	deletedViolations += tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM moderation_logs WHERE created_at < $1`, auditCutoff)
	if err != nil {
		return fmt.Errorf("cleanup moderation logs: %w", err)
	}
	deletedLogs := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM review_queue WHERE status <> 'pending' AND resolved_at < $1`, auditCutoff)
	if err != nil {
		return fmt.Errorf("cleanup review queue: %w", err)
	}
	deletedReviews := tag.RowsAffected()

	tag, err = s.Pool.Exec(ctx, `DELETE FROM content_reports WHERE created_at < $1`, auditCutoff)
	if err != nil {
		return fmt.Errorf("cleanup reports: %w", err)
	}
	deletedReports := tag.RowsAffected()

	slog.Info("data cleanup completed",
		slog.Int64("deleted_violations", deletedViolations),
		slog.Int64("deleted_moderation_logs", deletedLogs),
		slog.Int64("deleted_review_items", deletedReviews),
		slog.Int64("deleted_reports", deletedReports),
		slog.Time("violation_cutoff", violationCutoff),
		slog.Time("audit_cutoff", auditCutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
