package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/adi99/vidai/internal/domain"
)

// ViolationRepo durably mirrors rate-limit violations so the adaptive tier
// carries across process restarts. Redis holds the hot window; this table is
// the source of truth for the trailing count.
type ViolationRepo struct{ Pool PgxPool }

// NewViolationRepo constructs a ViolationRepo with the given pool.
func NewViolationRepo(p PgxPool) *ViolationRepo { return &ViolationRepo{Pool: p} }

// AddViolation records one limit breach.
func (r *ViolationRepo) AddViolation(ctx domain.Context, userID, action, severity string) error {
	tracer := otel.Tracer("repo.violations")
	ctx, span := tracer.Start(ctx, "violations.Add")
	defer span.End()
	if severity == "" {
		severity = "medium"
	}
	q := `INSERT INTO rate_violations (user_id, action, severity, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, userID, action, severity, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=violations.add: %w", err)
	}
	return nil
}

// CountViolationsSince counts the user's breaches after the cutoff.
func (r *ViolationRepo) CountViolationsSince(ctx domain.Context, userID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.violations")
	ctx, span := tracer.Start(ctx, "violations.CountSince")
	defer span.End()
	var n int
	q := `SELECT COUNT(*) FROM rate_violations WHERE user_id=$1 AND created_at >= $2`
	if err := r.Pool.QueryRow(ctx, q, userID, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=violations.count: %w", err)
	}
	return n, nil
}

// RecentViolators returns per-user breach counts after the cutoff. The
// limiter warms its Redis tier state from this at startup.
func (r *ViolationRepo) RecentViolators(ctx domain.Context, since time.Time) (map[string]int, error) {
	tracer := otel.Tracer("repo.violations")
	ctx, span := tracer.Start(ctx, "violations.RecentViolators")
	defer span.End()
	q := `SELECT user_id, COUNT(*) FROM rate_violations WHERE created_at >= $1 GROUP BY user_id`
	rows, err := r.Pool.Query(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=violations.recent: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			userID string
			n      int
		)
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("op=violations.recent: scan: %w", err)
		}
		out[userID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=violations.recent: rows: %w", err)
	}
	return out, nil
}

// PruneViolations deletes breaches older than the cutoff and reports how many
// rows went away.
func (r *ViolationRepo) PruneViolations(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.violations")
	ctx, span := tracer.Start(ctx, "violations.Prune")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM rate_violations WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=violations.prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
