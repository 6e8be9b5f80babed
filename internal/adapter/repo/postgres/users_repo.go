package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/adi99/vidai/internal/domain"
)

// UserRepo exposes the account data the pipeline needs. Identity itself is
// upstream; rows here exist so account age and notification preferences have
// a durable home.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// EnsureUser creates the user row on first sight. Idempotent.
func (r *UserRepo) EnsureUser(ctx domain.Context, userID string) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.EnsureUser")
	defer span.End()
	if userID == "" {
		return fmt.Errorf("op=user.ensure: missing id: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO users (id, created_at) VALUES ($1,$2) ON CONFLICT (id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=user.ensure: %w", err)
	}
	return nil
}

// AccountCreatedAt returns when the account was first seen.
func (r *UserRepo) AccountCreatedAt(ctx domain.Context, userID string) (time.Time, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.AccountCreatedAt")
	defer span.End()
	var createdAt time.Time
	err := r.Pool.QueryRow(ctx, `SELECT created_at FROM users WHERE id=$1`, userID).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("op=user.created_at: %w", domain.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("op=user.created_at: %w", err)
	}
	return createdAt, nil
}

// NotificationPrefs returns the user's per-category opt-outs. Categories with
// no row default to enabled; system notifications are always on.
func (r *UserRepo) NotificationPrefs(ctx domain.Context, userID string) (map[domain.NotificationCategory]bool, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.NotificationPrefs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT category, enabled FROM notification_prefs WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("op=user.notification_prefs: %w", err)
	}
	defer rows.Close()

	prefs := map[domain.NotificationCategory]bool{
		domain.NotifyGenerationComplete: true,
		domain.NotifyTrainingComplete:   true,
		domain.NotifySocial:             true,
		domain.NotifySubscription:       true,
		domain.NotifySystem:             true,
	}
	for rows.Next() {
		var (
			category domain.NotificationCategory
			enabled  bool
		)
		if err := rows.Scan(&category, &enabled); err != nil {
			return nil, fmt.Errorf("op=user.notification_prefs: scan: %w", err)
		}
		prefs[category] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=user.notification_prefs: rows: %w", err)
	}
	prefs[domain.NotifySystem] = true
	return prefs, nil
}

// SetNotificationPref records an opt-in/opt-out for one category. System
// notifications cannot be disabled.
func (r *UserRepo) SetNotificationPref(ctx domain.Context, userID string, category domain.NotificationCategory, enabled bool) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.SetNotificationPref")
	defer span.End()
	if category == domain.NotifySystem && !enabled {
		return fmt.Errorf("op=user.set_notification_pref: system notifications are mandatory: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO notification_prefs (user_id, category, enabled, updated_at) VALUES ($1,$2,$3,$4)
	ON CONFLICT (user_id, category) DO UPDATE SET enabled=EXCLUDED.enabled, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, userID, category, enabled, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=user.set_notification_pref: %w", err)
	}
	return nil
}
