package domain

import "time"

// NotificationCategory buckets events for per-user preference filtering.
type NotificationCategory string

const (
	NotifyGenerationComplete NotificationCategory = "generation_complete"
	NotifyTrainingComplete   NotificationCategory = "training_complete"
	NotifySocial             NotificationCategory = "social"
	NotifySubscription       NotificationCategory = "subscription"
	NotifySystem             NotificationCategory = "system"
)

// NotificationEvent is one best-effort event keyed by (user, category).
// Emitted on every terminal job state and on moderation enforcement.
type NotificationEvent struct {
	UserID    string               `json:"user_id"`
	Category  NotificationCategory `json:"category"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	JobID     string               `json:"job_id,omitempty"`
	Data      map[string]string    `json:"data,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}
