package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotOwner            = errors.New("not owner")
	ErrNotCancellable      = errors.New("not cancellable")
	ErrTerminalState       = errors.New("job already terminal")
	ErrProgressRegression  = errors.New("progress regression")
	ErrQueueUnavailable    = errors.New("queue unavailable")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInternal            = errors.New("internal error")
)

// JobKind enumerates the generation job families, one per queue.
type JobKind string

const (
	KindImage    JobKind = "image"
	KindVideo    JobKind = "video"
	KindTraining JobKind = "training"
)

// JobState is the durable lifecycle state of a job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Quality tiers for image and video generations.
const (
	QualityBasic    = "basic"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// Image edit modes.
const (
	EditInpaint           = "inpaint"
	EditOutpaint          = "outpaint"
	EditRestyle           = "restyle"
	EditBackgroundReplace = "background_replace"
)

// Video generation types.
const (
	VideoTextToVideo  = "text_to_video"
	VideoImageToVideo = "image_to_video"
	VideoKeyframe     = "keyframe"
)

// GenerationParams is the normalized, immutable request payload stored with
// the job. Caption enrichment never mutates Prompt; the enriched copy lives
// on Job.EnrichedPrompt.
type GenerationParams struct {
	Prompt           string            `json:"prompt,omitempty"`
	NegativePrompt   string            `json:"negative_prompt,omitempty"`
	Model            string            `json:"model,omitempty"`
	Quality          string            `json:"quality,omitempty"`
	Width            int               `json:"width,omitempty"`
	Height           int               `json:"height,omitempty"`
	Seed             int64             `json:"seed,omitempty"`
	InitImageURL     string            `json:"init_image_url,omitempty"`
	Strength         float64           `json:"strength,omitempty"`
	CaptionInitImage bool              `json:"caption_init_image,omitempty"`
	EditType         string            `json:"edit_type,omitempty"`
	GenerationType   string            `json:"generation_type,omitempty"`
	DurationSeconds  int               `json:"duration_seconds,omitempty"`
	FPS              int               `json:"fps,omitempty"`
	EndImageURL      string            `json:"end_image_url,omitempty"`
	ModelName        string            `json:"model_name,omitempty"`
	Steps            int               `json:"steps,omitempty"`
	ImageURLs        []string          `json:"image_urls,omitempty"`
	TriggerWord      string            `json:"trigger_word,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// JobResult is populated exactly once, on the transition to completed.
type JobResult struct {
	ImageURL  string            `json:"image_url,omitempty"`
	VideoURL  string            `json:"video_url,omitempty"`
	ModelURL  string            `json:"model_url,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	LatencyMs int64             `json:"latency_ms,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// JobError is the structured failure reason for failed/cancelled jobs.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ModerationState tracks the moderation verdict on a job's output.
type ModerationState string

const (
	ModerationUnknown ModerationState = "unknown"
	ModerationApprove ModerationState = "approve"
	ModerationFlag    ModerationState = "flag"
	ModerationReview  ModerationState = "review"
	ModerationBlock   ModerationState = "block"
)

// Job is the durable record of one generation/training request.
// Invariants: completed implies Result set and Progress=100; failed and
// cancelled imply Error set; Progress never decreases while non-terminal;
// ID doubles as the queue task id.
//
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=CreditLedger --with-expecter --filename=credit_ledger_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=Generator --with-expecter --filename=generator_mock.go
//go:generate mockery --name=Moderator --with-expecter --filename=moderator_mock.go
//go:generate mockery --name=NotificationPublisher --with-expecter --filename=notification_publisher_mock.go
type Job struct {
	ID             string
	OwnerID        string
	Kind           JobKind
	Params         GenerationParams
	EnrichedPrompt string
	Cost           int64
	State          JobState
	Progress       int
	Attempts       int
	Provider       string
	Result         *JobResult
	Error          *JobError
	Moderation     ModerationState
	IsPublic       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// StatusPatch carries the mutable fields of an UpdateStatus call. Nil fields
// are left untouched. The store rejects patches that violate the lifecycle
// invariants.
type StatusPatch struct {
	State             *JobState
	Progress          *int
	Result            *JobResult
	Error             *JobError
	Provider          *string
	EnrichedPrompt    *string
	Moderation        *ModerationState
	IsPublic          *bool
	IncrementAttempts bool
}

// JobFilter narrows ListByOwner.
type JobFilter struct {
	Kind  JobKind
	State JobState
}

// Page is offset pagination for listings.
type Page struct {
	Offset int
	Limit  int
}

// GenerationTask is the queue payload; the worker reloads the job by ID so
// the payload stays minimal and the store remains the source of truth.
type GenerationTask struct {
	JobID   string  `json:"job_id"`
	OwnerID string  `json:"owner_id"`
	Kind    JobKind `json:"kind"`
}

// DeadLetter is the full payload copy forwarded to a `<queue>-dlq` on
// terminal failure. Opaque to workers; surfaced by the ops API only.
type DeadLetter struct {
	JobID     string           `json:"job_id"`
	OwnerID   string           `json:"owner_id"`
	Kind      JobKind          `json:"kind"`
	Params    GenerationParams `json:"params"`
	Cost      int64            `json:"cost"`
	Attempts  int              `json:"attempts"`
	ErrorCode string           `json:"error_code"`
	ErrorMsg  string           `json:"error_message"`
	FailedAt  time.Time        `json:"failed_at"`
	Reprocess bool             `json:"can_reprocess"`
	QueueName string           `json:"queue"`
}

// Repositories (ports)

type JobRepository interface {
	Create(ctx Context, j Job) error
	UpdateStatus(ctx Context, id string, patch StatusPatch) error
	Get(ctx Context, id string) (Job, error)
	ListByOwner(ctx Context, owner string, f JobFilter, p Page) ([]Job, int, error)
	GetByOwnerAndName(ctx Context, owner string, kind JobKind, name string) (Job, error)
	ListStuckProcessing(ctx Context, olderThan time.Time, limit int) ([]Job, error)
}

// CreditLedger (port). Reserve and Refund serialize per user; Refund is
// idempotent by jobRef.
type CreditLedger interface {
	Reserve(ctx Context, userID string, amount int64, jobRef string, meta map[string]string) (string, error)
	Refund(ctx Context, userID string, amount int64, jobRef string, meta map[string]string) error
	Deposit(ctx Context, userID string, amount int64, reason string, meta map[string]string) (string, error)
	Balance(ctx Context, userID string) (int64, error)
	Transactions(ctx Context, userID string, p Page) ([]CreditTransaction, error)
}

// Queue (port)

type Queue interface {
	Enqueue(ctx Context, task GenerationTask) error
	Cancel(ctx Context, jobID string, kind JobKind) error
	PushDeadLetter(ctx Context, entry DeadLetter) error
}

// RateLimiter (port). Implementations fail open on store errors and meter
// that path themselves.
type RateLimiter interface {
	Check(ctx Context, userID, action string) Decision
}

// Decision is a rate-limit verdict.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimitError carries the retry hint for a denied admission.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited action=%s retry_after=%s", e.Action, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Generator (port) is the orchestrator surface the workers call.
type Generator interface {
	GenerateImage(ctx Context, params GenerationParams) (GenerationResult, error)
	GenerateVideo(ctx Context, params GenerationParams) (GenerationResult, error)
	Caption(ctx Context, params CaptionParams) (CaptionResult, error)
}

// Moderator (port) classifies a completed job's output and enforces policy.
type Moderator interface {
	Moderate(ctx Context, job Job) (ModerationOutcome, error)
}

// NotificationPublisher (port) emits terminal-state and moderation events.
// Best-effort: callers log and drop on error.
type NotificationPublisher interface {
	Publish(ctx Context, event NotificationEvent) error
}

// GenerationStatus is the provider-side status vocabulary.
type GenerationStatus string

const (
	GenerationStarted   GenerationStatus = "started"
	GenerationCompleted GenerationStatus = "completed"
	GenerationFailed    GenerationStatus = "failed"
)

// GenerationResult is the common shape every provider dialect translates to.
type GenerationResult struct {
	Status        GenerationStatus
	Provider      string
	ProviderJobID string
	ImageURL      string
	VideoURL      string
	LatencyMs     int64
	Meta          map[string]string
	Error         string
}

// ProviderHealth is one provider's probe outcome.
type ProviderHealth struct {
	OK        bool
	LatencyMs int64
	CheckedAt time.Time
	Details   string
}

// GPUProvider (port). Implementations translate their dialect (synchronous
// or submit-then-poll) into GenerationResult under the caller's deadline.
type GPUProvider interface {
	Name() string
	Health(ctx Context) ProviderHealth
	GenerateImage(ctx Context, params GenerationParams) (GenerationResult, error)
	GenerateVideo(ctx Context, params GenerationParams) (GenerationResult, error)
}

// CaptionParams feeds the captioning path.
type CaptionParams struct {
	ImageURL string
	Prompt   string
}

// CaptionResult is the captioning outcome.
type CaptionResult struct {
	Caption   string
	Model     string
	LatencyMs int64
}

// CaptionProvider (port). Single attempt, independent timeout; failures are
// swallowed by the worker.
type CaptionProvider interface {
	Name() string
	Caption(ctx Context, params CaptionParams) (CaptionResult, error)
}

// UserRepository (port) exposes the slivers of account data the pipeline
// needs: account age for trust scoring and notification preferences.
type UserRepository interface {
	EnsureUser(ctx Context, userID string) error
	AccountCreatedAt(ctx Context, userID string) (time.Time, error)
	NotificationPrefs(ctx Context, userID string) (map[NotificationCategory]bool, error)
	SetNotificationPref(ctx Context, userID string, category NotificationCategory, enabled bool) error
}

// ViolationStore (port) mirrors rate-limit violations durably so the adaptive
// tier survives restarts. Entries age out after the retention window.
// Severity is the tier in effect at breach time mapped to low/medium/high.
type ViolationStore interface {
	AddViolation(ctx Context, userID, action, severity string) error
	CountViolationsSince(ctx Context, userID string, since time.Time) (int, error)
	RecentViolators(ctx Context, since time.Time) (map[string]int, error)
	PruneViolations(ctx Context, olderThan time.Time) (int64, error)
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context
