package domain

import "time"

// CategoryScores is the classifier's per-category score vector.
type CategoryScores struct {
	Adult      float64 `json:"adult"`
	Violence   float64 `json:"violence"`
	Hate       float64 `json:"hate"`
	Harassment float64 `json:"harassment"`
	SelfHarm   float64 `json:"self_harm"`
}

// Classification is the raw classifier verdict for one media URL.
type Classification struct {
	Inappropriate bool
	Confidence    float64
	Categories    CategoryScores
	Model         string
}

// Classifier (port) wraps the external moderation model. The policy decision
// on top of it is in scope; the model itself is not.
//
//go:generate mockery --name=Classifier --with-expecter --filename=classifier_mock.go
type Classifier interface {
	Classify(ctx Context, mediaURL string, kind JobKind) (Classification, error)
}

// ModerationOutcome is the enforced policy decision for a job.
type ModerationOutcome struct {
	Action     ModerationState
	Confidence float64
	Categories CategoryScores
	Reason     string
}

// ModerationLog is one audit row per enforcement decision.
type ModerationLog struct {
	ID         string
	JobID      string
	OwnerID    string
	Action     ModerationState
	Confidence float64
	Categories CategoryScores
	Reason     string
	CreatedAt  time.Time
}

// ReviewItem is a job parked for human review. Priority orders the review
// queue; higher dispatches first.
type ReviewItem struct {
	ID        string
	JobID     string
	OwnerID   string
	Priority  int
	Reason    string
	Status    string
	CreatedAt time.Time
}

// Review item statuses.
const (
	ReviewPending  = "pending"
	ReviewApproved = "approved"
	ReviewBlocked  = "blocked"
)

// ContentReport is a user-submitted report feeding the enforcement path.
type ContentReport struct {
	ID         string
	ContentID  string
	ReporterID string
	Reason     string
	Details    string
	CreatedAt  time.Time
}

// Accepted report reasons.
var ReportReasons = []string{
	"inappropriate", "spam", "copyright", "harassment", "violence", "other",
}

// ModerationRepository (port) persists enforcement artifacts.
type ModerationRepository interface {
	InsertLog(ctx Context, log ModerationLog) error
	InsertReviewItem(ctx Context, item ReviewItem) error
	ListReviewItems(ctx Context, status string, p Page) ([]ReviewItem, error)
	ResolveReviewItem(ctx Context, id, status string) (ReviewItem, error)
	InsertReport(ctx Context, report ContentReport) error
	CountReportsForContent(ctx Context, contentID string, since time.Time) (int, error)
}
