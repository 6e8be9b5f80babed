package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/adi99/vidai/internal/domain"
)

// MockGenerator mocks domain.Generator.
type MockGenerator struct{ mock.Mock }

func (m *MockGenerator) GenerateImage(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(domain.GenerationResult), args.Error(1)
}

func (m *MockGenerator) GenerateVideo(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(domain.GenerationResult), args.Error(1)
}

func (m *MockGenerator) Caption(ctx domain.Context, params domain.CaptionParams) (domain.CaptionResult, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(domain.CaptionResult), args.Error(1)
}

// MockModerator mocks domain.Moderator.
type MockModerator struct{ mock.Mock }

func (m *MockModerator) Moderate(ctx domain.Context, job domain.Job) (domain.ModerationOutcome, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(domain.ModerationOutcome), args.Error(1)
}

// MockNotificationPublisher mocks domain.NotificationPublisher.
type MockNotificationPublisher struct{ mock.Mock }

func (m *MockNotificationPublisher) Publish(ctx domain.Context, event domain.NotificationEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockClassifier mocks domain.Classifier.
type MockClassifier struct{ mock.Mock }

func (m *MockClassifier) Classify(ctx domain.Context, mediaURL string, kind domain.JobKind) (domain.Classification, error) {
	args := m.Called(ctx, mediaURL, kind)
	return args.Get(0).(domain.Classification), args.Error(1)
}

// MockUserRepository mocks domain.UserRepository.
type MockUserRepository struct{ mock.Mock }

func (m *MockUserRepository) EnsureUser(ctx domain.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *MockUserRepository) AccountCreatedAt(ctx domain.Context, userID string) (time.Time, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockUserRepository) NotificationPrefs(ctx domain.Context, userID string) (map[domain.NotificationCategory]bool, error) {
	args := m.Called(ctx, userID)
	var prefs map[domain.NotificationCategory]bool
	if v := args.Get(0); v != nil {
		prefs = v.(map[domain.NotificationCategory]bool)
	}
	return prefs, args.Error(1)
}

func (m *MockUserRepository) SetNotificationPref(ctx domain.Context, userID string, category domain.NotificationCategory, enabled bool) error {
	args := m.Called(ctx, userID, category, enabled)
	return args.Error(0)
}

// MockViolationStore mocks domain.ViolationStore.
type MockViolationStore struct{ mock.Mock }

func (m *MockViolationStore) AddViolation(ctx domain.Context, userID, action, severity string) error {
	args := m.Called(ctx, userID, action, severity)
	return args.Error(0)
}

func (m *MockViolationStore) CountViolationsSince(ctx domain.Context, userID string, since time.Time) (int, error) {
	args := m.Called(ctx, userID, since)
	return args.Int(0), args.Error(1)
}

func (m *MockViolationStore) RecentViolators(ctx domain.Context, since time.Time) (map[string]int, error) {
	args := m.Called(ctx, since)
	var counts map[string]int
	if v := args.Get(0); v != nil {
		counts = v.(map[string]int)
	}
	return counts, args.Error(1)
}

func (m *MockViolationStore) PruneViolations(ctx domain.Context, olderThan time.Time) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

// MockModerationRepository mocks domain.ModerationRepository.
type MockModerationRepository struct{ mock.Mock }

func (m *MockModerationRepository) InsertLog(ctx domain.Context, log domain.ModerationLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockModerationRepository) InsertReviewItem(ctx domain.Context, item domain.ReviewItem) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *MockModerationRepository) ListReviewItems(ctx domain.Context, status string, p domain.Page) ([]domain.ReviewItem, error) {
	args := m.Called(ctx, status, p)
	var items []domain.ReviewItem
	if v := args.Get(0); v != nil {
		items = v.([]domain.ReviewItem)
	}
	return items, args.Error(1)
}

func (m *MockModerationRepository) ResolveReviewItem(ctx domain.Context, id, status string) (domain.ReviewItem, error) {
	args := m.Called(ctx, id, status)
	return args.Get(0).(domain.ReviewItem), args.Error(1)
}

func (m *MockModerationRepository) InsertReport(ctx domain.Context, report domain.ContentReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *MockModerationRepository) CountReportsForContent(ctx domain.Context, contentID string, since time.Time) (int, error) {
	args := m.Called(ctx, contentID, since)
	return args.Int(0), args.Error(1)
}
