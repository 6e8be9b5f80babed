package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/domain"
	"github.com/adi99/vidai/internal/domain/mocks"
	"github.com/adi99/vidai/internal/usecase"
)

type generateFixture struct {
	svc     usecase.GenerateService
	jobs    *mocks.MockJobRepository
	credits *mocks.MockCreditLedger
	queue   *mocks.MockQueue
	limiter *mocks.MockRateLimiter
	users   *mocks.MockUserRepository
}

func newGenerateFixture() *generateFixture {
	f := &generateFixture{
		jobs:    &mocks.MockJobRepository{},
		credits: &mocks.MockCreditLedger{},
		queue:   &mocks.MockQueue{},
		limiter: &mocks.MockRateLimiter{},
		users:   &mocks.MockUserRepository{},
	}
	f.svc = usecase.NewGenerateService(f.jobs, f.credits, f.queue, f.limiter, f.users, time.Millisecond, 10*time.Millisecond)
	return f
}

func (f *generateFixture) allow(userID, action string) {
	f.users.On("EnsureUser", mock.Anything, userID).Return(nil)
	f.limiter.On("Check", mock.Anything, userID, action).Return(domain.Decision{Allowed: true, Remaining: 5})
}

func TestAdmitImage_HappyPath(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "image_generation")
	f.credits.On("Reserve", mock.Anything, "u1", int64(2), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.MatchedBy(func(j domain.Job) bool {
		return j.OwnerID == "u1" && j.Kind == domain.KindImage &&
			j.State == domain.JobPending && j.Cost == 2 &&
			j.Moderation == domain.ModerationUnknown
	})).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(task domain.GenerationTask) bool {
		return task.OwnerID == "u1" && task.Kind == domain.KindImage && task.JobID != ""
	})).Return(nil)

	res, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{
		Prompt:  "a lighthouse at dusk",
		Quality: domain.QualityStandard,
	})
	require.NoError(t, err)
	assert.Len(t, res.JobID, 26)
	assert.Equal(t, "image", res.Queue)
	assert.Equal(t, int64(2), res.Cost)
	f.jobs.AssertExpectations(t)
	f.queue.AssertExpectations(t)
	f.credits.AssertExpectations(t)
}

func TestAdmit_RequiresUser(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()

	_, err := f.svc.AdmitImage(context.Background(), "", domain.GenerationParams{Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	f.limiter.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmitImage_Validation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		params domain.GenerationParams
	}{
		{"empty prompt", domain.GenerationParams{}},
		{"prompt too long", domain.GenerationParams{Prompt: strings.Repeat("a", 1001)}},
		{"strength out of range", domain.GenerationParams{Prompt: "x", InitImageURL: "https://cdn/i.png", Strength: 1.5}},
		{"edit without init image", domain.GenerationParams{Prompt: "x", EditType: domain.EditInpaint}},
		{"width too small", domain.GenerationParams{Prompt: "x", Width: 100}},
		{"height too large", domain.GenerationParams{Prompt: "x", Height: 4096}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newGenerateFixture()
			_, err := f.svc.AdmitImage(context.Background(), "u1", tc.params)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			f.users.AssertNotCalled(t, "EnsureUser", mock.Anything, mock.Anything)
			f.credits.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAdmitVideo_Validation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		params domain.GenerationParams
	}{
		{"duration zero", domain.GenerationParams{Prompt: "x", GenerationType: domain.VideoTextToVideo}},
		{"duration too long", domain.GenerationParams{Prompt: "x", GenerationType: domain.VideoTextToVideo, DurationSeconds: 31}},
		{"fps too low", domain.GenerationParams{Prompt: "x", GenerationType: domain.VideoTextToVideo, DurationSeconds: 5, FPS: 5}},
		{"image_to_video without init image", domain.GenerationParams{GenerationType: domain.VideoImageToVideo, DurationSeconds: 5}},
		{"keyframe missing end frame", domain.GenerationParams{Prompt: "x", GenerationType: domain.VideoKeyframe, DurationSeconds: 5, InitImageURL: "https://cdn/a.png"}},
		{"unknown generation type", domain.GenerationParams{Prompt: "x", GenerationType: "morph", DurationSeconds: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newGenerateFixture()
			_, err := f.svc.AdmitVideo(context.Background(), "u1", tc.params)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			f.credits.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAdmitVideo_HappyPath(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "video_generation")
	f.credits.On("Reserve", mock.Anything, "u1", int64(10), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.MatchedBy(func(j domain.Job) bool {
		return j.Kind == domain.KindVideo && j.Cost == 10
	})).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	res, err := f.svc.AdmitVideo(context.Background(), "u1", domain.GenerationParams{
		Prompt:          "waves on a shore",
		GenerationType:  domain.VideoTextToVideo,
		DurationSeconds: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "video", res.Queue)
	assert.Equal(t, int64(10), res.Cost)
}

func TestAdmit_RateLimited(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.users.On("EnsureUser", mock.Anything, "u1").Return(nil)
	f.limiter.On("Check", mock.Anything, "u1", "image_generation").
		Return(domain.Decision{Allowed: false, RetryAfter: 3 * time.Second})

	_, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
	assert.Equal(t, "image_generation", rl.Action)
	f.credits.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmit_InsufficientCredits(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "image_generation")
	f.credits.On("Reserve", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).
		Return("", domain.ErrInsufficientCredits)

	_, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	f.jobs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestAdmit_CreateFailureRefunds(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "image_generation")
	f.credits.On("Reserve", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))
	f.credits.On("Refund", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).Return(nil)

	_, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{Prompt: "x"})
	require.Error(t, err)
	f.credits.AssertCalled(t, "Refund", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything)
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestAdmit_EnqueueFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "image_generation")
	f.credits.On("Reserve", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).
		Return(domain.ErrQueueUnavailable)
	f.jobs.On("UpdateStatus", mock.Anything, mock.Anything, mock.MatchedBy(func(p domain.StatusPatch) bool {
		return p.State != nil && *p.State == domain.JobFailed &&
			p.Error != nil && p.Error.Code == domain.ErrCodeQueueError
	})).Return(nil)
	f.credits.On("Refund", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).Return(nil)

	_, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{Prompt: "x"})
	require.ErrorIs(t, err, domain.ErrQueueUnavailable)
	f.jobs.AssertExpectations(t)
	f.credits.AssertExpectations(t)
}

func TestAdmit_EnsureUserFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.users.On("EnsureUser", mock.Anything, "u1").Return(errors.New("db hiccup"))
	f.limiter.On("Check", mock.Anything, "u1", "image_generation").Return(domain.Decision{Allowed: true})
	f.credits.On("Reserve", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	_, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{Prompt: "x"})
	require.NoError(t, err)
}

func TestAdmit_NormalizesPrompt(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "image_generation")
	f.credits.On("Reserve", mock.Anything, "u1", int64(1), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.MatchedBy(func(j domain.Job) bool {
		return j.Params.Prompt == "a cat on a mat"
	})).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	_, err := f.svc.AdmitImage(context.Background(), "u1", domain.GenerationParams{
		Prompt: "  a   cat\ton a \x00mat  ",
	})
	require.NoError(t, err)
	f.jobs.AssertExpectations(t)
}

func TestAdmitTraining_HappyPath(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "training")
	f.jobs.On("GetByOwnerAndName", mock.Anything, "u1", domain.KindTraining, "my-style").
		Return(domain.Job{}, domain.ErrNotFound)
	f.credits.On("Reserve", mock.Anything, "u1", int64(20), mock.Anything, mock.Anything).Return("tx-1", nil)
	f.jobs.On("Create", mock.Anything, mock.MatchedBy(func(j domain.Job) bool {
		return j.Kind == domain.KindTraining && j.Cost == 20
	})).Return(nil)
	f.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)

	res, err := f.svc.AdmitTraining(context.Background(), "u1", domain.GenerationParams{
		ModelName: "my-style",
		Steps:     1200,
		ImageURLs: make([]string, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, "training", res.Queue)
	assert.Equal(t, int64(20), res.Cost)
}

func TestAdmitTraining_DuplicateName(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "training")
	f.jobs.On("GetByOwnerAndName", mock.Anything, "u1", domain.KindTraining, "my-style").
		Return(domain.Job{ID: "existing"}, nil)

	_, err := f.svc.AdmitTraining(context.Background(), "u1", domain.GenerationParams{
		ModelName: "my-style",
		Steps:     1200,
		ImageURLs: make([]string, 10),
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "already used")
	f.credits.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdmitTraining_Validation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		params domain.GenerationParams
	}{
		{"missing name", domain.GenerationParams{Steps: 600, ImageURLs: make([]string, 10)}},
		{"name too long", domain.GenerationParams{ModelName: strings.Repeat("n", 101), Steps: 600, ImageURLs: make([]string, 10)}},
		{"too few images", domain.GenerationParams{ModelName: "m", Steps: 600, ImageURLs: make([]string, 4)}},
		{"too many images", domain.GenerationParams{ModelName: "m", Steps: 600, ImageURLs: make([]string, 51)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newGenerateFixture()
			_, err := f.svc.AdmitTraining(context.Background(), "u1", tc.params)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestAdmitTraining_UnsupportedSteps(t *testing.T) {
	t.Parallel()
	f := newGenerateFixture()
	f.allow("u1", "training")

	_, err := f.svc.AdmitTraining(context.Background(), "u1", domain.GenerationParams{
		ModelName: "m",
		Steps:     900,
		ImageURLs: make([]string, 10),
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	f.credits.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
