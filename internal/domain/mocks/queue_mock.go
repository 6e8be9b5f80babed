package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/adi99/vidai/internal/domain"
)

// MockQueue mocks domain.Queue.
type MockQueue struct{ mock.Mock }

func (m *MockQueue) Enqueue(ctx domain.Context, task domain.GenerationTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockQueue) Cancel(ctx domain.Context, jobID string, kind domain.JobKind) error {
	args := m.Called(ctx, jobID, kind)
	return args.Error(0)
}

func (m *MockQueue) PushDeadLetter(ctx domain.Context, entry domain.DeadLetter) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// MockRateLimiter mocks domain.RateLimiter.
type MockRateLimiter struct{ mock.Mock }

func (m *MockRateLimiter) Check(ctx domain.Context, userID, action string) domain.Decision {
	args := m.Called(ctx, userID, action)
	return args.Get(0).(domain.Decision)
}
