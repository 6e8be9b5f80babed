// Package mocks provides testify mocks for the domain ports.
package mocks

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/adi99/vidai/internal/domain"
)

// MockJobRepository mocks domain.JobRepository.
type MockJobRepository struct{ mock.Mock }

func (m *MockJobRepository) Create(ctx domain.Context, j domain.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}

func (m *MockJobRepository) UpdateStatus(ctx domain.Context, id string, patch domain.StatusPatch) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *MockJobRepository) Get(ctx domain.Context, id string) (domain.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Job), args.Error(1)
}

func (m *MockJobRepository) ListByOwner(ctx domain.Context, owner string, f domain.JobFilter, p domain.Page) ([]domain.Job, int, error) {
	args := m.Called(ctx, owner, f, p)
	var jobs []domain.Job
	if v := args.Get(0); v != nil {
		jobs = v.([]domain.Job)
	}
	return jobs, args.Int(1), args.Error(2)
}

func (m *MockJobRepository) GetByOwnerAndName(ctx domain.Context, owner string, kind domain.JobKind, name string) (domain.Job, error) {
	args := m.Called(ctx, owner, kind, name)
	return args.Get(0).(domain.Job), args.Error(1)
}

func (m *MockJobRepository) ListStuckProcessing(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	args := m.Called(ctx, olderThan, limit)
	var jobs []domain.Job
	if v := args.Get(0); v != nil {
		jobs = v.([]domain.Job)
	}
	return jobs, args.Error(1)
}
