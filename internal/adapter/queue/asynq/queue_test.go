package asynqadp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/domain"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		redisURL string
		wantErr  bool
	}{
		{name: "valid redis URL", redisURL: "redis://localhost:6379", wantErr: false},
		{name: "valid redis URL with database", redisURL: "redis://localhost:6379/1", wantErr: false},
		{name: "invalid scheme", redisURL: "invalid://url", wantErr: true},
		{name: "empty URL", redisURL: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, err := New(tt.redisURL, 24*time.Hour)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "redis")
				assert.Nil(t, q)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, q)
		})
	}
}

func TestQueue_Enqueue_ValidatesTask(t *testing.T) {
	t.Parallel()
	q, err := New("redis://localhost:6379/15", time.Hour)
	require.NoError(t, err)

	err = q.Enqueue(context.Background(), domain.GenerationTask{
		OwnerID: "u1",
		Kind:    domain.KindImage,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = q.Enqueue(context.Background(), domain.GenerationTask{
		JobID: "job-1",
		Kind:  domain.KindImage,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQueue_PushDeadLetter_ValidatesEntry(t *testing.T) {
	t.Parallel()
	q, err := New("redis://localhost:6379/15", time.Hour)
	require.NoError(t, err)

	err = q.PushDeadLetter(context.Background(), domain.DeadLetter{
		Kind:      domain.KindVideo,
		ErrorCode: domain.ErrCodeProviderDown,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskTypeConstants(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "generation:process", TaskGenerate)
	assert.Equal(t, "generation:dead_letter", TaskDeadLetter)
}
