package moderation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/adapter/moderation"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

func TestClient_Classify(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "mod-key", r.Header.Get("X-API-Key"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "https://cdn/img.png", in["media_url"])
		assert.Equal(t, "image", in["kind"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inappropriate": true,
			"confidence":    0.91,
			"categories":    map[string]float64{"adult": 0.88, "violence": 0.1},
			"model":         "guard-v2",
		})
	}))
	defer srv.Close()

	c := moderation.NewClient(config.Config{ModerationURL: srv.URL, ModerationAPIKey: "mod-key", ModerationTimeout: time.Second})
	cls, err := c.Classify(context.Background(), "https://cdn/img.png", domain.KindImage)
	require.NoError(t, err)
	assert.True(t, cls.Inappropriate)
	assert.InDelta(t, 0.91, cls.Confidence, 1e-9)
	assert.InDelta(t, 0.88, cls.Categories.Adult, 1e-9)
	assert.Equal(t, "guard-v2", cls.Model)
}

func TestClient_Classify_SingleAttempt(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := moderation.NewClient(config.Config{ModerationURL: srv.URL, ModerationTimeout: time.Second})
	_, err := c.Classify(context.Background(), "https://cdn/img.png", domain.KindImage)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Classify_NotConfigured(t *testing.T) {
	t.Parallel()
	c := moderation.NewClient(config.Config{})
	_, err := c.Classify(context.Background(), "u", domain.KindImage)
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestStub_Markers(t *testing.T) {
	t.Parallel()
	s := moderation.Stub{}

	cls, err := s.Classify(context.Background(), "https://cdn/unsafe-adult/x.png", domain.KindImage)
	require.NoError(t, err)
	assert.True(t, cls.Inappropriate)
	assert.GreaterOrEqual(t, cls.Categories.Adult, 0.7)

	clean, err := s.Classify(context.Background(), "https://cdn/ordinary.png", domain.KindImage)
	require.NoError(t, err)
	assert.False(t, clean.Inappropriate)
	assert.Less(t, clean.Confidence, 0.4)

	again, err := s.Classify(context.Background(), "https://cdn/ordinary.png", domain.KindImage)
	require.NoError(t, err)
	assert.Equal(t, clean, again)
}
