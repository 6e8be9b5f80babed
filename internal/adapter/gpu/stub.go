package gpu

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/adi99/vidai/internal/domain"
)

// Stub is a fast, deterministic in-process provider for dev and tests. URLs
// are derived from the prompt so repeated runs produce stable fixtures.
type Stub struct {
	name    string
	latency time.Duration
	failing atomic.Bool
}

// NewStub constructs a stub provider under the given provider name.
func NewStub(name string) *Stub {
	return &Stub{name: name, latency: 50 * time.Millisecond}
}

// SetFailing flips the stub into a failure mode where every generate call
// reports a failed result.
func (s *Stub) SetFailing(v bool) { s.failing.Store(v) }

// Name implements domain.GPUProvider.
func (s *Stub) Name() string { return s.name }

// Health implements domain.GPUProvider.
func (s *Stub) Health(_ domain.Context) domain.ProviderHealth {
	return domain.ProviderHealth{OK: !s.failing.Load(), LatencyMs: 1, CheckedAt: time.Now().UTC(), Details: "stub"}
}

// GenerateImage implements domain.GPUProvider.
func (s *Stub) GenerateImage(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return s.generate(ctx, domain.KindImage, params)
}

// GenerateVideo implements domain.GPUProvider.
func (s *Stub) GenerateVideo(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return s.generate(ctx, domain.KindVideo, params)
}

func (s *Stub) generate(ctx domain.Context, kind domain.JobKind, params domain.GenerationParams) (domain.GenerationResult, error) {
	id := fmt.Sprintf("%s-%x", s.name, promptDigest(params.Prompt))
	domain.SubmitAckFrom(ctx)(id)
	select {
	case <-ctx.Done():
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.stub: %w", ctx.Err())
	case <-time.After(s.latency):
	}
	if s.failing.Load() {
		return domain.GenerationResult{
			Status:        domain.GenerationFailed,
			Provider:      s.name,
			ProviderJobID: id,
			Error:         "stub failure mode",
		}, nil
	}
	res := domain.GenerationResult{
		Status:        domain.GenerationCompleted,
		Provider:      s.name,
		ProviderJobID: id,
		Meta:          map[string]string{"stub": "true"},
	}
	switch kind {
	case domain.KindVideo:
		res.VideoURL = fmt.Sprintf("https://cdn.vidai.local/stub/videos/%x.mp4", promptDigest(params.Prompt))
	default:
		res.ImageURL = fmt.Sprintf("https://cdn.vidai.local/stub/images/%x.png", promptDigest(params.Prompt))
	}
	return res, nil
}

func promptDigest(prompt string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	return h.Sum32()
}

// StubCaption is the captioning counterpart to Stub.
type StubCaption struct{}

// Name implements domain.CaptionProvider.
func (StubCaption) Name() string { return "stub-caption" }

// Caption implements domain.CaptionProvider.
func (StubCaption) Caption(_ domain.Context, params domain.CaptionParams) (domain.CaptionResult, error) {
	return domain.CaptionResult{
		Caption:   fmt.Sprintf("a scene derived from %x", promptDigest(params.ImageURL)),
		Model:     "stub",
		LatencyMs: 1,
	}, nil
}
