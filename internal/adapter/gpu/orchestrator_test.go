package gpu_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/adapter/gpu"
	"github.com/adi99/vidai/internal/domain"
)

type scripted struct {
	res domain.GenerationResult
	err error
}

// fakeProvider plays back scripted results in order; the last one repeats.
type fakeProvider struct {
	name string

	mu      sync.Mutex
	calls   int
	probes  int
	script  []scripted
	healthy bool
}

func newFakeProvider(name string, script ...scripted) *fakeProvider {
	return &fakeProvider{name: name, script: script, healthy: true}
}

func completedImage(url string) scripted {
	return scripted{res: domain.GenerationResult{Status: domain.GenerationCompleted, ImageURL: url}}
}

func failedResult(msg string) scripted {
	return scripted{res: domain.GenerationResult{Status: domain.GenerationFailed, Error: msg}}
}

func erroring(err error) scripted { return scripted{err: err} }

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Health(_ domain.Context) domain.ProviderHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return domain.ProviderHealth{OK: f.healthy, CheckedAt: time.Now().UTC()}
}

func (f *fakeProvider) GenerateImage(_ domain.Context, _ domain.GenerationParams) (domain.GenerationResult, error) {
	return f.next()
}

func (f *fakeProvider) GenerateVideo(_ domain.Context, _ domain.GenerationParams) (domain.GenerationResult, error) {
	return f.next()
}

func (f *fakeProvider) next() (domain.GenerationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	s := f.script[i]
	return s.res, s.err
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newOrchestrator(t *testing.T, opts gpu.Options, providers ...domain.GPUProvider) (*gpu.Orchestrator, *gpu.BreakerSet) {
	t.Helper()
	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	set := gpu.NewBreakerSet(3, time.Minute)
	return gpu.NewOrchestrator(opts, set, gpu.StubCaption{}, providers...), set
}

func TestOrchestrator_PrimaryWins(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", completedImage("https://cdn/img.png"))
	fallback := newFakeProvider("modal", completedImage("https://cdn/other.png"))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "modal"}, primary, fallback)

	res, err := o.GenerateImage(context.Background(), domain.GenerationParams{Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "runpod", res.Provider)
	assert.Equal(t, "https://cdn/img.png", res.ImageURL)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, fallback.callCount())
	assert.GreaterOrEqual(t, res.LatencyMs, int64(0))
}

func TestOrchestrator_FallsBackOnError(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", erroring(errors.New("boom")))
	fallback := newFakeProvider("modal", completedImage("https://cdn/fb.png"))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "modal"}, primary, fallback)

	res, err := o.GenerateImage(context.Background(), domain.GenerationParams{Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "modal", res.Provider)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
}

func TestOrchestrator_FailedStatusFallsThrough(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", failedResult("nsfw filter"))
	fallback := newFakeProvider("modal", completedImage("https://cdn/fb.png"))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "modal"}, primary, fallback)

	res, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "modal", res.Provider)
}

func TestOrchestrator_SweepsRetryAttemptsTimes(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", erroring(errors.New("down")))
	fallback := newFakeProvider("modal", erroring(errors.New("also down")))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "modal", RetryAttempts: 2}, primary, fallback)

	_, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	// 3 sweeps x 2 providers, breaker threshold 3 opens runpod after sweep 3.
	assert.Equal(t, 3, primary.callCount())
	assert.Equal(t, 3, fallback.callCount())
}

func TestOrchestrator_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", completedImage("https://cdn/p.png"))
	fallback := newFakeProvider("modal", completedImage("https://cdn/fb.png"))
	o, set := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "modal"}, primary, fallback)

	br := set.For("runpod")
	br.RecordFailure()
	br.RecordFailure()
	br.RecordFailure()
	require.Equal(t, gpu.CircuitOpen, br.State())

	res, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "modal", res.Provider)
	assert.Equal(t, 0, primary.callCount())
}

func TestOrchestrator_AllCircuitsOpen(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", completedImage("x"))
	o, set := newOrchestrator(t, gpu.Options{Primary: "runpod"}, primary)
	br := set.For("runpod")
	for i := 0; i < 3; i++ {
		br.RecordFailure()
	}

	_, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, 0, primary.callCount())
}

func TestOrchestrator_DeduplicatesOrder(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", erroring(errors.New("down")))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "runpod"}, primary)

	assert.Equal(t, []string{"runpod"}, o.Order())
	_, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, 1, primary.callCount())
}

func TestOrchestrator_VideoRoutesToVideoCall(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", scripted{res: domain.GenerationResult{Status: domain.GenerationCompleted, VideoURL: "https://cdn/v.mp4"}})
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod"}, primary)

	res, err := o.GenerateVideo(context.Background(), domain.GenerationParams{Prompt: "waves"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v.mp4", res.VideoURL)
}

func TestOrchestrator_ValidateRejectsNonMedia(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>expired</body></html>"))
	}))
	defer srv.Close()

	primary := newFakeProvider("runpod", completedImage(srv.URL+"/img.png"))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", ValidateResults: true}, primary)

	_, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestOrchestrator_ValidateAcceptsImage(t *testing.T) {
	t.Parallel()
	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 64)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	primary := newFakeProvider("runpod", completedImage(srv.URL+"/img.png"))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", ValidateResults: true}, primary)

	res, err := o.GenerateImage(context.Background(), domain.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "runpod", res.Provider)
}

func TestOrchestrator_CaptionPassthrough(t *testing.T) {
	t.Parallel()
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod"}, newFakeProvider("runpod", completedImage("x")))

	res, err := o.Caption(context.Background(), domain.CaptionParams{ImageURL: "https://cdn/a.png"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Caption)
	assert.Equal(t, "stub", res.Model)
}

func TestOrchestrator_CaptionWithoutProvider(t *testing.T) {
	t.Parallel()
	set := gpu.NewBreakerSet(3, time.Minute)
	o := gpu.NewOrchestrator(gpu.Options{Primary: "runpod", CallTimeout: time.Second}, set, nil, newFakeProvider("runpod", completedImage("x")))

	_, err := o.Caption(context.Background(), domain.CaptionParams{ImageURL: "u"})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestOrchestrator_HealthAllCachesSnapshot(t *testing.T) {
	t.Parallel()
	primary := newFakeProvider("runpod", completedImage("x"))
	fallback := newFakeProvider("modal", completedImage("y"))
	o, _ := newOrchestrator(t, gpu.Options{Primary: "runpod", Fallback: "modal", HealthSnapshotTTL: time.Minute}, primary, fallback)

	first := o.HealthAll(context.Background())
	second := o.HealthAll(context.Background())
	require.Len(t, first, 2)
	assert.True(t, first["runpod"].OK)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, primary.probes)
	assert.Equal(t, 1, fallback.probes)
}
