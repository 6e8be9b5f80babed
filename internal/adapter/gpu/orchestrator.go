package gpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gabriel-vasile/mimetype"
	cache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/adi99/vidai/internal/adapter/observability"
	"github.com/adi99/vidai/internal/domain"
)

// sniffLimit bounds how much of a result payload is fetched for content
// sniffing.
const sniffLimit = 3072

// Options fixes the orchestrator's routing and retry posture.
type Options struct {
	// Primary and Fallback name providers in routing order; unknown names
	// are dropped, duplicates collapse.
	Primary  string
	Fallback string
	// CallTimeout bounds each individual provider call, polling included.
	CallTimeout time.Duration
	// RetryAttempts is the number of extra full sweeps over the provider
	// order after the first.
	RetryAttempts int
	// ProviderRPS throttles outbound calls per provider; zero disables.
	ProviderRPS float64
	// ValidateResults sniffs completed result payloads before accepting
	// them. Off for stub providers.
	ValidateResults bool
	// HealthProbeTimeout bounds each per-provider health probe.
	HealthProbeTimeout time.Duration
	// HealthSnapshotTTL caches HealthAll fanout results.
	HealthSnapshotTTL time.Duration
}

// Orchestrator routes generate calls across providers in a fixed order with
// per-provider circuit breaking. It implements domain.Generator.
type Orchestrator struct {
	order     []string
	providers map[string]domain.GPUProvider
	breakers  *BreakerSet
	limiters  map[string]*rate.Limiter
	caption   domain.CaptionProvider

	callTimeout  time.Duration
	retries      int
	validate     bool
	probeTimeout time.Duration

	sniffHC     *http.Client
	healthCache *cache.Cache
	healthMu    sync.Mutex
}

// NewOrchestrator wires the providers into routing order. Caption may be nil
// when enrichment is disabled.
func NewOrchestrator(opts Options, breakers *BreakerSet, caption domain.CaptionProvider, providers ...domain.GPUProvider) *Orchestrator {
	byName := make(map[string]domain.GPUProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	order := make([]string, 0, 2)
	seen := make(map[string]bool, 2)
	for _, name := range []string{opts.Primary, opts.Fallback} {
		if name == "" || seen[name] {
			continue
		}
		if _, ok := byName[name]; !ok {
			slog.Warn("gpu provider not registered, dropping from order", slog.String("provider", name))
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	limiters := make(map[string]*rate.Limiter, len(order))
	if opts.ProviderRPS > 0 {
		burst := int(opts.ProviderRPS)
		if burst < 1 {
			burst = 1
		}
		for _, name := range order {
			limiters[name] = rate.NewLimiter(rate.Limit(opts.ProviderRPS), burst)
		}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Minute
	}
	if opts.HealthProbeTimeout <= 0 {
		opts.HealthProbeTimeout = 3 * time.Second
	}
	if opts.HealthSnapshotTTL <= 0 {
		opts.HealthSnapshotTTL = 10 * time.Second
	}
	return &Orchestrator{
		order:        order,
		providers:    byName,
		breakers:     breakers,
		limiters:     limiters,
		caption:      caption,
		callTimeout:  opts.CallTimeout,
		retries:      opts.RetryAttempts,
		validate:     opts.ValidateResults,
		probeTimeout: opts.HealthProbeTimeout,
		sniffHC:      &http.Client{Timeout: 10 * time.Second},
		healthCache:  cache.New(opts.HealthSnapshotTTL, 2*opts.HealthSnapshotTTL),
	}
}

// Order exposes the effective provider routing order.
func (o *Orchestrator) Order() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// CircuitSnapshot lists breaker stats for the ops overview.
func (o *Orchestrator) CircuitSnapshot() []BreakerStats {
	return o.breakers.Snapshot()
}

// GenerateImage implements domain.Generator.
func (o *Orchestrator) GenerateImage(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return o.generate(ctx, domain.KindImage, params)
}

// GenerateVideo implements domain.Generator.
func (o *Orchestrator) GenerateVideo(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return o.generate(ctx, domain.KindVideo, params)
}

// Caption implements domain.Generator: single attempt, no sweep, no breaker.
func (o *Orchestrator) Caption(ctx domain.Context, params domain.CaptionParams) (domain.CaptionResult, error) {
	if o.caption == nil {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: no caption provider: %w", domain.ErrProviderUnavailable)
	}
	return o.caption.Caption(ctx, params)
}

// generate sweeps the provider order up to retries+1 times and returns the
// first usable result. Providers behind an open circuit are skipped without
// counting as failures.
func (o *Orchestrator) generate(ctx domain.Context, kind domain.JobKind, params domain.GenerationParams) (domain.GenerationResult, error) {
	tracer := otel.Tracer("gpu.orchestrator")
	ctx, span := tracer.Start(ctx, "Generate", trace.WithAttributes(attribute.String("job.kind", string(kind))))
	defer span.End()

	if len(o.order) == 0 {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.generate: no providers configured: %w", domain.ErrProviderUnavailable)
	}
	var lastErr error
	for sweep := 0; sweep <= o.retries; sweep++ {
		for _, name := range o.order {
			p := o.providers[name]
			br := o.breakers.For(name)
			if !br.Allow() {
				slog.Debug("gpu circuit open, skipping provider", slog.String("provider", name))
				continue
			}
			if lim := o.limiters[name]; lim != nil {
				if err := lim.Wait(ctx); err != nil {
					return domain.GenerationResult{}, fmt.Errorf("op=gpu.generate: %w", err)
				}
			}
			res, err := o.callProvider(ctx, p, kind, params)
			if err == nil {
				br.RecordSuccess()
				span.SetAttributes(attribute.String("gpu.provider", name), attribute.Int("gpu.sweep", sweep))
				return res, nil
			}
			br.RecordFailure()
			lastErr = err
			slog.Warn("gpu provider attempt failed",
				slog.String("provider", name),
				slog.String("kind", string(kind)),
				slog.Int("sweep", sweep),
				slog.Any("error", err))
			if ctx.Err() != nil {
				return domain.GenerationResult{}, fmt.Errorf("op=gpu.generate: %w", ctx.Err())
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("all provider circuits open")
	}
	return domain.GenerationResult{}, fmt.Errorf("op=gpu.generate kind=%s: %w: %v", kind, domain.ErrProviderUnavailable, lastErr)
}

// callProvider runs one attempt under the per-call deadline and records its
// latency and outcome. A failed status with a nil error is normalized into
// an error so the sweep treats both uniformly.
func (o *Orchestrator) callProvider(ctx domain.Context, p domain.GPUProvider, kind domain.JobKind, params domain.GenerationParams) (domain.GenerationResult, error) {
	cctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	start := time.Now()
	var res domain.GenerationResult
	var err error
	switch kind {
	case domain.KindVideo:
		res, err = p.GenerateVideo(cctx, params)
	default:
		res, err = p.GenerateImage(cctx, params)
	}
	elapsed := time.Since(start)
	outcome := "success"
	switch {
	case err != nil:
		outcome = "failure"
	case res.Status == domain.GenerationFailed:
		outcome = "failure"
		err = fmt.Errorf("provider %s reported failure: %s", p.Name(), res.Error)
	case o.validate && res.Status == domain.GenerationCompleted:
		if verr := o.validateResult(cctx, kind, res); verr != nil {
			outcome = "invalid_output"
			err = verr
		}
	}
	observability.ObserveProviderCall(p.Name(), string(kind), outcome, elapsed)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	res.Provider = p.Name()
	res.LatencyMs = elapsed.Milliseconds()
	return res, nil
}

// validateResult fetches a bounded prefix of the output and sniffs its
// content type. Providers occasionally return error pages with a 200; those
// must not reach users as media.
func (o *Orchestrator) validateResult(ctx domain.Context, kind domain.JobKind, res domain.GenerationResult) error {
	url := res.ImageURL
	want := "image/"
	if kind == domain.KindVideo {
		url = res.VideoURL
		want = "video/"
	}
	if url == "" {
		return fmt.Errorf("op=gpu.validate: completed result missing url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("op=gpu.validate: %w", err)
	}
	resp, err := o.sniffHC.Do(req)
	if err != nil {
		return fmt.Errorf("op=gpu.validate: fetch result: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("op=gpu.validate: result fetch status %d", resp.StatusCode)
	}
	mt, err := mimetype.DetectReader(io.LimitReader(resp.Body, sniffLimit))
	if err != nil {
		return fmt.Errorf("op=gpu.validate: sniff: %w", err)
	}
	if !strings.HasPrefix(mt.String(), want) {
		return fmt.Errorf("op=gpu.validate: result is %s, want %s*", mt.String(), want)
	}
	return nil
}

// healthSnapshotKey indexes the single cached fanout result.
const healthSnapshotKey = "providers"

// HealthAll fans out short-timeout probes to every routed provider and
// caches the snapshot briefly so the ops surface cannot stampede providers.
func (o *Orchestrator) HealthAll(ctx domain.Context) map[string]domain.ProviderHealth {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()
	if v, ok := o.healthCache.Get(healthSnapshotKey); ok {
		return v.(map[string]domain.ProviderHealth)
	}
	snap := make(map[string]domain.ProviderHealth, len(o.order))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range o.order {
		p := o.providers[name]
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, o.probeTimeout)
			defer cancel()
			h := p.Health(pctx)
			mu.Lock()
			snap[p.Name()] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	o.healthCache.Set(healthSnapshotKey, snap, cache.DefaultExpiration)
	return snap
}
