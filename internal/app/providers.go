package app

import (
	"log/slog"

	"github.com/adi99/vidai/internal/adapter/gpu"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// BuildOrchestrator assembles the GPU provider fleet behind its circuit
// breakers. With UseStubProviders set it swaps in deterministic in-process
// stubs under the real provider names so GPU_PRIMARY/GPU_FALLBACK routing
// keeps working unchanged.
func BuildOrchestrator(cfg config.Config) *gpu.Orchestrator {
	var (
		caption   domain.CaptionProvider
		providers []domain.GPUProvider
	)
	if cfg.UseStubProviders {
		caption = gpu.StubCaption{}
		providers = []domain.GPUProvider{gpu.NewStub("runpod"), gpu.NewStub("modal")}
		slog.Warn("using stub GPU providers", slog.String("primary", cfg.GPUPrimary), slog.String("fallback", cfg.GPUFallback))
	} else {
		caption = gpu.NewCaptionClient(cfg)
		providers = []domain.GPUProvider{gpu.NewRunpod(cfg), gpu.NewModal(cfg)}
	}

	breakers := gpu.NewBreakerSet(cfg.GPUFailureThreshold, cfg.GPUCooldown)
	return gpu.NewOrchestrator(gpu.Options{
		Primary:            cfg.GPUPrimary,
		Fallback:           cfg.GPUFallback,
		CallTimeout:        cfg.GPUTimeout,
		RetryAttempts:      cfg.GPURetryAttempts,
		ProviderRPS:        cfg.GPUProviderRPS,
		ValidateResults:    !cfg.UseStubProviders,
		HealthProbeTimeout: cfg.HealthProbeTimeout,
		HealthSnapshotTTL:  cfg.HealthSnapshotTTL,
	}, breakers, caption, providers...)
}
