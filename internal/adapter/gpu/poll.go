package gpu

import (
	"fmt"
	"time"

	"github.com/adi99/vidai/internal/domain"
)

// PollUntilTerminal drives a submit-then-poll provider dialect. statusFn is
// invoked immediately and then once per interval until it reports done or
// the context deadline expires. Transport errors from statusFn end the poll;
// the orchestrator's sweep provides the retry.
func PollUntilTerminal(ctx domain.Context, interval time.Duration, statusFn func(domain.Context) (domain.GenerationResult, bool, error)) (domain.GenerationResult, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, done, err := statusFn(ctx)
		if err != nil {
			return domain.GenerationResult{}, err
		}
		if done {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return domain.GenerationResult{}, fmt.Errorf("op=gpu.poll: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
