package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adi99/vidai/internal/domain"
)

// refundWithGrace retries a refund on a bounded exponential schedule. The
// ledger's idempotency by job reference makes the retries safe; anything
// still failing after the grace window is surfaced to the caller for
// reconciliation logging.
func refundWithGrace(ctx domain.Context, ledger domain.CreditLedger, userID string, amount int64, jobRef string, meta map[string]string, initial, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	if initial > 0 {
		bo.InitialInterval = initial
	}
	bo.MaxElapsedTime = maxElapsed

	op := func() error {
		err := ledger.Refund(ctx, userID, amount, jobRef, meta)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("op=usecase.refund job_ref=%s: %w", jobRef, err)
	}
	return nil
}
