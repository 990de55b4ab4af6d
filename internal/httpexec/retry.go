package httpexec

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// runWithRetry wraps attempt in a bounded exponential backoff, retrying only
// when attempt returns a connection-class error (isConnectionClassError).
// Any other error, or a nil error, stops the retry loop immediately. This is
// the single consolidated retry helper spec §9 calls for: no other package
// implements its own retry loop.
func runWithRetry(ctx context.Context, r Retry, attempt func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseInterval
	b.MaxElapsedTime = r.MaxElapsedTime
	b.Multiplier = 2

	bctx := backoff.WithContext(b, ctx)

	attempts := 0
	op := func() error {
		attempts++
		err := attempt()
		if err == nil {
			return nil
		}
		if !isConnectionClassError(err) {
			return backoff.Permanent(err)
		}
		if attempts >= r.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, bctx)
}
