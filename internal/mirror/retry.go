package mirror

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alexjbarnes/vault-mirror/internal/remote"
)

const (
	// jitterDivisor controls the range of random jitter added to retry
	// backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 30 * time.Second
)

// RetryPolicy bounds the retries of a single action. Only transient errors
// (remote.IsTransient) are retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy tries three times, backing off from one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  defaultRetryAttempts,
		BaseDelay: defaultRetryBaseDelay,
		MaxDelay:  defaultRetryMaxDelay,
	}
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts are used up. Backoff waits end early when ctx is cancelled, in
// which case the last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, what string, fn func() error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.BaseDelay

	var err error

	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !remote.IsTransient(err) || attempt >= attempts {
			return err
		}

		wait := backoff
		if wait > 0 && int64(wait)/jitterDivisor > 0 {
			wait += time.Duration(rand.Int64N(int64(wait) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for retry jitter
		}

		logger.Warn("transient failure, retrying",
			slog.String("action", what),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		backoff = min(backoff*2, p.MaxDelay)
	}
}
