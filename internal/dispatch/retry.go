package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// maxBackoff caps the wait between attempts.
const maxBackoff = 10 * time.Second

// retryTransient runs fn up to attempts times, waiting backoff, 2*backoff, ...
// between tries. Only errors wrapping domain.ErrTransientNetwork are retried.
// It returns the number of attempts made and the last error.
func retryTransient(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) (int, error) {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	wait := backoff
	for i := 1; i <= attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, domain.ErrTransientNetwork) || i == attempts {
			return i, err
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return i, errors.Join(err, ctx.Err())
		case <-t.C:
		}
		wait = min(wait*2, maxBackoff)
	}
	return attempts, err
}
