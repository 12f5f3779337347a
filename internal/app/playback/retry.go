package playback

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/19dj/internal/domain/audio"
)

// RetryPolicy bounds how often a failing endpoint operation is attempted.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts, including the first
	Backoff     time.Duration // Multiplied by the attempt number between attempts
}

// Do runs op until it succeeds, fails permanently or the attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == attempts {
			break
		}

		zlog.Debug().Msgf("playback: attempt failed, retrying: attempt=%d/%d error=%v", attempt, attempts, err)
		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(p.Backoff * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}

// isRetryable checks if an error may succeed on another node.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, audio.ErrPermissionDenied) &&
		!errors.Is(err, ErrDestroyed) &&
		!errors.Is(err, context.Canceled)
}
