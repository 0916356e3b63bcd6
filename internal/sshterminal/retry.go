package sshterminal

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/gluk-w/ttyvault/internal/errortypes"
)

// DefaultRetryBase is the first backoff interval of ConnectWithRetry.
const DefaultRetryBase = 500 * time.Millisecond

// ConnectWithRetry calls Connect up to attempts times with exponential
// backoff. Only transport failures are retried; a rejected credential or
// missing key file is returned immediately.
func ConnectWithRetry(ctx context.Context, s *Session, attempts uint64, base time.Duration) error {
	if attempts == 0 {
		attempts = 1
	}
	if base <= 0 {
		base = DefaultRetryBase
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(base))

	var attempt int
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.Connect(ctx)
		if err == nil {
			return nil
		}
		if errortypes.IsTransport(err) && !s.stopped() {
			s.log.Warn().Err(err).Int("attempt", attempt).Uint64("max_attempts", attempts).Msg("connect failed, will retry")
			return retry.RetryableError(err)
		}
		return err
	})
}
