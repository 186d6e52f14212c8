package session

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

// NewBackoff builds a jpillora backoff from cfg.
func NewBackoff(cfg BackoffConfig) *backoff.Backoff {
	factor := cfg.Multiplier
	if factor < 1.0 {
		factor = 1.0
	}
	return &backoff.Backoff{
		Min:    cfg.InitialDelay,
		Max:    cfg.MaxDelay,
		Factor: factor,
		Jitter: cfg.Jitter,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	return NewBackoff(cfg).ForAttempt(float64(attempt - 1))
}

// Retry calls fn until it succeeds, ctx ends, or maxAttempts calls have
// failed. maxAttempts <= 0 retries forever. It returns the last error.
func Retry(ctx context.Context, cfg BackoffConfig, maxAttempts int, fn func(ctx context.Context) error) error {
	b := NewBackoff(cfg)
	var attempt int
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return err
		}
		delay := b.Duration()
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("session.Retry attempt failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
