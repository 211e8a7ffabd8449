package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/productstats/internal/model"
)

// Default retry settings.
const (
	DefaultRetryAttempts = 5
	DefaultRetryBackoff  = 300 * time.Millisecond
)

// ErrRetryExhausted is returned when every attempt was rate limited.
var ErrRetryExhausted = errors.New("retry exhausted")

// RetryConfig holds retry settings.
type RetryConfig struct {
	Attempts int           // Total tries including the first
	Backoff  time.Duration // Fixed pause between tries
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: DefaultRetryAttempts,
		Backoff:  DefaultRetryBackoff,
	}
}

// IsRateLimited reports whether err (or anything it wraps) signals a provider rate limit.
func IsRateLimited(err error) bool {
	var rl interface{ RateLimited() bool }
	return errors.As(err, &rl) && rl.RateLimited()
}

// Retrying wraps a Fetcher and retries rate-limited calls with a fixed backoff.
// Any other error is returned on the first occurrence.
type Retrying struct {
	next   Fetcher
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying creates a retrying Fetcher.
func NewRetrying(next Fetcher, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRetryAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	return &Retrying{
		next:   next,
		cfg:    cfg,
		logger: logger,
	}
}

// FetchSnapshot implements Fetcher.
func (r *Retrying) FetchSnapshot(ctx context.Context, instrumentID string) (model.Snapshot, error) {
	return retry(ctx, r, "snapshot", instrumentID, r.next.FetchSnapshot)
}

// FetchQuote implements Fetcher.
func (r *Retrying) FetchQuote(ctx context.Context, instrumentID string) (model.Quote, error) {
	return retry(ctx, r, "quote", instrumentID, r.next.FetchQuote)
}

func retry[T any](ctx context.Context, r *Retrying, op, instrumentID string, fn func(context.Context, string) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if attempt > 1 {
			r.logger.Debug("retrying rate-limited request",
				"op", op,
				"instrument", instrumentID,
				"attempt", attempt,
				"backoff", r.cfg.Backoff,
			)

			timer := time.NewTimer(r.cfg.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("%s %s: %w", op, instrumentID, ctx.Err())
			case <-timer.C:
			}
		}

		v, err := fn(ctx, instrumentID)
		if err == nil {
			return v, nil
		}
		if !IsRateLimited(err) {
			return zero, err
		}
		lastErr = err
	}

	r.logger.Warn("rate limit retries exhausted",
		"op", op,
		"instrument", instrumentID,
		"attempts", r.cfg.Attempts,
	)
	return zero, fmt.Errorf("%s %s: %w after %d attempts: %w", op, instrumentID, ErrRetryExhausted, r.cfg.Attempts, lastErr)
}
