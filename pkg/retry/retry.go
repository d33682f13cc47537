package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kworkgate/pkg/clock"
	errs "kworkgate/pkg/errors"
	"kworkgate/pkg/logger"
)

// Operation is a unit of work that may be retried
type Operation func(ctx context.Context) error

// Config holds retry configuration
type Config struct {
	// MaxAttempts counts the first try; values below 1 mean a single try
	MaxAttempts int
	Backoff     BackoffStrategy
	// ByType, when set, overrides Backoff for TransportError failures
	ByType  *ByErrorType
	RetryIf func(error) bool
	OnRetry func(attempt int, err error, delay time.Duration)
	Clock   clock.Clock
	Logger  logger.Logger
}

// DefaultConfig returns a configuration with maxRetries retries after the first try
func DefaultConfig(maxRetries int) *Config {
	return &Config{
		MaxAttempts: maxRetries + 1,
		Backoff:     DefaultExponentialBackoff(),
		ByType:      NewByErrorType(),
		RetryIf:     DefaultRetryIf,
		Clock:       clock.System{},
		Logger:      logger.GetLogger(),
	}
}

// DefaultRetryIf retries network and 5xx transport errors only. Rejections
// from the session core and context errors are never retried.
func DefaultRetryIf(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := errs.AsRejection(err); ok {
		return false
	}

	var tErr *errs.TransportError
	if errors.As(err, &tErr) {
		return errs.IsRetryable(tErr.Type)
	}
	return false
}

// Do runs op until it succeeds, fails with a non-retryable error, runs out of
// attempts or ctx is done.
func Do(ctx context.Context, cfg *Config, op Operation) error {
	if cfg == nil {
		cfg = DefaultConfig(0)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryIf
	}
	clk := clock.OrSystem(cfg.Clock)
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.DebugWithFields("Operation succeeded after retry", map[string]interface{}{
					"attempt": attempt,
				})
			}
			return nil
		}
		lastErr = err

		if !retryIf(err) {
			return err
		}
		if attempt >= maxAttempts {
			if maxAttempts == 1 {
				return err
			}
			return fmt.Errorf("max retry attempts (%d) exceeded: %w", maxAttempts, lastErr)
		}

		delay := cfg.delayFor(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		log.WarnWithFields("Retrying operation", map[string]interface{}{
			"attempt":      attempt,
			"error":        err.Error(),
			"delay_ms":     delay.Milliseconds(),
			"max_attempts": maxAttempts,
		})

		if err := clk.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}
}

// DoWithResult is Do for operations returning a value
func DoWithResult[T any](ctx context.Context, cfg *Config, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

func (c *Config) delayFor(attempt int, err error) time.Duration {
	if c.ByType != nil {
		var tErr *errs.TransportError
		if errors.As(err, &tErr) {
			if s := c.ByType.For(tErr.Type); s != nil {
				return s.NextDelay(attempt)
			}
		}
	}
	if c.Backoff == nil {
		return 0
	}
	return c.Backoff.NextDelay(attempt)
}
