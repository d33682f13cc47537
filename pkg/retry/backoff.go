package retry

import (
	"math"
	"math/rand"
	"time"

	errs "kworkgate/pkg/errors"
)

// BackoffStrategy computes the delay before a retry
type BackoffStrategy interface {
	// NextDelay returns the delay before attempt (1-based) is retried
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// JitterFactor in [0, 1] spreads delays by +/- that fraction
	JitterFactor float64
}

// DefaultExponentialBackoff returns the transport's default backoff
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.JitterFactor > 0 {
		jitter := delay * eb.JitterFactor
		delay += (rand.Float64() * 2 * jitter) - jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ConstantBackoff waits the same delay before every retry
type ConstantBackoff struct {
	Delay time.Duration
}

func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

// ByErrorType picks a strategy from the transport error class of the failure.
type ByErrorType struct {
	Network     BackoffStrategy
	ServerError BackoffStrategy
	Default     BackoffStrategy
}

// NewByErrorType returns quick retries for network failures and slower ones for 5xx
func NewByErrorType() *ByErrorType {
	return &ByErrorType{
		Network: &ExponentialBackoff{
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		ServerError: &ExponentialBackoff{
			BaseDelay:    2 * time.Second,
			MaxDelay:     20 * time.Second,
			Multiplier:   2.0,
			JitterFactor: 0.1,
		},
		Default: DefaultExponentialBackoff(),
	}
}

// For returns the strategy for errType
func (b *ByErrorType) For(errType errs.ErrorType) BackoffStrategy {
	switch errType {
	case errs.ErrorTypeNetwork:
		return b.Network
	case errs.ErrorTypeServerError:
		return b.ServerError
	default:
		return b.Default
	}
}
