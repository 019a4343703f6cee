// Package retry runs an operation under a bounded exponential backoff policy.
// Only errors the policy classifies as retryable are repeated; anything else fails fast.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 5 * time.Millisecond
	defaultMaxDelay     = 200 * time.Millisecond
	defaultJitterFactor = 0.3
)

var (
	// ErrInvalidMaxAttempts is returned when max attempts are not positive.
	ErrInvalidMaxAttempts = errors.New("max attempts must be positive")

	// ErrNegativeBaseDelay is returned when the base delay is negative.
	ErrNegativeBaseDelay = errors.New("base delay must not be negative")

	// ErrInvalidJitterFactor is returned when the jitter factor is not between 0.0 and 1.0.
	ErrInvalidJitterFactor = errors.New("jitter factor must be between 0.0 and 1.0")

	// ErrNilClassifier is returned when WithRetryable is given a nil function.
	ErrNilClassifier = errors.New("retryable classifier must not be nil")
)

// Func is a single attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Policy bounds how often and how quickly a Func is repeated.
type Policy struct {
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
	retryable    func(error) bool
	onRetry      func(err error, next time.Duration)
}

// Option configures a Policy.
type Option func(*Policy) error

// NewPolicy builds a Policy. Without options it allows 5 attempts starting at 5ms
// and retries every error.
func NewPolicy(options ...Option) (Policy, error) {
	p := Policy{
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		jitterFactor: defaultJitterFactor,
		retryable:    func(error) bool { return true },
	}

	for _, option := range options {
		if err := option(&p); err != nil {
			return Policy{}, err
		}
	}

	return p, nil
}

// WithMaxAttempts sets the total number of attempts, including the first one.
func WithMaxAttempts(attempts int) Option {
	return func(p *Policy) error {
		if attempts <= 0 {
			return ErrInvalidMaxAttempts
		}
		p.maxAttempts = attempts
		return nil
	}
}

// WithBaseDelay sets the first backoff interval. Later intervals double up to the max delay.
func WithBaseDelay(delay time.Duration) Option {
	return func(p *Policy) error {
		if delay < 0 {
			return ErrNegativeBaseDelay
		}
		p.baseDelay = delay
		if p.maxDelay < delay {
			p.maxDelay = delay
		}
		return nil
	}
}

// WithJitterFactor spreads retries of competing callers apart.
// Valid range: 0.0 (no jitter) to 1.0 (100% jitter).
func WithJitterFactor(factor float64) Option {
	return func(p *Policy) error {
		if factor < 0.0 || factor > 1.0 {
			return ErrInvalidJitterFactor
		}
		p.jitterFactor = factor
		return nil
	}
}

// WithRetryable sets the classifier deciding which errors are worth another attempt.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) error {
		if fn == nil {
			return ErrNilClassifier
		}
		p.retryable = fn
		return nil
	}
}

// WithNotify registers a callback invoked before every backoff sleep.
func WithNotify(fn func(err error, next time.Duration)) Option {
	return func(p *Policy) error {
		p.onRetry = fn
		return nil
	}
}

// MaxAttempts returns the attempt bound of the policy.
func (p Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the attempt bound
// is reached. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, fn Func) (int, error) {
	attempts := 0

	operation := func() (struct{}, error) {
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return struct{}{}, nil
		}
		if !p.retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.maxAttempts)),
	}
	if p.onRetry != nil {
		opts = append(opts, backoff.WithNotify(p.onRetry))
	}

	_, err := backoff.Retry(ctx, operation, opts...)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}

	return attempts, err
}

func (p Policy) backOff() backoff.BackOff {
	if p.baseDelay == 0 {
		return &backoff.ZeroBackOff{}
	}

	return &backoff.ExponentialBackOff{
		InitialInterval:     p.baseDelay,
		RandomizationFactor: p.jitterFactor,
		Multiplier:          2,
		MaxInterval:         p.maxDelay,
	}
}
