// Package retry implements the bounded exponential backoff wrapped
// around provider calls. Terminal failures are excluded from retry
// either by wrapping them with Permanent or through the Config's
// RetryIf classifier.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config bounds a retried operation.
type Config struct {
	// MaxAttempts is the attempt budget, first call included. Default: 3.
	MaxAttempts int

	// InitialDelay is the pause after the first failure. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth. Default: 4s.
	MaxDelay time.Duration

	// Factor grows the delay after every failure. Default: 2.
	Factor float64

	// Jitter spreads each delay across [0.5, 1.5] of its value.
	Jitter bool

	// RetryIf gates which errors earn another attempt. Nil retries
	// everything not wrapped with Permanent.
	RetryIf func(error) bool
}

// DefaultConfig returns the provider-call retry schedule: three
// attempts with 1s then 2s between them.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     4 * time.Second,
		Factor:       2.0,
	}
}

// normalized fills zero or negative fields with the package defaults.
func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 1 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 4 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// retryable reports whether err should consume another attempt.
func (c Config) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	return c.RetryIf == nil || c.RetryIf(err)
}

func (c Config) withJitter(d time.Duration) time.Duration {
	if !c.Jitter {
		return d
	}
	scale := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(d) * scale)
}

// Result is the outcome of a retried operation.
type Result struct {
	// Attempts counts the calls made, the successful one included.
	Attempts int

	// Err is the last error, nil on success.
	Err error

	// Duration is wall time across all attempts, sleeps included.
	Duration time.Duration
}

// Do runs op until it succeeds, the attempt budget runs out, a
// non-retryable error surfaces, or ctx is done. Backoff sleeps abort
// on context cancellation.
func Do(ctx context.Context, config Config, op func() error) Result {
	config = config.normalized()
	start := time.Now()

	var res Result
	delay := config.InitialDelay
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		res.Attempts++
		err := op()
		res.Err = err
		if err == nil || !config.retryable(err) || res.Attempts >= config.MaxAttempts {
			break
		}

		if !sleep(ctx, config.withJitter(delay)) {
			res.Err = ctx.Err()
			break
		}
		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	res.Duration = time.Since(start)
	return res
}

// DoWithValue runs an operation that returns a value under the same
// retry policy as Do.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// sleep blocks for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to exclude it from retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether an error was wrapped with Permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
