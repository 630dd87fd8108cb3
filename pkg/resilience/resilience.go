// Package resilience bundles the retry and circuit breaker settings shared by
// the remote transports (management plane API and SSH).
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const defaultMaxRetries = 4

type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	CircuitBreakerSettings gobreaker.Settings
	CircuitBreaker         *gobreaker.CircuitBreaker
	MaxRetries             uint64
}

func NewResilienceConfig(defaultBackOff *backoff.ExponentialBackOff, cbs gobreaker.Settings, cb *gobreaker.CircuitBreaker) *ResilienceConfig {
	return &ResilienceConfig{
		BackoffSettings:        defaultBackOff,
		CircuitBreakerSettings: cbs,
		CircuitBreaker:         cb,
		MaxRetries:             defaultMaxRetries,
	}
}

// Default returns the settings used for a named remote endpoint.
func Default(name string) *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// permanent errors are answers from a healthy endpoint
		IsSuccessful: func(err error) bool {
			var perm *backoff.PermanentError
			return err == nil || errors.As(err, &perm)
		},
	}
	return NewResilienceConfig(
		&backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		cbs,
		gobreaker.NewCircuitBreaker(cbs),
	)
}

// Configure replaces the settings and rebuilds the breaker.
func (r *ResilienceConfig) Configure(backoffSettings *backoff.ExponentialBackOff, cbSettings gobreaker.Settings) {
	r.BackoffSettings = backoffSettings
	r.CircuitBreakerSettings = cbSettings
	r.CircuitBreaker = gobreaker.NewCircuitBreaker(cbSettings)
}

// BackOff returns a fresh policy for one call. ExponentialBackOff is stateful,
// so every call gets its own copy of the settings.
func (r *ResilienceConfig) BackOff(ctx context.Context) backoff.BackOff {
	b := *r.BackoffSettings
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(&b, r.MaxRetries), ctx)
}

// Execute runs op once through the circuit breaker.
func (r *ResilienceConfig) Execute(op func() error) error {
	_, err := r.CircuitBreaker.Execute(func() (any, error) {
		return nil, op()
	})
	return err
}

// Retry runs op through the breaker and retries it with backoff. Errors
// wrapped with backoff.Permanent and an open breaker stop the retries.
func (r *ResilienceConfig) Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := r.Execute(op)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}, r.BackOff(ctx))
}
