package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func fastConfig(name string) *ResilienceConfig {
	r := Default(name)
	r.BackoffSettings.InitialInterval = time.Millisecond
	r.BackoffSettings.MaxInterval = 2 * time.Millisecond
	return r
}

func TestRetryEventuallySucceeds(t *testing.T) {
	r := fastConfig("test")
	calls := 0
	err := r.Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	r := fastConfig("test")
	bad := errors.New("400 bad request")
	calls := 0
	err := r.Retry(context.Background(), func() error {
		calls++
		return backoff.Permanent(bad)
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	r := fastConfig("test")
	r.MaxRetries = 2
	calls := 0
	err := r.Retry(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestOpenBreakerIsNotRetried(t *testing.T) {
	r := fastConfig("test")
	cbs := r.CircuitBreakerSettings
	cbs.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 }
	r.Configure(r.BackoffSettings, cbs)

	_ = r.Execute(func() error { return errors.New("trip") })

	calls := 0
	err := r.Retry(context.Background(), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 0, calls)
}
