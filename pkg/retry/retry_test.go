package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig())

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhaustsRetries(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return boom
	}, fastConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, attempts)
}

func TestWithRetryStopError(t *testing.T) {
	fatal := errors.New("permanent")
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return Stop(fatal)
	}, fastConfig())

	require.Error(t, err)
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	cfg := fastConfig()
	cfg.InitialInterval = time.Minute

	err := WithRetry(ctx, func() error {
		attempts++
		cancel()
		return errors.New("transient")
	}, cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestExponentialBackoffCapsAtMaxInterval(t *testing.T) {
	cfg := BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
	}
	backoff := ExponentialBackoff(cfg)

	assert.Equal(t, time.Second, backoff(1))
	assert.Equal(t, 2*time.Second, backoff(2))
	assert.Equal(t, 4*time.Second, backoff(3))
	assert.Equal(t, 4*time.Second, backoff(10))
}

func TestIsStopError(t *testing.T) {
	assert.True(t, IsStopError(Stop(errors.New("x"))))
	assert.False(t, IsStopError(errors.New("x")))
}
