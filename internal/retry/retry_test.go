package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wallet-insight/internal/errors"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestPolicy_RetriesTransientUntilSuccess(t *testing.T) {
	var delays []time.Duration
	p := DefaultPolicy("fetch").WithSleep(noSleep(&delays))

	calls := 0
	result := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return &apperrors.ChainDataUnavailableError{Cause: errors.New("503")}
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestPolicy_StopsOnPermanentError(t *testing.T) {
	var delays []time.Duration
	p := DefaultPolicy("fetch").WithSleep(noSleep(&delays))

	permanent := &apperrors.MalformedEventError{EventID: "e1", Field: "amount"}
	result := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return permanent
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Same(t, permanent, result.LastError)
	assert.Empty(t, delays)
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	p := DefaultPolicy("score").WithSleep(noSleep(&delays))
	p.Retryable = func(error) bool { return true }

	err := p.Run(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.New("flaky")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "score failed after 3 attempts")
	assert.Len(t, delays, 2)
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := DefaultPolicy("fetch")
	p.Retryable = func(error) bool { return true }

	result := p.Do(ctx, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("flaky")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 3*time.Second, p.delay(3))
	assert.Equal(t, 3*time.Second, p.delay(10))
}
