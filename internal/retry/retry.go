package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
)

// Policy configures bounded exponential backoff for one kind of I/O call
type Policy struct {
	Name         string        // Used in log fields
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on any single delay
	Multiplier   float64       // Growth factor between delays
	// Retryable decides whether a failed attempt may be retried.
	// Nil means errors.IsRetryable.
	Retryable func(error) bool

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a 3 attempt policy: 200ms, 400ms, max 5s
func DefaultPolicy(name string) *Policy {
	return &Policy{
		Name:         name,
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// WithSleep replaces the backoff wait, mainly so tests do not block
func (p *Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Policy {
	cp := *p
	cp.sleep = sleep
	return &cp
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// Do executes fn until it succeeds, fails permanently, or attempts run out
func (p *Policy) Do(ctx context.Context, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx).WithField("operation", p.Name)
	startTime := time.Now()
	result := &RetryResult{}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)
			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration,
				}).Info("Operation succeeded after retry")
			}
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			logger.WithError(ctx.Err()).Warn("Retry cancelled due to context cancellation")
			result.LastError = ctx.Err()
			break
		}

		if !p.retryable(err) {
			logger.WithError(err).Debug("Operation failed with non-retryable error")
			break
		}

		if attempt >= maxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts":      attempt,
				"totalDuration": time.Since(startTime),
			}).WithError(err).Warn("Operation failed after max retry attempts")
			break
		}

		delay := p.delay(attempt)
		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"delay":       delay,
		}).WithError(err).Warn("Operation failed, retrying with exponential backoff")

		if err := p.wait(ctx, delay); err != nil {
			logger.WithError(err).Warn("Retry cancelled during backoff")
			result.LastError = err
			break
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// Run is Do for callers that only need the final error
func (p *Policy) Run(ctx context.Context, fn RetryFunc) error {
	result := p.Do(ctx, fn)
	if !result.Success {
		return fmt.Errorf("%s failed after %d attempts: %w", p.Name, result.Attempts, result.LastError)
	}
	return nil
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return apperrors.IsRetryable(err)
}

// delay calculates initialDelay * multiplier^(attempt-1), capped at MaxDelay
func (p *Policy) delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	d := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p *Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
