package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/wallet-insight/internal/errors"
)

var (
	// ErrInvalidAddress indicates the wallet address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrInvalidToken indicates a malformed token specification
	ErrInvalidToken = fmt.Errorf("invalid token specification")
)

// AdapterError wraps errors with the operation that produced them
type AdapterError struct {
	Source  string
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s adapter error [%s]: %v (details: %+v)", e.Source, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s adapter error [%s]: %v", e.Source, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(source, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Source:  source,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// isTransient reports whether a provider error is worth retrying:
// rate limits, timeouts and dropped connections.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return true
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "eof") {
		return true
	}

	return false
}

// unavailable wraps a chain source failure for the analyzer. Caller
// cancellation passes through untouched.
func unavailable(ctx context.Context, wallet, source string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &apperrors.ChainDataUnavailableError{
		Wallet:    wallet,
		Source:    source,
		Permanent: !isTransient(err),
		Cause:     err,
	}
}
