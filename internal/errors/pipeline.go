package errors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wallet-insight/internal/types"
)

// Data integrity errors

// MalformedEventError is returned when a raw record lacks a required field
// or carries a quantity that is not a fixed-point number
type MalformedEventError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: field %s: %s", e.EventID, e.Field, e.Reason)
}

func (e *MalformedEventError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDataIntegrity,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "MALFORMED_EVENT",
		Message:    e.Error(),
		Cause:      e,
		Details: map[string]interface{}{
			"eventId": e.EventID,
			"field":   e.Field,
		},
	}
}

// ConflictingEventError is returned when two records share an event id
// but differ in immutable fields
type ConflictingEventError struct {
	EventID string
	Field   string
}

func (e *ConflictingEventError) Error() string {
	return fmt.Sprintf("conflicting payloads for event %q (first difference: %s)", e.EventID, e.Field)
}

func (e *ConflictingEventError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDataIntegrity,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICTING_EVENT",
		Message:    e.Error(),
		Cause:      e,
		Details: map[string]interface{}{
			"eventId": e.EventID,
			"field":   e.Field,
		},
	}
}

// NegativeHoldingError is returned when a debit exceeds the quantity held.
// It usually means a prior credit is missing from the event stream.
type NegativeHoldingError struct {
	Wallet    string
	TokenMint string
	EventID   string
	Key       types.OrderingKey
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *NegativeHoldingError) Error() string {
	return fmt.Sprintf("negative holding for %s in wallet %s at event %q: available %s, debit %s",
		e.TokenMint, e.Wallet, e.EventID, e.Available.String(), e.Requested.String())
}

// Shortfall is the quantity missing to cover the debit
func (e *NegativeHoldingError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *NegativeHoldingError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDataIntegrity,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "NEGATIVE_HOLDING",
		Message:    e.Error(),
		Cause:      e,
		Details: map[string]interface{}{
			"wallet":    e.Wallet,
			"tokenMint": e.TokenMint,
			"eventId":   e.EventID,
		},
	}
}

// Provider errors

// PriceUnavailableError is returned by price oracles for unknown or delisted mints
type PriceUnavailableError struct {
	TokenMint string
	Key       types.OrderingKey
	Cause     error
}

func (e *PriceUnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("price unavailable for %s at %s: %v", e.TokenMint, e.Key, e.Cause)
	}
	return fmt.Sprintf("price unavailable for %s at %s", e.TokenMint, e.Key)
}

func (e *PriceUnavailableError) Unwrap() error { return e.Cause }

func (e *PriceUnavailableError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusNotFound,
		Code:       "PRICE_UNAVAILABLE",
		Message:    e.Error(),
		Cause:      e,
		Details: map[string]interface{}{
			"tokenMint": e.TokenMint,
			"key":       e.Key.String(),
		},
	}
}

// ChainDataUnavailableError is returned when the chain data source fails.
// It is retryable unless the source marks it Permanent.
type ChainDataUnavailableError struct {
	Wallet    string
	Source    string
	Permanent bool
	Cause     error
}

func (e *ChainDataUnavailableError) Error() string {
	return fmt.Sprintf("chain data unavailable for %s from %s: %v", e.Wallet, e.Source, e.Cause)
}

func (e *ChainDataUnavailableError) Unwrap() error { return e.Cause }

func (e *ChainDataUnavailableError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "CHAIN_DATA_UNAVAILABLE",
		Message:    e.Error(),
		Cause:      e,
		Retryable:  !e.Permanent,
		Details: map[string]interface{}{
			"wallet": e.Wallet,
			"source": e.Source,
		},
	}
}

// Scoring errors

// ScoringTimeoutError is returned when one scoring attempt exceeds its deadline
type ScoringTimeoutError struct {
	Attempt int
	Timeout time.Duration
}

func (e *ScoringTimeoutError) Error() string {
	return fmt.Sprintf("scoring attempt %d exceeded %s", e.Attempt, e.Timeout)
}

func (e *ScoringTimeoutError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryScoring,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "SCORING_TIMEOUT",
		Message:    e.Error(),
		Cause:      e,
		Retryable:  true,
	}
}

// ScoringCapabilityError wraps a failure reported by a scoring capability.
// Permanent failures (bad request, unusable reply) are not retried.
type ScoringCapabilityError struct {
	Capability string
	Permanent  bool
	Cause      error
}

func (e *ScoringCapabilityError) Error() string {
	return fmt.Sprintf("scoring capability %s failed: %v", e.Capability, e.Cause)
}

func (e *ScoringCapabilityError) Unwrap() error { return e.Cause }

func (e *ScoringCapabilityError) categorize() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryScoring,
		StatusCode: http.StatusBadGateway,
		Code:       "SCORING_FAILED",
		Message:    e.Error(),
		Cause:      e,
		Retryable:  !e.Permanent,
		Details: map[string]interface{}{
			"capability": e.Capability,
		},
	}
}

// Cache and request errors

// CacheComputationFailedError is delivered to every waiter of a failed recomputation
type CacheComputationFailedError struct {
	Wallet string
	Cause  error
}

func (e *CacheComputationFailedError) Error() string {
	return fmt.Sprintf("analysis computation failed for %s: %v", e.Wallet, e.Cause)
}

func (e *CacheComputationFailedError) Unwrap() error { return e.Cause }

func (e *CacheComputationFailedError) categorize() *CategorizedError {
	inner := Categorize(e.Cause)
	category, status := CategoryCache, http.StatusInternalServerError
	if inner != nil {
		status = inner.StatusCode
		if inner.Category != CategorySystem {
			category = inner.Category
		}
	}
	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       "CACHE_COMPUTATION_FAILED",
		Message:    e.Error(),
		Cause:      e,
		Details: map[string]interface{}{
			"wallet": e.Wallet,
		},
	}
}

// AnalysisError is the only error type returned by the analyze entry point
type AnalysisError struct {
	Wallet string
	Stage  string
	Cause  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis of %s failed during %s: %v", e.Wallet, e.Stage, e.Cause)
}

func (e *AnalysisError) Unwrap() error { return e.Cause }

func (e *AnalysisError) categorize() *CategorizedError {
	inner := Categorize(e.Cause)
	if inner == nil {
		inner = NewInternalError("analysis failed", nil)
	}
	return &CategorizedError{
		Category:   inner.Category,
		StatusCode: inner.StatusCode,
		Code:       inner.Code,
		Message:    e.Error(),
		Cause:      e,
		Retryable:  inner.Retryable,
		Details: map[string]interface{}{
			"wallet": e.Wallet,
			"stage":  e.Stage,
		},
	}
}
