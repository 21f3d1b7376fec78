// Package types provides common type definitions for the wallet analysis core.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind represents the kind of a normalized chain event
type EventKind string

const (
	// KindTransfer is a plain token transfer in or out of the wallet
	KindTransfer EventKind = "transfer"
	// KindSwap exchanges one mint for another in a single event
	KindSwap EventKind = "swap"
	// KindStakeDelta moves tokens into or out of a staking position
	KindStakeDelta EventKind = "stake_delta"
	// KindFeePayment pays a network or protocol fee
	KindFeePayment EventKind = "fee_payment"
)

// ParseEventKind maps raw kind strings onto an EventKind
func ParseEventKind(s string) (EventKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transfer":
		return KindTransfer, true
	case "swap":
		return KindSwap, true
	case "stake_delta", "stakedelta", "stake":
		return KindStakeDelta, true
	case "fee_payment", "feepayment", "fee":
		return KindFeePayment, true
	default:
		return "", false
	}
}

// OrderingKey places a chain event in the wallet's total order.
// It is independent of wall-clock time.
type OrderingKey struct {
	Slot  uint64 `json:"slot"`
	Index uint32 `json:"index"`
}

// Compare returns -1, 0 or 1
func (k OrderingKey) Compare(o OrderingKey) int {
	switch {
	case k.Slot < o.Slot:
		return -1
	case k.Slot > o.Slot:
		return 1
	case k.Index < o.Index:
		return -1
	case k.Index > o.Index:
		return 1
	default:
		return 0
	}
}

// Less reports whether k sorts before o
func (k OrderingKey) Less(o OrderingKey) bool {
	return k.Compare(o) < 0
}

// IsZero reports whether the key is the zero key (nothing folded yet)
func (k OrderingKey) IsZero() bool {
	return k.Slot == 0 && k.Index == 0
}

// SlotsSince returns how many slots k is ahead of o, or 0 when it is not ahead
func (k OrderingKey) SlotsSince(o OrderingKey) uint64 {
	if k.Slot <= o.Slot {
		return 0
	}
	return k.Slot - o.Slot
}

// String renders the key as "slot:index"
func (k OrderingKey) String() string {
	return fmt.Sprintf("%d:%d", k.Slot, k.Index)
}

// ParseOrderingKey parses the "slot:index" form produced by String
func ParseOrderingKey(s string) (OrderingKey, error) {
	slotStr, idxStr, ok := strings.Cut(s, ":")
	if !ok {
		return OrderingKey{}, fmt.Errorf("invalid ordering key %q", s)
	}
	slot, err := strconv.ParseUint(slotStr, 10, 64)
	if err != nil {
		return OrderingKey{}, fmt.Errorf("invalid slot in ordering key %q: %w", s, err)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return OrderingKey{}, fmt.Errorf("invalid index in ordering key %q: %w", s, err)
	}
	return OrderingKey{Slot: slot, Index: uint32(idx)}, nil
}

// MaxKey returns the larger of two keys
func MaxKey(a, b OrderingKey) OrderingKey {
	if a.Less(b) {
		return b
	}
	return a
}

// GapPolicy decides how the analyzer treats a debit with no prior credit
type GapPolicy string

const (
	// GapPolicyFail surfaces NegativeHoldingError to the caller
	GapPolicyFail GapPolicy = "fail"
	// GapPolicySynthesize inserts a zero-cost opening balance and records the gap
	GapPolicySynthesize GapPolicy = "synthesize"
)

// RiskLevel buckets a holding's concentration
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// SuggestedAction is the per-holding action attached to insights
type SuggestedAction string

const (
	ActionHold             SuggestedAction = "hold"
	ActionReduceExposure   SuggestedAction = "reduce_exposure"
	ActionIncreasePosition SuggestedAction = "increase_position"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
