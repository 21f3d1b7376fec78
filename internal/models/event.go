package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wallet-insight/internal/types"
)

// RawChainRecord is an untrusted record as delivered by a chain data source.
// Numeric fields stay strings until the normalizer parses them.
type RawChainRecord struct {
	EventID        string    `json:"eventId"`
	Wallet         string    `json:"wallet"`
	Timestamp      time.Time `json:"timestamp"`
	Slot           uint64    `json:"slot"`
	HasSlot        bool      `json:"hasSlot"`
	Index          uint32    `json:"index"`
	Kind           string    `json:"kind"`
	TokenMint      string    `json:"tokenMint"`
	Amount         string    `json:"amount"`
	Price          string    `json:"price,omitempty"`
	CounterMint    string    `json:"counterMint,omitempty"`
	CounterAmount  string    `json:"counterAmount,omitempty"`
	CounterPrice   string    `json:"counterPrice,omitempty"`
	Counterparties []string  `json:"counterparties,omitempty"`
}

// ChainEvent is a canonical, immutable chain event.
// Two events with the same EventID are the same event.
type ChainEvent struct {
	EventID        string              `json:"eventId"`
	Wallet         string              `json:"wallet"`
	Timestamp      time.Time           `json:"timestamp"`
	Key            types.OrderingKey   `json:"key"`
	Kind           types.EventKind     `json:"kind"`
	TokenMint      string              `json:"tokenMint"`
	Amount         decimal.Decimal     `json:"amount"`
	Price          decimal.NullDecimal `json:"price"`
	CounterMint    string              `json:"counterMint,omitempty"`
	CounterAmount  decimal.Decimal     `json:"counterAmount"`
	CounterPrice   decimal.NullDecimal `json:"counterPrice"`
	Counterparties []string            `json:"counterparties,omitempty"`
}

// Before reports whether e sorts before o in the canonical order
func (e ChainEvent) Before(o ChainEvent) bool {
	if c := e.Key.Compare(o.Key); c != 0 {
		return c < 0
	}
	return e.EventID < o.EventID
}
