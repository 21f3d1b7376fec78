package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wallet-insight/internal/types"
)

// Holding is the position in a single mint
type Holding struct {
	TokenMint string          `json:"tokenMint"`
	Quantity  decimal.Decimal `json:"quantity"`
	CostBasis decimal.Decimal `json:"costBasis"`
}

// PortfolioSnapshot is the wallet's holdings after folding every event up to AsOf.
// Snapshots are immutable once produced.
type PortfolioSnapshot struct {
	Wallet    string             `json:"wallet"`
	AsOf      types.OrderingKey  `json:"asOf"`
	Timestamp time.Time          `json:"timestamp"`
	Holdings  map[string]Holding `json:"holdings"`
	// RealizedGain covers only the events folded into this snapshot
	RealizedGain           decimal.Decimal `json:"realizedGain"`
	CumulativeRealizedGain decimal.Decimal `json:"cumulativeRealizedGain"`
	FeesPaid               decimal.Decimal `json:"feesPaid"`
	EventCount             int             `json:"eventCount"`
}

// Clone returns a deep copy
func (s *PortfolioSnapshot) Clone() *PortfolioSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Holdings = CloneHoldings(s.Holdings)
	return &cp
}

// Mints returns the held mints in lexical order
func (s *PortfolioSnapshot) Mints() []string {
	mints := make([]string, 0, len(s.Holdings))
	for mint := range s.Holdings {
		mints = append(mints, mint)
	}
	sort.Strings(mints)
	return mints
}

// CloneHoldings copies a holdings map
func CloneHoldings(in map[string]Holding) map[string]Holding {
	out := make(map[string]Holding, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
