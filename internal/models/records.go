package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wallet-insight/internal/types"
)

// SnapshotRecord is the flat, storage-facing form of a PortfolioSnapshot.
// Rows are keyed by (wallet, slot, index).
type SnapshotRecord struct {
	Wallet                 string    `json:"wallet" db:"wallet"`
	Slot                   uint64    `json:"slot" db:"slot"`
	Index                  uint32    `json:"index" db:"idx"`
	Timestamp              time.Time `json:"timestamp" db:"ts"`
	Holdings               string    `json:"holdings" db:"holdings"`
	RealizedGain           string    `json:"realizedGain" db:"realized_gain"`
	CumulativeRealizedGain string    `json:"cumulativeRealizedGain" db:"cumulative_realized_gain"`
	FeesPaid               string    `json:"feesPaid" db:"fees_paid"`
	EventCount             uint32    `json:"eventCount" db:"event_count"`
}

// AnalysisRecord is the flat, storage-facing form of an AnalysisResult
type AnalysisRecord struct {
	ID              string    `json:"id" db:"id"`
	Wallet          string    `json:"wallet" db:"wallet"`
	Slot            uint64    `json:"slot" db:"slot"`
	Index           uint32    `json:"index" db:"idx"`
	Score           float64   `json:"score" db:"score"`
	Explanation     string    `json:"explanation" db:"explanation"`
	Degraded        bool      `json:"degraded" db:"degraded"`
	Features        []byte    `json:"features" db:"features"`
	Windows         []byte    `json:"windows" db:"windows"`
	Holdings        []byte    `json:"holdings" db:"holdings"`
	Insights        []byte    `json:"insights" db:"insights"`
	Recommendations []byte    `json:"recommendations" db:"recommendations"`
	DataGaps        []byte    `json:"dataGaps" db:"data_gaps"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// NewSnapshotRecord flattens a snapshot
func NewSnapshotRecord(s *PortfolioSnapshot) (*SnapshotRecord, error) {
	holdings, err := json.Marshal(s.Holdings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal holdings: %w", err)
	}
	return &SnapshotRecord{
		Wallet:                 s.Wallet,
		Slot:                   s.AsOf.Slot,
		Index:                  s.AsOf.Index,
		Timestamp:              s.Timestamp,
		Holdings:               string(holdings),
		RealizedGain:           s.RealizedGain.String(),
		CumulativeRealizedGain: s.CumulativeRealizedGain.String(),
		FeesPaid:               s.FeesPaid.String(),
		EventCount:             uint32(s.EventCount), // #nosec G115 - event counts stay far below 2^32
	}, nil
}

// Snapshot rebuilds the snapshot from its flat form
func (r *SnapshotRecord) Snapshot() (*PortfolioSnapshot, error) {
	snap := &PortfolioSnapshot{
		Wallet:     r.Wallet,
		AsOf:       types.OrderingKey{Slot: r.Slot, Index: r.Index},
		Timestamp:  r.Timestamp,
		Holdings:   make(map[string]Holding),
		EventCount: int(r.EventCount),
	}
	if r.Holdings != "" {
		if err := json.Unmarshal([]byte(r.Holdings), &snap.Holdings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal holdings: %w", err)
		}
	}

	var err error
	if snap.RealizedGain, err = parseDecimalField(r.RealizedGain); err != nil {
		return nil, err
	}
	if snap.CumulativeRealizedGain, err = parseDecimalField(r.CumulativeRealizedGain); err != nil {
		return nil, err
	}
	if snap.FeesPaid, err = parseDecimalField(r.FeesPaid); err != nil {
		return nil, err
	}
	return snap, nil
}

// NewAnalysisRecord flattens an analysis result
func NewAnalysisRecord(res *AnalysisResult) (*AnalysisRecord, error) {
	rec := &AnalysisRecord{
		ID:          res.ID,
		Wallet:      res.Wallet,
		Slot:        res.ComputedAt.Slot,
		Index:       res.ComputedAt.Index,
		Score:       res.Score,
		Explanation: res.Explanation,
		Degraded:    res.Degraded,
		CreatedAt:   res.GeneratedAt,
	}

	fields := []struct {
		name string
		src  interface{}
		dst  *[]byte
	}{
		{"features", res.FeatureVector, &rec.Features},
		{"windows", res.Windows, &rec.Windows},
		{"holdings", res.Holdings, &rec.Holdings},
		{"insights", res.Insights, &rec.Insights},
		{"recommendations", res.Recommendations, &rec.Recommendations},
		{"data gaps", res.DataGaps, &rec.DataGaps},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.src)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
		*f.dst = b
	}
	return rec, nil
}

// Result rebuilds the analysis result from its flat form
func (r *AnalysisRecord) Result() (*AnalysisResult, error) {
	res := &AnalysisResult{
		ID:          r.ID,
		Wallet:      r.Wallet,
		ComputedAt:  types.OrderingKey{Slot: r.Slot, Index: r.Index},
		Score:       r.Score,
		Explanation: r.Explanation,
		Degraded:    r.Degraded,
		GeneratedAt: r.CreatedAt,
	}

	fields := []struct {
		name string
		src  []byte
		dst  interface{}
	}{
		{"features", r.Features, &res.FeatureVector},
		{"windows", r.Windows, &res.Windows},
		{"holdings", r.Holdings, &res.Holdings},
		{"insights", r.Insights, &res.Insights},
		{"recommendations", r.Recommendations, &res.Recommendations},
		{"data gaps", r.DataGaps, &res.DataGaps},
	}
	for _, f := range fields {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", f.name, err)
		}
	}
	return res, nil
}

func parseDecimalField(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}
