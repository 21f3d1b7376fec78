package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wallet-insight/internal/types"
)

func TestAnalysisResult_CloneIsDeep(t *testing.T) {
	orig := &AnalysisResult{
		Wallet:          "w1",
		FeatureVector:   FeatureVector{{Name: "holding_count", Value: 2}},
		Holdings:        map[string]Holding{"X": {TokenMint: "X", Quantity: decimal.NewFromInt(6)}},
		Recommendations: []string{"diversify"},
	}

	cp := orig.Clone()
	cp.FeatureVector[0].Value = 99
	cp.Holdings["Y"] = Holding{TokenMint: "Y"}
	cp.Recommendations[0] = "changed"

	assert.Equal(t, 2.0, orig.FeatureVector[0].Value)
	assert.NotContains(t, orig.Holdings, "Y")
	assert.Equal(t, "diversify", orig.Recommendations[0])
}

func TestSnapshotRecord_Flatten(t *testing.T) {
	snap := &PortfolioSnapshot{
		Wallet:    "w1",
		AsOf:      types.OrderingKey{Slot: 10, Index: 2},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Holdings: map[string]Holding{
			"X": {TokenMint: "X", Quantity: decimal.NewFromInt(6), CostBasis: decimal.NewFromInt(1)},
		},
		RealizedGain:           decimal.NewFromInt(4),
		CumulativeRealizedGain: decimal.NewFromInt(4),
		EventCount:             2,
	}

	rec, err := NewSnapshotRecord(snap)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rec.Slot)
	assert.Equal(t, "4", rec.RealizedGain)

	back, err := rec.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, snap.AsOf, back.AsOf)
	assert.True(t, back.Holdings["X"].Quantity.Equal(decimal.NewFromInt(6)))
	assert.True(t, back.CumulativeRealizedGain.Equal(decimal.NewFromInt(4)))
}

func TestFeatureVector_Get(t *testing.T) {
	fv := FeatureVector{{Name: "a", Value: 1}, {Name: "b", Value: 2}}

	v, ok := fv.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)

	_, ok = fv.Get("c")
	assert.False(t, ok)
	assert.Equal(t, []float64{1, 2}, fv.Values())
}
