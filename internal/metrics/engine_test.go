package metrics

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// stubOracle prices by (mint, slot); missing entries are unavailable
type stubOracle struct {
	prices map[string]map[uint64]float64
	err    error
	calls  atomic.Int32
}

func (o *stubOracle) PriceAt(_ context.Context, mint string, key types.OrderingKey) (decimal.Decimal, error) {
	o.calls.Add(1)
	if o.err != nil {
		return decimal.Zero, o.err
	}
	if p, ok := o.prices[mint][key.Slot]; ok {
		return decimal.NewFromFloat(p), nil
	}
	return decimal.Zero, &apperrors.PriceUnavailableError{TokenMint: mint, Key: key}
}

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func snap(slot uint64, at time.Duration, holdings map[string]int64) *models.PortfolioSnapshot {
	h := make(map[string]models.Holding, len(holdings))
	for mint, q := range holdings {
		h[mint] = models.Holding{TokenMint: mint, Quantity: decimal.NewFromInt(q)}
	}
	return &models.PortfolioSnapshot{
		Wallet:    "w1",
		AsOf:      types.OrderingKey{Slot: slot},
		Timestamp: base.Add(at),
		Holdings:  h,
	}
}

func TestCompute_ReturnVolatilityDrawdown(t *testing.T) {
	oracle := &stubOracle{prices: map[string]map[uint64]float64{
		"X": {1: 1.0, 2: 2.0, 3: 1.0, 4: 1.5},
	}}
	engine := NewEngine(oracle, WithConcurrency(2))

	snaps := []*models.PortfolioSnapshot{
		snap(1, 0, map[string]int64{"X": 100}),
		snap(2, time.Hour, map[string]int64{"X": 100}),
		snap(3, 2*time.Hour, map[string]int64{"X": 100}),
		snap(4, 3*time.Hour, map[string]int64{"X": 100}),
	}

	windows, err := engine.Compute(context.Background(), snaps, []time.Duration{24 * time.Hour})
	require.NoError(t, err)
	require.Len(t, windows, 1)

	w := windows[0]
	assert.False(t, w.Insufficient)
	assert.Equal(t, 4, w.SampleCount)
	assert.InDelta(t, 50.0, w.ReturnPct, 1e-9)
	assert.InDelta(t, 0.5, w.MaxDrawdown, 1e-9)

	// returns: +1.0, -0.5, +0.5 -> mean 1/3
	mean := 1.0 / 3
	want := math.Sqrt((math.Pow(1-mean, 2) + math.Pow(-0.5-mean, 2) + math.Pow(0.5-mean, 2)) / 3)
	assert.InDelta(t, want, w.Volatility, 1e-9)
	assert.Equal(t, 0.0, w.DiversificationIndex)
}

func TestCompute_WindowBracketing(t *testing.T) {
	oracle := &stubOracle{prices: map[string]map[uint64]float64{
		"X": {1: 1, 2: 2, 3: 4},
	}}
	engine := NewEngine(oracle)

	snaps := []*models.PortfolioSnapshot{
		snap(1, 0, map[string]int64{"X": 1}),
		snap(2, 47*time.Hour, map[string]int64{"X": 1}),
		snap(3, 48*time.Hour, map[string]int64{"X": 1}),
	}

	windows, err := engine.Compute(context.Background(), snaps, []time.Duration{72 * time.Hour, time.Hour, 30 * time.Minute, time.Hour})
	require.NoError(t, err)
	require.Len(t, windows, 3)

	// sorted ascending and deduplicated
	assert.Equal(t, 30*time.Minute, windows[0].Window)
	assert.Equal(t, time.Hour, windows[1].Window)
	assert.Equal(t, 72*time.Hour, windows[2].Window)

	// 30m: baseline is the last snapshot at or before now-30m, i.e. slot 2
	assert.Equal(t, 2, windows[0].SampleCount)
	assert.InDelta(t, 100.0, windows[0].ReturnPct, 1e-9)

	// 1h: slot 2 sits exactly on the cutoff
	assert.Equal(t, 2, windows[1].SampleCount)

	// 72h reaches back past the first snapshot
	assert.Equal(t, 3, windows[2].SampleCount)
	assert.InDelta(t, 300.0, windows[2].ReturnPct, 1e-9)
}

func TestCompute_InsufficientHistory(t *testing.T) {
	oracle := &stubOracle{}
	engine := NewEngine(oracle)

	windows, err := engine.Compute(context.Background(), []*models.PortfolioSnapshot{snap(1, 0, map[string]int64{"X": 1})}, []time.Duration{time.Hour})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Insufficient)
	assert.Equal(t, 1, windows[0].SampleCount)
	assert.Equal(t, int32(0), oracle.calls.Load())

	windows, err = engine.Compute(context.Background(), nil, []time.Duration{time.Hour})
	require.NoError(t, err)
	assert.True(t, windows[0].Insufficient)
}

func TestCompute_PriceUnavailableExcludesHolding(t *testing.T) {
	oracle := &stubOracle{prices: map[string]map[uint64]float64{
		"X": {1: 1, 2: 1},
	}}
	engine := NewEngine(oracle)

	snaps := []*models.PortfolioSnapshot{
		snap(1, 0, map[string]int64{"X": 10, "DELISTED": 1000}),
		snap(2, time.Hour, map[string]int64{"X": 10, "DELISTED": 1000}),
	}

	windows, err := engine.Compute(context.Background(), snaps, []time.Duration{24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 2, windows[0].ExcludedHoldings)
	assert.InDelta(t, 0.0, windows[0].ReturnPct, 1e-9)
}

func TestCompute_OracleFailureAborts(t *testing.T) {
	boom := errors.New("oracle down")
	engine := NewEngine(&stubOracle{err: boom})

	snaps := []*models.PortfolioSnapshot{
		snap(1, 0, map[string]int64{"X": 1}),
		snap(2, time.Hour, map[string]int64{"X": 1}),
	}
	_, err := engine.Compute(context.Background(), snaps, []time.Duration{24 * time.Hour})
	assert.ErrorIs(t, err, boom)
}

func TestDiversification(t *testing.T) {
	oracle := &stubOracle{prices: map[string]map[uint64]float64{
		"A": {1: 1}, "B": {1: 1}, "C": {1: 1}, "D": {1: 1},
	}}
	engine := NewEngine(oracle)

	v, err := engine.Valuate(context.Background(), snap(1, 0, map[string]int64{"A": 25, "B": 25, "C": 25, "D": 25}))
	require.NoError(t, err)
	assert.InDelta(t, 100.0, v.Total, 1e-9)
	assert.InDelta(t, 0.75, Diversification(v), 1e-9)
	assert.InDelta(t, 0.25, v.Share("A"), 1e-9)

	assert.Equal(t, 0.0, Diversification(&Valuation{}))
}

func TestPercentChange(t *testing.T) {
	assert.Equal(t, 0.0, PercentChange(0, 10))
	assert.InDelta(t, -50.0, PercentChange(10, 5), 1e-9)
}
