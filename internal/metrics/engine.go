// Package metrics computes windowed performance statistics over portfolio snapshots.
package metrics

import (
	"context"
	stderrors "errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// PriceOracle prices a mint at a point in the event order.
// Unknown or delisted mints fail with *errors.PriceUnavailableError.
type PriceOracle interface {
	PriceAt(ctx context.Context, mint string, key types.OrderingKey) (decimal.Decimal, error)
}

// Valuation is the priced view of one snapshot
type Valuation struct {
	Key      types.OrderingKey
	Total    float64
	Values   map[string]float64
	Prices   map[string]float64 // unit price per priced mint
	Excluded []string
}

// Share returns the fraction of the total held in mint
func (v *Valuation) Share(mint string) float64 {
	if v.Total <= 0 {
		return 0
	}
	return v.Values[mint] / v.Total
}

// Engine computes MetricWindows
type Engine struct {
	oracle      PriceOracle
	concurrency int
}

// Option configures an Engine
type Option func(*Engine)

// WithConcurrency bounds the number of concurrent oracle lookups
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewEngine creates an engine backed by oracle
func NewEngine(oracle PriceOracle, opts ...Option) *Engine {
	e := &Engine{oracle: oracle, concurrency: 8}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute returns one MetricWindow per distinct window, shortest first.
// The window anchor is the timestamp of the last snapshot, so the result
// depends only on the snapshots and the oracle.
func (e *Engine) Compute(ctx context.Context, snapshots []*models.PortfolioSnapshot, windows []time.Duration) ([]models.MetricWindow, error) {
	windows = sortedWindows(windows)
	out := make([]models.MetricWindow, 0, len(windows))

	if len(snapshots) == 0 {
		for _, w := range windows {
			out = append(out, models.MetricWindow{Window: w, Insufficient: true})
		}
		return out, nil
	}

	now := snapshots[len(snapshots)-1].Timestamp
	starts := make([]int, len(windows))
	earliest := len(snapshots) - 1
	for i, w := range windows {
		starts[i] = windowStart(snapshots, now.Add(-w))
		if starts[i] < earliest {
			earliest = starts[i]
		}
	}

	var valuations []*Valuation
	if earliest < len(snapshots)-1 {
		var err error
		valuations, err = e.valuateAll(ctx, snapshots[earliest:])
		if err != nil {
			return nil, err
		}
	}

	for i, w := range windows {
		n := len(snapshots) - starts[i]
		if n < 2 {
			out = append(out, models.MetricWindow{Window: w, Insufficient: true, SampleCount: n})
			continue
		}
		out = append(out, windowStats(w, valuations[starts[i]-earliest:]))
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"snapshots": len(snapshots),
		"windows":   len(windows),
	}).Debug("Computed metric windows")
	return out, nil
}

// Valuate prices a single snapshot
func (e *Engine) Valuate(ctx context.Context, snap *models.PortfolioSnapshot) (*Valuation, error) {
	if snap == nil {
		return &Valuation{Values: map[string]float64{}, Prices: map[string]float64{}}, nil
	}
	vals, err := e.valuateAll(ctx, []*models.PortfolioSnapshot{snap})
	if err != nil {
		return nil, err
	}
	return vals[0], nil
}

type priceKey struct {
	mint string
	key  types.OrderingKey
}

type priceResult struct {
	price       decimal.Decimal
	unavailable bool
}

func (e *Engine) valuateAll(ctx context.Context, snaps []*models.PortfolioSnapshot) ([]*Valuation, error) {
	wanted := make(map[priceKey]struct{})
	for _, s := range snaps {
		for mint := range s.Holdings {
			wanted[priceKey{mint, s.AsOf}] = struct{}{}
		}
	}

	var mu sync.Mutex
	prices := make(map[priceKey]priceResult, len(wanted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for pk := range wanted {
		g.Go(func() error {
			p, err := e.oracle.PriceAt(gctx, pk.mint, pk.key)
			res := priceResult{price: p}
			if err != nil {
				var unavailable *apperrors.PriceUnavailableError
				if !stderrors.As(err, &unavailable) {
					return err
				}
				res = priceResult{unavailable: true}
			}
			mu.Lock()
			prices[pk] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*Valuation, len(snaps))
	for i, s := range snaps {
		v := &Valuation{
			Key:    s.AsOf,
			Values: make(map[string]float64, len(s.Holdings)),
			Prices: make(map[string]float64, len(s.Holdings)),
		}
		total := decimal.Zero
		for _, mint := range s.Mints() {
			res := prices[priceKey{mint, s.AsOf}]
			if res.unavailable {
				v.Excluded = append(v.Excluded, mint)
				continue
			}
			value := s.Holdings[mint].Quantity.Mul(res.price)
			v.Values[mint] = value.InexactFloat64()
			v.Prices[mint] = res.price.InexactFloat64()
			total = total.Add(value)
		}
		v.Total = total.InexactFloat64()
		out[i] = v
	}
	return out, nil
}

// windowStart returns the last snapshot at or before cutoff, else the first one
func windowStart(snapshots []*models.PortfolioSnapshot, cutoff time.Time) int {
	idx := sort.Search(len(snapshots), func(i int) bool {
		return snapshots[i].Timestamp.After(cutoff)
	})
	if idx == 0 {
		return 0
	}
	return idx - 1
}

func windowStats(w time.Duration, series []*Valuation) models.MetricWindow {
	first, last := series[0], series[len(series)-1]

	excluded := 0
	for _, v := range series {
		excluded += len(v.Excluded)
	}

	return models.MetricWindow{
		Window:               w,
		ReturnPct:            PercentChange(first.Total, last.Total),
		Volatility:           volatility(series),
		MaxDrawdown:          maxDrawdown(series),
		DiversificationIndex: Diversification(last),
		SampleCount:          len(series),
		ExcludedHoldings:     excluded,
	}
}

// PercentChange returns the change from prev to cur in percent, 0 when prev is 0
func PercentChange(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}

// volatility is the population standard deviation of per-step returns.
// Steps from a zero valuation have no defined return and are skipped.
func volatility(series []*Valuation) float64 {
	returns := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev := series[i-1].Total
		if prev == 0 {
			continue
		}
		returns = append(returns, (series[i].Total-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// maxDrawdown is the largest peak-to-trough decline as a fraction of the peak
func maxDrawdown(series []*Valuation) float64 {
	var peak, worst float64
	for _, v := range series {
		if v.Total > peak {
			peak = v.Total
			continue
		}
		if peak > 0 {
			if dd := (peak - v.Total) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// Diversification returns 1 - HHI over holding value shares
func Diversification(v *Valuation) float64 {
	if v == nil || v.Total <= 0 {
		return 0
	}
	var hhi float64
	for _, value := range v.Values {
		s := value / v.Total
		hhi += s * s
	}
	return clamp01(1 - hhi)
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func sortedWindows(in []time.Duration) []time.Duration {
	seen := make(map[time.Duration]struct{}, len(in))
	out := make([]time.Duration, 0, len(in))
	for _, w := range in {
		if w <= 0 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
