package metrics

import (
	"context"
	"math"
	"sort"

	"github.com/wallet-insight/internal/models"
)

// rsiPeriod is the minimum number of price points for an RSI reading
const rsiPeriod = 14

// neutralRSI is reported when a mint has too little price history
const neutralRSI = 50.0

// TokenStat describes the price behaviour of one mint over the snapshot history
type TokenStat struct {
	Volatility float64
	RSI        float64
	Samples    int
}

// TokenStats prices every snapshot and summarizes each mint's unit price series.
// Mints that were never priced are absent from the result.
func (e *Engine) TokenStats(ctx context.Context, snapshots []*models.PortfolioSnapshot) (map[string]TokenStat, error) {
	if len(snapshots) == 0 {
		return map[string]TokenStat{}, nil
	}
	series, err := e.valuateAll(ctx, snapshots)
	if err != nil {
		return nil, err
	}
	return TokenStatsFrom(series), nil
}

// TokenStatsFrom summarizes the unit prices recorded in an ordered valuation series
func TokenStatsFrom(series []*Valuation) map[string]TokenStat {
	prices := make(map[string][]float64)
	for _, v := range series {
		for mint, p := range v.Prices {
			prices[mint] = append(prices[mint], p)
		}
	}

	out := make(map[string]TokenStat, len(prices))
	for mint, ps := range prices {
		out[mint] = TokenStat{
			Volatility: priceVolatility(ps),
			RSI:        RSI(ps),
			Samples:    len(ps),
		}
	}
	return out
}

// RSI is the relative strength index of a price series using the mean gain
// and mean loss over every step. Fewer than 14 points read as neutral.
func RSI(prices []float64) float64 {
	if len(prices) < rsiPeriod {
		return neutralRSI
	}
	var gain, loss float64
	for i := 1; i < len(prices); i++ {
		if d := prices[i] - prices[i-1]; d >= 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	steps := float64(len(prices) - 1)
	avgGain, avgLoss := gain/steps, loss/steps
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// ConcentrationRisk weights each holding's share of v by its price
// volatility and caps the sum at 1
func ConcentrationRisk(v *Valuation, stats map[string]TokenStat) float64 {
	if v == nil || v.Total <= 0 {
		return 0
	}
	mints := make([]string, 0, len(v.Values))
	for mint := range v.Values {
		mints = append(mints, mint)
	}
	sort.Strings(mints)

	var risk float64
	for _, mint := range mints {
		risk += v.Share(mint) * stats[mint].Volatility
	}
	return math.Min(risk, 1)
}

func priceVolatility(prices []float64) float64 {
	totals := make([]*Valuation, len(prices))
	for i, p := range prices {
		totals[i] = &Valuation{Total: p}
	}
	return volatility(totals)
}
