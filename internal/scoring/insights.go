package scoring

import (
	"sort"

	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

const (
	minHoldings           = 5
	exposureThreshold     = 0.2
	concentratedPortfolio = 0.5
	volatileToken         = 0.10
	overboughtRSI         = 70.0
)

// RiskLevelFor buckets a holding's share of the portfolio
func RiskLevelFor(concentration float64) types.RiskLevel {
	switch {
	case concentration >= 0.5:
		return types.RiskVeryHigh
	case concentration >= 0.25:
		return types.RiskHigh
	case concentration >= 0.1:
		return types.RiskMedium
	default:
		return types.RiskLow
	}
}

// escalate raises a risk level by one step
func escalate(level types.RiskLevel) types.RiskLevel {
	switch level {
	case types.RiskLow:
		return types.RiskMedium
	case types.RiskMedium:
		return types.RiskHigh
	default:
		return types.RiskVeryHigh
	}
}

// ActionFor suggests what to do with a holding at the given risk level
func ActionFor(level types.RiskLevel, concentration float64) types.SuggestedAction {
	switch level {
	case types.RiskHigh, types.RiskVeryHigh:
		if concentration > exposureThreshold {
			return types.ActionReduceExposure
		}
		return types.ActionHold
	case types.RiskLow:
		return types.ActionIncreasePosition
	default:
		return types.ActionHold
	}
}

// Insights returns one insight per priced holding, largest first. A mint whose
// price volatility reaches 10% per step is one risk level above its share alone.
// Mints missing from stats read as calm with a neutral RSI.
func Insights(valuation *metrics.Valuation, stats map[string]metrics.TokenStat) []models.TokenInsight {
	if valuation == nil || valuation.Total <= 0 {
		return nil
	}
	out := make([]models.TokenInsight, 0, len(valuation.Values))
	for mint, value := range valuation.Values {
		c := valuation.Share(mint)
		st, ok := stats[mint]
		if !ok {
			st = metrics.TokenStat{RSI: metrics.RSI(nil)}
		}
		level := RiskLevelFor(c)
		if st.Volatility >= volatileToken {
			level = escalate(level)
		}
		out = append(out, models.TokenInsight{
			TokenMint:       mint,
			Value:           value,
			Concentration:   c,
			Volatility:      st.Volatility,
			RSI:             st.RSI,
			RiskLevel:       level,
			SuggestedAction: ActionFor(level, c),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Concentration != out[j].Concentration {
			return out[i].Concentration > out[j].Concentration
		}
		return out[i].TokenMint < out[j].TokenMint
	})
	return out
}

// Recommendations derives portfolio-level advice from the holdings and their insights
func Recommendations(holdingCount int, diversification float64, insights []models.TokenInsight) []string {
	var recs []string
	if holdingCount < minHoldings {
		recs = append(recs, "Spread the portfolio across more assets")
	}
	for _, in := range insights {
		if (in.RiskLevel == types.RiskHigh || in.RiskLevel == types.RiskVeryHigh) && in.Concentration > exposureThreshold {
			recs = append(recs, "Reduce exposure to "+in.TokenMint)
		} else if in.RSI > overboughtRSI && in.Concentration > exposureThreshold {
			recs = append(recs, "Consider taking profit on "+in.TokenMint)
		}
	}
	if diversification < concentratedPortfolio {
		recs = append(recs, "Portfolio is concentrated; rebalance toward smaller positions")
	}
	return recs
}
