package scoring

import (
	"time"

	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
)

// CanonicalWindow is a window that has a fixed slot in the feature vector
type CanonicalWindow struct {
	Label    string
	Duration time.Duration
}

// CanonicalWindows are the windows carried by every feature vector, in order
var CanonicalWindows = []CanonicalWindow{
	{Label: "1d", Duration: 24 * time.Hour},
	{Label: "7d", Duration: 7 * 24 * time.Hour},
	{Label: "30d", Duration: 30 * 24 * time.Hour},
}

var portfolioFeatures = []string{
	"holding_count",
	"total_value",
	"top_holding_share",
	"diversification_index",
	"realized_gain",
	"fees_paid",
}

var windowFeatures = []string{"return_pct", "volatility", "max_drawdown", "has_history"}

// tokenFeatures follow the window features
var tokenFeatures = []string{"concentration_risk"}

// FeatureNames returns the feature names in vector order
func FeatureNames() []string {
	names := append([]string(nil), portfolioFeatures...)
	for _, w := range CanonicalWindows {
		for _, f := range windowFeatures {
			names = append(names, f+"_"+w.Label)
		}
	}
	return append(names, tokenFeatures...)
}

// BuildFeatures assembles the feature vector for one snapshot.
// A canonical window that was not computed, or had too little history, is all zeros.
func BuildFeatures(snap *models.PortfolioSnapshot, windows []models.MetricWindow, valuation *metrics.Valuation, stats map[string]metrics.TokenStat) models.FeatureVector {
	fv := make(models.FeatureVector, 0, len(portfolioFeatures)+len(CanonicalWindows)*len(windowFeatures)+len(tokenFeatures))

	var holdingCount, realized, fees float64
	if snap != nil {
		holdingCount = float64(len(snap.Holdings))
		realized = snap.CumulativeRealizedGain.InexactFloat64()
		fees = snap.FeesPaid.InexactFloat64()
	}

	var total, top float64
	if valuation != nil {
		total = valuation.Total
		for mint := range valuation.Values {
			if s := valuation.Share(mint); s > top {
				top = s
			}
		}
	}

	fv = append(fv,
		models.Feature{Name: "holding_count", Value: holdingCount},
		models.Feature{Name: "total_value", Value: total},
		models.Feature{Name: "top_holding_share", Value: top},
		models.Feature{Name: "diversification_index", Value: metrics.Diversification(valuation)},
		models.Feature{Name: "realized_gain", Value: realized},
		models.Feature{Name: "fees_paid", Value: fees},
	)

	byDuration := make(map[time.Duration]models.MetricWindow, len(windows))
	for _, w := range windows {
		byDuration[w.Window] = w
	}
	for _, cw := range CanonicalWindows {
		var ret, vol, dd, hist float64
		if w, ok := byDuration[cw.Duration]; ok && !w.Insufficient {
			ret, vol, dd, hist = w.ReturnPct, w.Volatility, w.MaxDrawdown, 1
		}
		fv = append(fv,
			models.Feature{Name: "return_pct_" + cw.Label, Value: ret},
			models.Feature{Name: "volatility_" + cw.Label, Value: vol},
			models.Feature{Name: "max_drawdown_" + cw.Label, Value: dd},
			models.Feature{Name: "has_history_" + cw.Label, Value: hist},
		)
	}
	return append(fv, models.Feature{Name: "concentration_risk", Value: metrics.ConcentrationRisk(valuation, stats)})
}
