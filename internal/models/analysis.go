package models

import (
	"time"

	"github.com/wallet-insight/internal/types"
)

// MetricWindow holds performance statistics over one trailing window
type MetricWindow struct {
	Window               time.Duration `json:"window"`
	ReturnPct            float64       `json:"returnPct"`
	Volatility           float64       `json:"volatility"`
	MaxDrawdown          float64       `json:"maxDrawdown"`
	DiversificationIndex float64       `json:"diversificationIndex"`
	SampleCount          int           `json:"sampleCount"`
	// Insufficient marks a window with fewer than two snapshots
	Insufficient     bool `json:"insufficient"`
	ExcludedHoldings int  `json:"excludedHoldings"`
}

// Feature is one named input of the scoring capability
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FeatureVector is positional; consumers may rely on the order
type FeatureVector []Feature

// Values returns the raw values in order
func (fv FeatureVector) Values() []float64 {
	out := make([]float64, len(fv))
	for i, f := range fv {
		out[i] = f.Value
	}
	return out
}

// Get returns the value of the named feature
func (fv FeatureVector) Get(name string) (float64, bool) {
	for _, f := range fv {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// TokenInsight summarizes one holding's weight in the portfolio
type TokenInsight struct {
	TokenMint       string                `json:"tokenMint"`
	Value           float64               `json:"value"`
	Concentration   float64               `json:"concentration"`
	Volatility      float64               `json:"volatility"`
	RSI             float64               `json:"rsi"`
	RiskLevel       types.RiskLevel       `json:"riskLevel"`
	SuggestedAction types.SuggestedAction `json:"suggestedAction"`
}

// AnalysisResult is the scored analysis of one wallet
type AnalysisResult struct {
	ID              string             `json:"id"`
	Wallet          string             `json:"wallet"`
	ComputedAt      types.OrderingKey  `json:"computedAt"`
	Score           float64            `json:"score"`
	Explanation     string             `json:"explanation"`
	Degraded        bool               `json:"degraded"`
	FeatureVector   FeatureVector      `json:"featureVector"`
	Windows         []MetricWindow     `json:"windows"`
	Holdings        map[string]Holding `json:"holdings"`
	Insights        []TokenInsight     `json:"insights,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	DataGaps        []string           `json:"dataGaps,omitempty"`
	GeneratedAt     time.Time          `json:"generatedAt"`
}

// Clone returns a deep copy so callers never share state with the cache
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.FeatureVector = append(FeatureVector(nil), r.FeatureVector...)
	cp.Windows = append([]MetricWindow(nil), r.Windows...)
	cp.Holdings = CloneHoldings(r.Holdings)
	cp.Insights = append([]TokenInsight(nil), r.Insights...)
	cp.Recommendations = append([]string(nil), r.Recommendations...)
	cp.DataGaps = append([]string(nil), r.DataGaps...)
	return &cp
}
