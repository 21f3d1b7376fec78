// Package scoring turns portfolio metrics into a scored, explained analysis.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/wallet-insight/internal/circuitbreaker"
	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/retry"
)

// ScoringCapability produces a risk score in [0,1] and an explanation.
// Implementations should honour ctx; the orchestrator enforces the deadline regardless.
type ScoringCapability interface {
	Score(ctx context.Context, features models.FeatureVector) (float64, string, error)
}

// Input is everything the orchestrator needs for one wallet
type Input struct {
	Wallet     string
	Snapshot   *models.PortfolioSnapshot
	Windows    []models.MetricWindow
	Valuation  *metrics.Valuation
	TokenStats map[string]metrics.TokenStat // may be nil
}

// Orchestrator invokes the scoring capability with a deadline, retries and
// a circuit breaker, and falls back to a heuristic score.
type Orchestrator struct {
	capability ScoringCapability
	name       string
	timeout    time.Duration
	policy     *retry.Policy
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *Metrics
	now        func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTimeout sets the per-attempt deadline
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetryPolicy replaces the retry policy. Its Retryable func is overridden.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithCircuitBreaker guards the capability with cb
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

// WithMetrics records attempts and results on m
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithName labels the capability in errors and logs
func WithName(name string) Option {
	return func(o *Orchestrator) { o.name = name }
}

// NewOrchestrator creates an orchestrator. A nil capability always scores heuristically.
func NewOrchestrator(capability ScoringCapability, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		capability: capability,
		name:       "scoring",
		timeout:    10 * time.Second,
		policy:     retry.DefaultPolicy("score"),
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("scoring")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	p := *o.policy
	p.Retryable = isTransient
	o.policy = &p
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Score builds the analysis for in. Failures of the capability degrade to the
// heuristic score; only cancellation of ctx is returned as an error.
func (o *Orchestrator) Score(ctx context.Context, in Input) (*models.AnalysisResult, error) {
	start := time.Now()
	logger := logging.FromContext(ctx)

	features := BuildFeatures(in.Snapshot, in.Windows, in.Valuation, in.TokenStats)
	insights := Insights(in.Valuation, in.TokenStats)

	var holdingCount int
	result := &models.AnalysisResult{
		ID:            uuid.NewString(),
		Wallet:        in.Wallet,
		FeatureVector: features,
		Windows:       append([]models.MetricWindow(nil), in.Windows...),
		Holdings:      map[string]models.Holding{},
		Insights:      insights,
	}
	if in.Snapshot != nil {
		result.ComputedAt = in.Snapshot.AsOf
		result.Holdings = models.CloneHoldings(in.Snapshot.Holdings)
		holdingCount = len(in.Snapshot.Holdings)
	}
	diversification, _ := features.Get("diversification_index")
	result.Recommendations = Recommendations(holdingCount, diversification, insights)

	score, explanation, err := o.invoke(ctx, features)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).Warn("Scoring capability unavailable, using heuristic score")
		score, explanation = Heuristic(in.Windows, diversification)
		result.Degraded = true
		o.metrics.Results.WithLabelValues("heuristic").Inc()
	} else {
		o.metrics.Results.WithLabelValues("capability").Inc()
	}

	result.Score = clamp01(score)
	result.Explanation = explanation
	result.GeneratedAt = o.now().UTC()
	o.metrics.Latency.Observe(time.Since(start).Seconds())

	logger.WithFields(map[string]interface{}{
		"score":    result.Score,
		"degraded": result.Degraded,
		"duration": time.Since(start),
	}).Debug("Scored wallet")
	return result, nil
}

func (o *Orchestrator) invoke(ctx context.Context, features models.FeatureVector) (float64, string, error) {
	if o.capability == nil {
		return 0, "", &apperrors.ScoringCapabilityError{Capability: o.name, Permanent: true, Cause: errors.New("no scoring capability configured")}
	}

	var score float64
	var explanation string
	err := o.policy.Run(ctx, func(ctx context.Context, attempt int) error {
		return o.breaker.Execute(ctx, func(ctx context.Context) error {
			s, e, err := o.attempt(ctx, features, attempt)
			if err != nil {
				o.metrics.Attempts.WithLabelValues(outcome(err)).Inc()
				return err
			}
			o.metrics.Attempts.WithLabelValues("success").Inc()
			score, explanation = s, e
			return nil
		})
	})
	return score, explanation, err
}

type scoreResult struct {
	score       float64
	explanation string
	err         error
}

// attempt runs one capability call under its own deadline. The call runs in
// its own goroutine so a capability that ignores ctx cannot hold the caller.
func (o *Orchestrator) attempt(ctx context.Context, features models.FeatureVector, attempt int) (float64, string, error) {
	actx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		s, e, err := o.capability.Score(actx, features)
		done <- scoreResult{s, e, err}
	}()

	var res scoreResult
	select {
	case res = <-done:
	case <-actx.Done():
		res.err = actx.Err()
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return 0, "", ctx.Err()
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return 0, "", &apperrors.ScoringTimeoutError{Attempt: attempt, Timeout: o.timeout}
		}
		var capErr *apperrors.ScoringCapabilityError
		if errors.As(res.err, &capErr) {
			return 0, "", res.err
		}
		return 0, "", &apperrors.ScoringCapabilityError{Capability: o.name, Cause: res.err}
	}
	// an unusable reply will not improve on retry
	if math.IsNaN(res.score) || math.IsInf(res.score, 0) || res.score < 0 || res.score > 1 {
		return 0, "", &apperrors.ScoringCapabilityError{
			Capability: o.name,
			Permanent:  true,
			Cause:      fmt.Errorf("score %v outside [0,1]", res.score),
		}
	}
	return res.score, res.explanation, nil
}

// Heuristic scores risk from the volatility of the longest window with
// history and the diversification index.
func Heuristic(windows []models.MetricWindow, diversification float64) (float64, string) {
	var vol float64
	var longest time.Duration
	for _, w := range windows {
		if !w.Insufficient && w.Window > longest {
			longest, vol = w.Window, w.Volatility
		}
	}
	score := clamp01(0.6*math.Min(vol/0.10, 1) + 0.4*(1-clamp01(diversification)))
	return score, fmt.Sprintf("heuristic risk score from volatility %.4f and diversification %.4f", vol, diversification)
}

func isTransient(err error) bool {
	var timeout *apperrors.ScoringTimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var capErr *apperrors.ScoringCapabilityError
	return errors.As(err, &capErr) && !capErr.Permanent
}

func outcome(err error) string {
	var timeout *apperrors.ScoringTimeoutError
	switch {
	case errors.As(err, &timeout):
		return "timeout"
	case isTransient(err):
		return "transient"
	default:
		return "failure"
	}
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
