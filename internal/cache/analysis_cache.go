// Package cache memoizes wallet analyses and coordinates their recomputation.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// State is the lifecycle state of one wallet's entry
type State string

const (
	StateEmpty     State = "empty"
	StateComputing State = "computing"
	StateReady     State = "ready"
	StateStale     State = "stale"
)

// Computer produces a fresh analysis for a wallet
type Computer interface {
	Compute(ctx context.Context, wallet string) (*models.AnalysisResult, error)
}

// ComputeFunc adapts a function to Computer
type ComputeFunc func(ctx context.Context, wallet string) (*models.AnalysisResult, error)

// Compute calls f
func (f ComputeFunc) Compute(ctx context.Context, wallet string) (*models.AnalysisResult, error) {
	return f(ctx, wallet)
}

// call is one in-flight recomputation shared by its waiters
type call struct {
	done    chan struct{}
	result  *models.AnalysisResult
	err     error
	waiters int
	cancel  context.CancelFunc
}

type entry struct {
	result      *models.AnalysisResult
	latestKnown types.OrderingKey
	inflight    *call
}

func (e *entry) state() State {
	switch {
	case e.inflight != nil:
		return StateComputing
	case e.result == nil:
		return StateEmpty
	case e.result.ComputedAt.Less(e.latestKnown):
		return StateStale
	default:
		return StateReady
	}
}

// fresh reports whether the installed result is within tolerance slots of
// the newest known event. A zero tolerance requires the exact frontier.
func (e *entry) fresh(tolerance uint64) bool {
	if e.result == nil {
		return false
	}
	if !e.result.ComputedAt.Less(e.latestKnown) {
		return true
	}
	return tolerance > 0 && e.latestKnown.SlotsSince(e.result.ComputedAt) <= tolerance
}

// AnalysisCache is a per-wallet single-flight memo of analysis results
type AnalysisCache struct {
	computer Computer
	metrics  *Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures an AnalysisCache
type Option func(*AnalysisCache)

// WithMetrics records cache activity on m
func WithMetrics(m *Metrics) Option {
	return func(c *AnalysisCache) { c.metrics = m }
}

// New creates a cache that recomputes through computer
func New(computer Computer, opts ...Option) *AnalysisCache {
	c := &AnalysisCache{
		computer: computer,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c
}

func (c *AnalysisCache) entryLocked(wallet string) *entry {
	e, ok := c.entries[wallet]
	if !ok {
		e = &entry{}
		c.entries[wallet] = e
	}
	return e
}

// Get returns a copy of the cached analysis when it is fresh within tolerance
// slots, otherwise it joins or starts the wallet's single recomputation.
// Leaving early via ctx does not cancel the computation for other waiters.
func (c *AnalysisCache) Get(ctx context.Context, wallet string, tolerance uint64) (*models.AnalysisResult, error) {
	c.mu.Lock()
	e := c.entryLocked(wallet)
	if e.inflight == nil && e.fresh(tolerance) {
		res := e.result.Clone()
		c.mu.Unlock()
		c.metrics.Hits.Inc()
		return res, nil
	}
	c.metrics.Misses.Inc()

	cl := e.inflight
	if cl == nil {
		cl = c.startLocked(ctx, wallet, e)
	} else {
		c.metrics.Joined.Inc()
	}
	cl.waiters++
	c.mu.Unlock()

	select {
	case <-cl.done:
		if cl.err != nil {
			return nil, cl.err
		}
		return cl.result.Clone(), nil
	case <-ctx.Done():
		c.leave(wallet, cl)
		return nil, ctx.Err()
	}
}

func (c *AnalysisCache) startLocked(ctx context.Context, wallet string, e *entry) *call {
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := &call{done: make(chan struct{}), cancel: cancel}
	e.inflight = cl
	c.metrics.Recomputations.Inc()
	c.metrics.InFlight.Inc()

	go c.run(cctx, wallet, cl)
	return cl
}

func (c *AnalysisCache) run(ctx context.Context, wallet string, cl *call) {
	logger := logging.FromContext(ctx).WithField("wallet", wallet)
	start := time.Now()

	res, err := c.computer.Compute(ctx, wallet)
	if err == nil && res == nil {
		err = errors.New("computer returned no result")
	}
	if err == nil && ctx.Err() != nil {
		// every waiter left; the result has nobody to go to
		err = ctx.Err()
	}

	c.mu.Lock()
	e := c.entryLocked(wallet)
	owned := e.inflight == cl
	if owned {
		e.inflight = nil
	}

	if err != nil {
		cl.err = &apperrors.CacheComputationFailedError{Wallet: wallet, Cause: err}
	} else {
		cl.result = c.installLocked(e, res)
	}
	c.mu.Unlock()

	cl.cancel()
	c.metrics.InFlight.Dec()
	c.metrics.Duration.Observe(time.Since(start).Seconds())
	close(cl.done)

	if err != nil {
		c.metrics.Failures.Inc()
		logger.WithError(err).Warn("Analysis recomputation failed")
		return
	}
	logger.WithFields(map[string]interface{}{
		"computedAt": cl.result.ComputedAt.String(),
		"duration":   time.Since(start),
	}).Debug("Analysis recomputed")
}

// installLocked installs res unless the entry already holds a newer frontier,
// and returns whichever result the entry holds afterwards.
func (c *AnalysisCache) installLocked(e *entry, res *models.AnalysisResult) *models.AnalysisResult {
	if e.result != nil && res.ComputedAt.Less(e.result.ComputedAt) {
		c.metrics.Discarded.Inc()
		return e.result
	}
	e.result = res.Clone()
	e.latestKnown = types.MaxKey(e.latestKnown, res.ComputedAt)
	return e.result
}

// leave drops one waiter. The last one out cancels the computation and
// detaches it so the next caller starts afresh.
func (c *AnalysisCache) leave(wallet string, cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl.waiters--
	if cl.waiters > 0 {
		return
	}
	select {
	case <-cl.done:
		return
	default:
	}
	if e, ok := c.entries[wallet]; ok && e.inflight == cl {
		e.inflight = nil
	}
	cl.cancel()
	c.metrics.Abandoned.Inc()
}

// Observe records that events up to key exist for wallet. A Ready entry
// behind key becomes Stale.
func (c *AnalysisCache) Observe(wallet string, key types.OrderingKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(wallet)
	e.latestKnown = types.MaxKey(e.latestKnown, key)
}

// Restore seeds a wallet with a previously computed result, typically on
// warm start. It reports false when a newer result is already installed.
func (c *AnalysisCache) Restore(res *models.AnalysisResult) bool {
	if res == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(res.Wallet)
	if e.result != nil && res.ComputedAt.Less(e.result.ComputedAt) {
		return false
	}
	e.result = res.Clone()
	e.latestKnown = types.MaxKey(e.latestKnown, res.ComputedAt)
	return true
}

// State returns the current state of wallet's entry
func (c *AnalysisCache) State(wallet string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[wallet]
	if !ok {
		return StateEmpty
	}
	return e.state()
}

// Peek returns a copy of the installed result without triggering work
func (c *AnalysisCache) Peek(wallet string) (*models.AnalysisResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[wallet]
	if !ok || e.result == nil {
		return nil, false
	}
	return e.result.Clone(), true
}

// LatestKnown returns the newest event key observed for wallet
func (c *AnalysisCache) LatestKnown(wallet string) types.OrderingKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[wallet]; ok {
		return e.latestKnown
	}
	return types.OrderingKey{}
}

// Metrics holds Prometheus metrics for the cache
type Metrics struct {
	Hits           prometheus.Counter
	Misses         prometheus.Counter
	Joined         prometheus.Counter
	Recomputations prometheus.Counter
	Failures       prometheus.Counter
	Discarded      prometheus.Counter
	Abandoned      prometheus.Counter
	InFlight       prometheus.Gauge
	Duration       prometheus.Histogram
}

// NewMetrics registers cache metrics with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Hits: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_hits_total",
			Help: "Requests served from a fresh cached analysis",
		}),
		Misses: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_misses_total",
			Help: "Requests that waited on a recomputation",
		}),
		Joined: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_joined_total",
			Help: "Requests that joined an in-flight recomputation",
		}),
		Recomputations: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_recomputations_total",
			Help: "Recomputations started",
		}),
		Failures: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_failures_total",
			Help: "Recomputations that failed",
		}),
		Discarded: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_discarded_total",
			Help: "Results discarded because a newer frontier was already installed",
		}),
		Abandoned: f.NewCounter(prometheus.CounterOpts{
			Name: "analysis_cache_abandoned_total",
			Help: "Recomputations cancelled after their last waiter left",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "analysis_cache_inflight",
			Help: "Recomputations currently running",
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "analysis_cache_recompute_duration_seconds",
			Help:    "Recomputation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
