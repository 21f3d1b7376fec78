// Package analyzer wires the normalization, reconstruction, metrics and
// scoring stages behind the analysis cache.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wallet-insight/internal/cache"
	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/normalizer"
	"github.com/wallet-insight/internal/reconstructor"
	"github.com/wallet-insight/internal/retry"
	"github.com/wallet-insight/internal/scoring"
	"github.com/wallet-insight/internal/types"
)

// Pipeline stages reported in AnalysisError
const (
	StageValidate    = "validate"
	StageFetch       = "fetch"
	StageNormalize   = "normalize"
	StageReconstruct = "reconstruct"
	StageMetrics     = "metrics"
	StageScore       = "score"
	StageCache       = "cache"
)

// ChainDataSource returns raw records for wallet from since onward. Records at
// or before since may be repeated; they are deduplicated downstream.
type ChainDataSource interface {
	Fetch(ctx context.Context, wallet string, since types.OrderingKey) ([]models.RawChainRecord, error)
}

// PriceOracle prices a mint at a point in the event order
type PriceOracle interface {
	PriceAt(ctx context.Context, mint string, key types.OrderingKey) (decimal.Decimal, error)
}

// Recorder persists the outcome of a recomputation
type Recorder interface {
	Record(ctx context.Context, result *models.AnalysisResult, snapshots []*models.PortfolioSnapshot) error
}

// Config holds pipeline settings
type Config struct {
	Windows     []time.Duration
	BatchSize   int
	GapPolicy   types.GapPolicy
	FetchPolicy *retry.Policy
}

// DefaultConfig returns the 1d/7d/30d windows, one snapshot per event and the fail gap policy
func DefaultConfig() Config {
	return Config{
		Windows:     []time.Duration{24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour},
		BatchSize:   1,
		GapPolicy:   types.GapPolicyFail,
		FetchPolicy: retry.DefaultPolicy("fetch"),
	}
}

// walletState is what the service has learned about one wallet so far
type walletState struct {
	mu        sync.Mutex
	events    []models.ChainEvent
	history   []*models.PortfolioSnapshot
	openings  map[string]decimal.Decimal
	rebuild   bool
	processed int
}

func (w *walletState) base() *models.PortfolioSnapshot {
	if len(w.history) == 0 {
		return nil
	}
	return w.history[len(w.history)-1]
}

// Service is the analyze entry point
type Service struct {
	cfg          Config
	source       ChainDataSource
	engine       *metrics.Engine
	orchestrator *scoring.Orchestrator
	cache        *cache.AnalysisCache
	oracle       PriceOracle
	recorders    []Recorder
	metrics      *Metrics

	mu      sync.Mutex
	wallets map[string]*walletState
}

// Option configures a Service
type Option func(*Service)

// WithRecorder adds a best-effort persistence sink
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorders = append(s.recorders, r)
		}
	}
}

// WithPricing fills event prices the chain data did not carry from o at
// fold time. Looked-up prices are never written back to the stored events.
func WithPricing(o PriceOracle) Option {
	return func(s *Service) { s.oracle = o }
}

// WithMetrics records service activity on m
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCacheOptions passes options to the analysis cache
func WithCacheOptions(opts ...cache.Option) Option {
	return func(s *Service) {
		s.cache = cache.New(cache.ComputeFunc(s.compute), opts...)
	}
}

// NewService creates the analysis service
func NewService(cfg Config, source ChainDataSource, engine *metrics.Engine, orchestrator *scoring.Orchestrator, opts ...Option) *Service {
	if len(cfg.Windows) == 0 {
		cfg.Windows = DefaultConfig().Windows
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = types.GapPolicyFail
	}
	if cfg.FetchPolicy == nil {
		cfg.FetchPolicy = retry.DefaultPolicy("fetch")
	}

	s := &Service{
		cfg:          cfg,
		source:       source,
		engine:       engine,
		orchestrator: orchestrator,
		wallets:      make(map[string]*walletState),
	}
	s.cache = cache.New(cache.ComputeFunc(s.compute))
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Cache exposes the underlying analysis cache
func (s *Service) Cache() *cache.AnalysisCache {
	return s.cache
}

// Analyze returns an analysis of wallet no more than tolerance slots behind
// the newest known event. Every failure is an *errors.AnalysisError.
func (s *Service) Analyze(ctx context.Context, wallet string, tolerance uint64) (*models.AnalysisResult, error) {
	if wallet == "" {
		s.metrics.Analyses.WithLabelValues("error").Inc()
		return nil, &apperrors.AnalysisError{
			Wallet: wallet,
			Stage:  StageValidate,
			Cause:  apperrors.NewInvalidParameterError("wallet", "must not be empty"),
		}
	}

	res, err := s.cache.Get(ctx, wallet, tolerance)
	if err != nil {
		s.metrics.Analyses.WithLabelValues("error").Inc()
		stage := stageOf(err)
		s.metrics.StageFailures.WithLabelValues(stage).Inc()
		return nil, &apperrors.AnalysisError{Wallet: wallet, Stage: stage, Cause: err}
	}

	if res.Degraded {
		s.metrics.Analyses.WithLabelValues("degraded").Inc()
	} else {
		s.metrics.Analyses.WithLabelValues("ok").Inc()
	}
	return res, nil
}

// Poll fetches new records for wallet without recomputing and tells the cache
// about the newest event. It returns that event's key.
func (s *Service) Poll(ctx context.Context, wallet string) (types.OrderingKey, error) {
	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.ingest(ctx, wallet, st); err != nil {
		return types.OrderingKey{}, &apperrors.AnalysisError{Wallet: wallet, Stage: stageOf(err), Cause: err}
	}
	frontier := normalizer.Frontier(st.events)
	s.cache.Observe(wallet, frontier)
	return frontier, nil
}

// Restore seeds the cache, typically from the durable store on start
func (s *Service) Restore(res *models.AnalysisResult) bool {
	return s.cache.Restore(res)
}

func (s *Service) state(wallet string) *walletState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.wallets[wallet]
	if !ok {
		st = &walletState{openings: map[string]decimal.Decimal{}}
		s.wallets[wallet] = st
	}
	return st
}

// compute is the cache's recomputation for one wallet
func (s *Service) compute(ctx context.Context, wallet string) (*models.AnalysisResult, error) {
	logger := logging.FromContext(ctx).WithField("wallet", wallet)
	ctx = logging.WithLogger(ctx, logger)
	start := time.Now()

	st := s.state(wallet)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.ingest(ctx, wallet, st); err != nil {
		return nil, err
	}
	s.cache.Observe(wallet, normalizer.Frontier(st.events))

	fresh, err := s.fold(ctx, st)
	if err != nil {
		return nil, &stageError{stage: StageReconstruct, err: err}
	}

	latest := st.base()
	windows, err := s.engine.Compute(ctx, st.history, s.cfg.Windows)
	if err != nil {
		return nil, &stageError{stage: StageMetrics, err: err}
	}
	valuation, err := s.engine.Valuate(ctx, latest)
	if err != nil {
		return nil, &stageError{stage: StageMetrics, err: err}
	}
	stats, err := s.engine.TokenStats(ctx, st.history)
	if err != nil {
		return nil, &stageError{stage: StageMetrics, err: err}
	}

	res, err := s.orchestrator.Score(ctx, scoring.Input{
		Wallet:     wallet,
		Snapshot:   latest,
		Windows:    windows,
		Valuation:  valuation,
		TokenStats: stats,
	})
	if err != nil {
		return nil, &stageError{stage: StageScore, err: err}
	}
	res.DataGaps = reconstructor.GapMints(st.openings)

	s.record(ctx, res, fresh)
	s.metrics.Duration.Observe(time.Since(start).Seconds())
	logger.WithFields(map[string]interface{}{
		"computedAt": res.ComputedAt.String(),
		"events":     len(st.events),
		"snapshots":  len(fresh),
		"degraded":   res.Degraded,
		"duration":   time.Since(start),
	}).Info("Wallet analysis computed")
	return res, nil
}

// ingest fetches and merges new records into st. A record behind the folded
// frontier forces a rebuild of the snapshot history.
func (s *Service) ingest(ctx context.Context, wallet string, st *walletState) error {
	since := normalizer.Frontier(st.events)

	var raw []models.RawChainRecord
	err := s.cfg.FetchPolicy.Run(ctx, func(ctx context.Context, attempt int) error {
		s.metrics.Fetches.Inc()
		var err error
		raw, err = s.source.Fetch(ctx, wallet, since)
		if err != nil {
			var unavailable *apperrors.ChainDataUnavailableError
			if !errors.As(err, &unavailable) && ctx.Err() == nil {
				err = &apperrors.ChainDataUnavailableError{Wallet: wallet, Source: "chain", Cause: err}
			}
		}
		return err
	})
	if err != nil {
		return &stageError{stage: StageFetch, err: err}
	}

	incoming, err := normalizer.Normalize(raw)
	if err != nil {
		return &stageError{stage: StageNormalize, err: err}
	}
	for i := range incoming {
		if incoming[i].Wallet != wallet {
			return &stageError{stage: StageNormalize, err: &apperrors.MalformedEventError{
				EventID: incoming[i].EventID,
				Field:   "wallet",
				Reason:  fmt.Sprintf("record belongs to %s", incoming[i].Wallet),
			}}
		}
	}

	merged, err := normalizer.Merge(st.events, incoming)
	if err != nil {
		return &stageError{stage: StageNormalize, err: err}
	}

	if base := st.base(); base != nil && len(merged) > len(st.events) {
		known := make(map[string]struct{}, len(st.events))
		for i := range st.events {
			known[st.events[i].EventID] = struct{}{}
		}
		for i := range merged {
			if _, ok := known[merged[i].EventID]; ok {
				continue
			}
			if !base.AsOf.Less(merged[i].Key) {
				logging.FromContext(ctx).WithFields(map[string]interface{}{
					"eventId": merged[i].EventID,
					"key":     merged[i].Key.String(),
					"folded":  base.AsOf.String(),
				}).Warn("Late event behind the folded frontier, rebuilding history")
				st.rebuild = true
				break
			}
		}
	}
	st.events = merged
	return nil
}

// fold reconstructs the events not yet folded into st.history and returns
// the new snapshots. Under the synthesize policy each missing credit becomes
// a zero-cost opening balance and the fold is retried.
func (s *Service) fold(ctx context.Context, st *walletState) ([]*models.PortfolioSnapshot, error) {
	if st.rebuild {
		st.history = nil
		st.processed = 0
		st.openings = map[string]decimal.Decimal{}
		st.rebuild = false
	}

	pending := st.events[st.processed:]
	if len(pending) == 0 {
		return nil, nil
	}

	pending, err := s.priceEvents(ctx, pending)
	if err != nil {
		return nil, err
	}

	base := st.base()
	extra := map[string]decimal.Decimal{}
	for {
		opts := []reconstructor.Option{reconstructor.WithBatchSize(s.cfg.BatchSize)}
		openings := extra
		if base == nil {
			openings = mergeOpenings(st.openings, extra)
		}
		if len(openings) > 0 {
			opts = append(opts, reconstructor.WithOpeningBalances(openings))
		}

		snaps, err := reconstructor.Reconstruct(pending, base, opts...)
		if err == nil {
			st.history = trimHistory(append(st.history, snaps...), maxWindow(s.cfg.Windows))
			st.processed = len(st.events)
			st.openings = mergeOpenings(st.openings, extra)
			return snaps, nil
		}

		var neg *apperrors.NegativeHoldingError
		if s.cfg.GapPolicy != types.GapPolicySynthesize || !errors.As(err, &neg) {
			return nil, err
		}
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"tokenMint": neg.TokenMint,
			"eventId":   neg.EventID,
			"shortfall": neg.Shortfall().String(),
		}).Warn("Missing credit in chain history, synthesizing opening balance")
		s.metrics.DataGaps.Inc()
		extra[neg.TokenMint] = extra[neg.TokenMint].Add(neg.Shortfall())
	}
}

// priceEvents returns a copy of events with missing prices looked up at each
// event's key. An unpriced mint stays unpriced; any other oracle failure
// aborts the fold.
func (s *Service) priceEvents(ctx context.Context, events []models.ChainEvent) ([]models.ChainEvent, error) {
	if s.oracle == nil {
		return events, nil
	}

	out := make([]models.ChainEvent, len(events))
	copy(out, events)
	for i := range out {
		ev := &out[i]
		// fees are charged at cost basis
		if ev.Kind == types.KindFeePayment {
			continue
		}
		if !ev.Price.Valid && ev.TokenMint != "" {
			p, err := s.lookup(ctx, ev.TokenMint, ev.Key)
			if err != nil {
				return nil, err
			}
			ev.Price = p
		}
		if ev.Kind == types.KindSwap && !ev.CounterPrice.Valid && ev.CounterMint != "" {
			p, err := s.lookup(ctx, ev.CounterMint, ev.Key)
			if err != nil {
				return nil, err
			}
			ev.CounterPrice = p
		}
	}
	return out, nil
}

func (s *Service) lookup(ctx context.Context, mint string, key types.OrderingKey) (decimal.NullDecimal, error) {
	p, err := s.oracle.PriceAt(ctx, mint, key)
	if err != nil {
		var unavailable *apperrors.PriceUnavailableError
		if errors.As(err, &unavailable) {
			return decimal.NullDecimal{}, nil
		}
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(p), nil
}

func (s *Service) record(ctx context.Context, res *models.AnalysisResult, snaps []*models.PortfolioSnapshot) {
	for _, r := range s.recorders {
		if err := r.Record(ctx, res, snaps); err != nil {
			s.metrics.RecordFailures.Inc()
			logging.FromContext(ctx).WithError(err).Warn("Failed to persist analysis")
		}
	}
}

func mergeOpenings(a, b map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = out[k].Add(v)
	}
	return out
}

func maxWindow(windows []time.Duration) time.Duration {
	var longest time.Duration
	for _, w := range windows {
		if w > longest {
			longest = w
		}
	}
	return longest
}

// trimHistory drops snapshots no window can reach, keeping the baseline
// at or before the longest window's cutoff.
func trimHistory(history []*models.PortfolioSnapshot, keep time.Duration) []*models.PortfolioSnapshot {
	if len(history) < 2 || keep <= 0 {
		return history
	}
	cutoff := history[len(history)-1].Timestamp.Add(-keep)
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].Timestamp.After(cutoff)
	})
	if idx <= 1 {
		return history
	}
	return append([]*models.PortfolioSnapshot(nil), history[idx-1:]...)
}

// stageError tags a pipeline failure with the stage it came from
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return StageCache
}
