// Package app assembles the analysis pipeline from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wallet-insight/internal/adapter"
	"github.com/wallet-insight/internal/analyzer"
	"github.com/wallet-insight/internal/cache"
	"github.com/wallet-insight/internal/circuitbreaker"
	"github.com/wallet-insight/internal/config"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/retry"
	"github.com/wallet-insight/internal/scoring"
	"github.com/wallet-insight/internal/storage"
	"github.com/wallet-insight/internal/types"
)

// App owns the analysis service and the connections behind it
type App struct {
	Service  *analyzer.Service
	Results  *storage.ResultCache
	Analyses *storage.AnalysisRepository // nil when Postgres is disabled

	closers []func()
}

// New connects to every configured backend and builds the service.
// Metrics are registered with reg when it is not nil.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (_ *App, err error) {
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	rdb, err := storage.NewRedisClient(ctx, &cfg.Database.Redis)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = rdb.Close() })

	oracle, err := newOracle(rdb, &cfg.Price)
	if err != nil {
		return nil, err
	}

	source, err := newSource(ctx, &cfg.Chain)
	if err != nil {
		return nil, err
	}
	a.onClose(source.Close)

	a.Results = storage.NewResultCache(rdb, "analysis", cfg.Database.Redis.ResultTTL)
	opts := []analyzer.Option{
		analyzer.WithMetrics(analyzer.NewMetrics(reg)),
		analyzer.WithCacheOptions(cache.WithMetrics(cache.NewMetrics(reg))),
		analyzer.WithRecorder(a.Results),
		analyzer.WithPricing(oracle),
	}

	if cfg.Database.Postgres.Enabled {
		pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		a.onClose(pg.Close)
		a.Analyses = storage.NewAnalysisRepository(pg.Pool())
		opts = append(opts, analyzer.WithRecorder(a.Analyses))
	}

	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = ch.Close() })
		opts = append(opts, analyzer.WithRecorder(storage.NewSnapshotRepository(ch.Conn())))
	}

	orchestrator, err := newOrchestrator(&cfg.Scoring, reg)
	if err != nil {
		return nil, err
	}

	a.Service = analyzer.NewService(
		pipelineConfig(&cfg.Analysis),
		source,
		metrics.NewEngine(oracle, metrics.WithConcurrency(cfg.Analysis.OracleConcurrency)),
		orchestrator,
		opts...,
	)
	return a, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Restore seeds the service cache with the last stored analysis of each
// wallet, preferring Redis over Postgres. It returns how many were restored.
func (a *App) Restore(ctx context.Context, wallets []string) int {
	restored := 0
	for _, wallet := range wallets {
		res, err := a.lastStored(ctx, wallet)
		if err != nil {
			logging.WithError(err).WithField("wallet", wallet).Warn("Failed to load stored analysis")
			continue
		}
		if res != nil && a.Service.Restore(res) {
			restored++
		}
	}
	return restored
}

func (a *App) lastStored(ctx context.Context, wallet string) (*models.AnalysisResult, error) {
	if a.Results != nil {
		res, err := a.Results.Get(ctx, wallet)
		if err != nil {
			logging.WithError(err).WithField("wallet", wallet).Debug("Result cache unreadable, trying Postgres")
		} else if res != nil {
			return res, nil
		}
	}
	if a.Analyses == nil {
		return nil, nil
	}
	return a.Analyses.LatestFor(ctx, wallet)
}

func newOracle(rdb redis.Cmdable, cfg *config.PriceConfig) (*adapter.CachingOracle, error) {
	oracle, err := adapter.NewCachingOracle(adapter.NewRedisPriceOracle(rdb, cfg.KeyPrefix), cfg.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("price cache: %w", err)
	}
	return oracle, nil
}

func newSource(ctx context.Context, cfg *config.ChainConfig) (*adapter.EVMSource, error) {
	tokens := make([]adapter.Token, 0, len(cfg.Tokens))
	for _, spec := range cfg.Tokens {
		t, err := adapter.ParseToken(spec)
		if err != nil {
			return nil, fmt.Errorf("CHAIN_TOKENS: %w", err)
		}
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		logging.Warn("No tokens configured, the chain source will return no transfers")
	}

	return adapter.DialEVMSource(ctx, adapter.SplitEndpoints(cfg.RPCURL), cfg.ChainID, adapter.EVMSourceConfig{
		Tokens:         tokens,
		StartBlock:     cfg.StartBlock,
		MaxBlockRange:  cfg.MaxBlockRange,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		RequestTimeout: cfg.RequestTimeout,
	})
}

func newOrchestrator(cfg *config.ScoringConfig, reg prometheus.Registerer) (*scoring.Orchestrator, error) {
	var capability scoring.ScoringCapability
	switch cfg.Provider {
	case "openai":
		capability = adapter.NewOpenAIScorer(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	case "heuristic", "":
	default:
		return nil, fmt.Errorf("unknown scoring provider %q", cfg.Provider)
	}

	policy := retry.DefaultPolicy("score")
	policy.MaxAttempts = cfg.MaxAttempts
	policy.InitialDelay = cfg.InitialDelay
	policy.MaxDelay = cfg.MaxDelay

	breaker := circuitbreaker.DefaultConfig("scoring")
	breaker.MaxFailures = cfg.BreakerFails
	breaker.Timeout = cfg.BreakerTimeout
	breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logging.WithFields(map[string]interface{}{
			"breaker": name,
			"from":    from,
			"to":      to,
		}).Warn("Circuit breaker state changed")
	}

	return scoring.NewOrchestrator(capability,
		scoring.WithName(cfg.Provider),
		scoring.WithTimeout(cfg.Timeout),
		scoring.WithRetryPolicy(policy),
		scoring.WithCircuitBreaker(circuitbreaker.NewCircuitBreaker(breaker)),
		scoring.WithMetrics(scoring.NewMetrics(reg)),
	), nil
}

func pipelineConfig(cfg *config.AnalysisConfig) analyzer.Config {
	fetch := retry.DefaultPolicy("fetch")
	if cfg.FetchMaxAttempts > 0 {
		fetch.MaxAttempts = cfg.FetchMaxAttempts
	}
	if cfg.FetchInitialDelay > 0 {
		fetch.InitialDelay = cfg.FetchInitialDelay
	}
	return analyzer.Config{
		Windows:     cfg.Windows,
		BatchSize:   cfg.BatchSize,
		GapPolicy:   types.GapPolicy(cfg.GapPolicy),
		FetchPolicy: fetch,
	}
}
