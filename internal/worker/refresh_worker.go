// Package worker keeps a watchlist of wallets analyzed in the background.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// Analyzer is the part of the analysis service the worker drives
type Analyzer interface {
	Poll(ctx context.Context, wallet string) (types.OrderingKey, error)
	Analyze(ctx context.Context, wallet string, tolerance uint64) (*models.AnalysisResult, error)
}

// Config holds configuration for a refresh worker
type Config struct {
	Wallets     []string
	Interval    time.Duration
	Tolerance   uint64
	Concurrency int
	Registerer  prometheus.Registerer
}

// Status is a point-in-time view of the worker
type Status struct {
	Running        bool
	LastCycle      time.Time
	WalletsTracked int
	Failures       map[string]string
}

// walletProgress is what the worker remembers per wallet between cycles
type walletProgress struct {
	frontier types.OrderingKey
	analyzed types.OrderingKey
	seen     bool
	lastErr  error
}

// RefreshWorker polls every wallet on each tick and re-analyzes the ones
// that fell behind, most stale first
type RefreshWorker struct {
	analyzer    Analyzer
	wallets     []string
	interval    time.Duration
	tolerance   uint64
	concurrency int

	mu        sync.RWMutex
	running   bool
	lastCycle time.Time
	progress  map[string]*walletProgress
	stopCh    chan struct{}
	doneCh    chan struct{}

	cycles   prometheus.Counter
	failures *prometheus.CounterVec
	lag      prometheus.Gauge
}

// NewRefreshWorker creates a refresh worker
func NewRefreshWorker(analyzer Analyzer, cfg Config) (*RefreshWorker, error) {
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer cannot be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	progress := make(map[string]*walletProgress, len(cfg.Wallets))
	for _, w := range cfg.Wallets {
		progress[w] = &walletProgress{}
	}

	f := promauto.With(cfg.Registerer)
	return &RefreshWorker{
		analyzer:    analyzer,
		wallets:     append([]string(nil), cfg.Wallets...),
		interval:    cfg.Interval,
		tolerance:   cfg.Tolerance,
		concurrency: cfg.Concurrency,
		progress:    progress,
		cycles: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_refresh_cycles_total",
			Help: "Completed refresh cycles",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_refresh_failures_total",
			Help: "Wallet refresh failures by step (poll, analyze)",
		}, []string{"step"}),
		lag: f.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_refresh_max_lag_slots",
			Help: "Largest gap between a wallet's frontier and its last analysis, before the cycle",
		}),
	}, nil
}

// Start runs one cycle immediately and then one per interval until Stop
// or ctx cancellation
func (w *RefreshWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("refresh worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallets":  len(w.wallets),
		"interval": w.interval,
	}).Info("Starting refresh worker")

	go w.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish
func (w *RefreshWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("refresh worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *RefreshWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// RunCycle polls every wallet, then analyzes the stale ones. Per-wallet
// failures are logged and recorded; the cycle always completes.
func (w *RefreshWorker) RunCycle(ctx context.Context) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, wallet := range w.wallets {
		g.Go(func() error {
			frontier, err := w.analyzer.Poll(gctx, wallet)
			w.mu.Lock()
			p := w.progress[wallet]
			if err != nil {
				p.lastErr = err
			} else {
				p.frontier = frontier
			}
			w.mu.Unlock()
			if err != nil {
				w.failures.WithLabelValues("poll").Inc()
				logger.WithError(err).WithField("wallet", wallet).Warn("Wallet poll failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	queue := w.staleWallets()
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, wallet := range queue {
		g.Go(func() error {
			res, err := w.analyzer.Analyze(gctx, wallet, w.tolerance)
			w.mu.Lock()
			p := w.progress[wallet]
			p.lastErr = err
			if err == nil {
				p.analyzed = res.ComputedAt
				p.seen = true
			}
			w.mu.Unlock()
			if err != nil {
				w.failures.WithLabelValues("analyze").Inc()
				logger.WithError(err).WithField("wallet", wallet).Warn("Wallet analysis failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	w.lastCycle = time.Now()
	w.mu.Unlock()
	w.cycles.Inc()

	logger.WithFields(map[string]interface{}{
		"wallets":  len(w.wallets),
		"analyzed": len(queue),
		"duration": time.Since(start),
	}).Debug("Refresh cycle complete")
}

// staleWallets orders wallets needing analysis by how far they lag:
// never-analyzed wallets first, then by slots behind, then by name
func (w *RefreshWorker) staleWallets() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	type entry struct {
		wallet string
		never  bool
		lag    uint64
	}
	var entries []entry
	var maxLag uint64
	for _, wallet := range w.wallets {
		p := w.progress[wallet]
		lag := p.frontier.SlotsSince(p.analyzed)
		if lag > maxLag {
			maxLag = lag
		}
		switch {
		case !p.seen:
			entries = append(entries, entry{wallet: wallet, never: true})
		case p.analyzed.Less(p.frontier) && (w.tolerance == 0 || lag > w.tolerance):
			entries = append(entries, entry{wallet: wallet, lag: lag})
		}
	}
	w.lag.Set(float64(maxLag))

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].never != entries[j].never {
			return entries[i].never
		}
		if entries[i].lag != entries[j].lag {
			return entries[i].lag > entries[j].lag
		}
		return entries[i].wallet < entries[j].wallet
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.wallet
	}
	return out
}

// GetStatus returns the current worker status
func (w *RefreshWorker) GetStatus() *Status {
	w.mu.RLock()
	defer w.mu.RUnlock()

	st := &Status{
		Running:        w.running,
		LastCycle:      w.lastCycle,
		WalletsTracked: len(w.wallets),
		Failures:       map[string]string{},
	}
	for wallet, p := range w.progress {
		if p.lastErr != nil {
			st.Failures[wallet] = p.lastErr.Error()
		}
	}
	return st
}
