package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

type fakeAnalyzer struct {
	mu         sync.Mutex
	frontiers  map[string]types.OrderingKey
	pollErr    map[string]error
	analyzeErr map[string]error
	analyzed   []string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		frontiers:  map[string]types.OrderingKey{},
		pollErr:    map[string]error{},
		analyzeErr: map[string]error{},
	}
}

func (f *fakeAnalyzer) Poll(ctx context.Context, wallet string) (types.OrderingKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pollErr[wallet]; err != nil {
		return types.OrderingKey{}, err
	}
	return f.frontiers[wallet], nil
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, wallet string, tolerance uint64) (*models.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed = append(f.analyzed, wallet)
	if err := f.analyzeErr[wallet]; err != nil {
		return nil, err
	}
	return &models.AnalysisResult{Wallet: wallet, ComputedAt: f.frontiers[wallet]}, nil
}

func (f *fakeAnalyzer) set(wallet string, slot uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frontiers[wallet] = types.OrderingKey{Slot: slot}
}

func (f *fakeAnalyzer) takeAnalyzed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.analyzed
	f.analyzed = nil
	return out
}

func newTestWorker(t *testing.T, a Analyzer, tolerance uint64, wallets ...string) *RefreshWorker {
	t.Helper()
	w, err := NewRefreshWorker(a, Config{
		Wallets:     wallets,
		Interval:    time.Hour,
		Tolerance:   tolerance,
		Concurrency: 1,
	})
	require.NoError(t, err)
	return w
}

func TestRefreshWorker_AnalyzesStaleWalletsMostBehindFirst(t *testing.T) {
	a := newFakeAnalyzer()
	a.set("a", 10)
	a.set("b", 10)
	a.set("c", 10)
	w := newTestWorker(t, a, 0, "a", "b", "c")

	w.RunCycle(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, a.takeAnalyzed(), "never analyzed, by name")

	// nothing moved
	w.RunCycle(context.Background())
	assert.Empty(t, a.takeAnalyzed())

	a.set("a", 12)
	a.set("c", 30)
	w.RunCycle(context.Background())
	assert.Equal(t, []string{"c", "a"}, a.takeAnalyzed())
	assert.Equal(t, float64(20), testutil.ToFloat64(w.lag))
	assert.Equal(t, float64(3), testutil.ToFloat64(w.cycles))
}

func TestRefreshWorker_RespectsTolerance(t *testing.T) {
	a := newFakeAnalyzer()
	a.set("a", 10)
	w := newTestWorker(t, a, 5, "a")

	w.RunCycle(context.Background())
	require.Equal(t, []string{"a"}, a.takeAnalyzed())

	a.set("a", 15)
	w.RunCycle(context.Background())
	assert.Empty(t, a.takeAnalyzed(), "within tolerance")

	a.set("a", 16)
	w.RunCycle(context.Background())
	assert.Equal(t, []string{"a"}, a.takeAnalyzed())
}

func TestRefreshWorker_FailuresAreRecorded(t *testing.T) {
	a := newFakeAnalyzer()
	a.set("ok", 1)
	a.pollErr["down"] = errors.New("rpc down")
	a.analyzeErr["bad"] = errors.New("negative holding")
	reg := prometheus.NewRegistry()

	w, err := NewRefreshWorker(a, Config{Wallets: []string{"ok", "down", "bad"}, Registerer: reg})
	require.NoError(t, err)

	w.RunCycle(context.Background())

	st := w.GetStatus()
	assert.Equal(t, 3, st.WalletsTracked)
	assert.False(t, st.LastCycle.IsZero())
	assert.Contains(t, st.Failures, "bad")
	assert.NotContains(t, st.Failures, "ok")
	assert.Equal(t, float64(1), testutil.ToFloat64(w.failures.WithLabelValues("poll")))
	assert.Equal(t, float64(1), testutil.ToFloat64(w.failures.WithLabelValues("analyze")))

	// a failed analysis is retried next cycle
	a.takeAnalyzed()
	delete(a.analyzeErr, "bad")
	w.RunCycle(context.Background())
	assert.Contains(t, a.takeAnalyzed(), "bad")
	assert.NotContains(t, w.GetStatus().Failures, "bad")
}

func TestRefreshWorker_StartStop(t *testing.T) {
	a := newFakeAnalyzer()
	a.set("a", 1)
	w := newTestWorker(t, a, 0, "a")

	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(w.cycles) >= 1
	}, time.Second, 10*time.Millisecond)
	assert.True(t, w.GetStatus().Running)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.GetStatus().Running)
	assert.Error(t, w.Stop(ctx))

	// restartable
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(ctx))
}

func TestNewRefreshWorker_RequiresAnalyzer(t *testing.T) {
	_, err := NewRefreshWorker(nil, Config{})
	assert.Error(t, err)
}
