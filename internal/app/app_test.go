package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-insight/internal/analyzer"
	"github.com/wallet-insight/internal/config"
	"github.com/wallet-insight/internal/metrics"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/scoring"
	"github.com/wallet-insight/internal/storage"
	"github.com/wallet-insight/internal/types"
)

func newTestApp(t *testing.T) (*App, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return &App{
		Service: analyzer.NewService(analyzer.DefaultConfig(), nil, metrics.NewEngine(nil), scoring.NewOrchestrator(nil)),
		Results: storage.NewResultCache(rdb, "analysis", time.Hour),
	}, rdb
}

func TestApp_RestoreFromResultCache(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	stored := &models.AnalysisResult{
		ID:         "a1",
		Wallet:     "wallet-1",
		ComputedAt: types.OrderingKey{Slot: 40, Index: 2},
		Score:      0.4,
	}
	ok, err := a.Results.Put(ctx, stored)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1, a.Restore(ctx, []string{"wallet-1", "wallet-2"}))

	got, found := a.Service.Cache().Peek("wallet-1")
	require.True(t, found)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, stored.ComputedAt, a.Service.Cache().LatestKnown("wallet-1"))

	_, found = a.Service.Cache().Peek("wallet-2")
	assert.False(t, found)
}

func TestApp_RestoreSkipsUnreadableEntries(t *testing.T) {
	a, rdb := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, rdb.HSet(ctx, "analysis:wallet-1", "body", "{not json").Err())

	assert.Zero(t, a.Restore(ctx, []string{"wallet-1"}))
}

func TestApp_CloseRunsInReverse(t *testing.T) {
	var order []int
	a := &App{}
	a.onClose(func() { order = append(order, 1) })
	a.onClose(func() { order = append(order, 2) })

	a.Close()
	a.Close()
	assert.Equal(t, []int{2, 1}, order)
}

func TestNewOrchestrator_Providers(t *testing.T) {
	cfg := config.ScoringConfig{
		Provider:       "heuristic",
		Timeout:        time.Second,
		MaxAttempts:    2,
		InitialDelay:   time.Millisecond,
		MaxDelay:       time.Millisecond,
		BreakerFails:   3,
		BreakerTimeout: time.Second,
	}
	o, err := newOrchestrator(&cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)

	cfg.Provider = "oracle-of-delphi"
	_, err = newOrchestrator(&cfg, nil)
	assert.Error(t, err)
}

func TestPipelineConfig(t *testing.T) {
	got := pipelineConfig(&config.AnalysisConfig{
		Windows:           []time.Duration{time.Hour},
		BatchSize:         5,
		GapPolicy:         "synthesize",
		FetchMaxAttempts:  7,
		FetchInitialDelay: time.Second,
	})

	assert.Equal(t, []time.Duration{time.Hour}, got.Windows)
	assert.Equal(t, 5, got.BatchSize)
	assert.Equal(t, types.GapPolicySynthesize, got.GapPolicy)
	assert.Equal(t, 7, got.FetchPolicy.MaxAttempts)
	assert.Equal(t, time.Second, got.FetchPolicy.InitialDelay)
}
