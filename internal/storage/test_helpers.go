package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wallet-insight/internal/config"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// integrationConfig returns the local development databases, skipping in short mode
func integrationConfig(t *testing.T) *config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	return &config.DatabaseConfig{
		Postgres: config.PostgresConfig{
			Host:           "localhost",
			Port:           "5432",
			Database:       "wallet_insight",
			User:           "insight",
			Password:       "insight_dev_password",
			MaxConnections: 4,
			MigrationsPath: "../../migrations/postgres",
		},
		ClickHouse: config.ClickHouseConfig{
			Host:     "localhost",
			Port:     "9000",
			Database: "wallet_insight",
			User:     "default",
		},
	}
}

func testAnalysis(wallet string, key types.OrderingKey, score float64) *models.AnalysisResult {
	return &models.AnalysisResult{
		ID:          "analysis-" + key.String(),
		Wallet:      wallet,
		ComputedAt:  key,
		Score:       score,
		Explanation: "test",
		FeatureVector: models.FeatureVector{
			{Name: "holding_count", Value: 1},
		},
		Windows: []models.MetricWindow{{Window: 24 * time.Hour, SampleCount: 2}},
		Holdings: map[string]models.Holding{
			"mint": {TokenMint: "mint", Quantity: decimal.NewFromInt(3), CostBasis: decimal.NewFromInt(6)},
		},
		DataGaps:    []string{"gap-mint"},
		GeneratedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testSnapshot(wallet string, key types.OrderingKey) *models.PortfolioSnapshot {
	return &models.PortfolioSnapshot{
		Wallet:    wallet,
		AsOf:      key,
		Timestamp: time.Date(2024, 1, 2, 0, 0, int(key.Slot), 0, time.UTC),
		Holdings: map[string]models.Holding{
			"mint": {TokenMint: "mint", Quantity: decimal.NewFromInt(int64(key.Slot)), CostBasis: decimal.NewFromInt(1)},
		},
		RealizedGain:           decimal.RequireFromString("0.5"),
		CumulativeRealizedGain: decimal.RequireFromString("1.5"),
		FeesPaid:               decimal.Zero,
		EventCount:             int(key.Slot),
	}
}
