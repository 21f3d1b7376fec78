package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
)

// AnalysisRepository stores scored analyses in Postgres, one row per
// (wallet, computed-at key)
type AnalysisRepository struct {
	pool *pgxpool.Pool
}

// NewAnalysisRepository creates a new analysis repository
func NewAnalysisRepository(pool *pgxpool.Pool) *AnalysisRepository {
	return &AnalysisRepository{pool: pool}
}

const analysisColumns = `id, wallet, slot, idx, score, explanation, degraded,
	features, windows, holdings, insights, recommendations, data_gaps, created_at`

// Record upserts the analysis. Snapshots are stored elsewhere.
func (r *AnalysisRepository) Record(ctx context.Context, res *models.AnalysisResult, _ []*models.PortfolioSnapshot) error {
	return r.Upsert(ctx, res)
}

// Upsert stores res, replacing an earlier analysis at the same key
func (r *AnalysisRepository) Upsert(ctx context.Context, res *models.AnalysisResult) error {
	rec, err := models.NewAnalysisRecord(res)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO wallet_analyses (` + analysisColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (wallet, slot, idx)
		DO UPDATE SET
			id = EXCLUDED.id,
			score = EXCLUDED.score,
			explanation = EXCLUDED.explanation,
			degraded = EXCLUDED.degraded,
			features = EXCLUDED.features,
			windows = EXCLUDED.windows,
			holdings = EXCLUDED.holdings,
			insights = EXCLUDED.insights,
			recommendations = EXCLUDED.recommendations,
			data_gaps = EXCLUDED.data_gaps,
			created_at = EXCLUDED.created_at
	`
	_, err = r.pool.Exec(ctx, query,
		rec.ID,
		rec.Wallet,
		int64(rec.Slot), // #nosec G115 - slots fit in int64
		int64(rec.Index),
		rec.Score,
		rec.Explanation,
		rec.Degraded,
		rec.Features,
		rec.Windows,
		rec.Holdings,
		rec.Insights,
		rec.Recommendations,
		rec.DataGaps,
		rec.CreatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("upsert analysis", err)
	}
	return nil
}

// LatestFor returns the most advanced stored analysis of wallet, or nil
func (r *AnalysisRepository) LatestFor(ctx context.Context, wallet string) (*models.AnalysisResult, error) {
	query := `SELECT ` + analysisColumns + `
		FROM wallet_analyses
		WHERE wallet = $1
		ORDER BY slot DESC, idx DESC
		LIMIT 1`

	rec, err := scanAnalysis(r.pool.QueryRow(ctx, query, wallet))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("query latest analysis", err)
	}
	return rec.Result()
}

// History returns up to limit analyses of wallet, newest first
func (r *AnalysisRepository) History(ctx context.Context, wallet string, limit int) ([]*models.AnalysisResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + analysisColumns + `
		FROM wallet_analyses
		WHERE wallet = $1
		ORDER BY slot DESC, idx DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, wallet, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query analyses", err)
	}
	defer rows.Close()

	var out []*models.AnalysisResult
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		res, err := rec.Result()
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return out, nil
}

func scanAnalysis(row pgx.Row) (*models.AnalysisRecord, error) {
	var rec models.AnalysisRecord
	var slot, idx int64
	err := row.Scan(
		&rec.ID,
		&rec.Wallet,
		&slot,
		&idx,
		&rec.Score,
		&rec.Explanation,
		&rec.Degraded,
		&rec.Features,
		&rec.Windows,
		&rec.Holdings,
		&rec.Insights,
		&rec.Recommendations,
		&rec.DataGaps,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Slot = uint64(slot) // #nosec G115 - stored from uint64
	rec.Index = uint32(idx) // #nosec G115 - stored from uint32
	return &rec, nil
}
