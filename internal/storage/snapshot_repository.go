package storage

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	apperrors "github.com/wallet-insight/internal/errors"
	"github.com/wallet-insight/internal/models"
	"github.com/wallet-insight/internal/types"
)

// SnapshotRepository appends portfolio snapshots to ClickHouse
type SnapshotRepository struct {
	conn driver.Conn
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(conn driver.Conn) *SnapshotRepository {
	return &SnapshotRepository{conn: conn}
}

// Record batch-inserts the snapshots behind an analysis
func (r *SnapshotRepository) Record(ctx context.Context, _ *models.AnalysisResult, snapshots []*models.PortfolioSnapshot) error {
	return r.InsertBatch(ctx, snapshots)
}

// InsertBatch writes snapshots in one batch. Rewriting a snapshot at an
// existing key replaces it once ClickHouse merges the parts.
func (r *SnapshotRepository) InsertBatch(ctx context.Context, snapshots []*models.PortfolioSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := r.conn.PrepareBatch(ctx, `
		INSERT INTO portfolio_snapshots (
			wallet, slot, idx, ts, holdings,
			realized_gain, cumulative_realized_gain, fees_paid, event_count
		)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot batch: %w", err)
	}

	for _, s := range snapshots {
		rec, err := models.NewSnapshotRecord(s)
		if err != nil {
			_ = batch.Abort()
			return err
		}
		if err := batch.Append(
			rec.Wallet,
			rec.Slot,
			rec.Index,
			rec.Timestamp,
			rec.Holdings,
			rec.RealizedGain,
			rec.CumulativeRealizedGain,
			rec.FeesPaid,
			rec.EventCount,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append snapshot %s: %w", rec.Wallet, err)
		}
	}

	if err := batch.Send(); err != nil {
		return apperrors.NewDatabaseError("insert snapshots", err)
	}
	return nil
}

// Range returns the wallet's snapshots with from <= key <= to, in order
func (r *SnapshotRepository) Range(ctx context.Context, wallet string, from, to types.OrderingKey) ([]*models.PortfolioSnapshot, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT wallet, slot, idx, ts, holdings,
			realized_gain, cumulative_realized_gain, fees_paid, event_count
		FROM portfolio_snapshots FINAL
		WHERE wallet = ?
			AND (slot, idx) >= (?, ?)
			AND (slot, idx) <= (?, ?)
		ORDER BY slot, idx`,
		wallet, from.Slot, from.Index, to.Slot, to.Index,
	)
	if err != nil {
		return nil, apperrors.NewDatabaseError("query snapshots", err)
	}
	defer rows.Close()

	var out []*models.PortfolioSnapshot
	for rows.Next() {
		var rec models.SnapshotRecord
		if err := rows.Scan(
			&rec.Wallet,
			&rec.Slot,
			&rec.Index,
			&rec.Timestamp,
			&rec.Holdings,
			&rec.RealizedGain,
			&rec.CumulativeRealizedGain,
			&rec.FeesPaid,
			&rec.EventCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap, err := rec.Snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}
