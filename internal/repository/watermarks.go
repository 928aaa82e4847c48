package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"positionscan/internal/models"
)

// Watermark returns the last processed height for a chain, 0 if the
// chain has never been scanned. The watermark row is the authoritative
// "where to resume" record.
func (r *Repository) Watermark(ctx context.Context, chain models.Chain) (uint64, error) {
	var height uint64
	err := r.db.QueryRow(ctx,
		"SELECT last_processed_height FROM block_scanner_watermarks WHERE chain = $1", chain).Scan(&height)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return height, nil
}

// SetWatermark upserts the chain's watermark.
func (r *Repository) SetWatermark(ctx context.Context, chain models.Chain, height uint64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO block_scanner_watermarks (chain, last_processed_height, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET
			last_processed_height = EXCLUDED.last_processed_height,
			updated_at = NOW()`,
		chain, height)
	return err
}

// RollbackWatermark lowers the watermark to height. A no-op when the
// stored value is already at or below it.
func (r *Repository) RollbackWatermark(ctx context.Context, chain models.Chain, height uint64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE block_scanner_watermarks
		SET last_processed_height = LEAST(last_processed_height, $2), updated_at = NOW()
		WHERE chain = $1`,
		chain, height)
	return err
}

// AllWatermarks lists every chain's watermark row.
func (r *Repository) AllWatermarks(ctx context.Context) ([]models.Watermark, error) {
	rows, err := r.db.Query(ctx,
		"SELECT chain, last_processed_height, updated_at FROM block_scanner_watermarks ORDER BY chain")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Watermark
	for rows.Next() {
		var w models.Watermark
		var updated time.Time
		if err := rows.Scan(&w.Chain, &w.LastProcessedHeight, &updated); err != nil {
			return nil, err
		}
		w.UpdatedAt = updated
		out = append(out, w)
	}
	return out, rows.Err()
}
