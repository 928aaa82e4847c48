package repository

import (
	"context"
	"fmt"
	"log"

	"positionscan/internal/models"
)

// RollbackToHeight undoes a reorged range for one chain: delete every
// onchain event above the height, refold the touched positions from
// what remains, and clamp the watermark. Manual events are never
// touched. Running it twice with the same height is a no-op the second
// time.
func (r *Repository) RollbackToHeight(ctx context.Context, chain models.Chain, height uint64) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT nft_token_id::text
		FROM position_events
		WHERE chain = $1 AND block_number > $2 AND source = 'onchain'`,
		chain, height)
	if err != nil {
		return fmt.Errorf("rollback: list touched tokens: %w", err)
	}
	var touched []string
	for rows.Next() {
		var tokenID string
		if err := rows.Scan(&tokenID); err != nil {
			rows.Close()
			return err
		}
		touched = append(touched, tokenID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		DELETE FROM position_events
		WHERE chain = $1 AND block_number > $2 AND source = 'onchain'`,
		chain, height)
	if err != nil {
		return fmt.Errorf("rollback: delete events: %w", err)
	}

	for _, tokenID := range touched {
		if err := r.refoldPosition(ctx, tx, chain, tokenID); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
	}

	// Clamp only: a rollback never advances the watermark.
	if _, err := tx.Exec(ctx, `
		UPDATE block_scanner_watermarks
		SET last_processed_height = LEAST(last_processed_height, $2), updated_at = NOW()
		WHERE chain = $1`,
		chain, height); err != nil {
		return fmt.Errorf("rollback: clamp watermark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Printf("[repository] chain=%s rolled back to height %d: %d events deleted, %d positions refolded",
		chain, height, tag.RowsAffected(), len(touched))
	return nil
}
