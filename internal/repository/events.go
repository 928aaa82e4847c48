package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"positionscan/internal/ledger"
	"positionscan/internal/models"
)

// CommitEvents writes one chunk atomically: insert events, make sure a
// position row exists for every token with an INCREASE, refold the
// liquidity of every touched token, and advance the watermark. If
// anything fails, nothing moves and the indexer retries the range.
func (r *Repository) CommitEvents(ctx context.Context, chain models.Chain, events []*models.PositionEvent, watermark uint64) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	touched := make(map[string]bool)
	for _, ev := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO position_events
				(chain, nft_token_id, kind, block_number, transaction_index, log_index,
				 transaction_hash, block_timestamp, source, amount0, amount1, liquidity_delta, recipient)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''))
			ON CONFLICT (chain, transaction_hash, log_index) DO NOTHING`,
			ev.Chain, ev.NFTTokenID, ev.Kind, ev.BlockNumber, ev.TxIndex, ev.LogIndex,
			ev.TxHash, ev.BlockTimestamp, ev.Source, ev.Amount0, ev.Amount1, ev.LiquidityDelta, ev.Recipient,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s/%d: %w", ev.TxHash, ev.LogIndex, err)
		}

		touched[ev.NFTTokenID] = true
		if ev.Kind == models.EventIncreaseLiquidity {
			// Positions come into existence on the first observed INCREASE.
			_, err := tx.Exec(ctx, `
				INSERT INTO positions (chain, nft_token_id, status, created_at)
				VALUES ($1, $2, 'active', $3)
				ON CONFLICT (chain, nft_token_id) DO NOTHING`,
				ev.Chain, ev.NFTTokenID, ev.BlockTimestamp,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert position %s/%s: %w", ev.Chain, ev.NFTTokenID, err)
			}
		}
	}

	for tokenID := range touched {
		if err := r.refoldPosition(ctx, tx, chain, tokenID); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO block_scanner_watermarks (chain, last_processed_height, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET
			last_processed_height = EXCLUDED.last_processed_height,
			updated_at = NOW()`,
		chain, watermark)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	return tx.Commit(ctx)
}

// refoldPosition recomputes a position's authoritative liquidity and
// status from its stored events, flagging any invariant violations.
func (r *Repository) refoldPosition(ctx context.Context, tx pgx.Tx, chain models.Chain, tokenID string) error {
	events, err := eventsForTokenTx(ctx, tx, chain, tokenID)
	if err != nil {
		return fmt.Errorf("failed to load events for %s/%s: %w", chain, tokenID, err)
	}

	fold, foldErr := ledger.Fold(events)
	if foldErr != nil {
		// Invariant violation: quarantine the offenders, keep going.
		log.Printf("[repository] chain=%s token=%s: %v", chain, tokenID, foldErr)
		for _, idx := range fold.Quarantined {
			if _, err := tx.Exec(ctx,
				"UPDATE position_events SET quarantined = TRUE WHERE id = $1", events[idx].ID); err != nil {
				return fmt.Errorf("failed to quarantine event %d: %w", events[idx].ID, err)
			}
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE positions SET liquidity = $3, status = $4
		WHERE chain = $1 AND nft_token_id = $2`,
		chain, tokenID, fold.Liquidity.String(), fold.Status)
	if err != nil {
		return fmt.Errorf("failed to update position %s/%s: %w", chain, tokenID, err)
	}
	return nil
}

// Numeric columns are cast to text so uint256 amounts round-trip as
// exact decimal strings.
const eventColumns = `
	id, chain, nft_token_id::text, kind, block_number, transaction_index, log_index,
	transaction_hash, block_timestamp, source, amount0::text, amount1::text,
	COALESCE(liquidity_delta::text, ''), COALESCE(recipient, ''), quarantined, created_at`

func scanEvent(row pgx.Row) (*models.PositionEvent, error) {
	var ev models.PositionEvent
	err := row.Scan(&ev.ID, &ev.Chain, &ev.NFTTokenID, &ev.Kind, &ev.BlockNumber, &ev.TxIndex, &ev.LogIndex,
		&ev.TxHash, &ev.BlockTimestamp, &ev.Source, &ev.Amount0, &ev.Amount1,
		&ev.LiquidityDelta, &ev.Recipient, &ev.Quarantined, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func eventsForTokenTx(ctx context.Context, tx pgx.Tx, chain models.Chain, tokenID string) ([]*models.PositionEvent, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+eventColumns+`
		FROM position_events
		WHERE chain = $1 AND nft_token_id = $2
		ORDER BY block_number, transaction_index, log_index`,
		chain, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PositionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsForToken returns a position's events in canonical order,
// amounts preserved as exact decimal strings.
func (r *Repository) EventsForToken(ctx context.Context, chain models.Chain, tokenID string) ([]*models.PositionEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM position_events
		WHERE chain = $1 AND nft_token_id = $2
		ORDER BY block_number, transaction_index, log_index`,
		chain, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PositionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
