package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"positionscan/internal/models"
)

const positionColumns = `
	id, user_id, chain, nft_token_id::text, pool_address, tick_lower, tick_upper,
	liquidity::text, status, created_at`

func scanPosition(row pgx.Row) (*models.Position, error) {
	var p models.Position
	err := row.Scan(&p.ID, &p.UserID, &p.Chain, &p.NFTTokenID, &p.PoolAddress,
		&p.TickLower, &p.TickUpper, &p.Liquidity, &p.Status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns all tracked positions, optionally filtered by
// chain (empty chain means all).
func (r *Repository) ListPositions(ctx context.Context, chain models.Chain) ([]*models.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions"
	args := []any{}
	if chain != "" {
		query += " WHERE chain = $1"
		args = append(args, chain)
	}
	query += " ORDER BY chain, nft_token_id"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPosition looks up one position by chain and token id. Returns
// (nil, nil) when not tracked.
func (r *Repository) GetPosition(ctx context.Context, chain models.Chain, tokenID string) (*models.Position, error) {
	p, err := scanPosition(r.db.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE chain = $1 AND nft_token_id = $2",
		chain, tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetPositionMetadata records pool and tick-range details resolved
// outside the scanner (the NFPM positions() read).
func (r *Repository) SetPositionMetadata(ctx context.Context, chain models.Chain, tokenID, poolAddress string, tickLower, tickUpper int32) error {
	_, err := r.db.Exec(ctx, `
		UPDATE positions SET pool_address = $3, tick_lower = $4, tick_upper = $5
		WHERE chain = $1 AND nft_token_id = $2`,
		chain, tokenID, poolAddress, tickLower, tickUpper)
	return err
}
