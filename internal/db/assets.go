package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

const assetColumns = "id, user_id, symbol, amount::text, locked_amount::text, updated_at"

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanAsset(row rowScanner) (*models.Asset, error) {
	var a models.Asset
	var amount, locked string
	if err := row.Scan(&a.ID, &a.UserID, &a.Symbol, &amount, &locked, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return nil, err
	}
	if a.LockedAmount, err = parseDecimal(locked, "locked_amount"); err != nil {
		return nil, err
	}
	return &a, nil
}

func listAssets(ctx context.Context, q querier, userID int64) ([]models.Asset, error) {
	rows, err := q.Query(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 ORDER BY symbol", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	assets := []models.Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// SetAsset creates or overwrites a holding outside of any order flow.
func (db *DB) SetAsset(ctx context.Context, userID int64, symbol models.Symbol, amount decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO assets (user_id, symbol, amount, locked_amount)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (user_id, symbol) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()
	`, userID, symbol, models.QuantizeAsset(amount).String())
	if err != nil {
		return fmt.Errorf("failed to set asset: %w", err)
	}
	return nil
}

func (t *pgTx) LockAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE user_id = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// LockOrCreateAsset upserts a zero row and then locks it, so concurrent
// creators block on the same row instead of failing on the unique key.
func (t *pgTx) LockOrCreateAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	a, err := t.LockAsset(ctx, userID, symbol)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO assets (user_id, symbol, amount, locked_amount)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, symbol) DO NOTHING
	`, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}
	return t.LockAsset(ctx, userID, symbol)
}

func (t *pgTx) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE assets SET amount = $1, locked_amount = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at
	`, asset.Amount.String(), asset.LockedAmount.String(), asset.ID).Scan(&asset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", notFound(err))
	}
	return nil
}

func (t *pgTx) ListAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	return listAssets(ctx, t.tx, userID)
}
