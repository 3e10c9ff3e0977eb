package db

import (
	"context"
	"fmt"

	"github.com/xtrntr/spotex/internal/models"
)

// GetUserTrades retrieves the trades a user was on either side of, newest first
func (db *DB) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT t.id, t.buy_order_id, t.sell_order_id, t.symbol, t.price::text, t.amount::text,
		       t.usd_volume::text, t.fee_usd::text, t.created_at
		FROM trades t
		JOIN orders b ON b.id = t.buy_order_id
		JOIN orders s ON s.id = t.sell_order_id
		WHERE b.user_id = $1 OR s.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		var trade models.Trade
		var price, amount, volume, fee string
		if err := rows.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.Symbol,
			&price, &amount, &volume, &fee, &trade.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if trade.Price, err = parseDecimal(price, "price"); err != nil {
			return nil, err
		}
		if trade.Amount, err = parseDecimal(amount, "amount"); err != nil {
			return nil, err
		}
		if trade.USDVolume, err = parseDecimal(volume, "usd_volume"); err != nil {
			return nil, err
		}
		if trade.FeeUSD, err = parseDecimal(fee, "fee_usd"); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO trades (buy_order_id, sell_order_id, symbol, price, amount, usd_volume, fee_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, trade.BuyOrderID, trade.SellOrderID, trade.Symbol, trade.Price.String(), trade.Amount.String(),
		trade.USDVolume.String(), trade.FeeUSD.String(),
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}
