package db

import (
	"context"
	"fmt"

	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

const orderColumns = "id, user_id, symbol, side, price::text, amount::text, status, locked_usd::text, created_at"

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var price, amount string
	var lockedUSD *string
	if err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &price, &amount, &o.Status, &lockedUSD, &o.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = parseDecimal(price, "price"); err != nil {
		return nil, err
	}
	if o.Amount, err = parseDecimal(amount, "amount"); err != nil {
		return nil, err
	}
	if lockedUSD != nil {
		v, err := parseDecimal(*lockedUSD, "locked_usd")
		if err != nil {
			return nil, err
		}
		o.LockedUSD = &v
	}
	return &o, nil
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// GetOrderBook returns a symbol's open orders in matching priority
func (db *DB) GetOrderBook(ctx context.Context, symbol models.Symbol) (models.OrderBook, error) {
	buys, err := db.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = $1 AND side = 'buy' AND status = 'OPEN'
		ORDER BY price DESC, created_at ASC, id ASC
	`, symbol)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("failed to get buy orders: %w", err)
	}
	sells, err := db.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol = $1 AND side = 'sell' AND status = 'OPEN'
		ORDER BY price ASC, created_at ASC, id ASC
	`, symbol)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("failed to get sell orders: %w", err)
	}
	return models.OrderBook{Symbol: symbol, Buys: buys, Sells: sells}, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders, err := db.queryOrders(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	return orders, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	var lockedUSD *string
	if order.LockedUSD != nil {
		s := order.LockedUSD.String()
		lockedUSD = &s
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, symbol, side, price, amount, status, locked_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, order.UserID, order.Symbol, order.Side, order.Price.String(), order.Amount.String(), order.Status, lockedUSD,
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

// LockBestCounter locks the first open opposite-side order in priority
// order whose price crosses target's limit.
func (t *pgTx) LockBestCounter(ctx context.Context, target *models.Order) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE symbol = $1 AND side = 'sell' AND status = 'OPEN' AND price <= $2
		ORDER BY price ASC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`
	if target.Side == models.Sell {
		query = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE symbol = $1 AND side = 'buy' AND status = 'OPEN' AND price >= $2
		ORDER BY price DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`
	}

	o, err := scanOrder(t.tx.QueryRow(ctx, query, target.Symbol, target.Price.String()))
	if err != nil {
		return nil, notFound(err)
	}
	// The row is re-read once locked and may have been filled meanwhile.
	if o.Status != models.StatusOpen {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	tag, err := t.tx.Exec(ctx, "UPDATE orders SET status = $1 WHERE id = $2", status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
