// Package store defines the transactional resource manager the exchange core
// runs on. Implementations must give every Tx exclusive-acquire-on-read row
// locks and all-or-nothing commit.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
)

var (
	// ErrNotFound is returned by lookups that find no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("already exists")
)

// Store is the durable source of truth shared by every component.
type Store interface {
	// InTx runs fn in one transaction. fn returning an error rolls back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetWallet(ctx context.Context, userID int64) (models.WalletSnapshot, error)

	GetOrderBook(ctx context.Context, symbol models.Symbol) (models.OrderBook, error)
	GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error)
	GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error)

	// ClaimOutbox hands fn up to limit undispatched messages, oldest first.
	// Messages for which fn returns nil are marked dispatched on commit.
	ClaimOutbox(ctx context.Context, limit int, fn func(msg models.OutboxMessage) error) (int, error)
}

// Tx is one open transaction. Every Lock* method takes an exclusive row lock
// held until commit or rollback.
type Tx interface {
	LockWallet(ctx context.Context, userID int64) (*models.User, error)
	UpdateWalletBalance(ctx context.Context, userID int64, balance decimal.Decimal) error

	LockAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error)
	// LockOrCreateAsset inserts a zero holding when none exists and returns
	// it locked. Concurrent creators must converge on the same row.
	LockOrCreateAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error)
	UpdateAsset(ctx context.Context, asset *models.Asset) error
	ListAssets(ctx context.Context, userID int64) ([]models.Asset, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	// LockBestCounter returns the best-priority open order able to match o,
	// locked, or ErrNotFound.
	LockBestCounter(ctx context.Context, o *models.Order) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error

	InsertTrade(ctx context.Context, trade *models.Trade) error
	AppendOutbox(ctx context.Context, msg *models.OutboxMessage) error
}
