package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/ledger"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/xtrntr/spotex/internal/exchange")

// MatchPublisher schedules an asynchronous match attempt for an order.
type MatchPublisher interface {
	PublishMatch(ctx context.Context, orderID int64) error
}

// Exchange places and cancels orders and serves the order book
type Exchange struct {
	store   store.Store
	ledger  *ledger.Ledger
	matches MatchPublisher
	logger  *slog.Logger
	metrics *Metrics
}

// NewExchange creates a new exchange. matches may be nil, in which case
// placement never triggers matching.
func NewExchange(st store.Store, l *ledger.Ledger, matches MatchPublisher, logger *slog.Logger, metrics *Metrics) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{
		store:   st,
		ledger:  l,
		matches: matches,
		logger:  logger,
		metrics: metrics,
	}
}

// PlaceOrderRequest is a validated-shape limit order from an authenticated user
type PlaceOrderRequest struct {
	UserID int64
	Symbol models.Symbol
	Side   models.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Validate rejects bad input before any lock is taken.
func (r PlaceOrderRequest) Validate() error {
	if !r.Symbol.Valid() {
		return &models.ValidationError{Field: "symbol", Reason: "must be BTC or ETH"}
	}
	if !r.Side.Valid() {
		return &models.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !r.Price.IsPositive() {
		return &models.ValidationError{Field: "price", Reason: "must be positive"}
	}
	if !models.FitsScale(r.Price, models.USDScale) {
		return &models.ValidationError{Field: "price", Reason: "at most 2 decimal places"}
	}
	if !r.Amount.IsPositive() {
		return &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !models.FitsScale(r.Amount, models.AssetScale) {
		return &models.ValidationError{Field: "amount", Reason: "at most 18 decimal places"}
	}
	return nil
}

// PlaceOrder reserves the order's funds and rests it in the book as OPEN.
// A match attempt is scheduled only after the order is committed.
func (e *Exchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "exchange.PlaceOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("symbol", string(req.Symbol)),
		attribute.String("side", string(req.Side)),
	)

	order, err := e.placeOrder(ctx, req)
	e.metrics.incPlaced(string(req.Side), resultLabel(err))
	if err != nil {
		if !models.IsRejection(err) {
			span.RecordError(err)
			e.logger.Error("place order failed", "user_id", req.UserID, "error", err)
		}
		return nil, err
	}

	e.logger.Info("order placed",
		"order_id", order.ID,
		"user_id", order.UserID,
		"symbol", order.Symbol,
		"side", order.Side,
		"price", order.Price.String(),
		"amount", order.Amount.String(),
	)
	e.scheduleMatch(ctx, order.ID)
	return order, nil
}

func (e *Exchange) placeOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := &models.Order{
		UserID: req.UserID,
		Symbol: req.Symbol,
		Side:   req.Side,
		Price:  req.Price,
		Amount: req.Amount,
		Status: models.StatusOpen,
	}

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if req.Side == models.Buy {
			lockedUSD := models.QuantizeUSD(req.Amount.Mul(req.Price))
			wallet, err := e.ledger.LockWallet(ctx, tx, req.UserID)
			if err != nil {
				return err
			}
			if err := e.ledger.ReserveUSD(ctx, tx, wallet, lockedUSD); err != nil {
				return err
			}
			order.LockedUSD = &lockedUSD
		} else {
			asset, err := e.ledger.LockAsset(ctx, tx, req.UserID, req.Symbol)
			if err != nil {
				return err
			}
			if err := e.ledger.ReserveAsset(ctx, tx, asset, req.Amount); err != nil {
				return err
			}
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (e *Exchange) scheduleMatch(ctx context.Context, orderID int64) {
	if e.matches == nil {
		return
	}
	if err := e.matches.PublishMatch(context.WithoutCancel(ctx), orderID); err != nil {
		e.metrics.incEnqueue("error")
		e.logger.Error("schedule match failed", "order_id", orderID, "error", err)
		return
	}
	e.metrics.incEnqueue("ok")
}

// CancelOrder releases an open order's lock and marks it CANCELLED.
func (e *Exchange) CancelOrder(ctx context.Context, orderID, userID int64) error {
	ctx, span := tracer.Start(ctx, "exchange.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", orderID))

	err := e.cancelOrder(ctx, orderID, userID)
	e.metrics.incCancel(resultLabel(err))
	if err != nil {
		if !models.IsRejection(err) {
			span.RecordError(err)
			e.logger.Error("cancel order failed", "order_id", orderID, "user_id", userID, "error", err)
		}
		return err
	}
	e.logger.Info("order cancelled", "order_id", orderID, "user_id", userID)
	return nil
}

func (e *Exchange) cancelOrder(ctx context.Context, orderID, userID int64) error {
	return e.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.ErrOrderNotFound
			}
			return fmt.Errorf("failed to get order: %w", err)
		}
		if order.UserID != userID {
			return models.ErrForbidden
		}
		if order.Status != models.StatusOpen {
			return models.ErrInvalidState
		}

		if order.Side == models.Buy {
			if order.LockedUSD == nil {
				return models.InvariantViolation("buy order %d has no locked_usd", order.ID)
			}
			wallet, err := e.ledger.LockWallet(ctx, tx, order.UserID)
			if err != nil {
				return err
			}
			if err := e.ledger.ReleaseUSD(ctx, tx, wallet, *order.LockedUSD); err != nil {
				return err
			}
		} else {
			asset, err := e.ledger.LockAsset(ctx, tx, order.UserID, order.Symbol)
			if err != nil {
				if errors.Is(err, models.ErrNoAssetPosition) {
					return models.InvariantViolation("sell order %d has no %s holding", order.ID, order.Symbol)
				}
				return err
			}
			if err := e.ledger.UnlockAsset(ctx, tx, asset, order.Amount); err != nil {
				return err
			}
		}

		if err := tx.UpdateOrderStatus(ctx, order.ID, models.StatusCancelled); err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		return nil
	})
}

// OrderBook returns the open orders of a symbol: buys best (highest) price
// first, sells best (lowest) price first, earliest first within a price.
func (e *Exchange) OrderBook(ctx context.Context, symbol models.Symbol) (models.OrderBook, error) {
	if !symbol.Valid() {
		return models.OrderBook{}, &models.ValidationError{Field: "symbol", Reason: "must be BTC or ETH"}
	}
	return e.store.GetOrderBook(ctx, symbol)
}

// UserOrders returns a user's orders, newest first.
func (e *Exchange) UserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return e.store.GetUserOrders(ctx, userID)
}

// UserTrades returns the trades a user took part in, newest first.
func (e *Exchange) UserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	return e.store.GetUserTrades(ctx, userID)
}

// Wallet returns a user's USD balance and holdings.
func (e *Exchange) Wallet(ctx context.Context, userID int64) (models.WalletSnapshot, error) {
	wallet, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.WalletSnapshot{}, models.ErrUserNotFound
		}
		return models.WalletSnapshot{}, err
	}
	return wallet, nil
}
