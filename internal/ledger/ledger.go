// Package ledger moves value between a user's available and locked balances.
// Every operation works on rows the caller already holds locked in tx and
// persists the result before returning; nothing here commits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

// Ledger applies balance mutations inside a store transaction.
type Ledger struct{}

func New() *Ledger {
	return &Ledger{}
}

// LockWallet takes the exclusive lock on a user's wallet row.
func (l *Ledger) LockWallet(ctx context.Context, tx store.Tx, userID int64) (*models.User, error) {
	user, err := tx.LockWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("lock wallet %d: %w", userID, err)
	}
	return user, nil
}

// LockWallets locks both wallets in ascending user id order and returns them
// in argument order. a and b may be the same user.
func (l *Ledger) LockWallets(ctx context.Context, tx store.Tx, a, b int64) (*models.User, *models.User, error) {
	if a == b {
		w, err := l.LockWallet(ctx, tx, a)
		return w, w, err
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	wFirst, err := l.LockWallet(ctx, tx, first)
	if err != nil {
		return nil, nil, err
	}
	wSecond, err := l.LockWallet(ctx, tx, second)
	if err != nil {
		return nil, nil, err
	}
	if first == a {
		return wFirst, wSecond, nil
	}
	return wSecond, wFirst, nil
}

// LockAsset returns ErrNoAssetPosition when the holding does not exist.
func (l *Ledger) LockAsset(ctx context.Context, tx store.Tx, userID int64, symbol models.Symbol) (*models.Asset, error) {
	asset, err := tx.LockAsset(ctx, userID, symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrNoAssetPosition
		}
		return nil, fmt.Errorf("lock asset %d/%s: %w", userID, symbol, err)
	}
	return asset, nil
}

func (l *Ledger) LockOrCreateAsset(ctx context.Context, tx store.Tx, userID int64, symbol models.Symbol) (*models.Asset, error) {
	asset, err := tx.LockOrCreateAsset(ctx, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("lock or create asset %d/%s: %w", userID, symbol, err)
	}
	return asset, nil
}

// ReserveUSD moves amount out of the available USD balance.
func (l *Ledger) ReserveUSD(ctx context.Context, tx store.Tx, w *models.User, amount decimal.Decimal) error {
	amount = models.QuantizeUSD(amount)
	if w.USDBalance.LessThan(amount) {
		return models.ErrInsufficientFunds
	}
	return l.setUSD(ctx, tx, w, w.USDBalance.Sub(amount))
}

// ReleaseUSD returns previously reserved USD to the available balance.
func (l *Ledger) ReleaseUSD(ctx context.Context, tx store.Tx, w *models.User, amount decimal.Decimal) error {
	return l.creditUSD(ctx, tx, w, amount)
}

// CreditUSD pays sale proceeds into the wallet.
func (l *Ledger) CreditUSD(ctx context.Context, tx store.Tx, w *models.User, amount decimal.Decimal) error {
	return l.creditUSD(ctx, tx, w, amount)
}

func (l *Ledger) creditUSD(ctx context.Context, tx store.Tx, w *models.User, amount decimal.Decimal) error {
	amount = models.QuantizeUSD(amount)
	if amount.IsNegative() {
		return models.InvariantViolation("negative USD credit %s for user %d", amount, w.ID)
	}
	return l.setUSD(ctx, tx, w, w.USDBalance.Add(amount))
}

func (l *Ledger) setUSD(ctx context.Context, tx store.Tx, w *models.User, balance decimal.Decimal) error {
	balance = models.QuantizeUSD(balance)
	if balance.IsNegative() {
		return models.InvariantViolation("USD balance of user %d would become %s", w.ID, balance)
	}
	if err := tx.UpdateWalletBalance(ctx, w.ID, balance); err != nil {
		return fmt.Errorf("update wallet %d: %w", w.ID, err)
	}
	w.USDBalance = balance
	return nil
}

// ReserveAsset moves amount from available to locked.
func (l *Ledger) ReserveAsset(ctx context.Context, tx store.Tx, a *models.Asset, amount decimal.Decimal) error {
	amount = models.QuantizeAsset(amount)
	if a.Amount.LessThan(amount) {
		return models.ErrInsufficientAsset
	}
	return l.setAsset(ctx, tx, a, a.Amount.Sub(amount), a.LockedAmount.Add(amount))
}

// ReleaseAssetLock consumes locked asset delivered to a buyer.
func (l *Ledger) ReleaseAssetLock(ctx context.Context, tx store.Tx, a *models.Asset, amount decimal.Decimal) error {
	amount = models.QuantizeAsset(amount)
	return l.setAsset(ctx, tx, a, a.Amount, a.LockedAmount.Sub(amount))
}

// UnlockAsset returns locked asset to the available amount.
func (l *Ledger) UnlockAsset(ctx context.Context, tx store.Tx, a *models.Asset, amount decimal.Decimal) error {
	amount = models.QuantizeAsset(amount)
	return l.setAsset(ctx, tx, a, a.Amount.Add(amount), a.LockedAmount.Sub(amount))
}

// CreditAsset delivers purchased asset.
func (l *Ledger) CreditAsset(ctx context.Context, tx store.Tx, a *models.Asset, amount decimal.Decimal) error {
	amount = models.QuantizeAsset(amount)
	if amount.IsNegative() {
		return models.InvariantViolation("negative %s credit %s for user %d", a.Symbol, amount, a.UserID)
	}
	return l.setAsset(ctx, tx, a, a.Amount.Add(amount), a.LockedAmount)
}

func (l *Ledger) setAsset(ctx context.Context, tx store.Tx, a *models.Asset, amount, locked decimal.Decimal) error {
	amount = models.QuantizeAsset(amount)
	locked = models.QuantizeAsset(locked)
	if amount.IsNegative() || locked.IsNegative() {
		return models.InvariantViolation("%s holding of user %d would become amount=%s locked=%s",
			a.Symbol, a.UserID, amount, locked)
	}
	next := *a
	next.Amount = amount
	next.LockedAmount = locked
	next.UpdatedAt = time.Now().UTC()
	if err := tx.UpdateAsset(ctx, &next); err != nil {
		return fmt.Errorf("update asset %d/%s: %w", a.UserID, a.Symbol, err)
	}
	*a = next
	return nil
}
