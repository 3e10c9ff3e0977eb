package db

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

const userColumns = "id, username, password_hash, usd_balance::text, created_at"

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var balance string
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &balance, &user.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if user.USDBalance, err = parseDecimal(balance, "usd_balance"); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a new user with a zero balance
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING "+userColumns,
		username, passwordHash))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to create user %q: %w", username, store.ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user, err := scanUser(db.Pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = $1", username))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", notFound(err))
	}
	return user, nil
}

// FundUser sets a user's available USD balance.
func (db *DB) FundUser(ctx context.Context, userID int64, usd decimal.Decimal) error {
	tag, err := db.Pool.Exec(ctx, "UPDATE users SET usd_balance = $1 WHERE id = $2",
		models.QuantizeUSD(usd).String(), userID)
	if err != nil {
		return fmt.Errorf("failed to fund user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to fund user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

// GetWallet returns a user's balance and holdings without taking locks.
func (db *DB) GetWallet(ctx context.Context, userID int64) (models.WalletSnapshot, error) {
	var balance string
	err := db.Pool.QueryRow(ctx, "SELECT usd_balance::text FROM users WHERE id = $1", userID).Scan(&balance)
	if err != nil {
		return models.WalletSnapshot{}, fmt.Errorf("failed to get wallet: %w", notFound(err))
	}
	usd, err := parseDecimal(balance, "usd_balance")
	if err != nil {
		return models.WalletSnapshot{}, err
	}
	assets, err := listAssets(ctx, db.Pool, userID)
	if err != nil {
		return models.WalletSnapshot{}, err
	}
	return models.WalletSnapshot{UserID: userID, USDBalance: usd, Assets: assets}, nil
}

func (t *pgTx) LockWallet(ctx context.Context, userID int64) (*models.User, error) {
	user, err := scanUser(t.tx.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", userID))
	if err != nil {
		return nil, notFound(err)
	}
	return user, nil
}

func (t *pgTx) UpdateWalletBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx, "UPDATE users SET usd_balance = $1 WHERE id = $2", balance.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
