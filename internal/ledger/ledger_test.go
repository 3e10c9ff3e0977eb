package ledger

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotex/internal/memstore"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setup(t *testing.T, usd string) (*memstore.Store, int64) {
	t.Helper()
	s := memstore.New()
	user, err := s.CreateUser(context.Background(), "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, s.Fund(user.ID, d(usd)))
	return s, user.ID
}

func TestLedger_ReserveUSD(t *testing.T) {
	tests := []struct {
		name        string
		balance     string
		amount      string
		expectError error
		expectAfter string
	}{
		{name: "Success", balance: "1000.00", amount: "50.00", expectAfter: "950"},
		{name: "ExactBalance", balance: "50.00", amount: "50.00", expectAfter: "0"},
		{name: "Insufficient", balance: "10.00", amount: "100.00", expectError: models.ErrInsufficientFunds, expectAfter: "10"},
	}

	l := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, userID := setup(t, tt.balance)

			err := s.InTx(ctx, func(tx store.Tx) error {
				w, err := l.LockWallet(ctx, tx, userID)
				if err != nil {
					return err
				}
				return l.ReserveUSD(ctx, tx, w, d(tt.amount))
			})
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
			} else {
				require.NoError(t, err)
			}

			wallet, err := s.GetWallet(ctx, userID)
			require.NoError(t, err)
			assert.True(t, wallet.USDBalance.Equal(d(tt.expectAfter)), "balance %s", wallet.USDBalance)
		})
	}
}

func TestLedger_AssetLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New()
	s, userID := setup(t, "0")
	require.NoError(t, s.SetAsset(userID, models.BTC, d("1.5"), d("0")))

	err := s.InTx(ctx, func(tx store.Tx) error {
		a, err := l.LockAsset(ctx, tx, userID, models.BTC)
		require.NoError(t, err)

		require.NoError(t, l.ReserveAsset(ctx, tx, a, d("1")))
		assert.True(t, a.Amount.Equal(d("0.5")))
		assert.True(t, a.LockedAmount.Equal(d("1")))

		assert.ErrorIs(t, l.ReserveAsset(ctx, tx, a, d("0.500000000000000001")), models.ErrInsufficientAsset)

		require.NoError(t, l.UnlockAsset(ctx, tx, a, d("0.25")))
		assert.True(t, a.Amount.Equal(d("0.75")))
		assert.True(t, a.LockedAmount.Equal(d("0.75")))

		require.NoError(t, l.ReleaseAssetLock(ctx, tx, a, d("0.75")))
		assert.True(t, a.LockedAmount.IsZero())

		require.NoError(t, l.CreditAsset(ctx, tx, a, d("2")))
		assert.True(t, a.Amount.Equal(d("2.75")))
		return nil
	})
	require.NoError(t, err)

	wallet, err := s.GetWallet(ctx, userID)
	require.NoError(t, err)
	require.Len(t, wallet.Assets, 1)
	assert.True(t, wallet.Assets[0].Amount.Equal(d("2.75")))
	assert.True(t, wallet.Assets[0].LockedAmount.IsZero())
}

func TestLedger_ReleaseAssetLockBelowZero(t *testing.T) {
	ctx := context.Background()
	l := New()
	s, userID := setup(t, "0")
	require.NoError(t, s.SetAsset(userID, models.ETH, d("1"), d("0.1")))

	err := s.InTx(ctx, func(tx store.Tx) error {
		a, err := l.LockAsset(ctx, tx, userID, models.ETH)
		if err != nil {
			return err
		}
		return l.ReleaseAssetLock(ctx, tx, a, d("0.2"))
	})
	assert.ErrorIs(t, err, models.ErrInvariantViolation)

	wallet, err := s.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.True(t, wallet.Assets[0].LockedAmount.Equal(d("0.1")))
}

func TestLedger_LockAssetMissing(t *testing.T) {
	ctx := context.Background()
	l := New()
	s, userID := setup(t, "0")

	err := s.InTx(ctx, func(tx store.Tx) error {
		_, err := l.LockAsset(ctx, tx, userID, models.BTC)
		return err
	})
	assert.ErrorIs(t, err, models.ErrNoAssetPosition)
}

func TestLedger_LockWalletsOrder(t *testing.T) {
	ctx := context.Background()
	l := New()
	s := memstore.New()
	alice, _ := s.CreateUser(ctx, "alice", "hash")
	bob, _ := s.CreateUser(ctx, "bob", "hash")

	err := s.InTx(ctx, func(tx store.Tx) error {
		b, a, err := l.LockWallets(ctx, tx, bob.ID, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, bob.ID, b.ID)
		assert.Equal(t, alice.ID, a.ID)

		same1, same2, err := l.LockWallets(ctx, tx, alice.ID, alice.ID)
		require.NoError(t, err)
		assert.Same(t, same1, same2)
		return nil
	})
	require.NoError(t, err)
}

func TestLedger_CreditUSDTruncatesToCents(t *testing.T) {
	ctx := context.Background()
	l := New()
	s, userID := setup(t, "1.00")

	err := s.InTx(ctx, func(tx store.Tx) error {
		w, err := l.LockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		return l.CreditUSD(ctx, tx, w, d("0.019"))
	})
	require.NoError(t, err)

	wallet, _ := s.GetWallet(ctx, userID)
	assert.Equal(t, "1.01", wallet.USDBalance.StringFixed(2))
}
