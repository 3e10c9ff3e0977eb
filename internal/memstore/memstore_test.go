package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func insertOrder(t *testing.T, s *Store, userID int64, side models.Side, price string, status models.OrderStatus) int64 {
	t.Helper()
	ctx := context.Background()
	o := &models.Order{UserID: userID, Symbol: models.BTC, Side: side, Price: d(price), Amount: d("1"), Status: status}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertOrder(ctx, o) }))
	return o.ID
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	user, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, s.Fund(user.ID, d("100")))

	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.UpdateWalletBalance(ctx, user.ID, d("1")))
		_, err := tx.LockOrCreateAsset(ctx, user.ID, models.BTC)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	wallet, err := s.GetWallet(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, wallet.USDBalance.Equal(d("100")))
	assert.Empty(t, wallet.Assets)
}

func TestLockBestCounter(t *testing.T) {
	ctx := context.Background()
	s := New()
	seller, _ := s.CreateUser(ctx, "seller", "hash")
	buyer, _ := s.CreateUser(ctx, "buyer", "hash")

	insertOrder(t, s, seller.ID, models.Sell, "100", models.StatusOpen)
	cheapest := insertOrder(t, s, seller.ID, models.Sell, "95", models.StatusOpen)
	insertOrder(t, s, seller.ID, models.Sell, "95", models.StatusOpen)
	insertOrder(t, s, seller.ID, models.Sell, "105", models.StatusOpen)
	insertOrder(t, s, seller.ID, models.Sell, "90", models.StatusCancelled)
	highest := insertOrder(t, s, buyer.ID, models.Buy, "99", models.StatusOpen)
	insertOrder(t, s, buyer.ID, models.Buy, "98", models.StatusOpen)

	tests := []struct {
		name   string
		target models.Order
		expect int64
	}{
		{
			name:   "BuyTakesCheapestEarliestSell",
			target: models.Order{Symbol: models.BTC, Side: models.Buy, Price: d("110")},
			expect: cheapest,
		},
		{
			name:   "BuyBelowAllSells",
			target: models.Order{Symbol: models.BTC, Side: models.Buy, Price: d("94.99")},
			expect: 0,
		},
		{
			name:   "SellTakesHighestBuy",
			target: models.Order{Symbol: models.BTC, Side: models.Sell, Price: d("97")},
			expect: highest,
		},
		{
			name:   "OtherSymbol",
			target: models.Order{Symbol: models.ETH, Side: models.Buy, Price: d("1000")},
			expect: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.InTx(ctx, func(tx store.Tx) error {
				counter, err := tx.LockBestCounter(ctx, &tt.target)
				if tt.expect == 0 {
					assert.ErrorIs(t, err, store.ErrNotFound)
					return nil
				}
				require.NoError(t, err)
				assert.Equal(t, tt.expect, counter.ID)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestGetOrderBookAndUserOrders(t *testing.T) {
	ctx := context.Background()
	s := New()
	alice, _ := s.CreateUser(ctx, "alice", "hash")

	first := insertOrder(t, s, alice.ID, models.Buy, "100", models.StatusOpen)
	second := insertOrder(t, s, alice.ID, models.Buy, "101", models.StatusOpen)
	third := insertOrder(t, s, alice.ID, models.Sell, "120", models.StatusOpen)
	insertOrder(t, s, alice.ID, models.Sell, "110", models.StatusFilled)

	book, err := s.GetOrderBook(ctx, models.BTC)
	require.NoError(t, err)
	require.Len(t, book.Buys, 2)
	require.Len(t, book.Sells, 1)
	assert.Equal(t, second, book.Buys[0].ID)
	assert.Equal(t, first, book.Buys[1].ID)
	assert.Equal(t, third, book.Sells[0].ID)

	orders, err := s.GetUserOrders(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, orders, 4)
	assert.Equal(t, first, orders[3].ID, "newest first")
}

func TestClaimOutbox(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for _, key := range []string{"a", "b", "c"} {
			if err := tx.AppendOutbox(ctx, &models.OutboxMessage{Topic: "t", Key: key, Payload: []byte("{}")}); err != nil {
				return err
			}
		}
		return nil
	}))

	var seen []string
	n, err := s.ClaimOutbox(ctx, 10, func(msg models.OutboxMessage) error {
		seen = append(seen, msg.Key)
		if msg.Key == "b" {
			return errors.New("unreachable subscriber")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	seen = nil
	n, err = s.ClaimOutbox(ctx, 10, func(msg models.OutboxMessage) error {
		seen = append(seen, msg.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, seen)
}
