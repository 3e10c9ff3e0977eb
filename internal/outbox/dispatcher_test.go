package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/spotex/internal/exchange"
	"github.com/xtrntr/spotex/internal/ledger"
	"github.com/xtrntr/spotex/internal/memstore"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []models.Notification
	failures int
}

func (r *recordingNotifier) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("subscriber unavailable")
	}
	r.received = append(r.received, n)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// matchedStore builds a store holding one settled trade and its outbox row.
func matchedStore(t *testing.T) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	l := ledger.New()
	ex := exchange.NewExchange(st, l, nil, nil, nil)

	seller, err := st.CreateUser(ctx, "seller", "hash")
	require.NoError(t, err)
	buyer, err := st.CreateUser(ctx, "buyer", "hash")
	require.NoError(t, err)
	require.NoError(t, st.Fund(buyer.ID, decimal.RequireFromString("1000")))
	require.NoError(t, st.SetAsset(seller.ID, models.BTC, decimal.RequireFromString("1"), decimal.Zero))

	_, err = ex.PlaceOrder(ctx, exchange.PlaceOrderRequest{UserID: seller.ID, Symbol: models.BTC, Side: models.Sell, Price: decimal.RequireFromString("100"), Amount: decimal.RequireFromString("1")})
	require.NoError(t, err)
	buy, err := ex.PlaceOrder(ctx, exchange.PlaceOrderRequest{UserID: buyer.ID, Symbol: models.BTC, Side: models.Buy, Price: decimal.RequireFromString("100"), Amount: decimal.RequireFromString("1")})
	require.NoError(t, err)
	res, err := exchange.NewMatcher(st, l, nil, nil, nil).MatchOrder(ctx, buy.ID)
	require.NoError(t, err)
	require.Equal(t, exchange.OutcomeMatched, res.Outcome)
	return st
}

func TestDispatchOnce_DeliversAndMarks(t *testing.T) {
	st := matchedStore(t)
	notifier := &recordingNotifier{}
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	d := NewDispatcher(st, notifier, time.Millisecond, 10, nil, metrics)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, notifier.received, 1)
	assert.Equal(t, models.StatusFilled, notifier.received[0].Orders.BuyStatus)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Dispatched.WithLabelValues("ok")))

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "already dispatched")
	assert.Len(t, notifier.received, 1)
}

func TestDispatchOnce_FailureLeavesMessagePending(t *testing.T) {
	st := matchedStore(t)
	notifier := &recordingNotifier{failures: 1}
	d := NewDispatcher(st, notifier, time.Millisecond, 10, nil, nil)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, st.Outbox()[0].DispatchedAt)

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotNil(t, st.Outbox()[0].DispatchedAt)
}

func TestDispatchOnce_DropsUndecodable(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendOutbox(ctx, &models.OutboxMessage{Topic: models.TopicOrderMatched, Key: "1", Payload: []byte("{")}); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, &models.OutboxMessage{Topic: "unknown", Key: "2", Payload: []byte("{}")})
	}))
	notifier := &recordingNotifier{}
	d := NewDispatcher(st, notifier, time.Millisecond, 10, nil, nil)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, notifier.count())
}

func TestRun_DrainsUntilCancelled(t *testing.T) {
	st := matchedStore(t)
	notifier := &recordingNotifier{}
	d := NewDispatcher(st, notifier, 5*time.Millisecond, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
