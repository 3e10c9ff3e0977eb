package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xtrntr/spotex/internal/ledger"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MatchOutcome says how a match attempt ended
type MatchOutcome string

const (
	OutcomeMatched            MatchOutcome = "matched"
	OutcomeOrderNotFound      MatchOutcome = "order_not_found"
	OutcomeNotOpen            MatchOutcome = "not_open"
	OutcomeNoCounter          MatchOutcome = "no_counter"
	OutcomeAmountMismatch     MatchOutcome = "amount_mismatch"
	OutcomePreconditionFailed MatchOutcome = "precondition_failed"
	OutcomeInvariantViolation MatchOutcome = "invariant_violation"
	OutcomeError              MatchOutcome = "error"
)

// MatchResult describes one match attempt. Trade is set only when matched.
type MatchResult struct {
	Outcome MatchOutcome
	Trade   *models.Trade
}

// errPrecondition rolls back a match whose locked funds do not cover it.
type errPrecondition struct {
	reason string
}

func (e *errPrecondition) Error() string { return e.reason }

// Matcher pairs an order with the best resting counter-order and settles
// both sides in one transaction
type Matcher struct {
	store   store.Store
	ledger  *ledger.Ledger
	fees    FeeSchedule
	logger  *slog.Logger
	metrics *Metrics
}

func NewMatcher(st store.Store, l *ledger.Ledger, fees FeeSchedule, logger *slog.Logger, metrics *Metrics) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if fees == nil {
		fees = FlatFee(DefaultFeeRate)
	}
	return &Matcher{
		store:   st,
		ledger:  l,
		fees:    fees,
		logger:  logger,
		metrics: metrics,
	}
}

// MatchOrder makes exactly one full-match attempt for orderID. Everything
// short of an invariant violation, including "nothing to match", returns a
// nil error; re-running it for an order that is no longer open is a no-op.
func (m *Matcher) MatchOrder(ctx context.Context, orderID int64) (MatchResult, error) {
	ctx, span := tracer.Start(ctx, "exchange.MatchOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", orderID))

	start := time.Now()
	var result MatchResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		result, err = m.match(ctx, tx, orderID)
		return err
	})

	var pre *errPrecondition
	switch {
	case err == nil:
	case errors.As(err, &pre):
		result = MatchResult{Outcome: OutcomePreconditionFailed}
		m.logger.Warn("match precondition failed", "order_id", orderID, "reason", pre.reason)
		err = nil
	case errors.Is(err, models.ErrInvariantViolation):
		result = MatchResult{Outcome: OutcomeInvariantViolation}
		m.logger.Error("match invariant violation", "order_id", orderID, "error", err)
	default:
		result = MatchResult{Outcome: OutcomeError}
		m.logger.Error("match failed", "order_id", orderID, "error", err)
	}

	m.metrics.observeMatch(result.Outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	if result.Trade != nil {
		t := result.Trade
		m.logger.Info("orders matched",
			"trade_id", t.ID,
			"buy_order_id", t.BuyOrderID,
			"sell_order_id", t.SellOrderID,
			"symbol", t.Symbol,
			"price", t.Price.String(),
			"amount", t.Amount.String(),
			"usd_volume", t.USDVolume.String(),
			"fee_usd", t.FeeUSD.String(),
		)
	} else {
		m.logger.Debug("no match", "order_id", orderID, "outcome", result.Outcome)
	}
	return result, nil
}

func (m *Matcher) match(ctx context.Context, tx store.Tx, orderID int64) (MatchResult, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MatchResult{Outcome: OutcomeOrderNotFound}, nil
		}
		return MatchResult{}, fmt.Errorf("lock order %d: %w", orderID, err)
	}
	if order.Status != models.StatusOpen {
		return MatchResult{Outcome: OutcomeNotOpen}, nil
	}

	counter, err := tx.LockBestCounter(ctx, order)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return MatchResult{Outcome: OutcomeNoCounter}, nil
		}
		return MatchResult{}, fmt.Errorf("find counter for order %d: %w", orderID, err)
	}

	// Full match only.
	if !counter.Amount.Equal(order.Amount) {
		return MatchResult{Outcome: OutcomeAmountMismatch}, nil
	}

	buy, sell := order, counter
	if order.Side == models.Sell {
		buy, sell = counter, order
	}

	// The resting order's price is authoritative.
	execPrice := counter.Price
	amount := order.Amount
	usdVolume := models.QuantizeUSD(amount.Mul(execPrice))
	feeUSD := models.QuantizeUSD(usdVolume.Mul(m.fees.FeeRate(order.Symbol)))
	proceeds := models.QuantizeUSD(usdVolume.Sub(feeUSD))

	buyer, seller, err := m.ledger.LockWallets(ctx, tx, buy.UserID, sell.UserID)
	if err != nil {
		return MatchResult{}, err
	}
	buyerAsset, sellerAsset, err := m.lockAssets(ctx, tx, buy.UserID, sell.UserID, order.Symbol)
	if err != nil {
		return MatchResult{}, err
	}

	if buy.LockedUSD == nil || buy.LockedUSD.LessThan(usdVolume) {
		return MatchResult{}, &errPrecondition{reason: fmt.Sprintf(
			"buy order %d locked_usd %v below volume %s", buy.ID, buy.LockedUSD, usdVolume)}
	}
	if sellerAsset.LockedAmount.LessThan(amount) {
		return MatchResult{}, &errPrecondition{reason: fmt.Sprintf(
			"seller %d locked %s %s below amount %s", sell.UserID, sellerAsset.LockedAmount, order.Symbol, amount)}
	}

	refund := models.QuantizeUSD(buy.LockedUSD.Sub(usdVolume))
	if refund.IsPositive() {
		if err := m.ledger.ReleaseUSD(ctx, tx, buyer, refund); err != nil {
			return MatchResult{}, err
		}
	}
	if err := m.ledger.CreditAsset(ctx, tx, buyerAsset, amount); err != nil {
		return MatchResult{}, err
	}
	if err := m.ledger.ReleaseAssetLock(ctx, tx, sellerAsset, amount); err != nil {
		return MatchResult{}, err
	}
	if err := m.ledger.CreditUSD(ctx, tx, seller, proceeds); err != nil {
		return MatchResult{}, err
	}

	for _, id := range []int64{buy.ID, sell.ID} {
		if err := tx.UpdateOrderStatus(ctx, id, models.StatusFilled); err != nil {
			return MatchResult{}, fmt.Errorf("fill order %d: %w", id, err)
		}
	}

	trade := &models.Trade{
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Symbol:      order.Symbol,
		Price:       execPrice,
		Amount:      amount,
		USDVolume:   usdVolume,
		FeeUSD:      feeUSD,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return MatchResult{}, fmt.Errorf("failed to create trade: %w", err)
	}

	if err := m.appendNotification(ctx, tx, trade, buyer, seller); err != nil {
		return MatchResult{}, err
	}
	return MatchResult{Outcome: OutcomeMatched, Trade: trade}, nil
}

// lockAssets locks both holdings of symbol in ascending user id order. The
// buyer's holding is created when missing; the seller's must already exist.
func (m *Matcher) lockAssets(ctx context.Context, tx store.Tx, buyerID, sellerID int64, symbol models.Symbol) (*models.Asset, *models.Asset, error) {
	lockSeller := func() (*models.Asset, error) {
		a, err := m.ledger.LockAsset(ctx, tx, sellerID, symbol)
		if errors.Is(err, models.ErrNoAssetPosition) {
			return nil, models.InvariantViolation("seller %d has an open %s sell order but no holding", sellerID, symbol)
		}
		return a, err
	}

	if buyerID == sellerID {
		a, err := lockSeller()
		return a, a, err
	}

	if buyerID < sellerID {
		buyerAsset, err := m.ledger.LockOrCreateAsset(ctx, tx, buyerID, symbol)
		if err != nil {
			return nil, nil, err
		}
		sellerAsset, err := lockSeller()
		return buyerAsset, sellerAsset, err
	}

	sellerAsset, err := lockSeller()
	if err != nil {
		return nil, nil, err
	}
	buyerAsset, err := m.ledger.LockOrCreateAsset(ctx, tx, buyerID, symbol)
	return buyerAsset, sellerAsset, err
}

// appendNotification records the post-trade view of both parties in the
// outbox so it becomes visible exactly when the settlement does.
func (m *Matcher) appendNotification(ctx context.Context, tx store.Tx, trade *models.Trade, buyer, seller *models.User) error {
	buyerWallet, err := walletSnapshot(ctx, tx, buyer)
	if err != nil {
		return err
	}
	sellerWallet, err := walletSnapshot(ctx, tx, seller)
	if err != nil {
		return err
	}

	n := models.Notification{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Trade: models.TradeTerms{
			TradeID:   trade.ID,
			Symbol:    trade.Symbol,
			Price:     trade.Price,
			Amount:    trade.Amount,
			USDVolume: trade.USDVolume,
			FeeUSD:    trade.FeeUSD,
		},
		Orders: models.MatchedOrders{
			BuyOrderID:  trade.BuyOrderID,
			SellOrderID: trade.SellOrderID,
			BuyStatus:   models.StatusFilled,
			SellStatus:  models.StatusFilled,
		},
		Wallets: models.NotifiedWallets{Buyer: buyerWallet, Seller: sellerWallet},
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := &models.OutboxMessage{
		Topic:   models.TopicOrderMatched,
		Key:     strconv.FormatInt(trade.ID, 10),
		Payload: payload,
	}
	if err := tx.AppendOutbox(ctx, msg); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return nil
}

func walletSnapshot(ctx context.Context, tx store.Tx, user *models.User) (models.WalletSnapshot, error) {
	assets, err := tx.ListAssets(ctx, user.ID)
	if err != nil {
		return models.WalletSnapshot{}, fmt.Errorf("list assets %d: %w", user.ID, err)
	}
	return models.WalletSnapshot{
		UserID:     user.ID,
		USDBalance: user.USDBalance,
		Assets:     assets,
	}, nil
}
