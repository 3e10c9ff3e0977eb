package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicOrderMatched = "orders.matched"

// Notification is the post-match message addressed to both parties
type Notification struct {
	BuyerID  int64           `json:"buyer_id"`
	SellerID int64           `json:"seller_id"`
	Trade    TradeTerms      `json:"trade"`
	Orders   MatchedOrders   `json:"orders"`
	Wallets  NotifiedWallets `json:"wallets"`
}

type TradeTerms struct {
	TradeID   int64           `json:"trade_id"`
	Symbol    Symbol          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	USDVolume decimal.Decimal `json:"usd_volume"`
	FeeUSD    decimal.Decimal `json:"fee_usd"`
}

type MatchedOrders struct {
	BuyOrderID  int64       `json:"buy_order_id"`
	SellOrderID int64       `json:"sell_order_id"`
	BuyStatus   OrderStatus `json:"buy_status"`
	SellStatus  OrderStatus `json:"sell_status"`
}

type NotifiedWallets struct {
	Buyer  WalletSnapshot `json:"buyer"`
	Seller WalletSnapshot `json:"seller"`
}

// Recipients returns the user ids the notification is addressed to.
func (n Notification) Recipients() []int64 {
	if n.BuyerID == n.SellerID {
		return []int64{n.BuyerID}
	}
	return []int64{n.BuyerID, n.SellerID}
}

// OutboxMessage is a notification persisted in the same commit as the state
// it describes
type OutboxMessage struct {
	ID           int64      `json:"id"`
	Topic        string     `json:"topic"`
	Key          string     `json:"key"`
	Payload      []byte     `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}
