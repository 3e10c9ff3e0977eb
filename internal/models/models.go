package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is a tradable asset quoted in USD
type Symbol string

const (
	BTC Symbol = "BTC"
	ETH Symbol = "ETH"
)

// Symbols lists every tradable symbol
var Symbols = []Symbol{BTC, ETH}

// Valid reports whether s is a supported symbol
func (s Symbol) Valid() bool {
	return s == BTC || s == ETH
}

// Side is the direction of an order
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite returns the side an order matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// User represents a registered user and their USD wallet
type User struct {
	ID           int64           `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"-"`
	USDBalance   decimal.Decimal `json:"usd_balance"` // available USD, scale 2
	CreatedAt    time.Time       `json:"created_at"`
}

// Asset is a user's holding of one symbol
type Asset struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	Symbol       Symbol          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`        // available, scale 18
	LockedAmount decimal.Decimal `json:"locked_amount"` // reserved by open sell orders, scale 18
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Order represents a limit order
type Order struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"user_id"`
	Symbol    Symbol           `json:"symbol"`
	Side      Side             `json:"side"`
	Price     decimal.Decimal  `json:"price"`  // USD per unit, scale 2
	Amount    decimal.Decimal  `json:"amount"` // quantity, scale 18
	Status    OrderStatus      `json:"status"`
	LockedUSD *decimal.Decimal `json:"locked_usd"` // buy orders only
	CreatedAt time.Time        `json:"created_at"` // used for time priority
}

// Trade represents an executed match
type Trade struct {
	ID          int64           `json:"id"`
	BuyOrderID  int64           `json:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id"`
	Symbol      Symbol          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	USDVolume   decimal.Decimal `json:"usd_volume"`
	FeeUSD      decimal.Decimal `json:"fee_usd"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderBook is the open side-by-side view of one symbol
type OrderBook struct {
	Symbol Symbol  `json:"symbol"`
	Buys   []Order `json:"buys"`
	Sells  []Order `json:"sells"`
}

// WalletSnapshot is a user's USD balance and holdings at a point in time
type WalletSnapshot struct {
	UserID     int64           `json:"user_id"`
	USDBalance decimal.Decimal `json:"usd_balance"`
	Assets     []Asset         `json:"assets"`
}
