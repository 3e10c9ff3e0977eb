// Package memstore is an in-process store.Store. Transactions are serialized
// by a single mutex and run against a private copy of the state that replaces
// the committed state only when fn succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
	"github.com/xtrntr/spotex/internal/store"
)

type assetKey struct {
	userID int64
	symbol models.Symbol
}

type state struct {
	users     map[int64]models.User
	usernames map[string]int64
	assets    map[assetKey]models.Asset
	orders    map[int64]models.Order
	trades    []models.Trade
	outbox    []models.OutboxMessage

	nextUserID   int64
	nextAssetID  int64
	nextOrderID  int64
	nextTradeID  int64
	nextOutboxID int64
}

func newState() *state {
	return &state{
		users:     make(map[int64]models.User),
		usernames: make(map[string]int64),
		assets:    make(map[assetKey]models.Asset),
		orders:    make(map[int64]models.Order),
	}
}

func (s *state) clone() *state {
	c := *s
	c.users = make(map[int64]models.User, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.usernames = make(map[string]int64, len(s.usernames))
	for k, v := range s.usernames {
		c.usernames[k] = v
	}
	c.assets = make(map[assetKey]models.Asset, len(s.assets))
	for k, v := range s.assets {
		c.assets[k] = v
	}
	c.orders = make(map[int64]models.Order, len(s.orders))
	for k, v := range s.orders {
		c.orders[k] = v
	}
	c.trades = append([]models.Trade(nil), s.trades...)
	c.outbox = append([]models.OutboxMessage(nil), s.outbox...)
	return &c
}

// Store keeps every table in memory.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
	last  time.Time
}

func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

var _ store.Store = (*Store)(nil)

// clock never repeats a timestamp so created_at alone orders inserts.
func (s *Store) clock() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s, st: s.state.clone()}
	if err := fn(t); err != nil {
		return err
	}
	s.state = t.st
	return nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.usernames[username]; ok {
		return nil, fmt.Errorf("failed to create user %q: %w", username, store.ErrDuplicate)
	}
	s.state.nextUserID++
	user := models.User{
		ID:           s.state.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		USDBalance:   decimal.Zero,
		CreatedAt:    s.clock(),
	}
	s.state.users[user.ID] = user
	s.state.usernames[username] = user.ID
	return &user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.state.usernames[username]
	if !ok {
		return nil, fmt.Errorf("failed to get user: %w", store.ErrNotFound)
	}
	user := s.state.users[id]
	return &user, nil
}

func (s *Store) GetWallet(ctx context.Context, userID int64) (models.WalletSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.wallet(userID)
}

func (st *state) wallet(userID int64) (models.WalletSnapshot, error) {
	user, ok := st.users[userID]
	if !ok {
		return models.WalletSnapshot{}, fmt.Errorf("failed to get wallet: %w", store.ErrNotFound)
	}
	return models.WalletSnapshot{
		UserID:     userID,
		USDBalance: user.USDBalance,
		Assets:     st.userAssets(userID),
	}, nil
}

func (st *state) userAssets(userID int64) []models.Asset {
	assets := []models.Asset{}
	for _, a := range st.assets {
		if a.UserID == userID {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
	return assets
}

func (s *Store) GetOrderBook(ctx context.Context, symbol models.Symbol) (models.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book := models.OrderBook{Symbol: symbol, Buys: []models.Order{}, Sells: []models.Order{}}
	for _, o := range s.state.orders {
		if o.Symbol != symbol || o.Status != models.StatusOpen {
			continue
		}
		if o.Side == models.Buy {
			book.Buys = append(book.Buys, o)
		} else {
			book.Sells = append(book.Sells, o)
		}
	}
	sort.Slice(book.Buys, func(i, j int) bool { return priorityLess(book.Buys[i], book.Buys[j], true) })
	sort.Slice(book.Sells, func(i, j int) bool { return priorityLess(book.Sells[i], book.Sells[j], false) })
	return book, nil
}

// priorityLess orders by price (descending when highFirst), then created_at,
// then id.
func priorityLess(a, b models.Order, highFirst bool) bool {
	if !a.Price.Equal(b.Price) {
		if highFirst {
			return a.Price.GreaterThan(b.Price)
		}
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) GetUserOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := []models.Order{}
	for _, o := range s.state.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	return orders, nil
}

func (s *Store) GetUserTrades(ctx context.Context, userID int64) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trades := []models.Trade{}
	for i := len(s.state.trades) - 1; i >= 0; i-- {
		t := s.state.trades[i]
		if s.state.orders[t.BuyOrderID].UserID == userID || s.state.orders[t.SellOrderID].UserID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (s *Store) ClaimOutbox(ctx context.Context, limit int, fn func(msg models.OutboxMessage) error) (int, error) {
	s.mu.Lock()
	var batch []models.OutboxMessage
	for _, m := range s.state.outbox {
		if m.DispatchedAt == nil {
			batch = append(batch, m)
			if len(batch) == limit {
				break
			}
		}
	}
	s.mu.Unlock()

	var delivered []int64
	for _, m := range batch {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := fn(m); err != nil {
			continue
		}
		delivered = append(delivered, m.ID)
	}
	if len(delivered) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	done := make(map[int64]bool, len(delivered))
	for _, id := range delivered {
		done[id] = true
	}
	for i := range s.state.outbox {
		if done[s.state.outbox[i].ID] && s.state.outbox[i].DispatchedAt == nil {
			at := now
			s.state.outbox[i].DispatchedAt = &at
		}
	}
	return len(delivered), nil
}

type tx struct {
	s  *Store
	st *state
}

func (t *tx) LockWallet(ctx context.Context, userID int64) (*models.User, error) {
	user, ok := t.st.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (t *tx) UpdateWalletBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	user, ok := t.st.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.USDBalance = balance
	t.st.users[userID] = user
	return nil
}

func (t *tx) LockAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	a, ok := t.st.assets[assetKey{userID, symbol}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (t *tx) LockOrCreateAsset(ctx context.Context, userID int64, symbol models.Symbol) (*models.Asset, error) {
	key := assetKey{userID, symbol}
	if a, ok := t.st.assets[key]; ok {
		return &a, nil
	}
	if _, ok := t.st.users[userID]; !ok {
		return nil, store.ErrNotFound
	}
	t.st.nextAssetID++
	a := models.Asset{
		ID:           t.st.nextAssetID,
		UserID:       userID,
		Symbol:       symbol,
		Amount:       decimal.Zero,
		LockedAmount: decimal.Zero,
		UpdatedAt:    t.s.clock(),
	}
	t.st.assets[key] = a
	return &a, nil
}

func (t *tx) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	key := assetKey{asset.UserID, asset.Symbol}
	if _, ok := t.st.assets[key]; !ok {
		return store.ErrNotFound
	}
	t.st.assets[key] = *asset
	return nil
}

func (t *tx) ListAssets(ctx context.Context, userID int64) ([]models.Asset, error) {
	return t.st.userAssets(userID), nil
}

func (t *tx) InsertOrder(ctx context.Context, order *models.Order) error {
	if _, ok := t.st.users[order.UserID]; !ok {
		return fmt.Errorf("failed to create order: %w", store.ErrNotFound)
	}
	t.st.nextOrderID++
	order.ID = t.st.nextOrderID
	order.CreatedAt = t.s.clock()
	t.st.orders[order.ID] = cloneOrder(*order)
	return nil
}

func (t *tx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, ok := t.st.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	o = cloneOrder(o)
	return &o, nil
}

func (t *tx) LockBestCounter(ctx context.Context, target *models.Order) (*models.Order, error) {
	var best *models.Order
	highFirst := target.Side == models.Sell
	for _, o := range t.st.orders {
		if o.Symbol != target.Symbol || o.Side != target.Side.Opposite() || o.Status != models.StatusOpen {
			continue
		}
		if target.Side == models.Buy && o.Price.GreaterThan(target.Price) {
			continue
		}
		if target.Side == models.Sell && o.Price.LessThan(target.Price) {
			continue
		}
		if best == nil || priorityLess(o, *best, highFirst) {
			candidate := cloneOrder(o)
			best = &candidate
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	t.st.orders[orderID] = o
	return nil
}

func (t *tx) InsertTrade(ctx context.Context, trade *models.Trade) error {
	t.st.nextTradeID++
	trade.ID = t.st.nextTradeID
	trade.CreatedAt = t.s.clock()
	t.st.trades = append(t.st.trades, *trade)
	return nil
}

func (t *tx) AppendOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	t.st.nextOutboxID++
	msg.ID = t.st.nextOutboxID
	msg.CreatedAt = t.s.clock()
	msg.Payload = append([]byte(nil), msg.Payload...)
	t.st.outbox = append(t.st.outbox, *msg)
	return nil
}

func cloneOrder(o models.Order) models.Order {
	if o.LockedUSD != nil {
		v := *o.LockedUSD
		o.LockedUSD = &v
	}
	return o
}
