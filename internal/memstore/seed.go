package memstore

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotex/internal/models"
)

// Fund sets a user's available USD balance.
func (s *Store) Fund(userID int64, usd decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.state.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	user.USDBalance = models.QuantizeUSD(usd)
	s.state.users[userID] = user
	return nil
}

// SetAsset creates or overwrites a holding.
func (s *Store) SetAsset(userID int64, symbol models.Symbol, amount, locked decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.users[userID]; !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	key := assetKey{userID, symbol}
	a, ok := s.state.assets[key]
	if !ok {
		s.state.nextAssetID++
		a = models.Asset{ID: s.state.nextAssetID, UserID: userID, Symbol: symbol}
	}
	a.Amount = models.QuantizeAsset(amount)
	a.LockedAmount = models.QuantizeAsset(locked)
	a.UpdatedAt = s.clock()
	s.state.assets[key] = a
	return nil
}

// Order returns a committed order by id.
func (s *Store) Order(id int64) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.orders[id]
	return cloneOrder(o), ok
}

// Trades returns every committed trade in insertion order.
func (s *Store) Trades() []models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Trade(nil), s.state.trades...)
}

// Outbox returns every committed outbox message in insertion order.
func (s *Store) Outbox() []models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboxMessage(nil), s.state.outbox...)
}

// DeleteAsset removes a holding outright.
func (s *Store) DeleteAsset(userID int64, symbol models.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.assets, assetKey{userID, symbol})
}
