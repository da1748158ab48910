package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nathanyu/trade-service/internal/domain"
)

// MemoryStore is an in-process OrderRepository and InstrumentRepository.
// Each call holds the store lock for its whole duration, which gives every
// operation the same atomicity as a single committed SQL statement. Returned
// orders are copies.
type MemoryStore struct {
	mu sync.RWMutex

	orders      map[int64]*domain.Order      // orderID -> order
	instruments map[string]*domain.Instrument // code -> instrument

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[int64]*domain.Order),
		instruments: make(map[string]*domain.Instrument),
		now:         time.Now,
	}
}

func (m *MemoryStore) InsertOrder(_ context.Context, order *domain.Order) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.OrderID]; exists {
		return 0, fmt.Errorf("insert order %d: duplicate id", order.OrderID)
	}
	m.orders[order.OrderID] = order.Clone()
	return 1, nil
}

func (m *MemoryStore) SelectByOrderID(_ context.Context, orderID int64) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, exists := m.orders[orderID]
	if !exists {
		return nil, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (m *MemoryStore) SelectByOrderIDAndUserID(_ context.Context, orderID, userID int64) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, exists := m.orders[orderID]
	if !exists || order.UserID != userID {
		return nil, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (m *MemoryStore) SelectPendingOrders(_ context.Context, instrumentCode string, side domain.Side) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.Order
	for _, o := range m.orders {
		if o.InstrumentCode == instrumentCode && o.Side == side && o.Status.IsOpen() {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OrderID < result[j].OrderID })
	return result, nil
}

// UpdateOrderStatus applies u if the order is open and u.Status is a legal
// next state. It returns the number of rows changed.
func (m *MemoryStore) UpdateOrderStatus(_ context.Context, u domain.FillUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.orders[u.OrderID]
	if !exists || !domain.CanTransition(order.Status, u.Status) {
		return 0, nil
	}

	order.Status = u.Status
	order.FilledQuantity = u.FilledQuantity
	order.RemainingQuantity = u.RemainingQuantity
	order.FilledAmount = u.FilledAmount.Round(domain.PriceScale)
	order.UpdatedAt = u.At
	if u.Status == domain.OrderStatusFilled {
		at := u.At
		order.CompletedAt = &at
	}
	return 1, nil
}

// CancelOrder cancels an open order.
func (m *MemoryStore) CancelOrder(_ context.Context, orderID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, exists := m.orders[orderID]
	if !exists || !domain.CanTransition(order.Status, domain.OrderStatusCancelled) {
		return 0, nil
	}

	now := m.now()
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	return 1, nil
}

func (m *MemoryStore) SelectByUserID(_ context.Context, userID int64, page, size int) ([]*domain.Order, int64, error) {
	page, size = NormalizePage(page, size)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*domain.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OrderID > all[j].OrderID })

	total := int64(len(all))
	start := (page - 1) * size
	if start >= len(all) {
		return []*domain.Order{}, total, nil
	}
	end := min(start+size, len(all))

	result := make([]*domain.Order, 0, end-start)
	for _, o := range all[start:end] {
		result = append(result, o.Clone())
	}
	return result, total, nil
}

func (m *MemoryStore) GetInstrument(_ context.Context, code string) (*domain.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, exists := m.instruments[code]
	if !exists {
		return nil, nil
	}
	c := *inst
	return &c, nil
}

func (m *MemoryStore) ListTradable(_ context.Context, page, size int) ([]*domain.Instrument, int64, error) {
	page, size = NormalizePage(page, size)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*domain.Instrument
	for _, inst := range m.instruments {
		if inst.Tradable() {
			c := *inst
			all = append(all, &c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })

	total := int64(len(all))
	start := (page - 1) * size
	if start >= len(all) {
		return []*domain.Instrument{}, total, nil
	}
	return all[start:min(start+size, len(all))], total, nil
}

func (m *MemoryStore) UpsertInstrument(_ context.Context, instrument *domain.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *instrument
	m.instruments[instrument.Code] = &c
	return nil
}
