// Package repository persists orders and instrument reference data.
//
// Every method is an independent, atomically committed operation. Fill
// updates and cancels only touch rows that are still pending or partial, so
// a terminal order can never be moved out of its terminal state.
package repository

import (
	"context"

	"github.com/nathanyu/trade-service/internal/domain"
)

// OrderRepository is the transactional order store.
type OrderRepository interface {
	// InsertOrder persists a new order and returns the number of rows written.
	InsertOrder(ctx context.Context, order *domain.Order) (int64, error)

	// SelectByOrderID returns the order or domain.ErrOrderNotFound.
	SelectByOrderID(ctx context.Context, orderID int64) (*domain.Order, error)

	// SelectByOrderIDAndUserID returns the order only when it belongs to userID,
	// otherwise domain.ErrOrderNotFound.
	SelectByOrderIDAndUserID(ctx context.Context, orderID, userID int64) (*domain.Order, error)

	// SelectPendingOrders returns pending and partial orders for one book side,
	// ordered by order id ascending.
	SelectPendingOrders(ctx context.Context, instrumentCode string, side domain.Side) ([]*domain.Order, error)

	// UpdateOrderStatus applies a fill result to an open order and returns rows affected.
	UpdateOrderStatus(ctx context.Context, update domain.FillUpdate) (int64, error)

	// CancelOrder marks an open order cancelled and returns rows affected.
	CancelOrder(ctx context.Context, orderID int64) (int64, error)

	// SelectByUserID returns one page of a user's orders, newest first, and the total count.
	SelectByUserID(ctx context.Context, userID int64, page, size int) ([]*domain.Order, int64, error)
}

// InstrumentRepository serves instrument reference data.
type InstrumentRepository interface {
	// GetInstrument returns the instrument or nil when it does not exist.
	GetInstrument(ctx context.Context, code string) (*domain.Instrument, error)

	// ListTradable returns one page of tradable instruments ordered by code.
	ListTradable(ctx context.Context, page, size int) ([]*domain.Instrument, int64, error)

	UpsertInstrument(ctx context.Context, instrument *domain.Instrument) error
}

var openStatuses = []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusPartial}

// NormalizePage clamps page to >=1 and size to [1,100] (default 10).
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
