// Package ordermanager accepts, cancels and looks up orders.
//
// PlaceOrder validates a request against reference data, persists it as
// pending and hands a match job for the instrument to the dispatcher. If the
// dispatcher refuses the job the manager matches synchronously instead; a
// failure there is logged and never fails the submission, because the order
// is already stored and will be matched by the next run for its instrument.
package ordermanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/trade-service/internal/dispatch"
	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/reference"
	"github.com/nathanyu/trade-service/internal/repository"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// Dispatcher queues match jobs.
type Dispatcher interface {
	Enqueue(instrumentCode string) (*dispatch.Handle, error)
}

// IDGenerator issues order ids.
type IDGenerator interface {
	NextID() int64
	Issued() uint64
}

// Settings holds the fee and lot parameters.
type Settings struct {
	CommissionRate decimal.Decimal
	MinCommission  decimal.Decimal
	TradingUnit    int64 // used when the instrument does not define one
}

// DefaultSettings returns 3bp commission, a 5.00 floor and lots of 100.
func DefaultSettings() Settings {
	return Settings{
		CommissionRate: domain.DefaultCommissionRate,
		MinCommission:  domain.DefaultMinCommission,
		TradingUnit:    domain.DefaultTradingUnit,
	}
}

// PlaceOrderRequest is a new limit order.
type PlaceOrderRequest struct {
	UserID         int64
	InstrumentCode string
	Side           domain.Side
	Price          decimal.Decimal
	Quantity       int64
	Source         domain.OrderSource
	Remark         string
}

// Manager handles order validation, persistence and match dispatch.
type Manager struct {
	orders     repository.OrderRepository
	reference  *reference.Service
	ids        IDGenerator
	dispatcher Dispatcher
	match      dispatch.MatchFunc
	settings   Settings
	logger     *slog.Logger

	// tradingOpen gates submissions by wall clock. It currently allows all
	// hours.
	tradingOpen func(time.Time) bool
	now         func() time.Time
}

// NewManager creates an order manager. match is the synchronous fallback
// used when dispatcher refuses a job.
func NewManager(
	orders repository.OrderRepository,
	ref *reference.Service,
	ids IDGenerator,
	dispatcher Dispatcher,
	match dispatch.MatchFunc,
	settings Settings,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Manager{
		orders:      orders,
		reference:   ref,
		ids:         ids,
		dispatcher:  dispatcher,
		match:       match,
		settings:    settings,
		logger:      logger.With("component", "ordermanager"),
		tradingOpen: func(time.Time) bool { return true },
		now:         time.Now,
	}
}

// PlaceOrder validates and persists a new order, then triggers matching for
// its instrument. Checks run in a fixed order and the first failure is
// returned with nothing persisted.
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	inst, err := m.validate(ctx, req)
	if err != nil {
		telemetry.OrdersTotal.WithLabelValues("reject", req.InstrumentCode).Inc()
		return nil, err
	}

	now := m.now()
	order := &domain.Order{
		OrderID:           m.ids.NextID(),
		UserID:            req.UserID,
		InstrumentCode:    inst.Code,
		InstrumentName:    inst.Name,
		Side:              req.Side,
		Price:             req.Price.Round(domain.PriceScale),
		Quantity:          req.Quantity,
		FilledQuantity:    0,
		RemainingQuantity: req.Quantity,
		Status:            domain.OrderStatusPending,
		FilledAmount:      decimal.Zero,
		Commission:        m.Commission(req.Price, req.Quantity),
		Source:            req.Source,
		Remark:            req.Remark,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if order.Source == "" {
		order.Source = domain.SourceAPI
	}

	rows, err := m.orders.InsertOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}
	if rows <= 0 {
		return nil, fmt.Errorf("save order %d: no rows written", order.OrderID)
	}

	telemetry.OrdersTotal.WithLabelValues("place", order.InstrumentCode).Inc()
	m.logger.InfoContext(ctx, "order accepted",
		"order_id", order.OrderID,
		"user_id", order.UserID,
		"instrument", order.InstrumentCode,
		"side", order.Side,
		"price", order.Price.StringFixed(domain.PriceScale),
		"quantity", order.Quantity,
	)

	m.triggerMatching(ctx, order.InstrumentCode)
	return order, nil
}

func (m *Manager) validate(ctx context.Context, req PlaceOrderRequest) (*domain.Instrument, error) {
	if !req.Side.Valid() {
		return nil, domain.ErrInvalidSide
	}
	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if !req.Price.IsPositive() {
		return nil, domain.ErrInvalidPrice
	}

	if !m.tradingOpen(m.now()) {
		return nil, domain.ErrNotTradingTime
	}

	inst, err := m.reference.GetByCode(ctx, req.InstrumentCode)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, domain.ErrInstrumentNotFound
	}
	if !inst.Tradable() {
		return nil, domain.ErrInstrumentNotTradable
	}
	if !reference.PriceValid(inst, req.Price) {
		return nil, domain.ErrPriceOutOfRange
	}

	unit := inst.TradingUnit
	if unit <= 0 {
		unit = m.settings.TradingUnit
	}
	if req.Quantity%unit != 0 {
		return nil, domain.ErrQuantityNotLotSize
	}
	return inst, nil
}

// Commission returns max(price*quantity*rate, minimum) at price scale.
func (m *Manager) Commission(price decimal.Decimal, quantity int64) decimal.Decimal {
	c := price.Mul(decimal.NewFromInt(quantity)).Mul(m.settings.CommissionRate)
	if c.LessThan(m.settings.MinCommission) {
		c = m.settings.MinCommission
	}
	return c.Round(domain.PriceScale)
}

// triggerMatching enqueues a match job, degrading to a synchronous run on
// the caller when the dispatcher refuses it.
func (m *Manager) triggerMatching(ctx context.Context, code string) {
	_, err := m.dispatcher.Enqueue(code)
	if err == nil {
		return
	}
	m.logger.WarnContext(ctx, "match job not accepted, matching synchronously",
		"instrument", code, "error", err)

	// The order is stored; a cancelled request must not stop its matching.
	if _, err := m.match(context.WithoutCancel(ctx), code); err != nil {
		m.logger.ErrorContext(ctx, "synchronous matching failed",
			"instrument", code, "error", err)
	}
}

// CancelOrder cancels an open order owned by userID.
func (m *Manager) CancelOrder(ctx context.Context, orderID, userID int64) (bool, error) {
	order, err := m.orders.SelectByOrderIDAndUserID(ctx, orderID, userID)
	if err != nil {
		return false, err
	}
	if err := cancellable(order.Status); err != nil {
		return false, err
	}

	rows, err := m.orders.CancelOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	if rows == 0 {
		// A fill or another cancel got there first.
		current, err := m.orders.SelectByOrderID(ctx, orderID)
		if err != nil {
			return false, err
		}
		if err := cancellable(current.Status); err != nil {
			return false, err
		}
		return false, domain.ErrConcurrentUpdate
	}

	telemetry.OrdersTotal.WithLabelValues("cancel", order.InstrumentCode).Inc()
	m.logger.InfoContext(ctx, "order cancelled", "order_id", orderID, "user_id", userID)
	return true, nil
}

func cancellable(status domain.OrderStatus) error {
	switch status {
	case domain.OrderStatusFilled:
		return domain.ErrOrderAlreadyFilled
	case domain.OrderStatusCancelled:
		return domain.ErrOrderAlreadyCancelled
	}
	return nil
}

// GetOrder returns an order owned by userID.
func (m *Manager) GetOrder(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	return m.orders.SelectByOrderIDAndUserID(ctx, orderID, userID)
}

// ListUserOrders returns one page of a user's orders, newest first.
func (m *Manager) ListUserOrders(ctx context.Context, userID int64, page, size int) (domain.Page[*domain.Order], error) {
	page, size = repository.NormalizePage(page, size)
	items, total, err := m.orders.SelectByUserID(ctx, userID, page, size)
	if err != nil {
		return domain.Page[*domain.Order]{}, err
	}
	return domain.Page[*domain.Order]{Items: items, Total: total, Page: page, Size: size}, nil
}

// CountUserOrders returns how many orders userID has placed.
func (m *Manager) CountUserOrders(ctx context.Context, userID int64) (int64, error) {
	_, total, err := m.orders.SelectByUserID(ctx, userID, 1, 1)
	return total, err
}

// IssuedOrderIDs returns how many order ids this process has handed out.
func (m *Manager) IssuedOrderIDs() uint64 {
	return m.ids.Issued()
}

// MatchNow runs matching for code on the caller and returns the fills applied.
func (m *Manager) MatchNow(ctx context.Context, code string) (int, error) {
	inst, err := m.reference.GetByCode(ctx, code)
	if err != nil {
		return 0, err
	}
	if inst == nil {
		return 0, domain.ErrInstrumentNotFound
	}
	fills, err := m.match(ctx, code)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.ErrorContext(ctx, "manual matching failed", "instrument", code, "error", err)
	}
	return fills, err
}
