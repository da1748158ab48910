// Package matching pairs resting buy and sell orders of one instrument.
//
// A run re-reads every pending and partial order from the repository, sorts
// bids by price descending and asks by price ascending (equal prices by order
// id ascending), and crosses them while the best bid is at or above the ask.
// Each fill trades at the sell order's price and is persisted as two
// independent order updates. A failed write aborts the rest of the run;
// fills already written stay applied.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/repository"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// FillListener is called synchronously after both sides of a fill were
// persisted. It must not block.
type FillListener func(ctx context.Context, fill domain.Fill)

// Engine is the matching engine. It holds no order state between runs.
type Engine struct {
	repo   repository.OrderRepository
	logger *slog.Logger

	// serialize runs per instrument; without it two concurrent runs over the
	// same instrument can both consume one order's remaining quantity.
	serialize bool
	locks     *keyedMutex

	mu        sync.RWMutex
	listeners []FillListener

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSerialization turns the per-instrument run lock on or off.
func WithSerialization(on bool) Option {
	return func(e *Engine) { e.serialize = on }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a matching engine over repo. Runs are serialized per
// instrument unless WithSerialization(false) is given.
func NewEngine(repo repository.OrderRepository, opts ...Option) *Engine {
	e := &Engine{
		repo:      repo,
		logger:    telemetry.Discard(),
		serialize: true,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "matching")
	return e
}

// OnFill registers a fill listener.
func (e *Engine) OnFill(l FillListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Run executes one matching pass for instrumentCode and returns the number of
// fills applied. Re-running against an unchanged, uncrossed book applies none.
func (e *Engine) Run(ctx context.Context, instrumentCode string) (int, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "matching.Run")
	span.SetAttributes(attribute.String("instrument", instrumentCode))
	defer span.End()

	if e.serialize {
		unlock := e.locks.Lock(instrumentCode)
		defer unlock()
	}

	fills, err := e.run(ctx, instrumentCode)
	span.SetAttributes(attribute.Int("fills", fills))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "matching aborted")
		e.logger.ErrorContext(ctx, "matching aborted",
			"instrument", instrumentCode, "fills_applied", fills, "error", err)
		return fills, err
	}
	if fills > 0 {
		e.logger.InfoContext(ctx, "matching finished", "instrument", instrumentCode, "fills", fills)
	}
	return fills, nil
}

func (e *Engine) run(ctx context.Context, instrumentCode string) (int, error) {
	buys, err := e.repo.SelectPendingOrders(ctx, instrumentCode, domain.SideBuy)
	if err != nil {
		return 0, domain.TransientIO("load buy orders", err)
	}
	sells, err := e.repo.SelectPendingOrders(ctx, instrumentCode, domain.SideSell)
	if err != nil {
		return 0, domain.TransientIO("load sell orders", err)
	}
	if len(buys) == 0 || len(sells) == 0 {
		return 0, nil
	}

	SortBids(buys)
	SortAsks(sells)

	fills := 0
	for _, buy := range buys {
		for _, sell := range sells {
			if buy.RemainingQuantity == 0 {
				break
			}
			if sell.RemainingQuantity == 0 {
				continue
			}
			// Asks are ascending: nothing further can cross this bid.
			if buy.Price.LessThan(sell.Price) {
				break
			}
			if err := ctx.Err(); err != nil {
				return fills, err
			}

			fill, err := e.apply(ctx, buy, sell)
			if err != nil {
				return fills, err
			}
			fills++
			telemetry.FillsTotal.WithLabelValues(instrumentCode).Inc()
			e.notify(ctx, fill)
		}
	}
	return fills, nil
}

// apply fills min(buy.remaining, sell.remaining) at the sell price and
// persists the buy side, then the sell side.
func (e *Engine) apply(ctx context.Context, buy, sell *domain.Order) (domain.Fill, error) {
	qty := min(buy.RemainingQuantity, sell.RemainingQuantity)
	price := sell.Price
	amount := domain.Amount(price, qty)
	at := e.now()

	for _, o := range []*domain.Order{buy, sell} {
		o.FilledQuantity += qty
		o.RemainingQuantity -= qty
		o.FilledAmount = o.FilledAmount.Add(amount)
		if o.RemainingQuantity == 0 {
			o.Status = domain.OrderStatusFilled
		} else {
			o.Status = domain.OrderStatusPartial
		}
		o.UpdatedAt = at

		rows, err := e.repo.UpdateOrderStatus(ctx, domain.FillUpdate{
			OrderID:           o.OrderID,
			Status:            o.Status,
			FilledQuantity:    o.FilledQuantity,
			RemainingQuantity: o.RemainingQuantity,
			FilledAmount:      o.FilledAmount,
			At:                at,
		})
		if err != nil {
			return domain.Fill{}, domain.TransientIO(fmt.Sprintf("persist fill for order %d", o.OrderID), err)
		}
		if rows == 0 {
			return domain.Fill{}, domain.Wrap(domain.ErrConcurrentUpdate,
				fmt.Errorf("order %d is no longer open", o.OrderID))
		}
	}

	e.logger.DebugContext(ctx, "fill applied",
		"instrument", buy.InstrumentCode,
		"buy_order_id", buy.OrderID,
		"sell_order_id", sell.OrderID,
		"price", price.StringFixed(domain.PriceScale),
		"quantity", qty,
	)

	return domain.Fill{
		FillID:         uuid.NewString(),
		InstrumentCode: buy.InstrumentCode,
		BuyOrderID:     buy.OrderID,
		SellOrderID:    sell.OrderID,
		Price:          price,
		Quantity:       qty,
		Amount:         amount,
		Timestamp:      at,
	}, nil
}

func (e *Engine) notify(ctx context.Context, fill domain.Fill) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, fill)
	}
}

// SortBids orders buy orders best price first: price descending, then order
// id ascending.
func SortBids(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if c := orders[i].Price.Cmp(orders[j].Price); c != 0 {
			return c > 0
		}
		return orders[i].OrderID < orders[j].OrderID
	})
}

// SortAsks orders sell orders best price first: price ascending, then order
// id ascending.
func SortAsks(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if c := orders[i].Price.Cmp(orders[j].Price); c != 0 {
			return c < 0
		}
		return orders[i].OrderID < orders[j].OrderID
	})
}

// keyedMutex hands out one mutex per instrument code.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
