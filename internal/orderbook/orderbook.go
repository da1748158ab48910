// Package orderbook aggregates resting orders into L2 price levels.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/trade-service/internal/domain"
)

// bookLevel is one price on one side of the book.
type bookLevel struct {
	Price       decimal.Decimal
	TotalVolume int64
	Orders      int
}

// Book is one side (buy or sell) of an instrument's resting orders.
type Book struct {
	Side     domain.Side
	LimitMap map[string]*bookLevel // fixed-scale price -> level
}

// NewBook creates an empty book side.
func NewBook(side domain.Side) *Book {
	return &Book{
		Side:     side,
		LimitMap: make(map[string]*bookLevel),
	}
}

// Add counts an order's remaining quantity at its price. Orders of the other
// side, terminal orders and orders with nothing left are ignored.
func (b *Book) Add(order *domain.Order) {
	if order.Side != b.Side || !order.Status.IsOpen() || order.RemainingQuantity <= 0 {
		return
	}
	key := order.Price.StringFixed(domain.PriceScale)
	level, exists := b.LimitMap[key]
	if !exists {
		level = &bookLevel{Price: order.Price.Round(domain.PriceScale)}
		b.LimitMap[key] = level
	}
	level.TotalVolume += order.RemainingQuantity
	level.Orders++
}

// HasOrders returns whether this side has any resting volume.
func (b *Book) HasOrders() bool {
	return len(b.LimitMap) > 0
}

// BestPrice returns the highest bid or lowest ask.
func (b *Book) BestPrice() (decimal.Decimal, bool) {
	levels := b.Levels(1)
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].Price, true
}

// Levels returns up to depth levels, best price first. depth <= 0 returns
// every level.
func (b *Book) Levels(depth int) []domain.PriceLevel {
	levels := make([]*bookLevel, 0, len(b.LimitMap))
	for _, l := range b.LimitMap {
		levels = append(levels, l)
	}

	// Bids: descending (highest first). Asks: ascending (lowest first).
	if b.Side == domain.SideBuy {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
	}

	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}

	result := make([]domain.PriceLevel, len(levels))
	for i, l := range levels {
		result[i] = domain.PriceLevel{
			Price:    l.Price,
			Quantity: l.TotalVolume,
			Orders:   l.Orders,
		}
	}
	return result
}

// Snapshot builds an L2 view of instrumentCode from its open orders.
func Snapshot(instrumentCode string, orders []*domain.Order, depth int) *domain.L2OrderBook {
	bids, asks := NewBook(domain.SideBuy), NewBook(domain.SideSell)
	for _, o := range orders {
		if o.InstrumentCode != instrumentCode {
			continue
		}
		bids.Add(o)
		asks.Add(o)
	}
	book := &domain.L2OrderBook{
		InstrumentCode: instrumentCode,
		Bids:           bids.Levels(depth),
		Asks:           asks.Levels(depth),
	}
	if p, ok := bids.BestPrice(); ok {
		book.BestBid = &p
	}
	if p, ok := asks.BestPrice(); ok {
		book.BestAsk = &p
	}
	book.Crossed = Crossed(book)
	return book
}

// Crossed reports whether the best bid is at or above the best ask, i.e.
// a matching run would produce at least one fill.
func Crossed(book *domain.L2OrderBook) bool {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return false
	}
	return book.Bids[0].Price.GreaterThanOrEqual(book.Asks[0].Price)
}
