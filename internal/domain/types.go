package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the order side (buy or sell).
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsOpen reports whether the order can still be matched or cancelled.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending || s == OrderStatusPartial
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// CanTransition reports whether from -> to is a legal forward move.
//
//	pending -> partial | filled | cancelled
//	partial -> partial | filled | cancelled
func CanTransition(from, to OrderStatus) bool {
	if !from.IsOpen() {
		return false
	}
	switch to {
	case OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// OrderSource identifies the client channel that submitted an order.
type OrderSource string

const (
	SourcePC     OrderSource = "pc"
	SourceMobile OrderSource = "mobile"
	SourceAPI    OrderSource = "api"
)

// Order is a persisted limit order.
// Prices and amounts are fixed-point decimals at PriceScale.
type Order struct {
	OrderID           int64           `json:"order_id" gorm:"column:id;primaryKey;autoIncrement:false"`
	UserID            int64           `json:"user_id" gorm:"index"`
	InstrumentCode    string          `json:"instrument_code" gorm:"size:20;index:idx_orders_book,priority:1"`
	InstrumentName    string          `json:"instrument_name" gorm:"size:64"`
	Side              Side            `json:"side" gorm:"size:4;index:idx_orders_book,priority:2"`
	Price             decimal.Decimal `json:"price" gorm:"type:decimal(20,2)"`
	Quantity          int64           `json:"quantity"`
	FilledQuantity    int64           `json:"filled_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	Status            OrderStatus     `json:"status" gorm:"size:16;index:idx_orders_book,priority:3"`
	FilledAmount      decimal.Decimal `json:"filled_amount" gorm:"type:decimal(20,2)"`
	Commission        decimal.Decimal `json:"commission" gorm:"type:decimal(20,2)"`
	Source            OrderSource     `json:"source" gorm:"size:8"`
	Remark            string          `json:"remark,omitempty" gorm:"size:200"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Balanced reports whether filled + remaining == original.
func (o *Order) Balanced() bool {
	return o.FilledQuantity+o.RemainingQuantity == o.Quantity
}

// Clone returns a copy that shares no pointers with o.
func (o *Order) Clone() *Order {
	c := *o
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// FillUpdate is the atomic per-order write produced by a fill.
type FillUpdate struct {
	OrderID           int64
	Status            OrderStatus
	FilledQuantity    int64
	RemainingQuantity int64
	FilledAmount      decimal.Decimal
	At                time.Time
}

// InstrumentStatus is the trading state of an instrument.
type InstrumentStatus string

const (
	InstrumentTrading   InstrumentStatus = "trading"
	InstrumentSuspended InstrumentStatus = "suspended"
	InstrumentDelisted  InstrumentStatus = "delisted"
)

// Instrument is read-mostly reference data for a tradable product.
type Instrument struct {
	Code         string           `json:"code" gorm:"primaryKey;size:20"`
	Name         string           `json:"name" gorm:"size:64"`
	CurrentPrice decimal.Decimal  `json:"current_price" gorm:"type:decimal(20,2)"`
	UpperLimit   decimal.Decimal  `json:"upper_limit" gorm:"type:decimal(20,2)"`
	LowerLimit   decimal.Decimal  `json:"lower_limit" gorm:"type:decimal(20,2)"`
	TickSize     decimal.Decimal  `json:"tick_size" gorm:"type:decimal(20,4)"`
	TradingUnit  int64            `json:"trading_unit"`
	Status       InstrumentStatus `json:"status" gorm:"size:16;index"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Tradable reports whether the instrument currently accepts orders.
func (i *Instrument) Tradable() bool {
	return i.Status == InstrumentTrading
}

// Fill is a matched buy/sell pair. It is not stored; listeners receive it
// right after both order updates were persisted.
type Fill struct {
	FillID         string          `json:"fill_id"`
	InstrumentCode string          `json:"instrument_code"`
	BuyOrderID     int64           `json:"buy_order_id"`
	SellOrderID    int64           `json:"sell_order_id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
}

// MatchJob asks for one matching run over an instrument.
type MatchJob struct {
	InstrumentCode string
	EnqueuedAt     time.Time
}

// Candlestick represents OHLCV data for a time interval.
type Candlestick struct {
	InstrumentCode string          `json:"instrument_code"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Close          decimal.Decimal `json:"close"`
	Volume         int64           `json:"volume"`
	Timestamp      time.Time       `json:"timestamp"`
	Interval       string          `json:"interval"`
}

// L2OrderBook represents an aggregated depth snapshot of pending orders.
type L2OrderBook struct {
	InstrumentCode string           `json:"instrument_code"`
	Bids           []PriceLevel     `json:"bids"`
	Asks           []PriceLevel     `json:"asks"`
	BestBid        *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk        *decimal.Decimal `json:"best_ask,omitempty"`
	// Crossed is set when the book would fill on the next matching run.
	Crossed bool `json:"crossed"`
}

// PriceLevel represents an aggregated price level in the L2 order book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Page is one page of a paged query.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}
