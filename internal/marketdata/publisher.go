// Package marketdata turns fills into candlesticks and a queryable fill log,
// and serves L2 depth built from resting orders.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/orderbook"
	"github.com/nathanyu/trade-service/internal/repository"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

const (
	ringBufferCapacity = 100
	defaultInterval    = time.Minute
	maxFillLog         = 10000
)

// candleState tracks the candlestick being built for an instrument.
type candleState struct {
	current *domain.Candlestick
	hasData bool
}

// RingBuffer is a fixed-size circular buffer of closed candlesticks.
type RingBuffer struct {
	data  [ringBufferCapacity]*domain.Candlestick
	head  int // next write position
	count int
}

// Push adds a candlestick, overwriting the oldest once full.
func (rb *RingBuffer) Push(c *domain.Candlestick) {
	rb.data[rb.head] = c
	rb.head = (rb.head + 1) % ringBufferCapacity
	if rb.count < ringBufferCapacity {
		rb.count++
	}
}

// Len returns how many candlesticks are held.
func (rb *RingBuffer) Len() int {
	return rb.count
}

// GetRecent returns the n most recent candlesticks, oldest first.
func (rb *RingBuffer) GetRecent(n int) []*domain.Candlestick {
	if n <= 0 || rb.count == 0 {
		return nil
	}
	n = min(n, rb.count)

	result := make([]*domain.Candlestick, n)
	start := (rb.head - n + ringBufferCapacity) % ringBufferCapacity
	for i := 0; i < n; i++ {
		result[i] = rb.data[(start+i)%ringBufferCapacity]
	}
	return result
}

// Publisher consumes fills from FillIn. Candles roll over every interval.
type Publisher struct {
	mu sync.RWMutex

	candles map[string]*RingBuffer
	states  map[string]*candleState
	fills   []domain.Fill

	orders   repository.OrderRepository
	interval time.Duration
	logger   *slog.Logger

	FillIn  chan domain.Fill
	dropped int64

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewPublisher creates a publisher whose depth queries read from orders.
func NewPublisher(orders repository.OrderRepository, bufferSize int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Publisher{
		candles:  make(map[string]*RingBuffer),
		states:   make(map[string]*candleState),
		orders:   orders,
		interval: defaultInterval,
		logger:   logger.With("component", "marketdata"),
		FillIn:   make(chan domain.Fill, bufferSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Listener returns a fill callback for the matching engine. It never blocks
// the matching run: when FillIn is full the fill is counted and dropped.
func (p *Publisher) Listener() func(context.Context, domain.Fill) {
	return func(ctx context.Context, fill domain.Fill) {
		select {
		case p.FillIn <- fill:
		default:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			p.logger.WarnContext(ctx, "fill channel full, dropping fill",
				"fill_id", fill.FillID, "instrument", fill.InstrumentCode)
		}
	}
}

// Start runs the publisher loop in its own goroutine.
func (p *Publisher) Start() {
	go p.run()
}

// Stop ends the loop after draining fills already buffered.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	<-p.stopped
}

func (p *Publisher) run() {
	defer close(p.stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("publisher started", "interval", p.interval.String())
	for {
		select {
		case fill := <-p.FillIn:
			p.record(fill)
		case <-ticker.C:
			p.rotateCandlesticks()
		case <-p.done:
			for {
				select {
				case fill := <-p.FillIn:
					p.record(fill)
				default:
					p.logger.Info("publisher stopped")
					return
				}
			}
		}
	}
}

// record appends a fill to the log and folds it into the current candle.
func (p *Publisher) record(fill domain.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fills = append(p.fills, fill)
	if len(p.fills) > maxFillLog {
		p.fills = append(p.fills[:0:0], p.fills[len(p.fills)-maxFillLog:]...)
	}
	p.updateCandle(fill)
}

func (p *Publisher) updateCandle(fill domain.Fill) {
	state, exists := p.states[fill.InstrumentCode]
	if !exists {
		state = &candleState{}
		p.states[fill.InstrumentCode] = state
	}

	if !state.hasData {
		state.current = &domain.Candlestick{
			InstrumentCode: fill.InstrumentCode,
			Open:           fill.Price,
			High:           fill.Price,
			Low:            fill.Price,
			Close:          fill.Price,
			Volume:         fill.Quantity,
			Timestamp:      fill.Timestamp.Truncate(p.interval),
			Interval:       intervalLabel(p.interval),
		}
		state.hasData = true
		return
	}

	c := state.current
	if fill.Price.GreaterThan(c.High) {
		c.High = fill.Price
	}
	if fill.Price.LessThan(c.Low) {
		c.Low = fill.Price
	}
	c.Close = fill.Price
	c.Volume += fill.Quantity
}

// rotateCandlesticks closes every building candle.
func (p *Publisher) rotateCandlesticks() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for code, state := range p.states {
		if !state.hasData {
			continue
		}
		rb, exists := p.candles[code]
		if !exists {
			rb = &RingBuffer{}
			p.candles[code] = rb
		}
		rb.Push(state.current)
		state.hasData = false
		state.current = nil
	}
}

// GetCandles returns up to count closed candles plus the one being built.
func (p *Publisher) GetCandles(code string, count int) []*domain.Candlestick {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []*domain.Candlestick
	if rb, exists := p.candles[code]; exists {
		result = rb.GetRecent(count)
	}
	if state, exists := p.states[code]; exists && state.hasData {
		c := *state.current
		result = append(result, &c)
	}
	return result
}

// GetFills filters the fill log. Zero values disable a filter.
func (p *Publisher) GetFills(code string, orderID int64, since time.Time) []domain.Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]domain.Fill, 0)
	for _, f := range p.fills {
		if code != "" && f.InstrumentCode != code {
			continue
		}
		if orderID != 0 && f.BuyOrderID != orderID && f.SellOrderID != orderID {
			continue
		}
		if !since.IsZero() && f.Timestamp.Before(since) {
			continue
		}
		result = append(result, f)
	}
	return result
}

// Dropped returns how many fills the listener discarded.
func (p *Publisher) Dropped() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dropped
}

// Depth returns up to depth price levels per side for code.
func (p *Publisher) Depth(ctx context.Context, code string, depth int) (*domain.L2OrderBook, error) {
	buys, err := p.orders.SelectPendingOrders(ctx, code, domain.SideBuy)
	if err != nil {
		return nil, fmt.Errorf("load bids for %s: %w", code, err)
	}
	sells, err := p.orders.SelectPendingOrders(ctx, code, domain.SideSell)
	if err != nil {
		return nil, fmt.Errorf("load asks for %s: %w", code, err)
	}
	return orderbook.Snapshot(code, append(buys, sells...), depth), nil
}

func intervalLabel(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}
