package matching

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/repository"
)

const code = "600000"

func newOrder(id int64, side domain.Side, price string, qty int64) *domain.Order {
	return &domain.Order{
		OrderID:           id,
		UserID:            1,
		InstrumentCode:    code,
		Side:              side,
		Price:             decimal.RequireFromString(price),
		Quantity:          qty,
		RemainingQuantity: qty,
		Status:            domain.OrderStatusPending,
		FilledAmount:      decimal.Zero,
	}
}

func seed(t *testing.T, repo repository.OrderRepository, orders ...*domain.Order) {
	t.Helper()
	for _, o := range orders {
		_, err := repo.InsertOrder(context.Background(), o)
		require.NoError(t, err)
	}
}

func get(t *testing.T, repo repository.OrderRepository, id int64) *domain.Order {
	t.Helper()
	o, err := repo.SelectByOrderID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestRun_WalksAsksCheapestFirst(t *testing.T) {
	repo := repository.NewMemoryStore()
	seed(t, repo,
		newOrder(1, domain.SideSell, "10.00", 100),
		newOrder(2, domain.SideSell, "9.50", 50),
		newOrder(3, domain.SideBuy, "10.00", 120),
	)

	engine := NewEngine(repo)
	var fills []domain.Fill
	engine.OnFill(func(_ context.Context, f domain.Fill) { fills = append(fills, f) })

	n, err := engine.Run(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	buy := get(t, repo, 3)
	assert.Equal(t, domain.OrderStatusFilled, buy.Status)
	assert.Equal(t, int64(120), buy.FilledQuantity)
	assert.Zero(t, buy.RemainingQuantity)
	assert.Equal(t, "1175.00", buy.FilledAmount.StringFixed(2))

	cheap := get(t, repo, 2)
	assert.Equal(t, domain.OrderStatusFilled, cheap.Status)
	assert.Equal(t, int64(50), cheap.FilledQuantity)
	assert.Equal(t, "475.00", cheap.FilledAmount.StringFixed(2))

	rest := get(t, repo, 1)
	assert.Equal(t, domain.OrderStatusPartial, rest.Status)
	assert.Equal(t, int64(70), rest.FilledQuantity)
	assert.Equal(t, int64(30), rest.RemainingQuantity)

	require.Len(t, fills, 2)
	assert.Equal(t, int64(2), fills[0].SellOrderID)
	assert.Equal(t, "9.50", fills[0].Price.StringFixed(2))
	assert.Equal(t, int64(1), fills[1].SellOrderID)
	assert.Equal(t, int64(70), fills[1].Quantity)
	assert.NotEqual(t, fills[0].FillID, fills[1].FillID)
}

func TestRun_FillsMinimumAtSellPrice(t *testing.T) {
	tests := []struct {
		name             string
		buyQty, sellQty  int64
		wantBuy, wantSel domain.OrderStatus
	}{
		{"buy larger", 300, 100, domain.OrderStatusPartial, domain.OrderStatusFilled},
		{"sell larger", 100, 300, domain.OrderStatusFilled, domain.OrderStatusPartial},
		{"equal", 200, 200, domain.OrderStatusFilled, domain.OrderStatusFilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewMemoryStore()
			seed(t, repo,
				newOrder(1, domain.SideBuy, "10.20", tt.buyQty),
				newOrder(2, domain.SideSell, "10.00", tt.sellQty),
			)

			_, err := NewEngine(repo).Run(context.Background(), code)
			require.NoError(t, err)

			want := min(tt.buyQty, tt.sellQty)
			buy, sell := get(t, repo, 1), get(t, repo, 2)
			assert.Equal(t, want, buy.FilledQuantity)
			assert.Equal(t, want, sell.FilledQuantity)
			assert.Equal(t, tt.wantBuy, buy.Status)
			assert.Equal(t, tt.wantSel, sell.Status)
			assert.True(t, buy.Balanced())
			assert.True(t, sell.Balanced())

			// Trades at the resting sell price, not the bid.
			wantAmount := decimal.RequireFromString("10.00").Mul(decimal.NewFromInt(want))
			assert.True(t, wantAmount.Equal(buy.FilledAmount))
			assert.True(t, wantAmount.Equal(sell.FilledAmount))
		})
	}
}

func TestRun_NoCross(t *testing.T) {
	repo := repository.NewMemoryStore()
	seed(t, repo,
		newOrder(1, domain.SideBuy, "9.90", 100),
		newOrder(2, domain.SideSell, "10.00", 100),
	)

	n, err := NewEngine(repo).Run(context.Background(), code)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.OrderStatusPending, get(t, repo, 1).Status)
	assert.Equal(t, domain.OrderStatusPending, get(t, repo, 2).Status)
}

func TestRun_Idempotent(t *testing.T) {
	repo := repository.NewMemoryStore()
	seed(t, repo,
		newOrder(1, domain.SideBuy, "10.00", 100),
		newOrder(2, domain.SideSell, "10.00", 300),
		newOrder(3, domain.SideBuy, "9.00", 100),
	)
	engine := NewEngine(repo)

	n, err := engine.Run(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = engine.Run(context.Background(), code)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(100), get(t, repo, 2).FilledQuantity)
}

func TestRun_EqualPricesUseTimePriority(t *testing.T) {
	repo := repository.NewMemoryStore()
	seed(t, repo,
		newOrder(5, domain.SideSell, "10.00", 100),
		newOrder(2, domain.SideSell, "10.00", 100),
		newOrder(9, domain.SideBuy, "10.00", 100),
	)

	_, err := NewEngine(repo).Run(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, get(t, repo, 2).Status)
	assert.Equal(t, domain.OrderStatusPending, get(t, repo, 5).Status)
}

func TestRun_SkipsTerminalOrders(t *testing.T) {
	repo := repository.NewMemoryStore()
	seed(t, repo,
		newOrder(1, domain.SideBuy, "10.00", 100),
		newOrder(2, domain.SideSell, "10.00", 100),
	)
	_, err := repo.CancelOrder(context.Background(), 2)
	require.NoError(t, err)

	n, err := NewEngine(repo).Run(context.Background(), code)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.OrderStatusCancelled, get(t, repo, 2).Status)
}

// failingRepo fails UpdateOrderStatus from the failAt-th call on.
type failingRepo struct {
	repository.OrderRepository
	calls  atomic.Int32
	failAt int32
}

func (r *failingRepo) UpdateOrderStatus(ctx context.Context, u domain.FillUpdate) (int64, error) {
	if r.calls.Add(1) >= r.failAt {
		return 0, errors.New("disk I/O error")
	}
	return r.OrderRepository.UpdateOrderStatus(ctx, u)
}

func TestRun_WriteFailureAbortsRun(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store,
		newOrder(1, domain.SideSell, "9.50", 50),
		newOrder(2, domain.SideSell, "10.00", 100),
		newOrder(3, domain.SideBuy, "10.00", 120),
	)
	repo := &failingRepo{OrderRepository: store, failAt: 3}

	n, err := NewEngine(repo).Run(context.Background(), code)
	require.Error(t, err)
	assert.Equal(t, domain.KindTransientIO, domain.KindOf(err))
	assert.Equal(t, 1, n)

	// First fill stays applied.
	assert.Equal(t, domain.OrderStatusFilled, get(t, store, 1).Status)
	assert.Equal(t, int64(50), get(t, store, 3).FilledQuantity)
	assert.Equal(t, domain.OrderStatusPending, get(t, store, 2).Status)
}

func TestRun_ConcurrentRunsKeepBooksBalanced(t *testing.T) {
	repo := repository.NewMemoryStore()
	var id int64
	for i := 0; i < 20; i++ {
		id++
		seed(t, repo, newOrder(id, domain.SideSell, "10.00", int64(100*(i%3+1))))
		id++
		seed(t, repo, newOrder(id, domain.SideBuy, "10.00", int64(100*(i%4+1))))
	}

	engine := NewEngine(repo)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Run(context.Background(), code)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var bought, sold int64
	for i := int64(1); i <= id; i++ {
		o := get(t, repo, i)
		require.True(t, o.Balanced(), "order %d unbalanced", i)
		require.GreaterOrEqual(t, o.RemainingQuantity, int64(0))
		if o.Side == domain.SideBuy {
			bought += o.FilledQuantity
		} else {
			sold += o.FilledQuantity
		}
	}
	assert.Equal(t, bought, sold)
}

// barrierRepo holds every sell-side read until two runs have loaded the book,
// so both work from the same snapshot.
type barrierRepo struct {
	repository.OrderRepository
	arrived sync.WaitGroup
}

func (r *barrierRepo) SelectPendingOrders(ctx context.Context, c string, side domain.Side) ([]*domain.Order, error) {
	orders, err := r.OrderRepository.SelectPendingOrders(ctx, c, side)
	if side == domain.SideSell {
		r.arrived.Done()
		r.arrived.Wait()
	}
	return orders, err
}

func TestRun_UnserializedRaceIsDetected(t *testing.T) {
	store := repository.NewMemoryStore()
	seed(t, store,
		newOrder(1, domain.SideBuy, "10.00", 100),
		newOrder(2, domain.SideSell, "10.00", 100),
	)
	repo := &barrierRepo{OrderRepository: store}
	repo.arrived.Add(2)

	engine := NewEngine(repo, WithSerialization(false))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := engine.Run(context.Background(), code)
			errs <- err
		}()
	}

	var conflicts int
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				conflicts++
			} else {
				assert.NoError(t, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("runs did not finish")
		}
	}
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, int64(100), get(t, store, 1).FilledQuantity)
	assert.Equal(t, int64(100), get(t, store, 2).FilledQuantity)
}

func TestRun_CancelledContext(t *testing.T) {
	repo := repository.NewMemoryStore()
	seed(t, repo,
		newOrder(1, domain.SideBuy, "10.00", 100),
		newOrder(2, domain.SideSell, "10.00", 100),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(repo).Run(ctx, code)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.OrderStatusPending, get(t, repo, 1).Status)
}
