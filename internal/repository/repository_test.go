package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/trade-service/internal/domain"
)

type store interface {
	OrderRepository
	InstrumentRepository
}

// forEachStore runs fn against the SQLite store and the in-memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, s store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(filepath.Join(t.TempDir(), "trade.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func newOrder(id, userID int64, side domain.Side, price string, qty int64) *domain.Order {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Order{
		OrderID:           id,
		UserID:            userID,
		InstrumentCode:    "600000",
		InstrumentName:    "SPDB",
		Side:              side,
		Price:             decimal.RequireFromString(price),
		Quantity:          qty,
		RemainingQuantity: qty,
		Status:            domain.OrderStatusPending,
		FilledAmount:      decimal.Zero,
		Commission:        decimal.NewFromInt(5),
		Source:            domain.SourceAPI,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestInsertAndSelect(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()

		rows, err := s.InsertOrder(ctx, newOrder(1, 42, domain.SideBuy, "10.50", 200))
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		got, err := s.SelectByOrderID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.UserID)
		assert.Equal(t, "10.50", got.Price.StringFixed(2))
		assert.Equal(t, domain.OrderStatusPending, got.Status)
		assert.True(t, got.Balanced())

		_, err = s.SelectByOrderIDAndUserID(ctx, 1, 42)
		require.NoError(t, err)

		_, err = s.SelectByOrderIDAndUserID(ctx, 1, 43)
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)

		_, err = s.SelectByOrderID(ctx, 99)
		assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	})
}

func TestSelectPendingOrders(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()

		for _, o := range []*domain.Order{
			newOrder(3, 1, domain.SideSell, "10.00", 100),
			newOrder(1, 1, domain.SideSell, "9.50", 100),
			newOrder(2, 1, domain.SideBuy, "10.00", 100),
			newOrder(4, 1, domain.SideSell, "9.80", 100),
		} {
			_, err := s.InsertOrder(ctx, o)
			require.NoError(t, err)
		}
		_, err := s.CancelOrder(ctx, 4)
		require.NoError(t, err)

		sells, err := s.SelectPendingOrders(ctx, "600000", domain.SideSell)
		require.NoError(t, err)
		require.Len(t, sells, 2)
		assert.Equal(t, int64(1), sells[0].OrderID)
		assert.Equal(t, int64(3), sells[1].OrderID)

		none, err := s.SelectPendingOrders(ctx, "000001", domain.SideSell)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestUpdateOrderStatus_OnlyTouchesOpenOrders(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		_, err := s.InsertOrder(ctx, newOrder(1, 1, domain.SideBuy, "10.00", 100))
		require.NoError(t, err)

		at := time.Now()
		rows, err := s.UpdateOrderStatus(ctx, domain.FillUpdate{
			OrderID:           1,
			Status:            domain.OrderStatusPartial,
			FilledQuantity:    40,
			RemainingQuantity: 60,
			FilledAmount:      decimal.RequireFromString("380.004"),
			At:                at,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		got, err := s.SelectByOrderID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPartial, got.Status)
		assert.Equal(t, "380.00", got.FilledAmount.StringFixed(2))
		assert.Nil(t, got.CompletedAt)

		rows, err = s.UpdateOrderStatus(ctx, domain.FillUpdate{
			OrderID:           1,
			Status:            domain.OrderStatusFilled,
			FilledQuantity:    100,
			RemainingQuantity: 0,
			FilledAmount:      decimal.RequireFromString("950.00"),
			At:                at,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		got, err = s.SelectByOrderID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusFilled, got.Status)
		assert.NotNil(t, got.CompletedAt)

		// Terminal rows are never rewritten.
		rows, err = s.UpdateOrderStatus(ctx, domain.FillUpdate{
			OrderID:           1,
			Status:            domain.OrderStatusPartial,
			FilledQuantity:    10,
			RemainingQuantity: 90,
			At:                at,
		})
		require.NoError(t, err)
		assert.Zero(t, rows)

		rows, err = s.CancelOrder(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, rows)
	})
}

func TestUpdateOrderStatus_RejectsBackwardMove(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		_, err := s.InsertOrder(ctx, newOrder(1, 1, domain.SideBuy, "10.00", 100))
		require.NoError(t, err)

		rows, err := s.UpdateOrderStatus(ctx, domain.FillUpdate{
			OrderID:           1,
			Status:            domain.OrderStatusPending,
			FilledQuantity:    40,
			RemainingQuantity: 60,
			At:                time.Now(),
		})
		require.NoError(t, err)
		assert.Zero(t, rows)

		got, err := s.SelectByOrderID(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, got.FilledQuantity)
		assert.Equal(t, int64(100), got.RemainingQuantity)
	})
}

func TestCancelOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		_, err := s.InsertOrder(ctx, newOrder(1, 1, domain.SideSell, "10.00", 100))
		require.NoError(t, err)

		rows, err := s.CancelOrder(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		got, err := s.SelectByOrderID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, got.Status)
		assert.NotNil(t, got.CancelledAt)

		rows, err = s.CancelOrder(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, rows)
	})
}

func TestSelectByUserID_Pages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		for id := int64(1); id <= 5; id++ {
			_, err := s.InsertOrder(ctx, newOrder(id, 7, domain.SideBuy, "10.00", 100))
			require.NoError(t, err)
		}
		_, err := s.InsertOrder(ctx, newOrder(6, 8, domain.SideBuy, "10.00", 100))
		require.NoError(t, err)

		first, total, err := s.SelectByUserID(ctx, 7, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		require.Len(t, first, 2)
		assert.Equal(t, int64(5), first[0].OrderID)
		assert.Equal(t, int64(4), first[1].OrderID)

		last, _, err := s.SelectByUserID(ctx, 7, 3, 2)
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, int64(1), last[0].OrderID)

		beyond, total, err := s.SelectByUserID(ctx, 7, 9, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Empty(t, beyond)
	})
}

func TestInstruments(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()

		added, err := SeedInstruments(ctx, s, DefaultInstruments())
		require.NoError(t, err)
		assert.Equal(t, len(DefaultInstruments()), added)

		added, err = SeedInstruments(ctx, s, DefaultInstruments())
		require.NoError(t, err)
		assert.Zero(t, added)

		inst, err := s.GetInstrument(ctx, "600000")
		require.NoError(t, err)
		require.NotNil(t, inst)
		assert.True(t, inst.Tradable())
		assert.Equal(t, int64(100), inst.TradingUnit)

		missing, err := s.GetInstrument(ctx, "999999")
		require.NoError(t, err)
		assert.Nil(t, missing)

		inst.Status = domain.InstrumentSuspended
		require.NoError(t, s.UpsertInstrument(ctx, inst))

		list, total, err := s.ListTradable(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(len(DefaultInstruments())-1), total)
		for i, it := range list {
			assert.NotEqual(t, "600000", it.Code)
			if i > 0 {
				assert.Less(t, list[i-1].Code, it.Code)
			}
		}
	})
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, 10},
		{-3, 5, 1, 5},
		{2, 500, 2, 100},
		{4, 20, 4, 20},
	}
	for _, tt := range tests {
		p, s := NormalizePage(tt.page, tt.size)
		assert.Equal(t, tt.wantPage, p)
		assert.Equal(t, tt.wantSize, s)
	}
}
