package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nathanyu/trade-service/internal/domain"
)

// Store is the gorm-backed implementation of OrderRepository and
// InstrumentRepository on SQLite.
type Store struct {
	db *gorm.DB
}

// Open connects to (and migrates) the SQLite database at path.
// Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; a single connection serializes statements
	// and keeps ":memory:" pointing at one database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.Order{}, &domain.Instrument{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Order Operations
// ======================================================================================

// InsertOrder persists a new order.
func (s *Store) InsertOrder(ctx context.Context, order *domain.Order) (int64, error) {
	res := s.db.WithContext(ctx).Create(order)
	if res.Error != nil {
		return 0, fmt.Errorf("insert order %d: %w", order.OrderID, res.Error)
	}
	return res.RowsAffected, nil
}

// SelectByOrderID returns domain.ErrOrderNotFound for an unknown id.
func (s *Store) SelectByOrderID(ctx context.Context, orderID int64) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order %d: %w", orderID, err)
	}
	return normalizeOrder(&order), nil
}

// SelectByOrderIDAndUserID only finds orders owned by userID.
func (s *Store) SelectByOrderIDAndUserID(ctx context.Context, orderID, userID int64) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "id = ? AND user_id = ?", orderID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order %d for user %d: %w", orderID, userID, err)
	}
	return normalizeOrder(&order), nil
}

// SelectPendingOrders returns the open orders of one side, oldest id first.
func (s *Store) SelectPendingOrders(ctx context.Context, instrumentCode string, side domain.Side) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := s.db.WithContext(ctx).
		Where("instrument_code = ? AND side = ? AND status IN ?", instrumentCode, side, openStatuses).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("select pending %s orders for %s: %w", side, instrumentCode, err)
	}
	for _, o := range orders {
		normalizeOrder(o)
	}
	return orders, nil
}

// UpdateOrderStatus writes a fill result. Rows that are no longer open are
// left alone, so zero rows means another run got there first.
func (s *Store) UpdateOrderStatus(ctx context.Context, u domain.FillUpdate) (int64, error) {
	// Both open statuses allow the same targets.
	if !domain.CanTransition(domain.OrderStatusPending, u.Status) {
		return 0, nil
	}

	fields := map[string]any{
		"status":             u.Status,
		"filled_quantity":    u.FilledQuantity,
		"remaining_quantity": u.RemainingQuantity,
		"filled_amount":      u.FilledAmount.Round(domain.PriceScale),
		"updated_at":         u.At,
	}
	if u.Status == domain.OrderStatusFilled {
		fields["completed_at"] = u.At
	}

	res := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status IN ?", u.OrderID, openStatuses).
		Updates(fields)
	if res.Error != nil {
		return 0, fmt.Errorf("update order %d: %w", u.OrderID, res.Error)
	}
	return res.RowsAffected, nil
}

// CancelOrder moves an open order to cancelled.
func (s *Store) CancelOrder(ctx context.Context, orderID int64) (int64, error) {
	now := s.db.NowFunc()
	res := s.db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status IN ?", orderID, openStatuses).
		Updates(map[string]any{
			"status":       domain.OrderStatusCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("cancel order %d: %w", orderID, res.Error)
	}
	return res.RowsAffected, nil
}

// SelectByUserID pages a user's orders, newest first, with the total count.
func (s *Store) SelectByUserID(ctx context.Context, userID int64, page, size int) ([]*domain.Order, int64, error) {
	page, size = NormalizePage(page, size)

	var total int64
	q := s.db.WithContext(ctx).Model(&domain.Order{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count orders for user %d: %w", userID, err)
	}

	var orders []*domain.Order
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&orders).Error
	if err != nil {
		return nil, 0, fmt.Errorf("select orders for user %d: %w", userID, err)
	}
	for _, o := range orders {
		normalizeOrder(o)
	}
	return orders, total, nil
}

// ======================================================================================
// Instrument Operations
// ======================================================================================

// GetInstrument returns nil, nil for an unknown code.
func (s *Store) GetInstrument(ctx context.Context, code string) (*domain.Instrument, error) {
	var inst domain.Instrument
	err := s.db.WithContext(ctx).First(&inst, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("select instrument %s: %w", code, err)
	}
	return &inst, nil
}

func (s *Store) ListTradable(ctx context.Context, page, size int) ([]*domain.Instrument, int64, error) {
	page, size = NormalizePage(page, size)

	var total int64
	err := s.db.WithContext(ctx).Model(&domain.Instrument{}).
		Where("status = ?", domain.InstrumentTrading).
		Count(&total).Error
	if err != nil {
		return nil, 0, fmt.Errorf("count tradable instruments: %w", err)
	}

	var list []*domain.Instrument
	err = s.db.WithContext(ctx).
		Where("status = ?", domain.InstrumentTrading).
		Order("code ASC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&list).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list tradable instruments: %w", err)
	}
	return list, total, nil
}

// UpsertInstrument inserts or replaces by code.
func (s *Store) UpsertInstrument(ctx context.Context, instrument *domain.Instrument) error {
	return s.db.WithContext(ctx).Save(instrument).Error
}

// normalizeOrder restores the fixed price scale lost by SQLite's numeric affinity.
func normalizeOrder(o *domain.Order) *domain.Order {
	o.Price = o.Price.Round(domain.PriceScale)
	o.FilledAmount = o.FilledAmount.Round(domain.PriceScale)
	o.Commission = o.Commission.Round(domain.PriceScale)
	return o
}
