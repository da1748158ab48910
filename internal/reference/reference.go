// Package reference answers instrument reference-data questions for order
// validation: existence, tradability and price validity.
package reference

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/repository"
)

// Service wraps an InstrumentRepository.
type Service struct {
	repo repository.InstrumentRepository
}

// NewService creates a reference-data service.
func NewService(repo repository.InstrumentRepository) *Service {
	return &Service{repo: repo}
}

// GetByCode returns the instrument or nil when the code is unknown.
func (s *Service) GetByCode(ctx context.Context, code string) (*domain.Instrument, error) {
	inst, err := s.repo.GetInstrument(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", code, err)
	}
	return inst, nil
}

// IsTradable reports whether the instrument exists and is in trading status.
func (s *Service) IsTradable(ctx context.Context, code string) (bool, error) {
	inst, err := s.GetByCode(ctx, code)
	if err != nil || inst == nil {
		return false, err
	}
	return inst.Tradable(), nil
}

// IsPriceValid reports whether price lies inside the limit band and is a
// whole number of ticks. Unknown instruments are never valid.
func (s *Service) IsPriceValid(ctx context.Context, code string, price decimal.Decimal) (bool, error) {
	inst, err := s.GetByCode(ctx, code)
	if err != nil || inst == nil {
		return false, err
	}
	return PriceValid(inst, price), nil
}

// PriceValid checks price against an already loaded instrument.
func PriceValid(inst *domain.Instrument, price decimal.Decimal) bool {
	if !price.IsPositive() {
		return false
	}
	if price.LessThan(inst.LowerLimit) || price.GreaterThan(inst.UpperLimit) {
		return false
	}
	if inst.TickSize.IsPositive() && !price.Mod(inst.TickSize).IsZero() {
		return false
	}
	return true
}

// ListTradable returns one page of tradable instruments.
func (s *Service) ListTradable(ctx context.Context, page, size int) (domain.Page[*domain.Instrument], error) {
	page, size = repository.NormalizePage(page, size)
	items, total, err := s.repo.ListTradable(ctx, page, size)
	if err != nil {
		return domain.Page[*domain.Instrument]{}, fmt.Errorf("list tradable instruments: %w", err)
	}
	return domain.Page[*domain.Instrument]{Items: items, Total: total, Page: page, Size: size}, nil
}
