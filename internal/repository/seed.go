package repository

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/trade-service/internal/domain"
)

// DefaultInstruments is the reference data loaded into an empty database.
func DefaultInstruments() []*domain.Instrument {
	mk := func(code, name, price, lower, upper string) *domain.Instrument {
		return &domain.Instrument{
			Code:         code,
			Name:         name,
			CurrentPrice: decimal.RequireFromString(price),
			LowerLimit:   decimal.RequireFromString(lower),
			UpperLimit:   decimal.RequireFromString(upper),
			TickSize:     decimal.RequireFromString("0.01"),
			TradingUnit:  domain.DefaultTradingUnit,
			Status:       domain.InstrumentTrading,
		}
	}
	return []*domain.Instrument{
		mk("600000", "SPDB", "10.00", "9.00", "11.00"),
		mk("600036", "CMB", "35.20", "31.68", "38.72"),
		mk("000001", "PAB", "12.50", "11.25", "13.75"),
		mk("000002", "VANKE", "8.40", "7.56", "9.24"),
	}
}

// SeedInstruments inserts instruments that do not exist yet and returns how
// many were added. Existing rows are left untouched.
func SeedInstruments(ctx context.Context, repo InstrumentRepository, instruments []*domain.Instrument) (int, error) {
	added := 0
	for _, inst := range instruments {
		existing, err := repo.GetInstrument(ctx, inst.Code)
		if err != nil {
			return added, fmt.Errorf("seed %s: %w", inst.Code, err)
		}
		if existing != nil {
			continue
		}
		if err := repo.UpsertInstrument(ctx, inst); err != nil {
			return added, fmt.Errorf("seed %s: %w", inst.Code, err)
		}
		added++
	}
	return added, nil
}
