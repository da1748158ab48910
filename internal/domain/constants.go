package domain

import "github.com/shopspring/decimal"

const (
	// PriceScale is the number of fractional digits kept for prices and amounts.
	PriceScale int32 = 2

	// DefaultTradingUnit is the lot size used when an instrument does not set one.
	DefaultTradingUnit int64 = 100
)

var (
	// DefaultCommissionRate is 3 basis points of the order notional.
	DefaultCommissionRate = decimal.RequireFromString("0.0003")

	// DefaultMinCommission is the floor applied to every order.
	DefaultMinCommission = decimal.NewFromInt(5)
)

// Amount returns price*quantity at full precision rounded to PriceScale.
func Amount(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity)).Round(PriceScale)
}
