package domain

import "errors"

// ErrorKind classifies an error for propagation and transport mapping.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindStateConflict ErrorKind = "state_conflict"
	KindTransientIO   ErrorKind = "transient_io"
	KindOverload      ErrorKind = "overload"
	KindInternal      ErrorKind = "internal"
)

// Stable error codes exposed to API clients.
const (
	CodeOrderNotFound         = 3001
	CodeOrderAlreadyCancelled = 3002
	CodeOrderAlreadyFilled    = 3003
	CodeInvalidOrderType      = 3005
	CodeInvalidOrderQuantity  = 3006
	CodeInvalidOrderPrice     = 3007
	CodeOrderQuantityTooSmall = 3008
	CodeOrderPriceOutOfRange  = 3009
	CodeProductNotFound       = 3101
	CodeProductNotTradable    = 3104
	CodeNotTradingTime        = 3302
	CodeMatchingEngineError   = 3501
	CodeDataInconsistency     = 3503
	CodeSystemBusy            = 3505
)

// TradeError carries a stable code and kind alongside the underlying cause.
type TradeError struct {
	Code    int
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TradeError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

func newTradeError(code int, kind ErrorKind, msg string) *TradeError {
	return &TradeError{Code: code, Kind: kind, Message: msg}
}

var (
	ErrOrderNotFound         = newTradeError(CodeOrderNotFound, KindNotFound, "order not found")
	ErrOrderAlreadyCancelled = newTradeError(CodeOrderAlreadyCancelled, KindStateConflict, "order already cancelled")
	ErrOrderAlreadyFilled    = newTradeError(CodeOrderAlreadyFilled, KindStateConflict, "order already filled")
	ErrInvalidSide           = newTradeError(CodeInvalidOrderType, KindValidation, "side must be 'buy' or 'sell'")
	ErrInvalidQuantity       = newTradeError(CodeInvalidOrderQuantity, KindValidation, "invalid order quantity")
	ErrInvalidPrice          = newTradeError(CodeInvalidOrderPrice, KindValidation, "invalid order price")
	ErrQuantityNotLotSize    = newTradeError(CodeOrderQuantityTooSmall, KindValidation, "quantity must be a positive multiple of the trading unit")
	ErrPriceOutOfRange       = newTradeError(CodeOrderPriceOutOfRange, KindValidation, "price outside limit band or not a multiple of tick size")
	ErrInstrumentNotFound    = newTradeError(CodeProductNotFound, KindNotFound, "instrument not found")
	ErrInstrumentNotTradable = newTradeError(CodeProductNotTradable, KindValidation, "instrument not tradable")
	ErrNotTradingTime        = newTradeError(CodeNotTradingTime, KindValidation, "outside trading hours")
	ErrConcurrentUpdate      = newTradeError(CodeDataInconsistency, KindStateConflict, "order changed concurrently")
	ErrQueueFull             = newTradeError(CodeSystemBusy, KindOverload, "dispatch queue full")
	ErrPoolShutdown          = newTradeError(CodeSystemBusy, KindOverload, "dispatch pool shut down")
)

// Wrap attaches a cause to a sentinel while keeping its code and kind.
// errors.Is(Wrap(ErrX, err), ErrX) holds.
func Wrap(sentinel *TradeError, err error) error {
	return &wrapped{TradeError: TradeError{
		Code:    sentinel.Code,
		Kind:    sentinel.Kind,
		Message: sentinel.Message,
		Err:     err,
	}, sentinel: sentinel}
}

type wrapped struct {
	TradeError
	sentinel *TradeError
}

func (w *wrapped) Is(target error) bool {
	return target == w.sentinel
}

func (w *wrapped) As(target any) bool {
	if t, ok := target.(**TradeError); ok {
		*t = &w.TradeError
		return true
	}
	return false
}

// TransientIO marks a storage failure hit while matching.
func TransientIO(msg string, err error) error {
	return &TradeError{Code: CodeMatchingEngineError, Kind: KindTransientIO, Message: msg, Err: err}
}

// KindOf classifies err; unknown errors are internal.
func KindOf(err error) ErrorKind {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, or 0 when it has none.
func CodeOf(err error) int {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}
