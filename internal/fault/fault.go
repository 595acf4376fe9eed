// Package fault defines the error taxonomy shared by every layer of the
// market engine. Each failure carries a stable Code that clients can branch
// on and a Kind that groups codes by how the caller should react.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault by recovery strategy.
type Kind string

const (
	// Validation faults reject malformed input before any state is touched.
	Validation Kind = "validation"
	// State faults reject operations that are illegal in the current lifecycle state.
	State Kind = "state"
	// Arithmetic faults signal overflow, underflow or an unrepresentable result.
	Arithmetic Kind = "arithmetic"
	// Resource faults signal that the pool or an account cannot cover a transfer.
	Resource Kind = "resource"
	// Authorization faults reject callers lacking the required capability.
	Authorization Kind = "authorization"
	// NotFound faults report a missing market or position record.
	NotFound Kind = "not_found"
	// Internal covers everything that is not a fault raised by the engine itself.
	Internal Kind = "internal"
)

// Error is a kinded, coded engine fault. Sentinel values are compared by
// identity, so wrap them with %w rather than copying.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

// Validation faults.
var (
	ErrQuestionTooLong    = newError(Validation, "QuestionTooLong", "question exceeds 200 bytes")
	ErrInvalidLiquidity   = newError(Validation, "InvalidLiquidity", "invalid liquidity parameter")
	ErrInvalidEndTime     = newError(Validation, "InvalidEndTime", "invalid end time")
	ErrInvalidAmount      = newError(Validation, "InvalidAmount", "invalid bet amount")
	ErrInvalidProbability = newError(Validation, "InvalidProbability", "invalid probability value")
	ErrInvalidSide        = newError(Validation, "InvalidSide", "side must be YES or NO")
	ErrInvalidIdentity    = newError(Validation, "InvalidIdentity", "identity must be 32 bytes of hex")
	ErrInvalidPolicy      = newError(Validation, "InvalidPolicy", "unknown pricing policy")
)

// State faults.
var (
	ErrMarketResolved     = newError(State, "MarketResolved", "market already resolved")
	ErrMarketEnded        = newError(State, "MarketEnded", "market has ended")
	ErrAlreadyResolved    = newError(State, "AlreadyResolved", "market already resolved")
	ErrMarketNotEnded     = newError(State, "MarketNotEnded", "market not ended yet")
	ErrNotResolved        = newError(State, "NotResolved", "market not resolved")
	ErrAlreadyClaimed     = newError(State, "AlreadyClaimed", "already claimed")
	ErrNoWinnings         = newError(State, "NoWinnings", "no winnings to claim")
	ErrInvalidMarketState = newError(State, "InvalidMarketState", "invalid market state")
	ErrDivisionByZero     = newError(State, "InvalidState", "division by a zero total")
	ErrMarketExists       = newError(State, "MarketExists", "market already exists")
)

// Arithmetic, resource, authorization and lookup faults.
var (
	ErrArithmetic        = newError(Arithmetic, "ArithmeticFault", "arithmetic overflow or underflow")
	ErrInsufficientFunds = newError(Resource, "InsufficientFunds", "insufficient funds in vault")
	ErrTransfer          = newError(Resource, "TransferFault", "value transfer failed")
	ErrUnauthorized      = newError(Authorization, "Unauthorized", "caller is not authorized for this operation")
	ErrMarketNotFound    = newError(NotFound, "MarketNotFound", "market not found")
	ErrPositionNotFound  = newError(NotFound, "PositionNotFound", "position not found")
)

// As returns the engine fault in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf reports the kind of err. Errors that did not originate from this
// package are Internal.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return Internal
}

// CodeOf reports the stable code of err, or "Internal".
func CodeOf(err error) string {
	if fe, ok := As(err); ok {
		return fe.Code
	}
	return "Internal"
}

// Retryable reports whether the same call may succeed later without any
// change of input. Only waiting for the end time qualifies.
func Retryable(err error) bool {
	return errors.Is(err, ErrMarketNotEnded)
}

// Wrap annotates a fault with context while keeping it matchable.
func Wrap(err error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
