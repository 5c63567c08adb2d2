// Package errs classifies engine failures into the five kinds the venue
// reports to callers: validation, state, liquidity, oracle, liquidation.
// Packages construct their own sentinels through the kind constructors so
// callers can branch on the kind with errors.Is without knowing the
// producing package.
package errs

import "errors"

// Kind sentinels. errors.Is(err, ErrValidation) matches every error built
// with Validation(), and so on for the other kinds.
var (
	ErrValidation  = errors.New("validation")
	ErrState       = errors.New("state")
	ErrLiquidity   = errors.New("liquidity")
	ErrOracle      = errors.New("oracle")
	ErrLiquidation = errors.New("liquidation")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Is reports membership in a kind; a kindError never matches another
// kindError, only its kind sentinel.
func (e *kindError) Is(target error) bool { return target == e.kind }

// Validation builds a sentinel of kind ErrValidation.
func Validation(msg string) error { return &kindError{kind: ErrValidation, msg: msg} }

// State builds a sentinel of kind ErrState.
func State(msg string) error { return &kindError{kind: ErrState, msg: msg} }

// Liquidity builds a sentinel of kind ErrLiquidity.
func Liquidity(msg string) error { return &kindError{kind: ErrLiquidity, msg: msg} }

// Oracle builds a sentinel of kind ErrOracle.
func Oracle(msg string) error { return &kindError{kind: ErrOracle, msg: msg} }

// Liquidation builds a sentinel of kind ErrLiquidation.
func Liquidation(msg string) error { return &kindError{kind: ErrLiquidation, msg: msg} }

// KindOf returns the kind sentinel for err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrState, ErrLiquidity, ErrOracle, ErrLiquidation} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
