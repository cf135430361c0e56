package market

import (
	"errors"
	"fmt"
)

// Error taxonomy: validation failures (zero amounts, pool state, slippage)
// happen before any mutation; economic failures distinguish account-side
// collateral shortfalls (auditor errors) from market-side pool liquidity
// shortfalls (ErrInsufficientProtocolLiquidity). Never conflated: the caller
// remedies are different.
var (
	ErrZeroDeposit  = errors.New("zero deposit")
	ErrZeroWithdraw = errors.New("zero withdraw")
	ErrZeroBorrow   = errors.New("zero borrow")
	ErrZeroRepay    = errors.New("zero repay")

	// ErrDisagreement is the slippage guard: the computed amount fell outside
	// the caller-specified bound.
	ErrDisagreement = errors.New("disagreement")

	// ErrInsufficientProtocolLiquidity is a pool-side shortfall: the floating
	// pool cannot back the requested operation. Distinct from the auditor's
	// insufficient-account-liquidity, which is a collateral shortfall.
	ErrInsufficientProtocolLiquidity = errors.New("insufficient protocol liquidity")

	// ErrInsufficientBalance means the owner holds fewer shares or position
	// assets than the operation needs.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrNotAuditor = errors.New("caller is not the auditor")
)

// PoolStateError reports an operation against a maturity pool in the wrong
// lifecycle state, naming both the actual and the accepted states.
type PoolStateError struct {
	State    PoolState
	Accepted []PoolState
}

func (e *PoolStateError) Error() string {
	if len(e.Accepted) == 1 {
		return fmt.Sprintf("unmatched pool state: %s, expected %s", e.State, e.Accepted[0])
	}
	return fmt.Sprintf("unmatched pool state: %s, expected one of %v", e.State, e.Accepted)
}
