package event

import "time"

// Kind discriminates event payloads in the log.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdraw
	KindBorrow
	KindRepay
	KindDepositAtMaturity
	KindWithdrawAtMaturity
	KindBorrowAtMaturity
	KindRepayAtMaturity
	KindLiquidate
	KindSeize
	KindMarketUpdate
	KindFixedEarningsUpdate
	KindFloatingDebtUpdate
	KindAccumulatorAccrual
	KindMarketEntered
	KindMarketExited
	KindBadDebtCleared
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	case KindBorrow:
		return "Borrow"
	case KindRepay:
		return "Repay"
	case KindDepositAtMaturity:
		return "DepositAtMaturity"
	case KindWithdrawAtMaturity:
		return "WithdrawAtMaturity"
	case KindBorrowAtMaturity:
		return "BorrowAtMaturity"
	case KindRepayAtMaturity:
		return "RepayAtMaturity"
	case KindLiquidate:
		return "Liquidate"
	case KindSeize:
		return "Seize"
	case KindMarketUpdate:
		return "MarketUpdate"
	case KindFixedEarningsUpdate:
		return "FixedEarningsUpdate"
	case KindFloatingDebtUpdate:
		return "FloatingDebtUpdate"
	case KindAccumulatorAccrual:
		return "AccumulatorAccrual"
	case KindMarketEntered:
		return "MarketEntered"
	case KindMarketExited:
		return "MarketExited"
	case KindBadDebtCleared:
		return "BadDebtCleared"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Op-scoped dedup key ("OpName:key") of the originating command,
	// empty for keyless commands and for events a failed command left behind
	IdempotencyKey string

	Kind Kind

	// Market the event belongs to ("" for auditor-global events)
	MarketID string

	// Versioned input timestamp from the command, never wall-clock
	Timestamp time.Time

	// JSON-encoded payload for persistence and outbound publishing
	Payload []byte
}

// Event is implemented by all operation payloads.
type Event interface {
	EventKind() Kind
	EventMarketID() string
}
