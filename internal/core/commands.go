package core

import (
	"github.com/holiman/uint256"
)

// Op is one ledger operation submitted to the engine. Every op carries the
// market it targets; the engine resolves the market and applies the op under
// the single-writer loop.
type Op interface {
	OpName() string
	OpMarket() string
}

type DepositOp struct {
	Market string
	Caller string
	Owner  string
	Assets *uint256.Int
}

func (*DepositOp) OpName() string     { return "Deposit" }
func (o *DepositOp) OpMarket() string { return o.Market }

type WithdrawOp struct {
	Market   string
	Caller   string
	Receiver string
	Owner    string
	Assets   *uint256.Int
}

func (*WithdrawOp) OpName() string     { return "Withdraw" }
func (o *WithdrawOp) OpMarket() string { return o.Market }

type BorrowOp struct {
	Market   string
	Caller   string
	Receiver string
	Borrower string
	Assets   *uint256.Int
}

func (*BorrowOp) OpName() string     { return "Borrow" }
func (o *BorrowOp) OpMarket() string { return o.Market }

type RepayOp struct {
	Market    string
	Caller    string
	Borrower  string
	MaxAssets *uint256.Int
}

func (*RepayOp) OpName() string     { return "Repay" }
func (o *RepayOp) OpMarket() string { return o.Market }

type DepositAtMaturityOp struct {
	Market            string
	Maturity          int64
	Caller            string
	Owner             string
	Assets            *uint256.Int
	MinAssetsRequired *uint256.Int
}

func (*DepositAtMaturityOp) OpName() string     { return "DepositAtMaturity" }
func (o *DepositAtMaturityOp) OpMarket() string { return o.Market }

type WithdrawAtMaturityOp struct {
	Market            string
	Maturity          int64
	Caller            string
	Receiver          string
	Owner             string
	PositionAssets    *uint256.Int
	MinAssetsRequired *uint256.Int
}

func (*WithdrawAtMaturityOp) OpName() string     { return "WithdrawAtMaturity" }
func (o *WithdrawAtMaturityOp) OpMarket() string { return o.Market }

type BorrowAtMaturityOp struct {
	Market    string
	Maturity  int64
	Caller    string
	Receiver  string
	Borrower  string
	Assets    *uint256.Int
	MaxAssets *uint256.Int
}

func (*BorrowAtMaturityOp) OpName() string     { return "BorrowAtMaturity" }
func (o *BorrowAtMaturityOp) OpMarket() string { return o.Market }

type RepayAtMaturityOp struct {
	Market         string
	Maturity       int64
	Caller         string
	Borrower       string
	PositionAssets *uint256.Int
	MaxAssets      *uint256.Int
}

func (*RepayAtMaturityOp) OpName() string     { return "RepayAtMaturity" }
func (o *RepayAtMaturityOp) OpMarket() string { return o.Market }

type LiquidateOp struct {
	Market      string
	SeizeMarket string
	Liquidator  string
	Borrower    string
	MaxAssets   *uint256.Int
}

func (*LiquidateOp) OpName() string     { return "Liquidate" }
func (o *LiquidateOp) OpMarket() string { return o.Market }

type EnterMarketOp struct {
	Market  string
	Account string
}

func (*EnterMarketOp) OpName() string     { return "EnterMarket" }
func (o *EnterMarketOp) OpMarket() string { return o.Market }

type ExitMarketOp struct {
	Market  string
	Account string
}

func (*ExitMarketOp) OpName() string     { return "ExitMarket" }
func (o *ExitMarketOp) OpMarket() string { return o.Market }

// SetAdjustFactorOp replaces a market's collateral haircut. Admin ops mutate
// risk parameters only and emit no ledger events; re-applying one is harmless.
type SetAdjustFactorOp struct {
	Market       string
	AdjustFactor *uint256.Int
}

func (*SetAdjustFactorOp) OpName() string     { return "SetAdjustFactor" }
func (o *SetAdjustFactorOp) OpMarket() string { return o.Market }

// SetLiquidationIncentiveOp replaces the global liquidation incentive split.
type SetLiquidationIncentiveOp struct {
	Liquidator *uint256.Int
	Lenders    *uint256.Int
}

func (*SetLiquidationIncentiveOp) OpName() string   { return "SetLiquidationIncentive" }
func (*SetLiquidationIncentiveOp) OpMarket() string { return "" }

// SetPriceFeedOp swaps a market's price feed for a fresh one seeded with the
// given price and version. Later PriceUpdateOps land on the new feed.
type SetPriceFeedOp struct {
	Market  string
	Price   *uint256.Int
	Version int64
}

func (*SetPriceFeedOp) OpName() string     { return "SetPriceFeed" }
func (o *SetPriceFeedOp) OpMarket() string { return o.Market }

// PriceUpdateOp refreshes a market's cached price. Stale versions are
// dropped silently; prices tolerate gaps unlike ledger ops.
type PriceUpdateOp struct {
	Market  string
	Price   *uint256.Int
	Version int64
}

func (*PriceUpdateOp) OpName() string     { return "PriceUpdate" }
func (o *PriceUpdateOp) OpMarket() string { return o.Market }

// Command wraps an op with its identity and versioned timestamp. The engine
// never reads the wall clock; Timestamp is authoritative for all accrual.
type Command struct {
	IdempotencyKey string
	Timestamp      int64
	Op             Op

	// Reply receives the result; nil for fire-and-forget submissions.
	Reply chan<- Result
}

// Result is the outcome of one command.
type Result struct {
	// Sequence of the first event the command produced, 0 if none
	Sequence int64

	// Value is the op's primary output (shares minted, assets owed or
	// repaid), nil where the op has none.
	Value *uint256.Int

	// Seized is set for liquidations only.
	Seized *uint256.Int

	Duplicate bool
	Err       error
}
