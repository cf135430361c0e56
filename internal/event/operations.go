package event

// Operation payloads. Amounts are WAD-scaled decimal strings: 256-bit values
// don't fit JSON numbers and the event log must round-trip them exactly.

type Deposit struct {
	Market   string `json:"market"`
	Caller   string `json:"caller"`
	Owner    string `json:"owner"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (e *Deposit) EventKind() Kind        { return KindDeposit }
func (e *Deposit) EventMarketID() string  { return e.Market }

type Withdraw struct {
	Market   string `json:"market"`
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Owner    string `json:"owner"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (e *Withdraw) EventKind() Kind       { return KindWithdraw }
func (e *Withdraw) EventMarketID() string { return e.Market }

type Borrow struct {
	Market   string `json:"market"`
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (e *Borrow) EventKind() Kind       { return KindBorrow }
func (e *Borrow) EventMarketID() string { return e.Market }

type Repay struct {
	Market   string `json:"market"`
	Caller   string `json:"caller"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assets"`
	Shares   string `json:"shares"`
}

func (e *Repay) EventKind() Kind       { return KindRepay }
func (e *Repay) EventMarketID() string { return e.Market }

type DepositAtMaturity struct {
	Market   string `json:"market"`
	Maturity int64  `json:"maturity"`
	Caller   string `json:"caller"`
	Owner    string `json:"owner"`
	Assets   string `json:"assets"`
	Fee      string `json:"fee"`
}

func (e *DepositAtMaturity) EventKind() Kind       { return KindDepositAtMaturity }
func (e *DepositAtMaturity) EventMarketID() string { return e.Market }

type WithdrawAtMaturity struct {
	Market    string `json:"market"`
	Maturity  int64  `json:"maturity"`
	Caller    string `json:"caller"`
	Receiver  string `json:"receiver"`
	Owner     string `json:"owner"`
	Assets    string `json:"assets"`
	AssetsOut string `json:"assetsOut"`
}

func (e *WithdrawAtMaturity) EventKind() Kind       { return KindWithdrawAtMaturity }
func (e *WithdrawAtMaturity) EventMarketID() string { return e.Market }

type BorrowAtMaturity struct {
	Market   string `json:"market"`
	Maturity int64  `json:"maturity"`
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assets"`
	Fee      string `json:"fee"`
}

func (e *BorrowAtMaturity) EventKind() Kind       { return KindBorrowAtMaturity }
func (e *BorrowAtMaturity) EventMarketID() string { return e.Market }

type RepayAtMaturity struct {
	Market        string `json:"market"`
	Maturity      int64  `json:"maturity"`
	Caller        string `json:"caller"`
	Borrower      string `json:"borrower"`
	Assets        string `json:"assets"`
	PositionAssets string `json:"positionAssets"`
}

func (e *RepayAtMaturity) EventKind() Kind       { return KindRepayAtMaturity }
func (e *RepayAtMaturity) EventMarketID() string { return e.Market }

type Liquidate struct {
	Market        string `json:"market"`
	Liquidator    string `json:"liquidator"`
	Borrower      string `json:"borrower"`
	RepaidAssets  string `json:"repaidAssets"`
	LendersAssets string `json:"lendersAssets"`
	SeizeMarket   string `json:"seizeMarket"`
	SeizedAssets  string `json:"seizedAssets"`
}

func (e *Liquidate) EventKind() Kind       { return KindLiquidate }
func (e *Liquidate) EventMarketID() string { return e.Market }

type Seize struct {
	Market     string `json:"market"`
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	Assets     string `json:"assets"`
}

func (e *Seize) EventKind() Kind       { return KindSeize }
func (e *Seize) EventMarketID() string { return e.Market }

// MarketUpdate carries post-accrual aggregate totals after every mutating
// success, enough to reconstruct the market's floating-tier state.
type MarketUpdate struct {
	Market              string `json:"market"`
	Timestamp           int64  `json:"timestamp"`
	FloatingAssets      string `json:"floatingAssets"`
	FloatingDebt        string `json:"floatingDebt"`
	FloatingShares      string `json:"floatingShares"`
	FloatingBorrowShares string `json:"floatingBorrowShares"`
	BackupBorrowed      string `json:"backupBorrowed"`
	EarningsAccumulator string `json:"earningsAccumulator"`
}

func (e *MarketUpdate) EventKind() Kind       { return KindMarketUpdate }
func (e *MarketUpdate) EventMarketID() string { return e.Market }

type FixedEarningsUpdate struct {
	Market             string `json:"market"`
	Maturity           int64  `json:"maturity"`
	UnassignedEarnings string `json:"unassignedEarnings"`
}

func (e *FixedEarningsUpdate) EventKind() Kind       { return KindFixedEarningsUpdate }
func (e *FixedEarningsUpdate) EventMarketID() string { return e.Market }

type FloatingDebtUpdate struct {
	Market      string `json:"market"`
	Utilization string `json:"utilization"`
}

func (e *FloatingDebtUpdate) EventKind() Kind       { return KindFloatingDebtUpdate }
func (e *FloatingDebtUpdate) EventMarketID() string { return e.Market }

type AccumulatorAccrual struct {
	Market   string `json:"market"`
	Released string `json:"released"`
}

func (e *AccumulatorAccrual) EventKind() Kind       { return KindAccumulatorAccrual }
func (e *AccumulatorAccrual) EventMarketID() string { return e.Market }

type MarketEntered struct {
	Market  string `json:"market"`
	Account string `json:"account"`
}

func (e *MarketEntered) EventKind() Kind       { return KindMarketEntered }
func (e *MarketEntered) EventMarketID() string { return e.Market }

type MarketExited struct {
	Market  string `json:"market"`
	Account string `json:"account"`
}

func (e *MarketExited) EventKind() Kind       { return KindMarketExited }
func (e *MarketExited) EventMarketID() string { return e.Market }

type BadDebtCleared struct {
	Market   string `json:"market"`
	Borrower string `json:"borrower"`
	Assets   string `json:"assets"`
}

func (e *BadDebtCleared) EventKind() Kind       { return KindBadDebtCleared }
func (e *BadDebtCleared) EventMarketID() string { return e.Market }
