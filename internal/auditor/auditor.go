package auditor

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"TermLedger/internal/event"
	"TermLedger/internal/fixmath"
	"TermLedger/internal/oracle"
)

var (
	ErrMarketAlreadyListed = errors.New("market already listed")
	ErrMarketNotListed     = errors.New("market not listed")

	// ErrInsufficientAccountLiquidity is the collateral-side failure: the
	// account's risk-adjusted debt would exceed its risk-adjusted collateral.
	ErrInsufficientAccountLiquidity = errors.New("insufficient account liquidity")

	// ErrRemainingDebt blocks exiting a market while owing it anything.
	ErrRemainingDebt = errors.New("remaining debt")

	ErrSelfLiquidation = errors.New("self liquidation")

	// ErrInsufficientShortfall means the borrower is still solvent and
	// cannot be liquidated.
	ErrInsufficientShortfall = errors.New("insufficient shortfall")

	ErrInvalidParameter = errors.New("invalid parameter")
)

// Ledger is the per-market surface the auditor prices risk against and
// routes liquidations through. Implemented by *market.Market.
type Ledger interface {
	ID() string
	// AccountSnapshot returns gross position value and gross debt in the
	// market's own asset, both WAD-scaled and unweighted.
	AccountSnapshot(account string, now int64) (position, debt *uint256.Int)
	Seize(now int64, liquidator, borrower string, assets *uint256.Int) error
	ClearBadDebt(borrower string, now int64) error
}

// EventSink receives auditor-level events.
type EventSink interface {
	Emit(e event.Event)
}

// LiquidationIncentive splits the liquidation bonus between the liquidator
// (paid in seized collateral) and the repaid market's lenders (paid into its
// earnings accumulator).
type LiquidationIncentive struct {
	Liquidator *uint256.Int
	Lenders    *uint256.Int
}

type listing struct {
	ledger       Ledger
	feed         oracle.PriceFeed
	adjustFactor *uint256.Int
	// baseUnit is 10^decimals, the divisor that takes a position amount
	// times its WAD price into base-currency value.
	baseUnit *uint256.Int
	index    uint
}

// Auditor tracks which markets exist, which an account uses as collateral,
// and whether any operation would leave an account underwater. It is the
// only component that sees all markets at once; like the markets it guards,
// it relies on the engine for serialization.
type Auditor struct {
	incentive   LiquidationIncentive
	closeFactor *uint256.Int

	markets map[string]*listing
	order   []string

	// accountMarkets is a per-account bitmask over listing indexes.
	accountMarkets map[string]uint64

	sink EventSink
}

func New(incentive LiquidationIncentive, closeFactor *uint256.Int) (*Auditor, error) {
	if incentive.Liquidator == nil || incentive.Liquidator.IsZero() {
		return nil, fmt.Errorf("%w: liquidator incentive must be positive", ErrInvalidParameter)
	}
	if incentive.Lenders == nil {
		incentive.Lenders = new(uint256.Int)
	}
	total := new(uint256.Int).Add(incentive.Liquidator, incentive.Lenders)
	if total.Cmp(fixmath.Wad) >= 0 {
		return nil, fmt.Errorf("%w: combined incentive must be below one", ErrInvalidParameter)
	}
	if closeFactor == nil || closeFactor.IsZero() || closeFactor.Cmp(fixmath.Wad) > 0 {
		return nil, fmt.Errorf("%w: close factor must be in (0, 1]", ErrInvalidParameter)
	}
	return &Auditor{
		incentive: LiquidationIncentive{
			Liquidator: incentive.Liquidator.Clone(),
			Lenders:    incentive.Lenders.Clone(),
		},
		closeFactor:    closeFactor.Clone(),
		markets:        make(map[string]*listing),
		accountMarkets: make(map[string]uint64),
	}, nil
}

// SetEventSink wires the event output. A nil sink drops events.
func (a *Auditor) SetEventSink(s EventSink) { a.sink = s }

func (a *Auditor) emit(e event.Event) {
	if a.sink != nil {
		a.sink.Emit(e)
	}
}

// EnableMarket lists a market with its price feed, collateral haircut and
// asset decimals. Listing is permanent and at most once per market.
func (a *Auditor) EnableMarket(ledger Ledger, feed oracle.PriceFeed, adjustFactor *uint256.Int, decimals int) error {
	id := ledger.ID()
	if _, ok := a.markets[id]; ok {
		return fmt.Errorf("%w: %s", ErrMarketAlreadyListed, id)
	}
	if len(a.order) >= 64 {
		return fmt.Errorf("%w: market limit reached", ErrInvalidParameter)
	}
	if adjustFactor == nil || adjustFactor.IsZero() || adjustFactor.Cmp(fixmath.Wad) > 0 {
		return fmt.Errorf("%w: adjust factor for %s must be in (0, 1]", ErrInvalidParameter, id)
	}
	if decimals < 1 || decimals > 18 {
		return fmt.Errorf("%w: decimals for %s must be in [1, 18]", ErrInvalidParameter, id)
	}
	if feed == nil {
		return fmt.Errorf("%w: market %s needs a price feed", ErrInvalidParameter, id)
	}
	a.markets[id] = &listing{
		ledger:       ledger,
		feed:         feed,
		adjustFactor: adjustFactor.Clone(),
		baseUnit:     new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals))),
		index:        uint(len(a.order)),
	}
	a.order = append(a.order, id)
	return nil
}

// Markets returns listed market ids in listing order.
func (a *Auditor) Markets() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// SetAdjustFactor replaces a listed market's collateral haircut.
func (a *Auditor) SetAdjustFactor(marketID string, adjustFactor *uint256.Int) error {
	l, ok := a.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	if adjustFactor == nil || adjustFactor.IsZero() || adjustFactor.Cmp(fixmath.Wad) > 0 {
		return fmt.Errorf("%w: adjust factor must be in (0, 1]", ErrInvalidParameter)
	}
	l.adjustFactor = adjustFactor.Clone()
	return nil
}

// SetLiquidationIncentive replaces the incentive split, with the same bounds
// New enforces.
func (a *Auditor) SetLiquidationIncentive(incentive LiquidationIncentive) error {
	if incentive.Liquidator == nil || incentive.Liquidator.IsZero() {
		return fmt.Errorf("%w: liquidator incentive must be positive", ErrInvalidParameter)
	}
	if incentive.Lenders == nil {
		incentive.Lenders = new(uint256.Int)
	}
	total := new(uint256.Int).Add(incentive.Liquidator, incentive.Lenders)
	if total.Cmp(fixmath.Wad) >= 0 {
		return fmt.Errorf("%w: combined incentive must be below one", ErrInvalidParameter)
	}
	a.incentive = LiquidationIncentive{
		Liquidator: incentive.Liquidator.Clone(),
		Lenders:    incentive.Lenders.Clone(),
	}
	return nil
}

// SetPriceFeed replaces a listed market's price feed.
func (a *Auditor) SetPriceFeed(marketID string, feed oracle.PriceFeed) error {
	l, ok := a.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	if feed == nil {
		return fmt.Errorf("%w: nil price feed", ErrInvalidParameter)
	}
	l.feed = feed
	return nil
}

// EnterMarket marks a market's deposits as collateral for the account.
func (a *Auditor) EnterMarket(marketID, account string) error {
	l, ok := a.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	mask := a.accountMarkets[account]
	bit := uint64(1) << l.index
	if mask&bit != 0 {
		return nil
	}
	a.accountMarkets[account] = mask | bit
	a.emit(&event.MarketEntered{Market: marketID, Account: account})
	return nil
}

// ExitMarket stops counting a market's deposits as collateral. Fails while
// the account owes the market anything or needs the collateral elsewhere.
func (a *Auditor) ExitMarket(marketID, account string, now int64) error {
	l, ok := a.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	mask := a.accountMarkets[account]
	bit := uint64(1) << l.index
	if mask&bit == 0 {
		return nil
	}
	position, debt := l.ledger.AccountSnapshot(account, now)
	if !debt.IsZero() {
		return fmt.Errorf("%w: %s owes market %s", ErrRemainingDebt, account, marketID)
	}
	if err := a.CheckShortfall(marketID, account, position, now); err != nil {
		return err
	}
	a.accountMarkets[account] = mask &^ bit
	a.emit(&event.MarketExited{Market: marketID, Account: account})
	return nil
}

// AccountMarkets returns the ids of markets the account has entered.
func (a *Auditor) AccountMarkets(account string) []string {
	mask := a.accountMarkets[account]
	var out []string
	for _, id := range a.order {
		if mask&(uint64(1)<<a.markets[id].index) != 0 {
			out = append(out, id)
		}
	}
	return out
}

// AccountLiquidity values the account's entered positions in the base
// currency: amounts normalize through each market's base unit, collateral
// scales down by the adjust factor and debt scales up by it.
func (a *Auditor) AccountLiquidity(account string, now int64) (collateral, debt *uint256.Int, err error) {
	return a.accountLiquidity(account, now, "", nil, nil)
}

func (a *Auditor) accountLiquidity(account string, now int64, hypMarket string, hypWithdraw, hypBorrow *uint256.Int) (collateral, debt *uint256.Int, err error) {
	collateral = new(uint256.Int)
	debt = new(uint256.Int)
	mask := a.accountMarkets[account]
	for _, id := range a.order {
		l := a.markets[id]
		entered := mask&(uint64(1)<<l.index) != 0
		if !entered && id != hypMarket {
			continue
		}
		price, perr := l.feed.Price()
		if perr != nil {
			return nil, nil, fmt.Errorf("market %s: %w", id, perr)
		}
		position, owed := l.ledger.AccountSnapshot(account, now)
		if id == hypMarket {
			if hypWithdraw != nil {
				position = fixmath.SubFloor(position, hypWithdraw)
			}
			if hypBorrow != nil {
				owed = new(uint256.Int).Add(owed, hypBorrow)
			}
		}
		if entered && !position.IsZero() {
			value := fixmath.MulDivDown(position, price, l.baseUnit)
			collateral.Add(collateral, fixmath.MulWadDown(value, l.adjustFactor))
		}
		if !owed.IsZero() {
			value := fixmath.MulDivUp(owed, price, l.baseUnit)
			debt.Add(debt, fixmath.DivWadUp(value, l.adjustFactor))
		}
	}
	return collateral, debt, nil
}

// CheckBorrow validates a hypothetical new borrow against the borrower's
// collateral and auto-enters the borrower into the market so the debt is
// always visible to later checks.
func (a *Auditor) CheckBorrow(marketID, borrower string, assets *uint256.Int, now int64) error {
	if _, ok := a.markets[marketID]; !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	if err := a.EnterMarket(marketID, borrower); err != nil {
		return err
	}
	collateral, debt, err := a.accountLiquidity(borrower, now, marketID, nil, assets)
	if err != nil {
		return err
	}
	if debt.Cmp(collateral) > 0 {
		return fmt.Errorf("%w: adjusted debt %s over collateral %s",
			ErrInsufficientAccountLiquidity, debt, collateral)
	}
	return nil
}

// CheckShortfall validates that removing assets of collateral from the
// market leaves the account solvent. Markets not entered never back debt, so
// withdrawing from them is always fine.
func (a *Auditor) CheckShortfall(marketID, account string, assets *uint256.Int, now int64) error {
	l, ok := a.markets[marketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, marketID)
	}
	if a.accountMarkets[account]&(uint64(1)<<l.index) == 0 {
		return nil
	}
	collateral, debt, err := a.accountLiquidity(account, now, marketID, assets, nil)
	if err != nil {
		return err
	}
	if debt.Cmp(collateral) > 0 {
		return fmt.Errorf("%w: adjusted debt %s over collateral %s",
			ErrInsufficientAccountLiquidity, debt, collateral)
	}
	return nil
}
