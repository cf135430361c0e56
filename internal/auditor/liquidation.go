package auditor

import (
	"fmt"

	"github.com/holiman/uint256"

	"TermLedger/internal/fixmath"
)

// CheckLiquidation validates a liquidation attempt and returns the repay
// budget: the borrower's debt in the repay market scaled by the close
// factor, capped by the caller's maxAssets and by what the borrower's
// collateral in the seize market can actually pay for.
func (a *Auditor) CheckLiquidation(repayMarketID, seizeMarketID, liquidator, borrower string, maxAssets *uint256.Int, now int64) (*uint256.Int, error) {
	if liquidator == borrower {
		return nil, ErrSelfLiquidation
	}
	repay, ok := a.markets[repayMarketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, repayMarketID)
	}
	seize, ok := a.markets[seizeMarketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, seizeMarketID)
	}
	collateral, debt, err := a.AccountLiquidity(borrower, now)
	if err != nil {
		return nil, err
	}
	if debt.Cmp(collateral) <= 0 {
		return nil, fmt.Errorf("%w: adjusted debt %s within collateral %s",
			ErrInsufficientShortfall, debt, collateral)
	}

	_, marketDebt := repay.ledger.AccountSnapshot(borrower, now)
	budget := fixmath.MulWadDown(marketDebt, a.closeFactor)
	if maxAssets != nil && maxAssets.Cmp(budget) < 0 {
		budget = maxAssets.Clone()
	}

	// Cap by seizable collateral: the seized value must cover the repaid
	// value plus the full incentive.
	priceRepay, err := repay.feed.Price()
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", repayMarketID, err)
	}
	priceSeize, err := seize.feed.Price()
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", seizeMarketID, err)
	}
	seizePosition, _ := seize.ledger.AccountSnapshot(borrower, now)
	seizeValue := fixmath.MulDivDown(seizePosition, priceSeize, seize.baseUnit)
	incentiveFactor := new(uint256.Int).Add(fixmath.Wad, a.incentiveTotal())
	repayValueCap := fixmath.DivWadDown(seizeValue, incentiveFactor)
	repayCap := fixmath.MulDivDown(repayValueCap, repay.baseUnit, priceRepay)
	if repayCap.Cmp(budget) < 0 {
		budget = repayCap
	}
	return budget, nil
}

func (a *Auditor) incentiveTotal() *uint256.Int {
	return new(uint256.Int).Add(a.incentive.Liquidator, a.incentive.Lenders)
}

// CalculateSeize converts repaid debt into collateral units: the liquidator
// seizes the repaid value grossed up by the full incentive, while the
// lenders' cut is returned in repay-market assets for the accumulator.
func (a *Auditor) CalculateSeize(repayMarketID, seizeMarketID, borrower string, actualRepay *uint256.Int, now int64) (lendersAssets, seizeAssets *uint256.Int, err error) {
	repay, ok := a.markets[repayMarketID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMarketNotListed, repayMarketID)
	}
	seize, ok := a.markets[seizeMarketID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrMarketNotListed, seizeMarketID)
	}
	priceRepay, err := repay.feed.Price()
	if err != nil {
		return nil, nil, fmt.Errorf("market %s: %w", repayMarketID, err)
	}
	priceSeize, err := seize.feed.Price()
	if err != nil {
		return nil, nil, fmt.Errorf("market %s: %w", seizeMarketID, err)
	}
	lendersAssets = fixmath.MulWadDown(actualRepay, a.incentive.Lenders)

	repayValue := fixmath.MulDivDown(actualRepay, priceRepay, repay.baseUnit)
	base := fixmath.MulDivDown(repayValue, seize.baseUnit, priceSeize)
	seizeAssets = fixmath.MulWadUp(base, new(uint256.Int).Add(fixmath.Wad, a.incentiveTotal()))
	if available, _ := seize.ledger.AccountSnapshot(borrower, now); seizeAssets.Cmp(available) > 0 {
		seizeAssets = available
	}
	return lendersAssets, seizeAssets, nil
}

// CheckSeize validates that a seizure may route to the seize market.
func (a *Auditor) CheckSeize(seizeMarketID, liquidator, borrower string) error {
	if liquidator == borrower {
		return ErrSelfLiquidation
	}
	if _, ok := a.markets[seizeMarketID]; !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, seizeMarketID)
	}
	return nil
}

// Seize routes a seizure from a liquidating market to the seize market.
func (a *Auditor) Seize(seizeMarketID, liquidator, borrower string, assets *uint256.Int, now int64) error {
	if err := a.CheckSeize(seizeMarketID, liquidator, borrower); err != nil {
		return err
	}
	return a.markets[seizeMarketID].ledger.Seize(now, liquidator, borrower, assets)
}

// HandleBadDebt writes off the borrower's debt in every entered market, but
// only once no market holds any collateral for them. While any collateral
// remains, liquidation is the recovery path and nothing is written off.
func (a *Auditor) HandleBadDebt(borrower string, now int64) error {
	mask := a.accountMarkets[borrower]
	for _, id := range a.order {
		l := a.markets[id]
		if mask&(uint64(1)<<l.index) == 0 {
			continue
		}
		position, _ := l.ledger.AccountSnapshot(borrower, now)
		if !position.IsZero() {
			return nil
		}
	}
	for _, id := range a.order {
		l := a.markets[id]
		if mask&(uint64(1)<<l.index) == 0 {
			continue
		}
		if err := l.ledger.ClearBadDebt(borrower, now); err != nil {
			return err
		}
	}
	return nil
}
