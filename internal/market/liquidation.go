package market

import (
	"github.com/holiman/uint256"

	"TermLedger/internal/event"
	"TermLedger/internal/fixmath"
)

// Liquidate lets liquidator repay up to maxAssets of borrower's debt in this
// market and seize discounted collateral from seizeMarketID. Fixed positions
// are repaid oldest first at face value plus any penalty (no early-repay
// discount during liquidation), then floating debt. The lenders' share of
// the liquidation incentive lands in the accumulator.
func (m *Market) Liquidate(now int64, liquidator, borrower string, maxAssets *uint256.Int, seizeMarketID string) (repaid, seized *uint256.Int, err error) {
	if err := m.settle(now); err != nil {
		return nil, nil, err
	}
	if m.auditor == nil {
		return nil, nil, ErrNotAuditor
	}
	budget, err := m.auditor.CheckLiquidation(m.id, seizeMarketID, liquidator, borrower, maxAssets, now)
	if err != nil {
		return nil, nil, err
	}
	// The whole budget moves in before any position is touched; the unused
	// remainder flows back once the repay loops settle on the actual amount.
	// A liquidator who cannot fund the budget fails here, book untouched.
	if err := m.vault.TransferIn(liquidator, budget); err != nil {
		return nil, nil, err
	}
	fullBudget := budget.Clone()
	acct := m.account(borrower)
	repaid = new(uint256.Int)

	var maturities []int64
	acct.FixedBorrows.Each(func(maturity int64) bool {
		maturities = append(maturities, maturity)
		return true
	})
	for _, maturity := range maturities {
		if budget.IsZero() {
			break
		}
		actual := m.liquidationRepayFixed(now, maturity, liquidator, borrower, acct, budget)
		budget = fixmath.SubFloor(budget, actual)
		repaid.Add(repaid, actual)
	}
	if !budget.IsZero() && !acct.FloatingBorrowShares.IsZero() {
		debt := m.borrowSharesToAssets(acct.FloatingBorrowShares)
		actual := fixmath.Min(debt, budget)
		var shares *uint256.Int
		if actual.Cmp(debt) >= 0 {
			shares = acct.FloatingBorrowShares.Clone()
		} else {
			shares = fixmath.MulDivDown(acct.FloatingBorrowShares, actual, debt)
		}
		m.floatingDebt = fixmath.SubFloor(m.floatingDebt, actual)
		m.floatingBorrowShares = new(uint256.Int).Sub(m.floatingBorrowShares, shares)
		acct.FloatingBorrowShares = new(uint256.Int).Sub(acct.FloatingBorrowShares, shares)
		repaid.Add(repaid, actual)
		m.emit(&event.Repay{
			Market: m.id, Caller: liquidator, Borrower: borrower,
			Assets: actual.Dec(), Shares: shares.Dec(),
		})
	}
	if repaid.IsZero() {
		m.vault.TransferOut(liquidator, fullBudget)
		return nil, nil, ErrZeroRepay
	}
	if refund := new(uint256.Int).Sub(fullBudget, repaid); !refund.IsZero() {
		// The vault just received the full budget, so the refund cannot fail.
		m.vault.TransferOut(liquidator, refund)
	}

	lendersAssets, seizeAssets, err := m.auditor.CalculateSeize(m.id, seizeMarketID, borrower, repaid, now)
	if err != nil {
		return nil, nil, err
	}
	if seizeMarketID == m.id {
		if err := m.internalSeize(now, liquidator, borrower, seizeAssets); err != nil {
			return nil, nil, err
		}
	} else {
		if err := m.auditor.Seize(seizeMarketID, liquidator, borrower, seizeAssets, now); err != nil {
			return nil, nil, err
		}
	}
	m.earningsAccumulator = new(uint256.Int).Add(m.earningsAccumulator, lendersAssets)
	if err := m.auditor.HandleBadDebt(borrower, now); err != nil {
		return nil, nil, err
	}

	m.emit(&event.Liquidate{
		Market: m.id, Liquidator: liquidator, Borrower: borrower,
		RepaidAssets: repaid.Dec(), LendersAssets: lendersAssets.Dec(),
		SeizeMarket: seizeMarketID, SeizedAssets: seizeAssets.Dec(),
	})
	m.emitMarketUpdate(now)
	return repaid, seizeAssets, nil
}

// liquidationRepayFixed repays as much of one fixed position as budget
// allows and returns the assets consumed. Late positions pay the penalty on
// the covered debt; the penalty lands in the accumulator.
func (m *Market) liquidationRepayFixed(now, maturity int64, liquidator, borrower string, acct *Account, budget *uint256.Int) *uint256.Int {
	position := acct.FixedBorrowAt(maturity)
	if position == nil || position.Total().IsZero() {
		return new(uint256.Int)
	}
	pool := m.fixedPool(maturity, now)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, pool.AccrueEarnings(maturity, now))

	payoffFactor := fixmath.Wad.Clone()
	if now > maturity {
		late := uint256.NewInt(uint64(now - maturity))
		payoffFactor = new(uint256.Int).Add(fixmath.Wad, new(uint256.Int).Mul(m.penaltyRate, late))
	}
	debtCovered := position.Total()
	actual := fixmath.MulWadDown(debtCovered, payoffFactor)
	if actual.Cmp(budget) > 0 {
		debtCovered = fixmath.DivWadDown(budget, payoffFactor)
		actual = fixmath.MulWadDown(debtCovered, payoffFactor)
	}
	if debtCovered.IsZero() {
		return new(uint256.Int)
	}
	m.earningsAccumulator = new(uint256.Int).Add(m.earningsAccumulator,
		new(uint256.Int).Sub(actual, debtCovered))

	principalCovered, _ := position.Scale(debtCovered)
	m.floatingBackupBorrowed = new(uint256.Int).Sub(m.floatingBackupBorrowed, pool.Repay(principalCovered))
	position.Reduce(debtCovered)
	if position.Total().IsZero() {
		acct.dropFixedBorrow(maturity)
	}
	m.emit(&event.RepayAtMaturity{
		Market: m.id, Maturity: maturity, Caller: liquidator, Borrower: borrower,
		Assets: actual.Dec(), PositionAssets: debtCovered.Dec(),
	})
	return actual
}

// Seize removes collateral from borrower for liquidator. Callable only
// through the auditor's cross-market routing.
func (m *Market) Seize(now int64, liquidator, borrower string, assets *uint256.Int) error {
	if err := m.settle(now); err != nil {
		return err
	}
	return m.internalSeize(now, liquidator, borrower, assets)
}

func (m *Market) internalSeize(now int64, liquidator, borrower string, assets *uint256.Int) error {
	if assets == nil || assets.IsZero() {
		return ErrZeroWithdraw
	}
	acct := m.account(borrower)
	held := m.ConvertToAssets(acct.FloatingShares)
	if assets.Cmp(held) > 0 {
		assets = held
	}
	shares := m.previewWithdrawShares(assets)
	if shares.Cmp(acct.FloatingShares) > 0 {
		shares = acct.FloatingShares.Clone()
	}
	need := new(uint256.Int).Add(m.floatingBackupBorrowed, m.floatingDebt)
	need = need.Add(need, assets)
	if m.floatingAssets.Cmp(need) < 0 {
		return ErrInsufficientProtocolLiquidity
	}
	acct.FloatingShares = new(uint256.Int).Sub(acct.FloatingShares, shares)
	m.floatingShares = new(uint256.Int).Sub(m.floatingShares, shares)
	m.floatingAssets = new(uint256.Int).Sub(m.floatingAssets, assets)
	if err := m.vault.TransferOut(liquidator, assets); err != nil {
		return err
	}
	m.emit(&event.Seize{
		Market: m.id, Liquidator: liquidator, Borrower: borrower, Assets: assets.Dec(),
	})
	m.emitMarketUpdate(now)
	return nil
}

// ClearBadDebt writes off borrower's remaining debt against the earnings
// accumulator. Each position clears only if the accumulator fully covers it;
// partially covered positions stay on the books.
func (m *Market) ClearBadDebt(borrower string, now int64) error {
	if err := m.settle(now); err != nil {
		return err
	}
	acct := m.account(borrower)
	cleared := new(uint256.Int)

	var maturities []int64
	acct.FixedBorrows.Each(func(maturity int64) bool {
		maturities = append(maturities, maturity)
		return true
	})
	for _, maturity := range maturities {
		position := acct.FixedBorrowAt(maturity)
		if position == nil {
			continue
		}
		pool := m.fixedPool(maturity, now)
		m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, pool.AccrueEarnings(maturity, now))
		badDebt := m.fixedDebtAt(acct, maturity, now)
		if badDebt.IsZero() || m.earningsAccumulator.Cmp(badDebt) < 0 {
			continue
		}
		m.earningsAccumulator = new(uint256.Int).Sub(m.earningsAccumulator, badDebt)
		m.floatingBackupBorrowed = new(uint256.Int).Sub(m.floatingBackupBorrowed, pool.Repay(position.Principal))
		acct.dropFixedBorrow(maturity)
		cleared.Add(cleared, badDebt)
	}
	if !acct.FloatingBorrowShares.IsZero() {
		badDebt := m.borrowSharesToAssets(acct.FloatingBorrowShares)
		if !badDebt.IsZero() && m.earningsAccumulator.Cmp(badDebt) >= 0 {
			m.earningsAccumulator = new(uint256.Int).Sub(m.earningsAccumulator, badDebt)
			m.floatingDebt = fixmath.SubFloor(m.floatingDebt, badDebt)
			m.floatingBorrowShares = new(uint256.Int).Sub(m.floatingBorrowShares, acct.FloatingBorrowShares)
			acct.FloatingBorrowShares = new(uint256.Int)
			cleared.Add(cleared, badDebt)
		}
	}
	if !cleared.IsZero() {
		m.emit(&event.BadDebtCleared{Market: m.id, Borrower: borrower, Assets: cleared.Dec()})
		m.emitMarketUpdate(now)
	}
	return nil
}
