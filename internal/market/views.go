package market

import (
	"github.com/holiman/uint256"

	"TermLedger/internal/fixmath"
)

// Read-side accessors. Views never mutate and reflect the last settled
// state; pending interest since the previous mutation is added pure where a
// view needs current values.

func (m *Market) TotalFloatingAssets() *uint256.Int { return m.floatingAssets.Clone() }
func (m *Market) TotalFloatingShares() *uint256.Int { return m.floatingShares.Clone() }
func (m *Market) TotalFloatingDebt() *uint256.Int   { return m.floatingDebt.Clone() }

func (m *Market) TotalFloatingBorrowShares() *uint256.Int {
	return m.floatingBorrowShares.Clone()
}

func (m *Market) FloatingBackupBorrowed() *uint256.Int {
	return m.floatingBackupBorrowed.Clone()
}

func (m *Market) EarningsAccumulator() *uint256.Int {
	return m.earningsAccumulator.Clone()
}

func (m *Market) FloatingAssetsAverage() *uint256.Int {
	return m.floatingAssetsAverage.Clone()
}

func (m *Market) MaxFuturePools() int { return m.maxFuturePools }

func (m *Market) PenaltyRate() *uint256.Int { return m.penaltyRate.Clone() }

// FixedPoolAt returns a copy of the maturity pool, or ok=false if the pool
// was never touched.
func (m *Market) FixedPoolAt(maturity int64) (FixedPool, bool) {
	pool, ok := m.fixedPools[maturity]
	if !ok {
		return FixedPool{}, false
	}
	return FixedPool{
		Borrowed:           pool.Borrowed.Clone(),
		Supplied:           pool.Supplied.Clone(),
		UnassignedEarnings: pool.UnassignedEarnings.Clone(),
		LastAccrual:        pool.LastAccrual,
	}, true
}

// BalanceOf reports an account's floating deposit share balance.
func (m *Market) BalanceOf(account string) *uint256.Int {
	if acct, ok := m.accounts[account]; ok {
		return acct.FloatingShares.Clone()
	}
	return new(uint256.Int)
}

// AccountAt exposes an account's positions for read-only inspection.
func (m *Market) AccountAt(account string) (*Account, bool) {
	acct, ok := m.accounts[account]
	return acct, ok
}

// PreviewDebt totals an account's debt in this market at now: the floating
// borrow valued at the current share price plus every fixed borrow position,
// with the per-second penalty applied to positions past maturity.
func (m *Market) PreviewDebt(account string, now int64) *uint256.Int {
	acct, ok := m.accounts[account]
	if !ok {
		return new(uint256.Int)
	}
	debt := new(uint256.Int)
	if !acct.FloatingBorrowShares.IsZero() {
		debt.Add(debt, m.borrowSharesToAssets(acct.FloatingBorrowShares))
	}
	acct.FixedBorrows.Each(func(maturity int64) bool {
		debt.Add(debt, m.fixedDebtAt(acct, maturity, now))
		return true
	})
	return debt
}

// fixedDebtAt is one fixed borrow position's payoff at now, penalty included.
func (m *Market) fixedDebtAt(acct *Account, maturity, now int64) *uint256.Int {
	pos := acct.FixedBorrowAt(maturity)
	if pos == nil {
		return new(uint256.Int)
	}
	owed := pos.Total()
	if now > maturity {
		late := uint256.NewInt(uint64(now - maturity))
		penalty := fixmath.MulWadDown(owed, new(uint256.Int).Mul(m.penaltyRate, late))
		owed = new(uint256.Int).Add(owed, penalty)
	}
	return owed
}

// AccountSnapshot returns an account's gross position value and gross debt
// in this market, both unweighted. The auditor applies the adjust factor.
func (m *Market) AccountSnapshot(account string, now int64) (position, debt *uint256.Int) {
	position = new(uint256.Int)
	acct, ok := m.accounts[account]
	if !ok {
		return position, new(uint256.Int)
	}
	if !acct.FloatingShares.IsZero() {
		position.Add(position, m.ConvertToAssets(acct.FloatingShares))
	}
	acct.FixedDeposits.Each(func(maturity int64) bool {
		if pos := acct.FixedDepositAt(maturity); pos != nil {
			position.Add(position, pos.Total())
		}
		return true
	})
	return position, m.PreviewDebt(account, now)
}
