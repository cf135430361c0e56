package market

import (
	"github.com/holiman/uint256"

	"TermLedger/internal/event"
	"TermLedger/internal/fixmath"
)

func (m *Market) fixedPool(maturity, now int64) *FixedPool {
	pool, ok := m.fixedPools[maturity]
	if !ok {
		pool = newFixedPool(now)
		m.fixedPools[maturity] = pool
	}
	return pool
}

// depositYield is the slice of a pool's unassigned earnings a deposit of
// amount captures by taking over backup-funded debt, net of the backup fee
// cut routed to the accumulator. Zero when the pool has no backup debt.
func (m *Market) depositYield(pool *FixedPool, amount *uint256.Int) (yield, backupFee *uint256.Int) {
	backup := pool.BackupSupplied()
	gross := fixmath.MulDivDown(pool.UnassignedEarnings, fixmath.Min(amount, backup), backup)
	backupFee = fixmath.MulWadDown(gross, m.backupFeeRate)
	return new(uint256.Int).Sub(gross, backupFee), backupFee
}

// splitFixedEarnings routes the backup fee cut of a fixed-pool earning to
// the accumulator and leaves the rest with the pool's depositors.
func (m *Market) splitFixedEarnings(pool *FixedPool, earnings *uint256.Int) {
	backupFee := fixmath.MulWadDown(earnings, m.backupFeeRate)
	m.earningsAccumulator = new(uint256.Int).Add(m.earningsAccumulator, backupFee)
	pool.UnassignedEarnings = new(uint256.Int).Add(pool.UnassignedEarnings,
		new(uint256.Int).Sub(earnings, backupFee))
}

// DepositAtMaturity locks assets into a maturity pool. The deposit earns an
// immediate fee slice of the pool's unassigned earnings, proportional to how
// much backup-funded debt it takes over; minAssetsRequired guards the total
// payoff against a stale quote.
func (m *Market) DepositAtMaturity(now, maturity int64, caller, owner string, assets, minAssetsRequired *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroDeposit
	}
	if err := checkPoolState(now, maturity, m.maxFuturePools, PoolValid); err != nil {
		return nil, err
	}
	pool := m.fixedPool(maturity, now)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, pool.AccrueEarnings(maturity, now))

	yield, backupFee := m.depositYield(pool, assets)
	positionAssets := new(uint256.Int).Add(assets, yield)
	if minAssetsRequired != nil && positionAssets.Cmp(minAssetsRequired) < 0 {
		return nil, ErrDisagreement
	}
	if err := m.vault.TransferIn(caller, assets); err != nil {
		return nil, err
	}
	pool.UnassignedEarnings = new(uint256.Int).Sub(pool.UnassignedEarnings,
		new(uint256.Int).Add(yield, backupFee))
	m.earningsAccumulator = new(uint256.Int).Add(m.earningsAccumulator, backupFee)
	m.floatingBackupBorrowed = new(uint256.Int).Sub(m.floatingBackupBorrowed, pool.Deposit(assets))
	m.account(owner).addFixedDeposit(maturity, assets, yield)

	m.emit(&event.DepositAtMaturity{
		Market: m.id, Maturity: maturity, Caller: caller, Owner: owner,
		Assets: assets.Dec(), Fee: yield.Dec(),
	})
	m.emitFixedEarnings(maturity, pool)
	m.emitMarketUpdate(now)
	return positionAssets, nil
}

// BorrowAtMaturity opens a fixed-rate borrow: the fee is locked at the
// current fixed rate for the remaining term and owed at maturity alongside
// the principal. maxAssets bounds principal plus fee.
func (m *Market) BorrowAtMaturity(now, maturity int64, caller, receiver, borrower string, assets, maxAssets *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroBorrow
	}
	if err := checkPoolState(now, maturity, m.maxFuturePools, PoolValid); err != nil {
		return nil, err
	}
	pool := m.fixedPool(maturity, now)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, pool.AccrueEarnings(maturity, now))

	ttm := uint256.NewInt(uint64(maturity - now))
	rate, err := m.model.FixedRate(m.Utilization(), maturity-now)
	if err != nil {
		return nil, err
	}
	fee := fixmath.MulWadDown(assets, fixmath.MulDivDown(rate, ttm, fixmath.SecondsPerYear))
	assetsOwed := new(uint256.Int).Add(assets, fee)
	if maxAssets != nil && assetsOwed.Cmp(maxAssets) > 0 {
		return nil, ErrDisagreement
	}

	// Preview the backup draw before mutating the pool so liquidity checks
	// can fail cleanly.
	idle := fixmath.SubFloor(pool.Supplied, pool.Borrowed)
	backupDraw := fixmath.SubFloor(assets, idle)
	if !backupDraw.IsZero() {
		newBackup := new(uint256.Int).Add(m.floatingBackupBorrowed, backupDraw)
		borrowable := fixmath.MulWadDown(m.floatingAssets, new(uint256.Int).Sub(fixmath.Wad, m.reserveFactor))
		if new(uint256.Int).Add(newBackup, m.floatingDebt).Cmp(borrowable) > 0 {
			return nil, ErrInsufficientProtocolLiquidity
		}
		// The damped average bounds backup lending so deposit spikes cannot
		// instantly widen it.
		averageBound := fixmath.MulWadDown(m.floatingAssetsAverage, new(uint256.Int).Sub(fixmath.Wad, m.reserveFactor))
		if newBackup.Cmp(averageBound) > 0 {
			return nil, ErrInsufficientProtocolLiquidity
		}
	}
	if m.auditor != nil {
		if err := m.auditor.CheckBorrow(m.id, borrower, assetsOwed, now); err != nil {
			return nil, err
		}
	}
	if err := m.vault.TransferOut(receiver, assets); err != nil {
		return nil, err
	}
	m.floatingBackupBorrowed = new(uint256.Int).Add(m.floatingBackupBorrowed, pool.Borrow(assets))
	m.splitFixedEarnings(pool, fee)
	m.account(borrower).addFixedBorrow(maturity, assets, fee)

	m.emit(&event.BorrowAtMaturity{
		Market: m.id, Maturity: maturity, Caller: caller, Receiver: receiver,
		Borrower: borrower, Assets: assets.Dec(), Fee: fee.Dec(),
	})
	m.emitFixedEarnings(maturity, pool)
	m.emitMarketUpdate(now)
	return assetsOwed, nil
}

// WithdrawAtMaturity exits a fixed deposit. Before maturity the payoff is
// discounted back at the current fixed rate and the discount stays with the
// pool; at or after maturity the position pays out in full.
func (m *Market) WithdrawAtMaturity(now, maturity int64, caller, receiver, owner string, positionAssets, minAssetsRequired *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if positionAssets == nil || positionAssets.IsZero() {
		return nil, ErrZeroWithdraw
	}
	if err := checkPoolState(now, maturity, m.maxFuturePools, PoolValid, PoolMatured); err != nil {
		return nil, err
	}
	acct := m.account(owner)
	position := acct.FixedDepositAt(maturity)
	if position == nil || position.Total().IsZero() {
		return nil, ErrInsufficientBalance
	}
	if positionAssets.Cmp(position.Total()) > 0 {
		positionAssets = position.Total()
	}
	pool := m.fixedPool(maturity, now)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, pool.AccrueEarnings(maturity, now))

	assetsOut := positionAssets.Clone()
	if now < maturity {
		ttm := uint256.NewInt(uint64(maturity - now))
		rate, err := m.model.FixedRate(m.Utilization(), maturity-now)
		if err != nil {
			return nil, err
		}
		discountDiv := new(uint256.Int).Add(fixmath.Wad, fixmath.MulDivDown(rate, ttm, fixmath.SecondsPerYear))
		assetsOut = fixmath.DivWadDown(positionAssets, discountDiv)
	}
	if minAssetsRequired != nil && assetsOut.Cmp(minAssetsRequired) < 0 {
		return nil, ErrDisagreement
	}
	if m.auditor != nil {
		if err := m.auditor.CheckShortfall(m.id, owner, positionAssets, now); err != nil {
			return nil, err
		}
	}

	// Preview the extra backup draw without touching the pool so the
	// liquidity check and the transfer can still fail cleanly.
	principalCovered, _ := position.Scale(positionAssets)
	suppliedAfter := new(uint256.Int).Sub(pool.Supplied, principalCovered)
	backupAddition := new(uint256.Int).Sub(
		fixmath.SubFloor(pool.Borrowed, suppliedAfter), pool.BackupSupplied())
	var newBackup *uint256.Int
	if !backupAddition.IsZero() {
		newBackup = new(uint256.Int).Add(m.floatingBackupBorrowed, backupAddition)
		borrowable := fixmath.MulWadDown(m.floatingAssets, new(uint256.Int).Sub(fixmath.Wad, m.reserveFactor))
		if new(uint256.Int).Add(newBackup, m.floatingDebt).Cmp(borrowable) > 0 {
			return nil, ErrInsufficientProtocolLiquidity
		}
	}
	if err := m.vault.TransferOut(receiver, assetsOut); err != nil {
		return nil, err
	}
	pool.Withdraw(principalCovered)
	if newBackup != nil {
		m.floatingBackupBorrowed = newBackup
	}
	if kept := new(uint256.Int).Sub(positionAssets, assetsOut); !kept.IsZero() {
		m.splitFixedEarnings(pool, kept)
	}
	position.Reduce(positionAssets)
	if position.Total().IsZero() {
		acct.dropFixedDeposit(maturity)
	}

	m.emit(&event.WithdrawAtMaturity{
		Market: m.id, Maturity: maturity, Caller: caller, Receiver: receiver,
		Owner: owner, Assets: positionAssets.Dec(), AssetsOut: assetsOut.Dec(),
	})
	m.emitFixedEarnings(maturity, pool)
	m.emitMarketUpdate(now)
	return assetsOut, nil
}

// RepayAtMaturity settles up to positionAssets of a fixed borrow. Early
// repays earn the depositor-style discount; late repays pay the per-second
// penalty on the covered debt, routed to the accumulator. maxAssets bounds
// what the caller actually pays.
func (m *Market) RepayAtMaturity(now, maturity int64, caller, borrower string, positionAssets, maxAssets *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if positionAssets == nil || positionAssets.IsZero() {
		return nil, ErrZeroRepay
	}
	if err := checkPoolState(now, maturity, m.maxFuturePools, PoolValid, PoolMatured); err != nil {
		return nil, err
	}
	acct := m.account(borrower)
	position := acct.FixedBorrowAt(maturity)
	if position == nil || position.Total().IsZero() {
		return nil, ErrZeroRepay
	}
	debtCovered := fixmath.Min(positionAssets, position.Total())
	pool := m.fixedPool(maturity, now)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, pool.AccrueEarnings(maturity, now))

	principalCovered, _ := position.Scale(debtCovered)
	actualRepay := debtCovered.Clone()
	// Earnings moves are staged by value and committed only once the cap
	// check and the transfer have both passed, so a failed repay leaves the
	// book untouched.
	earningsCut := new(uint256.Int)
	accumulatorAdd := new(uint256.Int)
	switch {
	case now < maturity:
		yield, backupFee := m.depositYield(pool, principalCovered)
		actualRepay = new(uint256.Int).Sub(debtCovered, yield)
		earningsCut = new(uint256.Int).Add(yield, backupFee)
		accumulatorAdd = backupFee
	case now > maturity:
		late := uint256.NewInt(uint64(now - maturity))
		penalty := fixmath.MulWadDown(debtCovered, new(uint256.Int).Mul(m.penaltyRate, late))
		actualRepay = new(uint256.Int).Add(debtCovered, penalty)
		accumulatorAdd = penalty
	}
	if maxAssets != nil && actualRepay.Cmp(maxAssets) > 0 {
		return nil, ErrDisagreement
	}
	if err := m.vault.TransferIn(caller, actualRepay); err != nil {
		return nil, err
	}
	pool.UnassignedEarnings = new(uint256.Int).Sub(pool.UnassignedEarnings, earningsCut)
	m.earningsAccumulator = new(uint256.Int).Add(m.earningsAccumulator, accumulatorAdd)
	m.floatingBackupBorrowed = new(uint256.Int).Sub(m.floatingBackupBorrowed, pool.Repay(principalCovered))
	position.Reduce(debtCovered)
	if position.Total().IsZero() {
		acct.dropFixedBorrow(maturity)
	}

	m.emit(&event.RepayAtMaturity{
		Market: m.id, Maturity: maturity, Caller: caller, Borrower: borrower,
		Assets: actualRepay.Dec(), PositionAssets: debtCovered.Dec(),
	})
	m.emitFixedEarnings(maturity, pool)
	m.emitMarketUpdate(now)
	return actualRepay, nil
}

func (m *Market) emitFixedEarnings(maturity int64, pool *FixedPool) {
	m.emit(&event.FixedEarningsUpdate{
		Market: m.id, Maturity: maturity,
		UnassignedEarnings: pool.UnassignedEarnings.Dec(),
	})
}
