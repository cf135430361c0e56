package market

import (
	"fmt"

	"github.com/holiman/uint256"

	"TermLedger/internal/event"
	"TermLedger/internal/fixmath"
	"TermLedger/internal/irm"
	"TermLedger/internal/vault"
)

// Auditor is the cross-market risk surface a market consults before moving
// value. All checks are hypothetical: they simulate the operation's effect on
// account liquidity without mutating anything, so a failed check leaves no
// state to roll back.
type Auditor interface {
	// CheckBorrow validates a new borrow of assets against the borrower's
	// collateral, auto-entering the borrower into the market.
	CheckBorrow(marketID, borrower string, assets *uint256.Int, now int64) error
	// CheckShortfall validates that removing assets from the account's
	// position leaves no collateral shortfall.
	CheckShortfall(marketID, account string, assets *uint256.Int, now int64) error
	// CheckLiquidation validates a liquidation and returns the repay amount
	// capped by the close factor and by seizable collateral.
	CheckLiquidation(repayMarketID, seizeMarketID, liquidator, borrower string, maxAssets *uint256.Int, now int64) (*uint256.Int, error)
	// CalculateSeize converts repaid debt into collateral to seize, split
	// into the liquidator's take and the lenders' cut.
	CalculateSeize(repayMarketID, seizeMarketID, borrower string, actualRepay *uint256.Int, now int64) (lendersAssets, seizeAssets *uint256.Int, err error)
	// Seize routes a collateral seizure to the seize market.
	Seize(seizeMarketID, liquidator, borrower string, assets *uint256.Int, now int64) error
	// HandleBadDebt clears any residual collateral-free debt of the borrower
	// across markets.
	HandleBadDebt(borrower string, now int64) error
}

// EventSink receives operation events after a successful mutation.
type EventSink interface {
	Emit(e event.Event)
}

// Config carries a market's immutable identity and its risk parameters. All
// rates and factors are WAD-scaled.
type Config struct {
	ID    string
	Model *irm.Model
	Vault vault.Vault

	// PenaltyRate is charged per second on overdue fixed debt.
	PenaltyRate *uint256.Int
	// BackupFeeRate is the share of fixed fees routed to the accumulator
	// when the floating pool backs the position.
	BackupFeeRate *uint256.Int
	// ReserveFactor keeps a fraction of floating deposits unborrowable.
	ReserveFactor *uint256.Int
	// TreasuryFeeRate diverts a share of floating interest to the treasury.
	TreasuryFeeRate *uint256.Int
	Treasury        string

	MaxFuturePools int
	// SmoothFactor stretches the accumulator release horizon.
	SmoothFactor *uint256.Int
	// DampSpeedUp and DampSpeedDown set how fast the damped deposit average
	// tracks rises and falls, per second.
	DampSpeedUp   *uint256.Int
	DampSpeedDown *uint256.Int

	// Now seeds the accrual clocks.
	Now int64
}

// Market is one asset's two-tier lending ledger: a share-based floating pool
// plus a grid of fixed-maturity pools backed by it. Markets are not safe for
// concurrent use; the engine serializes all calls.
type Market struct {
	id      string
	model   *irm.Model
	vault   vault.Vault
	auditor Auditor
	sink    EventSink

	floatingAssets         *uint256.Int
	floatingShares         *uint256.Int
	floatingDebt           *uint256.Int
	floatingBorrowShares   *uint256.Int
	floatingBackupBorrowed *uint256.Int
	earningsAccumulator    *uint256.Int

	floatingAssetsAverage  *uint256.Int
	lastAverageUpdate      int64
	lastFloatingDebtUpdate int64
	lastAccumulatorAccrual int64

	penaltyRate     *uint256.Int
	backupFeeRate   *uint256.Int
	reserveFactor   *uint256.Int
	treasuryFeeRate *uint256.Int
	treasury        string
	maxFuturePools  int
	smoothFactor    *uint256.Int
	dampSpeedUp     *uint256.Int
	dampSpeedDown   *uint256.Int

	fixedPools map[int64]*FixedPool
	accounts   map[string]*Account
}

func NewMarket(cfg Config) (*Market, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("market: empty id")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("market %s: nil interest rate model", cfg.ID)
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("market %s: nil vault", cfg.ID)
	}
	if cfg.MaxFuturePools < 1 || cfg.MaxFuturePools > 56 {
		return nil, fmt.Errorf("market %s: maxFuturePools %d out of range [1,56]", cfg.ID, cfg.MaxFuturePools)
	}
	if cfg.ReserveFactor == nil || cfg.ReserveFactor.Cmp(fixmath.Wad) >= 0 {
		return nil, fmt.Errorf("market %s: reserve factor must be below one", cfg.ID)
	}
	if cfg.BackupFeeRate == nil || cfg.BackupFeeRate.Cmp(fixmath.Wad) > 0 {
		return nil, fmt.Errorf("market %s: backup fee rate must not exceed one", cfg.ID)
	}
	if cfg.TreasuryFeeRate == nil || cfg.TreasuryFeeRate.Cmp(fixmath.Wad) >= 0 {
		return nil, fmt.Errorf("market %s: treasury fee rate must be below one", cfg.ID)
	}
	if !cfg.TreasuryFeeRate.IsZero() && cfg.Treasury == "" {
		return nil, fmt.Errorf("market %s: treasury fee configured without treasury account", cfg.ID)
	}
	if cfg.PenaltyRate == nil || cfg.SmoothFactor == nil || cfg.SmoothFactor.IsZero() {
		return nil, fmt.Errorf("market %s: penalty rate and smooth factor are required", cfg.ID)
	}
	if cfg.DampSpeedUp == nil || cfg.DampSpeedDown == nil {
		return nil, fmt.Errorf("market %s: damp speeds are required", cfg.ID)
	}
	return &Market{
		id:      cfg.ID,
		model:   cfg.Model,
		vault:   cfg.Vault,

		floatingAssets:         new(uint256.Int),
		floatingShares:         new(uint256.Int),
		floatingDebt:           new(uint256.Int),
		floatingBorrowShares:   new(uint256.Int),
		floatingBackupBorrowed: new(uint256.Int),
		earningsAccumulator:    new(uint256.Int),
		floatingAssetsAverage:  new(uint256.Int),

		lastAverageUpdate:      cfg.Now,
		lastFloatingDebtUpdate: cfg.Now,
		lastAccumulatorAccrual: cfg.Now,

		penaltyRate:     cfg.PenaltyRate.Clone(),
		backupFeeRate:   cfg.BackupFeeRate.Clone(),
		reserveFactor:   cfg.ReserveFactor.Clone(),
		treasuryFeeRate: cfg.TreasuryFeeRate.Clone(),
		treasury:        cfg.Treasury,
		maxFuturePools:  cfg.MaxFuturePools,
		smoothFactor:    cfg.SmoothFactor.Clone(),
		dampSpeedUp:     cfg.DampSpeedUp.Clone(),
		dampSpeedDown:   cfg.DampSpeedDown.Clone(),

		fixedPools: make(map[int64]*FixedPool),
		accounts:   make(map[string]*Account),
	}, nil
}

// SetAuditor wires the risk surface. Must happen before any borrow, withdraw
// or liquidation.
func (m *Market) SetAuditor(a Auditor) { m.auditor = a }

// SetEventSink wires the event output. A nil sink drops events.
func (m *Market) SetEventSink(s EventSink) { m.sink = s }

func (m *Market) ID() string { return m.id }

func (m *Market) emit(e event.Event) {
	if m.sink != nil {
		m.sink.Emit(e)
	}
}

func (m *Market) account(addr string) *Account {
	acct, ok := m.accounts[addr]
	if !ok {
		acct = newAccount()
		m.accounts[addr] = acct
	}
	return acct
}

// settle brings the market current to now before an operation's own effect:
// accumulator release, then floating interest with the treasury cut, then the
// damped deposit average.
func (m *Market) settle(now int64) error {
	m.releaseAccumulator(now)
	if err := m.accrueFloatingDebt(now); err != nil {
		return err
	}
	m.updateFloatingAssetsAverage(now)
	return nil
}

// releaseAccumulator drips earnings into the floating pool. The drip fraction
// elapsed/(elapsed + smoothFactor*maxFuturePools*Interval) approaches one
// asymptotically, so the accumulator never fully drains in finite time.
func (m *Market) releaseAccumulator(now int64) {
	elapsed := now - m.lastAccumulatorAccrual
	if elapsed <= 0 {
		return
	}
	m.lastAccumulatorAccrual = now
	if m.earningsAccumulator.IsZero() {
		return
	}
	window := fixmath.MulWadDown(m.smoothFactor, uint256.NewInt(uint64(int64(m.maxFuturePools)*Interval)))
	elapsedU := uint256.NewInt(uint64(elapsed))
	released := fixmath.MulDivDown(m.earningsAccumulator, elapsedU, new(uint256.Int).Add(elapsedU, window))
	if released.IsZero() {
		return
	}
	m.earningsAccumulator = new(uint256.Int).Sub(m.earningsAccumulator, released)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, released)
	m.emit(&event.AccumulatorAccrual{Market: m.id, Released: released.Dec()})
}

// accrueFloatingDebt compounds floating borrow interest since the last
// update at the current utilization's rate, diverting the treasury cut as
// freshly minted deposit shares.
func (m *Market) accrueFloatingDebt(now int64) error {
	elapsed := now - m.lastFloatingDebtUpdate
	if elapsed <= 0 {
		return nil
	}
	m.lastFloatingDebtUpdate = now
	if m.floatingDebt.IsZero() {
		return nil
	}
	u := m.Utilization()
	rate, err := m.model.FloatingRate(u)
	if err != nil {
		return err
	}
	interest := fixmath.MulWadDown(m.floatingDebt,
		fixmath.MulDivDown(rate, uint256.NewInt(uint64(elapsed)), fixmath.SecondsPerYear))
	if interest.IsZero() {
		return nil
	}
	m.floatingDebt = new(uint256.Int).Add(m.floatingDebt, interest)

	fee := fixmath.MulWadDown(interest, m.treasuryFeeRate)
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, new(uint256.Int).Sub(interest, fee))
	if !fee.IsZero() && m.treasury != "" && !m.floatingShares.IsZero() {
		feeShares := fixmath.MulDivDown(fee, m.floatingShares, m.floatingAssets)
		m.floatingShares = new(uint256.Int).Add(m.floatingShares, feeShares)
		treasuryAcct := m.account(m.treasury)
		treasuryAcct.FloatingShares = new(uint256.Int).Add(treasuryAcct.FloatingShares, feeShares)
		m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, fee)
	} else {
		m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, fee)
	}
	m.emit(&event.FloatingDebtUpdate{Market: m.id, Utilization: u.Dec()})
	return nil
}

// updateFloatingAssetsAverage moves the damped average toward the current
// deposit total with factor 1-e^(-speed*elapsed), using the slower speed on
// the way up so deposit spikes cannot instantly widen the backup bound.
func (m *Market) updateFloatingAssetsAverage(now int64) {
	elapsed := now - m.lastAverageUpdate
	if elapsed <= 0 {
		return
	}
	m.lastAverageUpdate = now
	speed := m.dampSpeedDown
	if m.floatingAssets.Cmp(m.floatingAssetsAverage) >= 0 {
		speed = m.dampSpeedUp
	}
	factor := new(uint256.Int).Sub(fixmath.Wad,
		fixmath.ExpNegWad(new(uint256.Int).Mul(speed, uint256.NewInt(uint64(elapsed)))))
	m.floatingAssetsAverage = new(uint256.Int).Add(
		fixmath.MulWadDown(new(uint256.Int).Sub(fixmath.Wad, factor), m.floatingAssetsAverage),
		fixmath.MulWadDown(factor, m.floatingAssets),
	)
}

// Utilization is floating debt over floating assets, rounded up. Zero when
// the pool is empty.
func (m *Market) Utilization() *uint256.Int {
	if m.floatingAssets.IsZero() {
		return new(uint256.Int)
	}
	return fixmath.DivWadUp(m.floatingDebt, m.floatingAssets)
}

func (m *Market) previewDepositShares(assets *uint256.Int) *uint256.Int {
	if m.floatingShares.IsZero() {
		return assets.Clone()
	}
	return fixmath.MulDivDown(assets, m.floatingShares, m.floatingAssets)
}

func (m *Market) previewWithdrawShares(assets *uint256.Int) *uint256.Int {
	if m.floatingShares.IsZero() {
		return assets.Clone()
	}
	return fixmath.MulDivUp(assets, m.floatingShares, m.floatingAssets)
}

// ConvertToAssets values deposit shares at the current exchange rate.
func (m *Market) ConvertToAssets(shares *uint256.Int) *uint256.Int {
	if m.floatingShares.IsZero() {
		return shares.Clone()
	}
	return fixmath.MulDivDown(shares, m.floatingAssets, m.floatingShares)
}

func (m *Market) previewBorrowShares(assets *uint256.Int) *uint256.Int {
	if m.floatingBorrowShares.IsZero() {
		return assets.Clone()
	}
	return fixmath.MulDivUp(assets, m.floatingBorrowShares, m.floatingDebt)
}

func (m *Market) borrowSharesToAssets(shares *uint256.Int) *uint256.Int {
	if m.floatingBorrowShares.IsZero() {
		return shares.Clone()
	}
	return fixmath.MulDivUp(shares, m.floatingDebt, m.floatingBorrowShares)
}

// Deposit moves assets from caller into the floating pool, minting deposit
// shares to owner at the current exchange rate.
func (m *Market) Deposit(now int64, caller, owner string, assets *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroDeposit
	}
	shares := m.previewDepositShares(assets)
	if shares.IsZero() {
		return nil, ErrZeroDeposit
	}
	if err := m.vault.TransferIn(caller, assets); err != nil {
		return nil, err
	}
	m.floatingAssets = new(uint256.Int).Add(m.floatingAssets, assets)
	m.floatingShares = new(uint256.Int).Add(m.floatingShares, shares)
	acct := m.account(owner)
	acct.FloatingShares = new(uint256.Int).Add(acct.FloatingShares, shares)

	m.emit(&event.Deposit{
		Market: m.id, Caller: caller, Owner: owner,
		Assets: assets.Dec(), Shares: shares.Dec(),
	})
	m.emitMarketUpdate(now)
	return shares, nil
}

// Withdraw burns owner's shares for assets and sends them to receiver. Fails
// if owner's remaining collateral cannot carry their debt or if the floating
// pool cannot release the liquidity.
func (m *Market) Withdraw(now int64, caller, receiver, owner string, assets *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroWithdraw
	}
	shares := m.previewWithdrawShares(assets)
	acct := m.account(owner)
	if acct.FloatingShares.Cmp(shares) < 0 {
		return nil, ErrInsufficientBalance
	}
	if m.auditor != nil {
		if err := m.auditor.CheckShortfall(m.id, owner, assets, now); err != nil {
			return nil, err
		}
	}
	need := new(uint256.Int).Add(m.floatingBackupBorrowed, m.floatingDebt)
	need = need.Add(need, assets)
	if m.floatingAssets.Cmp(need) < 0 {
		return nil, ErrInsufficientProtocolLiquidity
	}
	if err := m.vault.TransferOut(receiver, assets); err != nil {
		return nil, err
	}
	acct.FloatingShares = new(uint256.Int).Sub(acct.FloatingShares, shares)
	m.floatingShares = new(uint256.Int).Sub(m.floatingShares, shares)
	m.floatingAssets = new(uint256.Int).Sub(m.floatingAssets, assets)

	m.emit(&event.Withdraw{
		Market: m.id, Caller: caller, Receiver: receiver, Owner: owner,
		Assets: assets.Dec(), Shares: shares.Dec(),
	})
	m.emitMarketUpdate(now)
	return shares, nil
}

// Borrow draws assets from the floating pool against borrower's collateral,
// minting variable-rate borrow shares.
func (m *Market) Borrow(now int64, caller, receiver, borrower string, assets *uint256.Int) (*uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, err
	}
	if assets == nil || assets.IsZero() {
		return nil, ErrZeroBorrow
	}
	shares := m.previewBorrowShares(assets)

	newDebt := new(uint256.Int).Add(m.floatingDebt, assets)
	borrowable := fixmath.MulWadDown(m.floatingAssets, new(uint256.Int).Sub(fixmath.Wad, m.reserveFactor))
	if new(uint256.Int).Add(newDebt, m.floatingBackupBorrowed).Cmp(borrowable) > 0 {
		return nil, ErrInsufficientProtocolLiquidity
	}
	if m.auditor != nil {
		if err := m.auditor.CheckBorrow(m.id, borrower, assets, now); err != nil {
			return nil, err
		}
	}
	if err := m.vault.TransferOut(receiver, assets); err != nil {
		return nil, err
	}
	m.floatingDebt = newDebt
	m.floatingBorrowShares = new(uint256.Int).Add(m.floatingBorrowShares, shares)
	acct := m.account(borrower)
	acct.FloatingBorrowShares = new(uint256.Int).Add(acct.FloatingBorrowShares, shares)

	m.emit(&event.Borrow{
		Market: m.id, Caller: caller, Receiver: receiver, Borrower: borrower,
		Assets: assets.Dec(), Shares: shares.Dec(),
	})
	m.emitMarketUpdate(now)
	return shares, nil
}

// Repay pays down borrower's floating debt with up to maxAssets from caller,
// returning the assets actually moved and the borrow shares burned.
func (m *Market) Repay(now int64, caller, borrower string, maxAssets *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := m.settle(now); err != nil {
		return nil, nil, err
	}
	acct := m.account(borrower)
	debt := m.borrowSharesToAssets(acct.FloatingBorrowShares)
	if maxAssets == nil || maxAssets.IsZero() || debt.IsZero() {
		return nil, nil, ErrZeroRepay
	}
	var actual, shares *uint256.Int
	if maxAssets.Cmp(debt) >= 0 {
		actual = debt
		shares = acct.FloatingBorrowShares.Clone()
	} else {
		actual = maxAssets.Clone()
		shares = fixmath.MulDivDown(acct.FloatingBorrowShares, actual, debt)
	}
	if err := m.vault.TransferIn(caller, actual); err != nil {
		return nil, nil, err
	}
	m.floatingDebt = fixmath.SubFloor(m.floatingDebt, actual)
	m.floatingBorrowShares = new(uint256.Int).Sub(m.floatingBorrowShares, shares)
	acct.FloatingBorrowShares = new(uint256.Int).Sub(acct.FloatingBorrowShares, shares)

	m.emit(&event.Repay{
		Market: m.id, Caller: caller, Borrower: borrower,
		Assets: actual.Dec(), Shares: shares.Dec(),
	})
	m.emitMarketUpdate(now)
	return actual, shares, nil
}

func (m *Market) emitMarketUpdate(now int64) {
	m.emit(&event.MarketUpdate{
		Market:               m.id,
		Timestamp:            now,
		FloatingAssets:       m.floatingAssets.Dec(),
		FloatingDebt:         m.floatingDebt.Dec(),
		FloatingShares:       m.floatingShares.Dec(),
		FloatingBorrowShares: m.floatingBorrowShares.Dec(),
		BackupBorrowed:       m.floatingBackupBorrowed.Dec(),
		EarningsAccumulator:  m.earningsAccumulator.Dec(),
	})
}
