package market

import (
	"math/bits"

	"github.com/holiman/uint256"

	"TermLedger/internal/fixmath"
)

// Interval is the maturity grid spacing in seconds (four weeks). Every valid
// maturity is a positive multiple of it.
const Interval int64 = 4 * 7 * 24 * 60 * 60

// PoolState is the lifecycle state of a maturity pool relative to a clock.
type PoolState uint8

const (
	PoolNone PoolState = iota
	PoolInvalid
	PoolNotReady
	PoolValid
	PoolMatured
)

func (s PoolState) String() string {
	switch s {
	case PoolNone:
		return "NONE"
	case PoolInvalid:
		return "INVALID"
	case PoolNotReady:
		return "NOT_READY"
	case PoolValid:
		return "VALID"
	case PoolMatured:
		return "MATURED"
	default:
		return "UNKNOWN"
	}
}

// PoolStateAt classifies a maturity timestamp against now and the listing
// window of maxFuturePools grid points.
func PoolStateAt(now, maturity int64, maxFuturePools int) PoolState {
	if maturity <= 0 || maturity%Interval != 0 {
		return PoolInvalid
	}
	if maturity <= now {
		return PoolMatured
	}
	windowEnd := now - now%Interval + int64(maxFuturePools)*Interval
	if maturity <= windowEnd {
		return PoolValid
	}
	return PoolNotReady
}

func checkPoolState(now, maturity int64, maxFuturePools int, accepted ...PoolState) error {
	state := PoolStateAt(now, maturity, maxFuturePools)
	for _, a := range accepted {
		if state == a {
			return nil
		}
	}
	return &PoolStateError{State: state, Accepted: accepted}
}

// FixedPool is the per-maturity order book side of a market: total borrowed,
// total supplied, and the fee income not yet assigned to any depositor.
type FixedPool struct {
	Borrowed           *uint256.Int
	Supplied           *uint256.Int
	UnassignedEarnings *uint256.Int
	LastAccrual        int64
}

func newFixedPool(now int64) *FixedPool {
	return &FixedPool{
		Borrowed:           new(uint256.Int),
		Supplied:           new(uint256.Int),
		UnassignedEarnings: new(uint256.Int),
		LastAccrual:        now,
	}
}

// BackupSupplied is the portion of Borrowed not funded by the pool's own
// depositors, i.e. funded by the floating pool.
func (p *FixedPool) BackupSupplied() *uint256.Int {
	return fixmath.SubFloor(p.Borrowed, p.Supplied)
}

// AccrueEarnings moves the time-proportional slice of UnassignedEarnings
// accrued since LastAccrual out of the pool and returns it. Accrual is linear
// to maturity; past maturity the remainder releases at once and LastAccrual
// pins to the maturity so late calls accrue nothing further.
func (p *FixedPool) AccrueEarnings(maturity, now int64) *uint256.Int {
	if now >= maturity {
		accrued := p.UnassignedEarnings
		p.UnassignedEarnings = new(uint256.Int)
		p.LastAccrual = maturity
		return accrued
	}
	elapsed := now - p.LastAccrual
	if elapsed <= 0 {
		return new(uint256.Int)
	}
	accrued := fixmath.MulDivDown(
		p.UnassignedEarnings,
		uint256.NewInt(uint64(elapsed)),
		uint256.NewInt(uint64(maturity-p.LastAccrual)),
	)
	p.UnassignedEarnings = new(uint256.Int).Sub(p.UnassignedEarnings, accrued)
	p.LastAccrual = now
	return accrued
}

// Deposit records a fixed deposit and returns how much previously
// backup-funded debt the deposit takes over.
func (p *FixedPool) Deposit(amount *uint256.Int) *uint256.Int {
	backupReduction := fixmath.Min(p.BackupSupplied(), amount)
	p.Supplied = new(uint256.Int).Add(p.Supplied, amount)
	return backupReduction
}

// Borrow records a fixed borrow and returns how much the floating pool must
// back beyond the pool's idle deposits.
func (p *FixedPool) Borrow(amount *uint256.Int) *uint256.Int {
	idle := fixmath.SubFloor(p.Supplied, p.Borrowed)
	backup := fixmath.SubFloor(amount, idle)
	p.Borrowed = new(uint256.Int).Add(p.Borrowed, amount)
	return backup
}

// Repay removes repaid principal and returns how much backup funding it
// releases back to the floating pool.
func (p *FixedPool) Repay(principal *uint256.Int) *uint256.Int {
	backupReduction := fixmath.Min(p.BackupSupplied(), principal)
	p.Borrowed = new(uint256.Int).Sub(p.Borrowed, principal)
	return backupReduction
}

// Withdraw removes withdrawn principal from Supplied and returns how much
// additional backup funding the floating pool must take over.
func (p *FixedPool) Withdraw(principal *uint256.Int) *uint256.Int {
	before := p.BackupSupplied()
	p.Supplied = new(uint256.Int).Sub(p.Supplied, principal)
	return new(uint256.Int).Sub(p.BackupSupplied(), before)
}

// MaturitySet is a compact set of grid-aligned maturities: a base slot plus a
// 64-bit bitmap of offsets from it. An account's live positions span at most
// the listing window, far below 64 intervals.
type MaturitySet struct {
	base int64
	bits uint64
}

func (s *MaturitySet) Empty() bool { return s.bits == 0 }

func (s *MaturitySet) Len() int { return bits.OnesCount64(s.bits) }

func (s *MaturitySet) Has(maturity int64) bool {
	if s.bits == 0 || maturity%Interval != 0 {
		return false
	}
	slot := maturity / Interval
	if slot < s.base || slot >= s.base+64 {
		return false
	}
	return s.bits&(1<<uint(slot-s.base)) != 0
}

func (s *MaturitySet) Add(maturity int64) {
	slot := maturity / Interval
	if s.bits == 0 {
		s.base = slot
		s.bits = 1
		return
	}
	if slot < s.base {
		delta := s.base - slot
		if delta >= 64 {
			panic("market: maturity set span exceeds 64 intervals")
		}
		s.bits <<= uint(delta)
		s.base = slot
	}
	offset := slot - s.base
	if offset >= 64 {
		panic("market: maturity set span exceeds 64 intervals")
	}
	s.bits |= 1 << uint(offset)
}

func (s *MaturitySet) Remove(maturity int64) {
	slot := maturity / Interval
	if s.bits == 0 || slot < s.base || slot >= s.base+64 {
		return
	}
	s.bits &^= 1 << uint(slot-s.base)
	if s.bits == 0 {
		s.base = 0
		return
	}
	// Rebase so the lowest set bit is bit zero.
	shift := bits.TrailingZeros64(s.bits)
	s.bits >>= uint(shift)
	s.base += int64(shift)
}

// Each visits maturities in ascending order; return false to stop.
func (s *MaturitySet) Each(fn func(maturity int64) bool) {
	b := s.bits
	for b != 0 {
		offset := bits.TrailingZeros64(b)
		if !fn((s.base + int64(offset)) * Interval) {
			return
		}
		b &^= 1 << uint(offset)
	}
}
