package market

import (
	"github.com/holiman/uint256"

	"TermLedger/internal/fixmath"
)

// FixedPosition is one account's stake in one maturity pool, split into the
// amount moved at open (Principal) and the locked interest (Fee).
type FixedPosition struct {
	Principal *uint256.Int
	Fee       *uint256.Int
}

func (p *FixedPosition) Total() *uint256.Int {
	return new(uint256.Int).Add(p.Principal, p.Fee)
}

// Scale splits a partial cover of the position into its principal and fee
// components, proportional to the position's own split. Principal rounds
// down; the fee takes the remainder so the parts always sum to covered.
func (p *FixedPosition) Scale(covered *uint256.Int) (principal, fee *uint256.Int) {
	total := p.Total()
	if total.IsZero() || covered.Cmp(total) >= 0 {
		return p.Principal.Clone(), p.Fee.Clone()
	}
	principal = fixmath.MulDivDown(covered, p.Principal, total)
	fee = new(uint256.Int).Sub(covered, principal)
	return principal, fee
}

// Reduce subtracts a partial cover from the position in place and reports the
// principal component removed.
func (p *FixedPosition) Reduce(covered *uint256.Int) *uint256.Int {
	principal, fee := p.Scale(covered)
	p.Principal = new(uint256.Int).Sub(p.Principal, principal)
	p.Fee = new(uint256.Int).Sub(p.Fee, fee)
	return principal
}

// Account holds one address's positions in one market.
type Account struct {
	FloatingShares       *uint256.Int
	FloatingBorrowShares *uint256.Int

	FixedDeposits MaturitySet
	FixedBorrows  MaturitySet

	fixedDepositPositions map[int64]*FixedPosition
	fixedBorrowPositions  map[int64]*FixedPosition
}

func newAccount() *Account {
	return &Account{
		FloatingShares:        new(uint256.Int),
		FloatingBorrowShares:  new(uint256.Int),
		fixedDepositPositions: make(map[int64]*FixedPosition),
		fixedBorrowPositions:  make(map[int64]*FixedPosition),
	}
}

func (a *Account) FixedDepositAt(maturity int64) *FixedPosition {
	return a.fixedDepositPositions[maturity]
}

func (a *Account) FixedBorrowAt(maturity int64) *FixedPosition {
	return a.fixedBorrowPositions[maturity]
}

func (a *Account) addFixedDeposit(maturity int64, principal, fee *uint256.Int) {
	pos, ok := a.fixedDepositPositions[maturity]
	if !ok {
		pos = &FixedPosition{Principal: new(uint256.Int), Fee: new(uint256.Int)}
		a.fixedDepositPositions[maturity] = pos
		a.FixedDeposits.Add(maturity)
	}
	pos.Principal = new(uint256.Int).Add(pos.Principal, principal)
	pos.Fee = new(uint256.Int).Add(pos.Fee, fee)
}

func (a *Account) addFixedBorrow(maturity int64, principal, fee *uint256.Int) {
	pos, ok := a.fixedBorrowPositions[maturity]
	if !ok {
		pos = &FixedPosition{Principal: new(uint256.Int), Fee: new(uint256.Int)}
		a.fixedBorrowPositions[maturity] = pos
		a.FixedBorrows.Add(maturity)
	}
	pos.Principal = new(uint256.Int).Add(pos.Principal, principal)
	pos.Fee = new(uint256.Int).Add(pos.Fee, fee)
}

func (a *Account) dropFixedDeposit(maturity int64) {
	delete(a.fixedDepositPositions, maturity)
	a.FixedDeposits.Remove(maturity)
}

func (a *Account) dropFixedBorrow(maturity int64) {
	delete(a.fixedBorrowPositions, maturity)
	a.FixedBorrows.Remove(maturity)
}
