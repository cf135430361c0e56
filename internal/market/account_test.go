package market

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestFixedPositionScaleSplitsProportionally(t *testing.T) {
	pos := &FixedPosition{Principal: wad(100), Fee: wad(10)}

	principal, fee := pos.Scale(wad(55))
	if principal.Cmp(wad(50)) != 0 || fee.Cmp(wad(5)) != 0 {
		t.Fatalf("scale(55) = (%s, %s), want (50, 5)", principal, fee)
	}
	// Parts always sum to the covered amount, even when rounding.
	covered := uint256.NewInt(33_333_333_333_333_333)
	principal, fee = pos.Scale(covered)
	if got := new(uint256.Int).Add(principal, fee); got.Cmp(covered) != 0 {
		t.Fatalf("parts sum to %s, want %s", got, covered)
	}
	// Covering more than the position caps at the position.
	principal, fee = pos.Scale(wad(500))
	if principal.Cmp(wad(100)) != 0 || fee.Cmp(wad(10)) != 0 {
		t.Fatalf("over-cover = (%s, %s), want full position", principal, fee)
	}
}

func TestFixedPositionReduce(t *testing.T) {
	pos := &FixedPosition{Principal: wad(100), Fee: wad(10)}
	principal := pos.Reduce(wad(55))
	if principal.Cmp(wad(50)) != 0 {
		t.Fatalf("reduce returned principal %s, want 50", principal)
	}
	if pos.Principal.Cmp(wad(50)) != 0 || pos.Fee.Cmp(wad(5)) != 0 {
		t.Fatalf("after reduce: (%s, %s), want (50, 5)", pos.Principal, pos.Fee)
	}
	pos.Reduce(wad(55))
	if !pos.Total().IsZero() {
		t.Fatalf("position not empty after covering everything: %s", pos.Total())
	}
}

func TestAccountPositionBookkeeping(t *testing.T) {
	acct := newAccount()
	acct.addFixedBorrow(Interval, wad(100), wad(10))
	acct.addFixedBorrow(Interval, wad(50), wad(5)) // merges into the same maturity
	acct.addFixedBorrow(2*Interval, wad(1), new(uint256.Int))

	if acct.FixedBorrows.Len() != 2 {
		t.Fatalf("tracked %d maturities, want 2", acct.FixedBorrows.Len())
	}
	pos := acct.FixedBorrowAt(Interval)
	if pos == nil || pos.Principal.Cmp(wad(150)) != 0 || pos.Fee.Cmp(wad(15)) != 0 {
		t.Fatalf("merged position = %+v", pos)
	}
	acct.dropFixedBorrow(Interval)
	if acct.FixedBorrowAt(Interval) != nil || acct.FixedBorrows.Has(Interval) {
		t.Fatal("dropped maturity still tracked")
	}
	if acct.FixedBorrowAt(2*Interval) == nil {
		t.Fatal("unrelated maturity lost")
	}
}
