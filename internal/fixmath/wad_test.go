package fixmath_test

import (
	"testing"

	"TermLedger/internal/fixmath"

	"github.com/holiman/uint256"
)

func wad(n uint64) *uint256.Int { return fixmath.NewWad(n) }

func TestMulWadDown_RoundsTowardZero(t *testing.T) {
	// 1/3 WAD * 2 = 0.666...; down keeps the truncated value
	third := new(uint256.Int).Div(fixmath.Wad, uint256.NewInt(3))
	got := fixmath.MulWadDown(third, wad(2))
	want := new(uint256.Int).Mul(third, uint256.NewInt(2))
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMulWadUp_RoundsAwayFromZero(t *testing.T) {
	down := fixmath.MulWadDown(wad(1), uint256.NewInt(1)) // 1e18 * 1 / 1e18 = 1, exact
	up := fixmath.MulWadUp(wad(1), uint256.NewInt(1))
	if down.Cmp(up) != 0 {
		t.Errorf("exact division must not round: down=%s up=%s", down, up)
	}

	// 1 * 1 / 1e18 truncates to 0 down, 1 up
	one := uint256.NewInt(1)
	if !fixmath.MulWadDown(one, one).IsZero() {
		t.Error("down should truncate to zero")
	}
	if fixmath.MulWadUp(one, one).Cmp(one) != 0 {
		t.Error("up should round to one")
	}
}

func TestDivWad_Inverse(t *testing.T) {
	a := wad(123_456)
	b := wad(789)
	q := fixmath.DivWadDown(a, b)
	back := fixmath.MulWadDown(q, b)
	// rounding loses at most one unit per step
	diff := new(uint256.Int).Sub(a, back)
	if diff.Cmp(wad(1)) > 0 {
		t.Errorf("round trip drift too large: %s", diff)
	}
}

func TestMulDivUp_ZeroNumerator(t *testing.T) {
	if !fixmath.MulDivUp(new(uint256.Int), wad(5), wad(3)).IsZero() {
		t.Error("0 * b / d must be 0 even rounding up")
	}
}

func TestSubFloor(t *testing.T) {
	if !fixmath.SubFloor(wad(1), wad(2)).IsZero() {
		t.Error("underflow must floor at zero")
	}
	if fixmath.SubFloor(wad(3), wad(1)).Cmp(wad(2)) != 0 {
		t.Error("3 - 1 should be 2")
	}
}

func TestExpNegWad_Bounds(t *testing.T) {
	if fixmath.ExpNegWad(new(uint256.Int)).Cmp(fixmath.Wad) != 0 {
		t.Error("e^0 must be WAD")
	}
	big := new(uint256.Int).Mul(uint256.NewInt(100), fixmath.Wad)
	if !fixmath.ExpNegWad(big).IsZero() {
		t.Error("e^-100 must round to zero")
	}
}

func TestExpNegWad_Monotone(t *testing.T) {
	prev := fixmath.Wad.Clone()
	for n := uint64(1); n <= 50; n++ {
		// x = n * 0.1 WAD
		x := new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(100_000_000_000_000_000))
		got := fixmath.ExpNegWad(x)
		if got.Cmp(prev) > 0 {
			t.Fatalf("not monotone at x=%s: %s > %s", x, got, prev)
		}
		if got.Cmp(fixmath.Wad) > 0 {
			t.Fatalf("out of range at x=%s: %s", x, got)
		}
		prev = got
	}
}

func TestExpNegWad_KnownValue(t *testing.T) {
	// e^-1 = 0.367879441...; accept 1e-9 relative error from the series
	got := fixmath.ExpNegWad(fixmath.Wad)
	want := uint256.NewInt(367_879_441_171_442_321)
	diff := new(uint256.Int)
	if got.Cmp(want) > 0 {
		diff.Sub(got, want)
	} else {
		diff.Sub(want, got)
	}
	if diff.Cmp(uint256.NewInt(1_000_000_000)) > 0 {
		t.Errorf("e^-1: got %s, want ~%s (diff %s)", got, want, diff)
	}
}
