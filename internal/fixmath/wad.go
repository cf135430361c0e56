package fixmath

import "github.com/holiman/uint256"

// All ledger amounts use 18-decimal fixed-point integers ("WAD" convention),
// independent of the underlying token's native decimals. Intermediate products
// are exact in 256 bits, so a*b never overflows for realistic ledger magnitudes.

var (
	// Wad is the 18-decimal unit scalar.
	Wad = uint256.NewInt(1_000_000_000_000_000_000)

	// SecondsPerYear annualizes per-second rates.
	SecondsPerYear = uint256.NewInt(365 * 24 * 3_600)
)

// NewWad returns n scaled up to WAD precision.
func NewWad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Wad)
}

// MulWadDown computes a * b / WAD, rounding toward zero.
func MulWadDown(a, b *uint256.Int) *uint256.Int {
	return MulDivDown(a, b, Wad)
}

// MulWadUp computes a * b / WAD, rounding away from zero.
func MulWadUp(a, b *uint256.Int) *uint256.Int {
	return MulDivUp(a, b, Wad)
}

// DivWadDown computes a * WAD / b, rounding toward zero.
func DivWadDown(a, b *uint256.Int) *uint256.Int {
	return MulDivDown(a, Wad, b)
}

// DivWadUp computes a * WAD / b, rounding away from zero.
func DivWadUp(a, b *uint256.Int) *uint256.Int {
	return MulDivUp(a, Wad, b)
}

// MulDivDown computes a * b / d, rounding toward zero. Division by zero
// yields zero: callers guard empty denominators at the ledger level.
func MulDivDown(a, b, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return new(uint256.Int)
	}
	p := new(uint256.Int).Mul(a, b)
	return p.Div(p, d)
}

// MulDivUp computes a * b / d, rounding away from zero.
func MulDivUp(a, b, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		return new(uint256.Int)
	}
	p := new(uint256.Int).Mul(a, b)
	if p.IsZero() {
		return p
	}
	one := uint256.NewInt(1)
	p.Sub(p, one)
	p.Div(p, d)
	return p.Add(p, one)
}

// Min returns the smaller of a and b (a fresh value).
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return a.Clone()
	}
	return b.Clone()
}

// SubFloor returns a - b, floored at zero.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// expSeriesBound keeps the Taylor expansion inside its accurate range
// (x < 1/32 WAD) before squaring back up.
var (
	expSeriesBound = uint256.NewInt(31_250_000_000_000_000) // 0.03125 WAD
	expCutoff      = new(uint256.Int).Mul(uint256.NewInt(42), Wad)
)

// ExpNegWad computes e^-x in WAD precision using argument halving plus a
// five-term Taylor series, then repeated squaring. Result is in [0, WAD]
// and monotone non-increasing in x. Deterministic integer math only.
func ExpNegWad(x *uint256.Int) *uint256.Int {
	if x.IsZero() {
		return Wad.Clone()
	}
	// Below WAD * e^-42 everything rounds to zero.
	if x.Cmp(expCutoff) >= 0 {
		return new(uint256.Int)
	}

	y := x.Clone()
	k := 0
	for y.Cmp(expSeriesBound) > 0 {
		y.Rsh(y, 1)
		k++
	}

	// e^-y ≈ 1 - y + y²/2 - y³/6 + y⁴/24 - y⁵/120, grouped so no step
	// underflows.
	y2 := MulWadDown(y, y)
	y3 := MulWadDown(y2, y)
	y4 := MulWadDown(y3, y)
	y5 := MulWadDown(y4, y)

	r := new(uint256.Int).Add(Wad, new(uint256.Int).Div(y2, uint256.NewInt(2)))
	r.Add(r, new(uint256.Int).Div(y4, uint256.NewInt(24)))
	neg := new(uint256.Int).Add(y, new(uint256.Int).Div(y3, uint256.NewInt(6)))
	neg.Add(neg, new(uint256.Int).Div(y5, uint256.NewInt(120)))
	if r.Cmp(neg) <= 0 {
		return new(uint256.Int)
	}
	r.Sub(r, neg)

	for i := 0; i < k; i++ {
		r = MulWadDown(r, r)
	}
	if r.Cmp(Wad) > 0 {
		return Wad.Clone()
	}
	return r
}
