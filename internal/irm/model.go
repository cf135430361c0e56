package irm

import (
	"errors"
	"fmt"

	"TermLedger/internal/fixmath"

	"github.com/holiman/uint256"
)

// Model prices utilization into per-second (annualized, WAD-scaled) rates.
// Two independent curves exist: one for the continuous floating pool and one
// for fixed-rate borrowing at a maturity, where longer maturities carry an
// additional duration premium. A Model is immutable after construction and
// safe for concurrent use.
type Model struct {
	floating Curve
	fixed    Curve

	// maturityPremium scales the fixed rate up per year of remaining
	// duration: rate * (1 + premium * ttm/year).
	maturityPremium *uint256.Int

	// minRate is the floor the curves must clear at zero utilization.
	minRate *uint256.Int
}

// Curve is one branch of the rate model: rate(u) = A / (MaxUtilization - u) + B.
// B may be negative; validation guarantees the resulting rate never is.
type Curve struct {
	A              *uint256.Int
	B              *uint256.Int
	BNegative      bool
	MaxUtilization *uint256.Int
}

var (
	ErrCurveNotMonotone   = errors.New("curve slope parameter must be positive")
	ErrCurvePoleReachable = errors.New("curve max utilization must exceed full utilization")
	ErrCurveBelowFloor    = errors.New("curve rate at zero utilization below configured floor")
	ErrMaxUtilization     = errors.New("utilization at or beyond curve max utilization")
)

// NewModel validates both curves once. Rejected parameter sets can never be
// evaluated, so rate lookups have no validity branches.
func NewModel(floating, fixed Curve, maturityPremium, minRate *uint256.Int) (*Model, error) {
	if minRate == nil {
		minRate = new(uint256.Int)
	}
	if maturityPremium == nil {
		maturityPremium = new(uint256.Int)
	}
	if err := validateCurve("floating", floating, minRate); err != nil {
		return nil, err
	}
	if err := validateCurve("fixed", fixed, minRate); err != nil {
		return nil, err
	}
	return &Model{
		floating:        normalize(floating),
		fixed:           normalize(fixed),
		maturityPremium: maturityPremium.Clone(),
		minRate:         minRate.Clone(),
	}, nil
}

func normalize(c Curve) Curve {
	out := Curve{
		A:              c.A.Clone(),
		B:              new(uint256.Int),
		BNegative:      c.BNegative,
		MaxUtilization: c.MaxUtilization.Clone(),
	}
	if c.B != nil {
		out.B = c.B.Clone()
	}
	if out.B.IsZero() {
		out.BNegative = false
	}
	return out
}

func validateCurve(name string, c Curve, minRate *uint256.Int) error {
	if c.A == nil || c.A.IsZero() {
		// A > 0 is exactly the monotonicity condition: d/du A/(umax-u) > 0.
		return fmt.Errorf("%s: %w", name, ErrCurveNotMonotone)
	}
	if c.MaxUtilization == nil || c.MaxUtilization.Cmp(fixmath.Wad) <= 0 {
		// The pole at u = MaxUtilization must sit strictly beyond full
		// utilization, so the rate stays finite on the whole operating range.
		return fmt.Errorf("%s: %w", name, ErrCurvePoleReachable)
	}
	base, ok := rateAt(c, new(uint256.Int))
	if !ok || base.Cmp(minRate) < 0 {
		return fmt.Errorf("%s: %w", name, ErrCurveBelowFloor)
	}
	return nil
}

// rateAt evaluates A/(umax-u) + B. ok is false when the signed B drags the
// rate below zero, which validation rules out for u=0 but a caller-supplied
// utilization could still reach on a pathological curve.
func rateAt(c Curve, u *uint256.Int) (*uint256.Int, bool) {
	gap := new(uint256.Int).Sub(c.MaxUtilization, u)
	r := fixmath.DivWadDown(c.A, gap)
	if c.BNegative {
		if r.Cmp(c.B) < 0 {
			return nil, false
		}
		return r.Sub(r, c.B), true
	}
	return r.Add(r, c.B), true
}

// FloatingRate returns the annualized per-second borrow rate for the floating
// pool at the given instantaneous utilization (WAD-scaled, debt/assets).
func (m *Model) FloatingRate(utilization *uint256.Int) (*uint256.Int, error) {
	return m.eval(m.floating, utilization)
}

// FixedRate returns the annualized rate for borrowing against a maturity
// pool. Utilization blends the pool's own book with the damped floating
// backing; secondsToMaturity prices duration risk beyond the linear
// fee-over-time: later maturities pay a premium on the whole rate.
func (m *Model) FixedRate(utilization *uint256.Int, secondsToMaturity int64) (*uint256.Int, error) {
	base, err := m.eval(m.fixed, utilization)
	if err != nil {
		return nil, err
	}
	if secondsToMaturity <= 0 || m.maturityPremium.IsZero() {
		return base, nil
	}
	ttm := uint256.NewInt(uint64(secondsToMaturity))
	bump := fixmath.MulDivDown(m.maturityPremium, ttm, fixmath.SecondsPerYear)
	scale := new(uint256.Int).Add(fixmath.Wad, bump)
	return fixmath.MulWadDown(base, scale), nil
}

func (m *Model) eval(c Curve, u *uint256.Int) (*uint256.Int, error) {
	if u.Cmp(c.MaxUtilization) >= 0 {
		return nil, fmt.Errorf("%w: u=%s max=%s", ErrMaxUtilization, u, c.MaxUtilization)
	}
	r, ok := rateAt(c, u)
	if !ok {
		return nil, fmt.Errorf("%w: negative rate at u=%s", ErrCurveBelowFloor, u)
	}
	return r, nil
}
