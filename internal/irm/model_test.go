package irm_test

import (
	"errors"
	"testing"

	"TermLedger/internal/irm"

	"github.com/holiman/uint256"
)

func mustModel(t *testing.T) *irm.Model {
	t.Helper()
	m, err := irm.NewModel(defaultCurve(), defaultCurve(), nil, nil)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	return m
}

// a=0.02, b=0.01, maxUtilization=1.2, so rate(0) is about 2.67%
func defaultCurve() irm.Curve {
	return irm.Curve{
		A:              uint256.NewInt(20_000_000_000_000_000),
		B:              uint256.NewInt(10_000_000_000_000_000),
		MaxUtilization: uint256.NewInt(1_200_000_000_000_000_000),
	}
}

func TestNewModel_RejectsZeroSlope(t *testing.T) {
	c := defaultCurve()
	c.A = new(uint256.Int)
	_, err := irm.NewModel(c, defaultCurve(), nil, nil)
	if !errors.Is(err, irm.ErrCurveNotMonotone) {
		t.Errorf("want ErrCurveNotMonotone, got %v", err)
	}
}

func TestNewModel_RejectsReachablePole(t *testing.T) {
	c := defaultCurve()
	c.MaxUtilization = uint256.NewInt(900_000_000_000_000_000) // 0.9 < 1.0
	_, err := irm.NewModel(defaultCurve(), c, nil, nil)
	if !errors.Is(err, irm.ErrCurvePoleReachable) {
		t.Errorf("want ErrCurvePoleReachable, got %v", err)
	}
}

func TestNewModel_RejectsRateBelowFloor(t *testing.T) {
	c := defaultCurve()
	// b = -0.05 sinks rate(0) = 0.02/1.2 - 0.05 below zero
	c.B = uint256.NewInt(50_000_000_000_000_000)
	c.BNegative = true
	_, err := irm.NewModel(c, defaultCurve(), nil, nil)
	if !errors.Is(err, irm.ErrCurveBelowFloor) {
		t.Errorf("want ErrCurveBelowFloor, got %v", err)
	}
}

func TestNewModel_NegativeInterceptAllowedAboveFloor(t *testing.T) {
	c := defaultCurve()
	// rate(0) = 0.02/1.2 - 0.01 ≈ 0.0067, still non-negative
	c.BNegative = true
	if _, err := irm.NewModel(c, defaultCurve(), nil, nil); err != nil {
		t.Errorf("curve with small negative intercept should validate: %v", err)
	}
}

func TestFloatingRate_MonotoneAndFinite(t *testing.T) {
	m := mustModel(t)

	prev := new(uint256.Int)
	// sweep u across [0, 1] in 1% steps, the whole operating range
	for i := 0; i <= 100; i++ {
		u := new(uint256.Int).Mul(uint256.NewInt(uint64(i)), uint256.NewInt(10_000_000_000_000_000))
		r, err := m.FloatingRate(u)
		if err != nil {
			t.Fatalf("u=%d%%: %v", i, err)
		}
		if r.Cmp(prev) < 0 {
			t.Fatalf("rate decreased at u=%d%%: %s < %s", i, r, prev)
		}
		prev = r
	}
}

func TestFloatingRate_AtMaxUtilizationFails(t *testing.T) {
	m := mustModel(t)
	_, err := m.FloatingRate(uint256.NewInt(1_200_000_000_000_000_000))
	if !errors.Is(err, irm.ErrMaxUtilization) {
		t.Errorf("want ErrMaxUtilization, got %v", err)
	}
}

func TestFixedRate_DurationPremium(t *testing.T) {
	premium := uint256.NewInt(200_000_000_000_000_000) // +20% of rate per year out
	m, err := irm.NewModel(defaultCurve(), defaultCurve(), premium, nil)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	u := uint256.NewInt(500_000_000_000_000_000)
	near, err := m.FixedRate(u, 7*24*3_600)
	if err != nil {
		t.Fatal(err)
	}
	far, err := m.FixedRate(u, 180*24*3_600)
	if err != nil {
		t.Fatal(err)
	}
	if far.Cmp(near) <= 0 {
		t.Errorf("later maturity should price higher: near=%s far=%s", near, far)
	}
}

func TestFixedRate_NoPremiumMatchesBase(t *testing.T) {
	m := mustModel(t)
	u := uint256.NewInt(300_000_000_000_000_000)
	r1, err := m.FixedRate(u, 0)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := m.FixedRate(u, 10*24*3_600)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Cmp(r2) != 0 {
		t.Errorf("zero premium must be duration-invariant: %s vs %s", r1, r2)
	}
	if _, err := m.FloatingRate(u); err != nil {
		t.Fatal(err)
	}
}

func TestRates_SafeForConcurrentUse(t *testing.T) {
	m := mustModel(t)
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 1_000; i++ {
				u := uint256.NewInt(uint64(i) * 1_000_000_000_000_000)
				if _, err := m.FloatingRate(u); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
