package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"

	"TermLedger/internal/irm"
	"TermLedger/internal/vault"
)

func TestParseWad(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"0.05", "50000000000000000"},
		{"3000", "3000000000000000000000"},
		{"1.0045", "1004500000000000000"},
		{".5", "500000000000000000"},
		{"0.000000000000000001", "1"},
	}
	for _, c := range cases {
		got, err := ParseWad(c.in)
		if err != nil {
			t.Fatalf("ParseWad(%q): %v", c.in, err)
		}
		if got.Dec() != c.want {
			t.Errorf("ParseWad(%q) = %s, want %s", c.in, got.Dec(), c.want)
		}
	}
}

func TestParseWadRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", ".", "-0.5", "1.2.3", "0.0000000000000000001", "abc"} {
		if _, err := ParseWad(in); !errors.Is(err, ErrBadDecimal) {
			t.Errorf("ParseWad(%q) err = %v, want bad decimal", in, err)
		}
	}
}

func TestParseSignedWad(t *testing.T) {
	v, neg, err := ParseSignedWad("-0.0225")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !neg || v.Dec() != "22500000000000000" {
		t.Fatalf("got %s neg=%v", v.Dec(), neg)
	}
	// Negative zero normalizes to positive.
	if _, neg, _ := ParseSignedWad("-0"); neg {
		t.Fatal("-0 kept its sign")
	}
}

const sampleConfig = `
service:
  postgres_dsn: "postgres://localhost/termledger?sslmode=disable"
auditor:
  liquidator_incentive: "0.05"
  lenders_incentive: "0.0125"
markets:
  - id: WETH
    decimals: 18
    adjust_factor: "0.86"
    initial_price: "3000"
    penalty_rate_per_day: "0.0045"
    backup_fee_rate: "0.1"
    reserve_factor: "0.1"
    max_future_pools: 3
    smooth_factor: "2.0"
    damp_speed_up: "0.0000002"
    damp_speed_down: "0.23"
    floating_curve: {a: "0.023", b: "-0.0225", max_utilization: "1.0045"}
    fixed_curve: {a: "0.0264", b: "-0.0221", max_utilization: "1.0064"}
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	f, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Service.HTTPAddr != ":8080" || f.Service.PersistBatchSize != 100 {
		t.Fatalf("defaults not applied: %+v", f.Service)
	}
	if f.Auditor.CloseFactor != "1.0" {
		t.Fatalf("close factor default = %q", f.Auditor.CloseFactor)
	}

	m := f.Markets[0]
	model, err := m.Model()
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	if _, err := model.FloatingRate(new(uint256.Int)); err != nil {
		t.Fatalf("rate at zero utilization: %v", err)
	}
	adjust, _ := m.AdjustFactorWad()
	if adjust.Dec() != "860000000000000000" {
		t.Fatalf("adjust factor = %s", adjust.Dec())
	}
	price, _ := m.InitialPriceWad()
	if price.Dec() != "3000000000000000000000" {
		t.Fatalf("initial price = %s", price.Dec())
	}
}

// The shipped example must pass the same validation the service runs at
// startup, including every curve's rate floor at zero utilization.
func TestExampleConfigLoads(t *testing.T) {
	f, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if len(f.Markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(f.Markets))
	}
	for _, m := range f.Markets {
		model, err := m.Model()
		if err != nil {
			t.Fatalf("market %s model: %v", m.ID, err)
		}
		if _, err := model.FloatingRate(new(uint256.Int)); err != nil {
			t.Fatalf("market %s rate at zero utilization: %v", m.ID, err)
		}
		if m.AssetDecimals() != 18 {
			t.Fatalf("market %s decimals = %d", m.ID, m.AssetDecimals())
		}
	}
}

func TestDecimalsDefaultAndBounds(t *testing.T) {
	f, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Markets[0].AssetDecimals() != 18 {
		t.Fatalf("decimals = %d, want 18", f.Markets[0].AssetDecimals())
	}
	if (MarketConfig{}).AssetDecimals() != 18 {
		t.Fatal("unset decimals must default to 18")
	}

	bad := sampleConfig + `  - id: USDC
    decimals: 3
    adjust_factor: "0.91"
    initial_price: "1"
    penalty_rate_per_day: "0.0045"
    backup_fee_rate: "0.1"
    reserve_factor: "0.1"
    max_future_pools: 3
    smooth_factor: "2.0"
    damp_speed_up: "0.0000002"
    damp_speed_down: "0.23"
    floating_curve: {a: "0.023", b: "-0.0225", max_utilization: "1.0045"}
    fixed_curve: {a: "0.0264", b: "-0.0221", max_utilization: "1.0064"}
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("decimals below the supported range accepted")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("TERM_HTTP_ADDR", ":7777")
	t.Setenv("TERM_POSTGRES_DSN", "postgres://override/db")
	f, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Service.HTTPAddr != ":7777" || f.Service.PostgresDSN != "postgres://override/db" {
		t.Fatalf("env overrides not applied: %+v", f.Service)
	}
}

func TestPenaltyRateIsPerSecond(t *testing.T) {
	f, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := f.Markets[0].MarketConfig(vault.NewMemoryVault("WETH"), 0)
	if err != nil {
		t.Fatalf("market config: %v", err)
	}
	perDay, _ := ParseWad("0.0045")
	want := new(uint256.Int).Div(perDay, uint256.NewInt(86400))
	if cfg.PenaltyRate == nil || cfg.PenaltyRate.Cmp(want) != 0 {
		t.Fatalf("penalty per second = %v, want %s", cfg.PenaltyRate, want.Dec())
	}
}

func TestLoadRejectsBrokenCurve(t *testing.T) {
	broken := sampleConfig + `  - id: DAI
    adjust_factor: "1.0"
    initial_price: "1"
    penalty_rate_per_day: "0.0045"
    backup_fee_rate: "0.1"
    reserve_factor: "0.1"
    max_future_pools: 3
    smooth_factor: "2.0"
    damp_speed_up: "0.0000002"
    damp_speed_down: "0.23"
    floating_curve: {a: "0.0222", b: "-0.0225", max_utilization: "0.9"}
    fixed_curve: {a: "0.0264", b: "-0.0221", max_utilization: "1.0064"}
`
	_, err := Load(writeConfig(t, broken))
	if !errors.Is(err, irm.ErrCurvePoleReachable) {
		t.Fatalf("err = %v, want reachable pole rejection", err)
	}
}

func TestLoadRejectsDuplicateMarket(t *testing.T) {
	dup := sampleConfig + `  - id: WETH
    adjust_factor: "0.86"
    initial_price: "3000"
    penalty_rate_per_day: "0.0045"
    backup_fee_rate: "0.1"
    reserve_factor: "0.1"
    max_future_pools: 3
    smooth_factor: "2.0"
    damp_speed_up: "0.0000002"
    damp_speed_down: "0.23"
    floating_curve: {a: "0.023", b: "-0.0225", max_utilization: "1.0045"}
    fixed_curve: {a: "0.0264", b: "-0.0221", max_utilization: "1.0064"}
`
	_, err := Load(writeConfig(t, dup))
	if err == nil {
		t.Fatal("duplicate market id accepted")
	}
}
