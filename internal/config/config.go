package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"TermLedger/internal/auditor"
	"TermLedger/internal/irm"
	"TermLedger/internal/market"
	"TermLedger/internal/vault"
)

// File is the service configuration. Finance parameters are decimal strings
// converted to WAD at load; endpoint settings may be overridden from the
// environment.
type File struct {
	Service ServiceConfig  `yaml:"service"`
	Auditor AuditorConfig  `yaml:"auditor"`
	Markets []MarketConfig `yaml:"markets"`
}

type ServiceConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
	NATSURL     string `yaml:"nats_url"`

	MigrationsDir string `yaml:"migrations_dir"`

	CommandBuffer    int `yaml:"command_buffer"`
	PersistBuffer    int `yaml:"persist_buffer"`
	ProjectionBuffer int `yaml:"projection_buffer"`
	PersistBatchSize int `yaml:"persist_batch_size"`
	PersistFlushMS   int `yaml:"persist_flush_ms"`
	DedupCapacity    int `yaml:"dedup_capacity"`
	DedupWarmKeys    int `yaml:"dedup_warm_keys"`
}

func (s ServiceConfig) PersistFlushTimeout() time.Duration {
	return time.Duration(s.PersistFlushMS) * time.Millisecond
}

type AuditorConfig struct {
	LiquidatorIncentive string `yaml:"liquidator_incentive"`
	LendersIncentive    string `yaml:"lenders_incentive"`
	CloseFactor         string `yaml:"close_factor"`
}

type CurveConfig struct {
	A              string `yaml:"a"`
	B              string `yaml:"b"`
	MaxUtilization string `yaml:"max_utilization"`
}

type MarketConfig struct {
	ID string `yaml:"id"`
	// Decimals is the asset's native precision, used to value positions at
	// the account-liquidity boundary. Zero means 18.
	Decimals     int    `yaml:"decimals"`
	AdjustFactor string `yaml:"adjust_factor"`
	InitialPrice string `yaml:"initial_price"`

	PenaltyRatePerDay string `yaml:"penalty_rate_per_day"`
	BackupFeeRate     string `yaml:"backup_fee_rate"`
	ReserveFactor     string `yaml:"reserve_factor"`
	TreasuryFeeRate   string `yaml:"treasury_fee_rate"`
	Treasury          string `yaml:"treasury"`

	MaxFuturePools int    `yaml:"max_future_pools"`
	SmoothFactor   string `yaml:"smooth_factor"`
	DampSpeedUp    string `yaml:"damp_speed_up"`
	DampSpeedDown  string `yaml:"damp_speed_down"`

	MaturityPremium string `yaml:"maturity_premium"`
	MinRate         string `yaml:"min_rate"`

	FloatingCurve CurveConfig `yaml:"floating_curve"`
	FixedCurve    CurveConfig `yaml:"fixed_curve"`
}

// Load reads and validates a config file, then applies env overrides for the
// service endpoints (TERM_HTTP_ADDR, TERM_METRICS_ADDR, TERM_POSTGRES_DSN,
// TERM_NATS_URL).
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	f.applyDefaults()
	f.applyEnv()

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	s := &f.Service
	if s.HTTPAddr == "" {
		s.HTTPAddr = ":8080"
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = ":9090"
	}
	if s.NATSURL == "" {
		s.NATSURL = "nats://127.0.0.1:4222"
	}
	if s.MigrationsDir == "" {
		s.MigrationsDir = "migrations"
	}
	if s.CommandBuffer <= 0 {
		s.CommandBuffer = 1024
	}
	if s.PersistBuffer <= 0 {
		s.PersistBuffer = 1024
	}
	if s.ProjectionBuffer <= 0 {
		s.ProjectionBuffer = 4096
	}
	if s.PersistBatchSize <= 0 {
		s.PersistBatchSize = 100
	}
	if s.PersistFlushMS <= 0 {
		s.PersistFlushMS = 50
	}
	if s.DedupCapacity <= 0 {
		s.DedupCapacity = 1_000_000
	}
	if s.DedupWarmKeys <= 0 {
		s.DedupWarmKeys = 100_000
	}
	if f.Auditor.CloseFactor == "" {
		f.Auditor.CloseFactor = "1.0"
	}
}

func (f *File) applyEnv() {
	if v := os.Getenv("TERM_HTTP_ADDR"); v != "" {
		f.Service.HTTPAddr = v
	}
	if v := os.Getenv("TERM_METRICS_ADDR"); v != "" {
		f.Service.MetricsAddr = v
	}
	if v := os.Getenv("TERM_POSTGRES_DSN"); v != "" {
		f.Service.PostgresDSN = v
	}
	if v := os.Getenv("TERM_NATS_URL"); v != "" {
		f.Service.NATSURL = v
	}
}

// Validate builds every derived parameter once so a bad finance value fails
// startup instead of the first operation that touches it.
func (f *File) Validate() error {
	if f.Service.PostgresDSN == "" {
		return fmt.Errorf("config: postgres_dsn is required (or TERM_POSTGRES_DSN)")
	}
	if len(f.Markets) == 0 {
		return fmt.Errorf("config: at least one market is required")
	}
	if _, _, err := f.Auditor.Incentive(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(f.Markets))
	for _, m := range f.Markets {
		if m.ID == "" {
			return fmt.Errorf("config: market with empty id")
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate market %s", m.ID)
		}
		seen[m.ID] = true
		if m.Decimals != 0 && (m.Decimals < 6 || m.Decimals > 18) {
			return fmt.Errorf("config: market %s: decimals %d outside [6, 18]", m.ID, m.Decimals)
		}
		if _, err := m.Model(); err != nil {
			return fmt.Errorf("config: market %s: %w", m.ID, err)
		}
		if _, err := m.AdjustFactorWad(); err != nil {
			return fmt.Errorf("config: market %s adjust_factor: %w", m.ID, err)
		}
		if _, err := m.InitialPriceWad(); err != nil {
			return fmt.Errorf("config: market %s initial_price: %w", m.ID, err)
		}
		// Dry-build against a throwaway vault to run the ledger's own checks.
		if _, err := m.MarketConfig(vault.NewMemoryVault(m.ID), 0); err != nil {
			return fmt.Errorf("config: market %s: %w", m.ID, err)
		}
	}
	return nil
}

// Incentive returns the liquidation incentive split and the close factor.
func (a AuditorConfig) Incentive() (auditor.LiquidationIncentive, *uint256.Int, error) {
	liq, err := ParseWad(a.LiquidatorIncentive)
	if err != nil {
		return auditor.LiquidationIncentive{}, nil, fmt.Errorf("config: liquidator_incentive: %w", err)
	}
	lenders, err := ParseWad(a.LendersIncentive)
	if err != nil {
		return auditor.LiquidationIncentive{}, nil, fmt.Errorf("config: lenders_incentive: %w", err)
	}
	closeFactor, err := ParseWad(a.CloseFactor)
	if err != nil {
		return auditor.LiquidationIncentive{}, nil, fmt.Errorf("config: close_factor: %w", err)
	}
	return auditor.LiquidationIncentive{Liquidator: liq, Lenders: lenders}, closeFactor, nil
}

func (c CurveConfig) curve() (irm.Curve, error) {
	a, err := ParseWad(c.A)
	if err != nil {
		return irm.Curve{}, fmt.Errorf("curve a: %w", err)
	}
	b, bNeg, err := ParseSignedWad(c.B)
	if err != nil {
		return irm.Curve{}, fmt.Errorf("curve b: %w", err)
	}
	umax, err := ParseWad(c.MaxUtilization)
	if err != nil {
		return irm.Curve{}, fmt.Errorf("curve max_utilization: %w", err)
	}
	return irm.Curve{A: a, B: b, BNegative: bNeg, MaxUtilization: umax}, nil
}

// Model builds and validates the market's rate model.
func (m MarketConfig) Model() (*irm.Model, error) {
	floating, err := m.FloatingCurve.curve()
	if err != nil {
		return nil, fmt.Errorf("floating %w", err)
	}
	fixed, err := m.FixedCurve.curve()
	if err != nil {
		return nil, fmt.Errorf("fixed %w", err)
	}
	var premium, minRate *uint256.Int
	if m.MaturityPremium != "" {
		if premium, err = ParseWad(m.MaturityPremium); err != nil {
			return nil, fmt.Errorf("maturity_premium: %w", err)
		}
	}
	if m.MinRate != "" {
		if minRate, err = ParseWad(m.MinRate); err != nil {
			return nil, fmt.Errorf("min_rate: %w", err)
		}
	}
	return irm.NewModel(floating, fixed, premium, minRate)
}

// MarketConfig assembles the ledger's config, running NewMarket's own
// validation via the decimal conversions here.
func (m MarketConfig) MarketConfig(v vault.Vault, now int64) (market.Config, error) {
	model, err := m.Model()
	if err != nil {
		return market.Config{}, err
	}
	penaltyDay, err := ParseWad(m.PenaltyRatePerDay)
	if err != nil {
		return market.Config{}, fmt.Errorf("penalty_rate_per_day: %w", err)
	}
	backupFee, err := ParseWad(m.BackupFeeRate)
	if err != nil {
		return market.Config{}, fmt.Errorf("backup_fee_rate: %w", err)
	}
	reserve, err := ParseWad(m.ReserveFactor)
	if err != nil {
		return market.Config{}, fmt.Errorf("reserve_factor: %w", err)
	}
	treasuryFee := new(uint256.Int)
	if m.TreasuryFeeRate != "" {
		if treasuryFee, err = ParseWad(m.TreasuryFeeRate); err != nil {
			return market.Config{}, fmt.Errorf("treasury_fee_rate: %w", err)
		}
	}
	smooth, err := ParseWad(m.SmoothFactor)
	if err != nil {
		return market.Config{}, fmt.Errorf("smooth_factor: %w", err)
	}
	dampUp, err := ParseWad(m.DampSpeedUp)
	if err != nil {
		return market.Config{}, fmt.Errorf("damp_speed_up: %w", err)
	}
	dampDown, err := ParseWad(m.DampSpeedDown)
	if err != nil {
		return market.Config{}, fmt.Errorf("damp_speed_down: %w", err)
	}

	return market.Config{
		ID:              m.ID,
		Model:           model,
		Vault:           v,
		PenaltyRate:     new(uint256.Int).Div(penaltyDay, uint256.NewInt(24*60*60)),
		BackupFeeRate:   backupFee,
		ReserveFactor:   reserve,
		TreasuryFeeRate: treasuryFee,
		Treasury:        m.Treasury,
		MaxFuturePools:  m.MaxFuturePools,
		SmoothFactor:    smooth,
		DampSpeedUp:     dampUp,
		DampSpeedDown:   dampDown,
		Now:             now,
	}, nil
}

// AssetDecimals returns the configured precision, defaulting to 18.
func (m MarketConfig) AssetDecimals() int {
	if m.Decimals == 0 {
		return 18
	}
	return m.Decimals
}

func (m MarketConfig) AdjustFactorWad() (*uint256.Int, error) {
	return ParseWad(m.AdjustFactor)
}

func (m MarketConfig) InitialPriceWad() (*uint256.Int, error) {
	return ParseWad(m.InitialPrice)
}
