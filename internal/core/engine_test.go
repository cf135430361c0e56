package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"TermLedger/internal/auditor"
	"TermLedger/internal/event"
	"TermLedger/internal/fixmath"
	"TermLedger/internal/irm"
	"TermLedger/internal/market"
	"TermLedger/internal/oracle"
	"TermLedger/internal/vault"
)

const (
	whale      = "0xwhale"
	borrower   = "0xbob"
	liquidator = "0xliq"
)

func wad(n uint64) *uint256.Int { return fixmath.NewWad(n) }

type engineFixture struct {
	engine  *Engine
	persist chan Output

	weth, dai           *market.Market
	wethVault, daiVault *vault.MemoryVault
	wethFeed, daiFeed   *oracle.CachedFeed
}

func testModel(t *testing.T) *irm.Model {
	t.Helper()
	curve := irm.Curve{
		A:              uint256.NewInt(20_000_000_000_000_000),    // 0.02
		B:              uint256.NewInt(10_000_000_000_000_000),    // 0.01
		MaxUtilization: uint256.NewInt(1_200_000_000_000_000_000), // 1.2
	}
	model, err := irm.NewModel(curve, curve, nil, nil)
	if err != nil {
		t.Fatalf("building rate model: %v", err)
	}
	return model
}

func testMarket(t *testing.T, id string, now int64) (*market.Market, *vault.MemoryVault) {
	t.Helper()
	v := vault.NewMemoryVault(id)
	m, err := market.NewMarket(market.Config{
		ID:              id,
		Model:           testModel(t),
		Vault:           v,
		PenaltyRate:     uint256.NewInt(100_000_000_000),
		BackupFeeRate:   uint256.NewInt(100_000_000_000_000_000), // 0.1
		ReserveFactor:   uint256.NewInt(100_000_000_000_000_000), // 0.1
		TreasuryFeeRate: new(uint256.Int),
		MaxFuturePools:  3,
		SmoothFactor:    fixmath.Wad.Clone(),
		DampSpeedUp:     fixmath.Wad.Clone(),
		DampSpeedDown:   fixmath.Wad.Clone(),
		Now:             now,
	})
	if err != nil {
		t.Fatalf("building market %s: %v", id, err)
	}
	return m, v
}

// newTestEngine wires a WETH collateral market (price 3000, haircut 0.7) and
// a DAI debt market (price 1, haircut 1.0) into one engine.
func newTestEngine(t *testing.T) *engineFixture {
	t.Helper()
	aud, err := auditor.New(auditor.LiquidationIncentive{
		Liquidator: uint256.NewInt(50_000_000_000_000_000), // 0.05
		Lenders:    uint256.NewInt(50_000_000_000_000_000), // 0.05
	}, fixmath.Wad.Clone())
	if err != nil {
		t.Fatalf("building auditor: %v", err)
	}
	persist := make(chan Output, 256)
	eng, err := NewEngine(Config{
		StartSequence: 1,
		Auditor:       aud,
		DedupCapacity: 64,
		Logger:        zerolog.Nop(),
		PersistChan:   persist,
	})
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	f := &engineFixture{engine: eng, persist: persist}
	f.weth, f.wethVault = testMarket(t, "WETH", 0)
	f.dai, f.daiVault = testMarket(t, "DAI", 0)
	f.wethFeed = oracle.NewCachedFeed("WETH")
	f.daiFeed = oracle.NewCachedFeed("DAI")
	if err := f.wethFeed.Update(wad(3000), 1); err != nil {
		t.Fatalf("seeding WETH price: %v", err)
	}
	if err := f.daiFeed.Update(wad(1), 1); err != nil {
		t.Fatalf("seeding DAI price: %v", err)
	}
	adjWETH := uint256.NewInt(700_000_000_000_000_000) // 0.7
	if err := eng.AddMarket(f.weth, f.wethFeed, adjWETH, 18); err != nil {
		t.Fatalf("adding WETH market: %v", err)
	}
	if err := eng.AddMarket(f.dai, f.daiFeed, fixmath.Wad.Clone(), 18); err != nil {
		t.Fatalf("adding DAI market: %v", err)
	}

	f.wethVault.Fund(borrower, wad(10))
	f.daiVault.Fund(whale, wad(100_000))
	f.daiVault.Fund(liquidator, wad(3000))
	return f
}

func (f *engineFixture) apply(t *testing.T, ts int64, key string, op Op) Result {
	t.Helper()
	res := f.engine.process(Command{IdempotencyKey: key, Timestamp: ts, Op: op})
	return res
}

func (f *engineFixture) drain() []*event.Envelope {
	var envs []*event.Envelope
	for {
		select {
		case out := <-f.persist:
			envs = append(envs, out.Envelope)
		default:
			return envs
		}
	}
}

func TestEngineDepositProducesSequencedEnvelopes(t *testing.T) {
	f := newTestEngine(t)

	res := f.apply(t, 10, "dep-1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(10_000)})
	if res.Err != nil {
		t.Fatalf("deposit: %v", res.Err)
	}
	if res.Value.Cmp(wad(10_000)) != 0 {
		t.Fatalf("first deposit shares = %s, want %s", res.Value, wad(10_000))
	}

	envs := f.drain()
	if len(envs) == 0 {
		t.Fatal("no envelopes persisted")
	}
	if res.Sequence != envs[0].Sequence {
		t.Fatalf("result sequence %d, first envelope %d", res.Sequence, envs[0].Sequence)
	}
	kinds := make(map[event.Kind]bool)
	for i, env := range envs {
		if env.Sequence != envs[0].Sequence+int64(i) {
			t.Fatalf("envelope %d has sequence %d, want contiguous from %d", i, env.Sequence, envs[0].Sequence)
		}
		if env.IdempotencyKey != "Deposit:dep-1" {
			t.Fatalf("envelope carries key %q, want the op-scoped composite", env.IdempotencyKey)
		}
		if env.Timestamp.Unix() != 10 {
			t.Fatalf("envelope timestamp %v, want command time", env.Timestamp)
		}
		if !json.Valid(env.Payload) {
			t.Fatalf("envelope %d payload is not valid JSON", i)
		}
		kinds[env.Kind] = true
	}
	if !kinds[event.KindDeposit] || !kinds[event.KindMarketUpdate] {
		t.Fatalf("expected Deposit and MarketUpdate envelopes, got %v", kinds)
	}
	if last := envs[len(envs)-1]; last.Kind != event.KindMarketUpdate {
		t.Fatalf("last envelope kind = %s, want MarketUpdate", last.Kind)
	}
	if got := f.engine.Sequence(); got != envs[len(envs)-1].Sequence+1 {
		t.Fatalf("engine sequence %d after %d envelopes", got, len(envs))
	}
}

func TestEngineDuplicateCommandSuppressed(t *testing.T) {
	f := newTestEngine(t)

	op := &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(100)}
	if res := f.apply(t, 10, "dup-1", op); res.Err != nil {
		t.Fatalf("first deposit: %v", res.Err)
	}
	f.drain()

	res := f.apply(t, 20, "dup-1", op)
	if !res.Duplicate {
		t.Fatal("replayed command not flagged duplicate")
	}
	if res.Err != nil {
		t.Fatalf("duplicate should be silent, got %v", res.Err)
	}
	if envs := f.drain(); len(envs) != 0 {
		t.Fatalf("duplicate produced %d envelopes", len(envs))
	}
	if got := f.dai.BalanceOf(whale); got.Cmp(wad(100)) != 0 {
		t.Fatalf("duplicate mutated state: balance %s", got)
	}
}

func TestEngineFailedCommandIsRetryable(t *testing.T) {
	f := newTestEngine(t)

	res := f.apply(t, 10, "retry-1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: new(uint256.Int)})
	if !errors.Is(res.Err, market.ErrZeroDeposit) {
		t.Fatalf("zero deposit error = %v", res.Err)
	}
	f.drain()

	res = f.apply(t, 20, "retry-1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(100)})
	if res.Err != nil || res.Duplicate {
		t.Fatalf("retry after failure rejected: dup=%v err=%v", res.Duplicate, res.Err)
	}
}

// A failed command still flushes the settle-time accrual it triggered, but
// those envelopes must not carry its idempotency key: the durable dedup tier
// matches on stored keys, and a stamped failure would swallow the retry.
func TestEngineFailedCommandEnvelopesCarryNoKey(t *testing.T) {
	f := newTestEngine(t)

	if res := f.apply(t, 10, "d1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(10_000)}); res.Err != nil {
		t.Fatalf("whale deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "d2", &DepositOp{Market: "WETH", Caller: borrower, Owner: borrower, Assets: wad(1)}); res.Err != nil {
		t.Fatalf("collateral deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "e1", &EnterMarketOp{Market: "WETH", Account: borrower}); res.Err != nil {
		t.Fatalf("enter market: %v", res.Err)
	}
	if res := f.apply(t, 70, "b1", &BorrowOp{Market: "DAI", Caller: borrower, Receiver: borrower, Borrower: borrower, Assets: wad(2000)}); res.Err != nil {
		t.Fatalf("borrow: %v", res.Err)
	}
	f.drain()

	// Oversized borrow fails, but interest accrued since t=70 still flushes.
	res := f.apply(t, 100, "big-1", &BorrowOp{Market: "DAI", Caller: borrower, Receiver: borrower, Borrower: borrower, Assets: wad(100_000)})
	if res.Err == nil {
		t.Fatal("oversized borrow succeeded")
	}
	envs := f.drain()
	if len(envs) == 0 {
		t.Fatal("failed command flushed no accrual envelopes")
	}
	for _, env := range envs {
		if env.IdempotencyKey != "" {
			t.Fatalf("failed command stamped key %q on a %s envelope", env.IdempotencyKey, env.Kind)
		}
	}

	// The same key retries cleanly with a workable amount.
	res = f.apply(t, 110, "big-1", &BorrowOp{Market: "DAI", Caller: borrower, Receiver: borrower, Borrower: borrower, Assets: wad(50)})
	if res.Duplicate {
		t.Fatal("retry after failure swallowed as duplicate")
	}
	if res.Err != nil {
		t.Fatalf("retry after failure: %v", res.Err)
	}
}

func TestEngineSetPriceFeed(t *testing.T) {
	f := newTestEngine(t)

	if res := f.apply(t, 10, "d1", &DepositOp{Market: "WETH", Caller: borrower, Owner: borrower, Assets: wad(1)}); res.Err != nil {
		t.Fatalf("collateral deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "e1", &EnterMarketOp{Market: "WETH", Account: borrower}); res.Err != nil {
		t.Fatalf("enter market: %v", res.Err)
	}

	if res := f.apply(t, 20, "pf1", &SetPriceFeedOp{Market: "WETH", Price: wad(2800), Version: 1}); res.Err != nil {
		t.Fatalf("set price feed: %v", res.Err)
	}
	// The auditor prices with the replacement feed, not the old one.
	collateral, _, err := f.engine.Auditor().AccountLiquidity(borrower, 20)
	if err != nil {
		t.Fatalf("account liquidity: %v", err)
	}
	if collateral.Cmp(wad(1960)) != 0 {
		t.Fatalf("collateral = %s, want 1960 at the new price", collateral)
	}
	if price, _ := f.wethFeed.Price(); price.Cmp(wad(3000)) != 0 {
		t.Fatalf("replaced feed mutated: %s", price)
	}

	// Later stream updates land on the replacement.
	if res := f.apply(t, 30, "", &PriceUpdateOp{Market: "WETH", Price: wad(2900), Version: 2}); res.Err != nil {
		t.Fatalf("price update: %v", res.Err)
	}
	collateral, _, err = f.engine.Auditor().AccountLiquidity(borrower, 30)
	if err != nil {
		t.Fatalf("account liquidity: %v", err)
	}
	if collateral.Cmp(wad(2030)) != 0 {
		t.Fatalf("collateral = %s, want 2030 after the update", collateral)
	}

	res := f.apply(t, 40, "", &SetPriceFeedOp{Market: "DOGE", Price: wad(1), Version: 1})
	if !errors.Is(res.Err, ErrUnknownMarket) {
		t.Fatalf("unknown market: %v", res.Err)
	}
}

func TestEngineUnknownMarket(t *testing.T) {
	f := newTestEngine(t)

	res := f.apply(t, 10, "", &DepositOp{Market: "DOGE", Caller: whale, Owner: whale, Assets: wad(1)})
	if !errors.Is(res.Err, ErrUnknownMarket) {
		t.Fatalf("error = %v, want unknown market", res.Err)
	}
	res = f.apply(t, 10, "", &PriceUpdateOp{Market: "DOGE", Price: wad(1), Version: 2})
	if !errors.Is(res.Err, ErrUnknownMarket) {
		t.Fatalf("price update error = %v, want unknown market", res.Err)
	}
}

func TestEnginePriceUpdateEmitsNoEnvelopes(t *testing.T) {
	f := newTestEngine(t)

	res := f.apply(t, 10, "", &PriceUpdateOp{Market: "WETH", Price: wad(3100), Version: 2})
	if res.Err != nil {
		t.Fatalf("price update: %v", res.Err)
	}
	if envs := f.drain(); len(envs) != 0 {
		t.Fatalf("price update produced %d envelopes", len(envs))
	}
	price, err := f.wethFeed.Price()
	if err != nil {
		t.Fatalf("feed price: %v", err)
	}
	if price.Cmp(wad(3100)) != 0 {
		t.Fatalf("feed price = %s, want 3100", price)
	}

	// Stale version is dropped without error.
	if res := f.apply(t, 20, "", &PriceUpdateOp{Market: "WETH", Price: wad(1), Version: 1}); res.Err != nil {
		t.Fatalf("stale price update: %v", res.Err)
	}
	price, _ = f.wethFeed.Price()
	if price.Cmp(wad(3100)) != 0 {
		t.Fatalf("stale update overwrote price: %s", price)
	}
}

// Full cross-market liquidation: WETH collateral, DAI debt, price drop, then
// a liquidation that repays DAI and seizes discounted WETH.
func TestEngineCrossMarketLiquidation(t *testing.T) {
	f := newTestEngine(t)

	if res := f.apply(t, 10, "d1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(10_000)}); res.Err != nil {
		t.Fatalf("whale deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "d2", &DepositOp{Market: "WETH", Caller: borrower, Owner: borrower, Assets: wad(1)}); res.Err != nil {
		t.Fatalf("collateral deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "e1", &EnterMarketOp{Market: "WETH", Account: borrower}); res.Err != nil {
		t.Fatalf("enter market: %v", res.Err)
	}

	// Collateral is 1 WETH * 3000 * 0.7 = 2100, so 2000 DAI borrows.
	if res := f.apply(t, 70, "b1", &BorrowOp{Market: "DAI", Caller: borrower, Receiver: borrower, Borrower: borrower, Assets: wad(2000)}); res.Err != nil {
		t.Fatalf("borrow: %v", res.Err)
	}
	if got := f.daiVault.BalanceOf(borrower); got.Cmp(wad(2000)) != 0 {
		t.Fatalf("borrower received %s DAI", got)
	}

	// Healthy account cannot be liquidated.
	res := f.apply(t, 75, "l0", &LiquidateOp{Market: "DAI", SeizeMarket: "WETH", Liquidator: liquidator, Borrower: borrower, MaxAssets: wad(2000)})
	if !errors.Is(res.Err, auditor.ErrInsufficientShortfall) {
		t.Fatalf("liquidating healthy account: %v", res.Err)
	}
	f.drain()

	// Price drop to 2500: collateral 1750 against 2000+ debt.
	if res := f.apply(t, 80, "", &PriceUpdateOp{Market: "WETH", Price: wad(2500), Version: 2}); res.Err != nil {
		t.Fatalf("price update: %v", res.Err)
	}

	res = f.apply(t, 90, "l1", &LiquidateOp{Market: "DAI", SeizeMarket: "WETH", Liquidator: liquidator, Borrower: borrower, MaxAssets: wad(2000)})
	if res.Err != nil {
		t.Fatalf("liquidate: %v", res.Err)
	}
	if res.Value.Cmp(wad(2000)) != 0 {
		t.Fatalf("repaid = %s, want 2000", res.Value)
	}
	// Seize: 2000 DAI of value at 2500/WETH, times the 1.10 incentive.
	wantSeized := uint256.NewInt(880_000_000_000_000_000)
	if res.Seized.Cmp(wantSeized) != 0 {
		t.Fatalf("seized = %s, want %s", res.Seized, wantSeized)
	}
	if got := f.wethVault.BalanceOf(liquidator); got.Cmp(wantSeized) != 0 {
		t.Fatalf("liquidator holds %s WETH, want %s", got, wantSeized)
	}
	if got := f.daiVault.BalanceOf(liquidator); got.Cmp(wad(1000)) != 0 {
		t.Fatalf("liquidator DAI balance = %s, want 1000", got)
	}
	// Lenders' 5% of the repaid amount lands in the accumulator.
	if got := f.dai.EarningsAccumulator(); got.Cmp(wad(100)) != 0 {
		t.Fatalf("DAI accumulator = %s, want 100", got)
	}
	// Borrower keeps the unseized remainder of the collateral.
	remainder := new(uint256.Int).Sub(wad(1), wantSeized)
	if got := f.weth.BalanceOf(borrower); got.Cmp(remainder) != 0 {
		t.Fatalf("borrower collateral = %s, want %s", got, remainder)
	}

	envs := f.drain()
	kinds := make(map[event.Kind]bool)
	for _, env := range envs {
		kinds[env.Kind] = true
	}
	for _, want := range []event.Kind{event.KindRepay, event.KindLiquidate, event.KindSeize} {
		if !kinds[want] {
			t.Fatalf("missing %s envelope, got %v", want, kinds)
		}
	}
}

func TestEngineFixedBorrowThroughEngine(t *testing.T) {
	f := newTestEngine(t)

	if res := f.apply(t, 10, "d1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(10_000)}); res.Err != nil {
		t.Fatalf("whale deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "d2", &DepositOp{Market: "WETH", Caller: borrower, Owner: borrower, Assets: wad(1)}); res.Err != nil {
		t.Fatalf("collateral deposit: %v", res.Err)
	}
	if res := f.apply(t, 10, "e1", &EnterMarketOp{Market: "WETH", Account: borrower}); res.Err != nil {
		t.Fatalf("enter market: %v", res.Err)
	}

	res := f.apply(t, 100, "fb1", &BorrowAtMaturityOp{
		Market: "DAI", Maturity: market.Interval,
		Caller: borrower, Receiver: borrower, Borrower: borrower,
		Assets: wad(100), MaxAssets: wad(110),
	})
	if res.Err != nil {
		t.Fatalf("fixed borrow: %v", res.Err)
	}
	if res.Value.Cmp(wad(100)) < 0 || res.Value.Cmp(wad(110)) > 0 {
		t.Fatalf("assets owed = %s, want between principal and cap", res.Value)
	}
	if got := f.daiVault.BalanceOf(borrower); got.Cmp(wad(100)) != 0 {
		t.Fatalf("borrower received %s DAI", got)
	}

	envs := f.drain()
	var seen bool
	for _, env := range envs {
		if env.Kind == event.KindBorrowAtMaturity {
			seen = true
		}
	}
	if !seen {
		t.Fatal("no BorrowAtMaturity envelope")
	}
}

func TestEngineRunAndSubmit(t *testing.T) {
	f := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	res, err := f.engine.Submit(ctx, Command{
		IdempotencyKey: "s1", Timestamp: 10,
		Op: &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(500)},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("deposit through loop: %v", res.Err)
	}
	if res.Value.Cmp(wad(500)) != 0 {
		t.Fatalf("shares = %s, want 500", res.Value)
	}

	cancel()
	<-done
}

func TestEngineWarmPreloadsDedup(t *testing.T) {
	f := newTestEngine(t)
	f.engine.Warm([]string{"Deposit:old-1"})

	res := f.apply(t, 10, "old-1", &DepositOp{Market: "DAI", Caller: whale, Owner: whale, Assets: wad(1)})
	if !res.Duplicate {
		t.Fatal("warmed key not treated as duplicate")
	}
}
