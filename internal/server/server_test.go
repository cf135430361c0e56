package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"TermLedger/internal/auditor"
	"TermLedger/internal/core"
	"TermLedger/internal/fixmath"
	"TermLedger/internal/irm"
	"TermLedger/internal/market"
	"TermLedger/internal/observability"
	"TermLedger/internal/oracle"
	"TermLedger/internal/persistence"
	"TermLedger/internal/vault"
)

type stubStates struct {
	rows []persistence.MarketStateRow
}

func (s *stubStates) Load(ctx context.Context, marketID string) (*persistence.MarketStateRow, error) {
	for i := range s.rows {
		if s.rows[i].MarketID == marketID {
			return &s.rows[i], nil
		}
	}
	return nil, nil
}

func (s *stubStates) List(ctx context.Context) ([]persistence.MarketStateRow, error) {
	return s.rows, nil
}

func testServer(t *testing.T) (*httptest.Server, *vault.MemoryVault, context.CancelFunc) {
	t.Helper()
	curve := irm.Curve{
		A:              uint256.NewInt(20_000_000_000_000_000),
		B:              uint256.NewInt(10_000_000_000_000_000),
		MaxUtilization: uint256.NewInt(1_200_000_000_000_000_000),
	}
	model, err := irm.NewModel(curve, curve, nil, nil)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	v := vault.NewMemoryVault("DAI")
	m, err := market.NewMarket(market.Config{
		ID:              "DAI",
		Model:           model,
		Vault:           v,
		PenaltyRate:     uint256.NewInt(100_000_000_000),
		BackupFeeRate:   uint256.NewInt(100_000_000_000_000_000),
		ReserveFactor:   uint256.NewInt(100_000_000_000_000_000),
		TreasuryFeeRate: new(uint256.Int),
		MaxFuturePools:  3,
		SmoothFactor:    fixmath.Wad.Clone(),
		DampSpeedUp:     fixmath.Wad.Clone(),
		DampSpeedDown:   fixmath.Wad.Clone(),
		Now:             0,
	})
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	aud, err := auditor.New(auditor.LiquidationIncentive{
		Liquidator: uint256.NewInt(50_000_000_000_000_000),
		Lenders:    new(uint256.Int),
	}, fixmath.Wad.Clone())
	if err != nil {
		t.Fatalf("auditor: %v", err)
	}
	eng, err := core.NewEngine(core.Config{
		StartSequence: 1,
		Auditor:       aud,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	feed := oracle.NewCachedFeed("DAI")
	if err := feed.Update(fixmath.Wad.Clone(), 1); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if err := eng.AddMarket(m, feed, fixmath.Wad.Clone(), 18); err != nil {
		t.Fatalf("add market: %v", err)
	}
	v.Fund("alice", fixmath.NewWad(1_000_000))

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	states := &stubStates{rows: []persistence.MarketStateRow{{
		MarketID: "DAI", Sequence: 1,
		FloatingAssets: "0", FloatingDebt: "0", FloatingShares: "0",
		FloatingBorrowShares: "0", BackupBorrowed: "0", EarningsAccumulator: "0",
	}}}
	health := observability.NewHealthChecker()
	health.SetReady(true)
	srv := New(eng, states, health, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, v, cancel
}

func post(t *testing.T, ts *httptest.Server, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestDepositEndpoint(t *testing.T) {
	ts, _, cancel := testServer(t)
	defer cancel()

	resp, body := post(t, ts, "/v1/markets/DAI/deposit", `{
		"idempotency_key": "dep-1",
		"timestamp": 100,
		"caller": "alice",
		"owner": "alice",
		"assets": "100000000000000000000"
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if body["value"] != "100000000000000000000" {
		t.Fatalf("value = %v", body["value"])
	}

	// Replay is acknowledged as a duplicate, not re-applied.
	resp, body = post(t, ts, "/v1/markets/DAI/deposit", `{
		"idempotency_key": "dep-1",
		"timestamp": 200,
		"caller": "alice",
		"owner": "alice",
		"assets": "100000000000000000000"
	}`)
	if resp.StatusCode != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("replay status = %d body = %v", resp.StatusCode, body)
	}
}

func TestMutationErrorMapping(t *testing.T) {
	ts, _, cancel := testServer(t)
	defer cancel()

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{
			"zero amount", "/v1/markets/DAI/deposit",
			`{"timestamp":100,"caller":"alice","owner":"alice","assets":"0"}`,
			http.StatusBadRequest,
		},
		{
			"missing timestamp", "/v1/markets/DAI/deposit",
			`{"caller":"alice","owner":"alice","assets":"1"}`,
			http.StatusBadRequest,
		},
		{
			"unknown market", "/v1/markets/DOGE/deposit",
			`{"timestamp":100,"caller":"alice","owner":"alice","assets":"1"}`,
			http.StatusNotFound,
		},
		{
			"uncollateralized borrow", "/v1/markets/DAI/borrow",
			`{"timestamp":100,"caller":"bob","receiver":"bob","borrower":"bob","assets":"1000000000000000000"}`,
			http.StatusConflict,
		},
		{
			"misaligned maturity", "/v1/markets/DAI/borrow-at-maturity",
			`{"timestamp":100,"maturity":12345,"caller":"alice","receiver":"alice","borrower":"alice","assets":"1000000000000000000","max_assets":"2000000000000000000"}`,
			http.StatusUnprocessableEntity,
		},
	}
	for _, c := range cases {
		resp, body := post(t, ts, c.path, c.body)
		if resp.StatusCode != c.status {
			t.Errorf("%s: status = %d, want %d (body %v)", c.name, resp.StatusCode, c.status, body)
		}
	}
}

func TestMarketQueries(t *testing.T) {
	ts, _, cancel := testServer(t)
	defer cancel()

	resp, err := http.Get(ts.URL + "/v1/markets/DAI")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/markets/DOGE")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown market status = %d", resp.StatusCode)
	}
}

func TestAccountViews(t *testing.T) {
	ts, _, cancel := testServer(t)
	defer cancel()

	resp, _ := post(t, ts, "/v1/markets/DAI/deposit", `{
		"timestamp": 100, "caller": "alice", "owner": "alice",
		"assets": "100000000000000000000"
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d", resp.StatusCode)
	}
	resp, _ = post(t, ts, "/v1/markets/DAI/enter", `{"timestamp":101,"account":"alice"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enter status = %d", resp.StatusCode)
	}

	var liq liquidityResponse
	getJSON(t, ts, "/v1/accounts/alice/liquidity?timestamp=101", &liq)
	if liq.Collateral != "100000000000000000000" {
		t.Fatalf("collateral = %s", liq.Collateral)
	}
	if liq.Debt != "0" {
		t.Fatalf("debt = %s", liq.Debt)
	}

	var membership struct {
		Markets []string `json:"markets"`
	}
	getJSON(t, ts, "/v1/accounts/alice/markets", &membership)
	if len(membership.Markets) != 1 || membership.Markets[0] != "DAI" {
		t.Fatalf("markets = %v", membership.Markets)
	}

	var debt struct {
		Debt string `json:"debt"`
	}
	getJSON(t, ts, "/v1/markets/DAI/accounts/alice/debt?timestamp=101", &debt)
	if debt.Debt != "0" {
		t.Fatalf("debt preview = %s", debt.Debt)
	}
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out interface{}) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts, _, cancel := testServer(t)
	defer cancel()

	resp, body := post(t, ts, "/v1/admin/markets/DAI/adjust-factor",
		`{"timestamp":100,"adjust_factor":"500000000000000000"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("adjust factor status = %d body = %v", resp.StatusCode, body)
	}

	resp, _ = post(t, ts, "/v1/admin/markets/DAI/adjust-factor",
		`{"timestamp":100,"adjust_factor":"0"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero adjust factor status = %d", resp.StatusCode)
	}

	resp, _ = post(t, ts, "/v1/admin/markets/DOGE/adjust-factor",
		`{"timestamp":100,"adjust_factor":"500000000000000000"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown market status = %d", resp.StatusCode)
	}

	resp, _ = post(t, ts, "/v1/admin/liquidation-incentive",
		`{"timestamp":100,"liquidator_incentive":"100000000000000000","lenders_incentive":"10000000000000000"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("incentive status = %d", resp.StatusCode)
	}

	resp, body = post(t, ts, "/v1/admin/markets/DAI/price-feed",
		`{"timestamp":100,"price":"1010000000000000000","version":2}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("price feed status = %d body = %v", resp.StatusCode, body)
	}

	resp, _ = post(t, ts, "/v1/admin/markets/DAI/price-feed",
		`{"timestamp":100,"price":"1010000000000000000"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing version status = %d", resp.StatusCode)
	}

	resp, _ = post(t, ts, "/v1/admin/markets/DOGE/price-feed",
		`{"timestamp":100,"price":"1000000000000000000","version":1}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown market price feed status = %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts, _, cancel := testServer(t)
	defer cancel()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}
