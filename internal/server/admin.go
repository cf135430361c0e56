package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"TermLedger/internal/core"
)

// adminRequest is the body for risk-parameter updates. Factors are WAD
// integer strings like every other amount on the wire.
type adminRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Timestamp      int64  `json:"timestamp"`

	AdjustFactor        string `json:"adjust_factor,omitempty"`
	LiquidatorIncentive string `json:"liquidator_incentive,omitempty"`
	LendersIncentive    string `json:"lenders_incentive,omitempty"`

	Price   string `json:"price,omitempty"`
	Version int64  `json:"version,omitempty"`
}

func decodeAdminRequest(r *http.Request) (*adminRequest, error) {
	var req adminRequest
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: timestamp must be positive", errBadRequest)
	}
	return &req, nil
}

func (s *Server) setAdjustFactor(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	factor, err := amount("adjust_factor", req.AdjustFactor)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "set_adjust_factor", req.IdempotencyKey, req.Timestamp, &core.SetAdjustFactorOp{
		Market:       chi.URLParam(r, "market"),
		AdjustFactor: factor,
	})
}

func (s *Server) setLiquidationIncentive(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	liquidator, err := amount("liquidator_incentive", req.LiquidatorIncentive)
	if err != nil {
		writeError(w, err)
		return
	}
	lenders, err := optionalAmount("lenders_incentive", req.LendersIncentive)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "set_liquidation_incentive", req.IdempotencyKey, req.Timestamp, &core.SetLiquidationIncentiveOp{
		Liquidator: liquidator,
		Lenders:    lenders,
	})
}

// setPriceFeed replaces a market's feed with a fresh one seeded at the given
// price and version. Used when an upstream price source is rotated out.
func (s *Server) setPriceFeed(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	price, err := amount("price", req.Price)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Version <= 0 {
		writeError(w, fmt.Errorf("%w: version must be positive", errBadRequest))
		return
	}
	s.submit(w, r, "set_price_feed", req.IdempotencyKey, req.Timestamp, &core.SetPriceFeedOp{
		Market:  chi.URLParam(r, "market"),
		Price:   price,
		Version: req.Version,
	})
}

// queryTimestamp reads the optional ?timestamp= parameter used to preview
// accrual at a point in time; defaults to the current clock. Read-only, so
// wall-clock use here never feeds ledger state.
func queryTimestamp(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		return time.Now().Unix(), nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts <= 0 {
		return 0, errBadRequest
	}
	return ts, nil
}

type liquidityResponse struct {
	Account    string `json:"account"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

// accountLiquidity serves risk-adjusted collateral and debt totals. The
// lookup runs inside the engine loop: it needs live positions across markets,
// which the projection does not carry.
func (s *Server) accountLiquidity(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	now, err := queryTimestamp(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var collateral, debt *uint256.Int
	var qerr error
	err = s.engine.Query(r.Context(), func() {
		collateral, debt, qerr = s.engine.Auditor().AccountLiquidity(account, now)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if qerr != nil {
		writeError(w, qerr)
		return
	}
	writeJSON(w, http.StatusOK, liquidityResponse{
		Account:    account,
		Collateral: collateral.Dec(),
		Debt:       debt.Dec(),
	})
}

func (s *Server) accountMarkets(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var markets []string
	err := s.engine.Query(r.Context(), func() {
		markets = s.engine.Auditor().AccountMarkets(account)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if markets == nil {
		markets = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "markets": markets})
}

// accountDebt previews an account's total debt in one market, penalties
// included.
func (s *Server) accountDebt(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "market")
	account := chi.URLParam(r, "account")
	now, err := queryTimestamp(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var debt *uint256.Int
	var found bool
	err = s.engine.Query(r.Context(), func() {
		m, ok := s.engine.Market(marketID)
		if !ok {
			return
		}
		found = true
		debt = m.PreviewDebt(account, now)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown market"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market":  marketID,
		"account": account,
		"debt":    debt.Dec(),
	})
}
