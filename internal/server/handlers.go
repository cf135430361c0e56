package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"TermLedger/internal/core"
)

const requestLimit = 1 << 20 // 1 MiB

// opRequest is the shared mutation body. Amounts are WAD decimal strings;
// timestamp is the versioned input time driving all accrual.
type opRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Timestamp      int64  `json:"timestamp"`

	Caller     string `json:"caller,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Receiver   string `json:"receiver,omitempty"`
	Borrower   string `json:"borrower,omitempty"`
	Liquidator string `json:"liquidator,omitempty"`
	Account    string `json:"account,omitempty"`

	Maturity    int64  `json:"maturity,omitempty"`
	SeizeMarket string `json:"seize_market,omitempty"`

	Assets            string `json:"assets,omitempty"`
	MaxAssets         string `json:"max_assets,omitempty"`
	PositionAssets    string `json:"position_assets,omitempty"`
	MinAssetsRequired string `json:"min_assets_required,omitempty"`
}

func decodeRequest(r *http.Request) (*opRequest, error) {
	var req opRequest
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

// amount parses a required WAD decimal string field.
func amount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", errBadRequest, field)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

// optionalAmount parses a WAD decimal string, nil when absent.
func optionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, nil
	}
	return amount(field, s)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := amount("assets", req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "deposit", req.IdempotencyKey, req.Timestamp, &core.DepositOp{
		Market: chi.URLParam(r, "market"),
		Caller: req.Caller,
		Owner:  req.Owner,
		Assets: assets,
	})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := amount("assets", req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "withdraw", req.IdempotencyKey, req.Timestamp, &core.WithdrawOp{
		Market:   chi.URLParam(r, "market"),
		Caller:   req.Caller,
		Receiver: req.Receiver,
		Owner:    req.Owner,
		Assets:   assets,
	})
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := amount("assets", req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "borrow", req.IdempotencyKey, req.Timestamp, &core.BorrowOp{
		Market:   chi.URLParam(r, "market"),
		Caller:   req.Caller,
		Receiver: req.Receiver,
		Borrower: req.Borrower,
		Assets:   assets,
	})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	maxAssets, err := amount("max_assets", req.MaxAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "repay", req.IdempotencyKey, req.Timestamp, &core.RepayOp{
		Market:    chi.URLParam(r, "market"),
		Caller:    req.Caller,
		Borrower:  req.Borrower,
		MaxAssets: maxAssets,
	})
}

func (s *Server) depositAtMaturity(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := amount("assets", req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	minRequired, err := optionalAmount("min_assets_required", req.MinAssetsRequired)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "deposit_at_maturity", req.IdempotencyKey, req.Timestamp, &core.DepositAtMaturityOp{
		Market:            chi.URLParam(r, "market"),
		Maturity:          req.Maturity,
		Caller:            req.Caller,
		Owner:             req.Owner,
		Assets:            assets,
		MinAssetsRequired: minRequired,
	})
}

func (s *Server) withdrawAtMaturity(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	positionAssets, err := amount("position_assets", req.PositionAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	minRequired, err := optionalAmount("min_assets_required", req.MinAssetsRequired)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "withdraw_at_maturity", req.IdempotencyKey, req.Timestamp, &core.WithdrawAtMaturityOp{
		Market:            chi.URLParam(r, "market"),
		Maturity:          req.Maturity,
		Caller:            req.Caller,
		Receiver:          req.Receiver,
		Owner:             req.Owner,
		PositionAssets:    positionAssets,
		MinAssetsRequired: minRequired,
	})
}

func (s *Server) borrowAtMaturity(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	assets, err := amount("assets", req.Assets)
	if err != nil {
		writeError(w, err)
		return
	}
	maxAssets, err := amount("max_assets", req.MaxAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "borrow_at_maturity", req.IdempotencyKey, req.Timestamp, &core.BorrowAtMaturityOp{
		Market:    chi.URLParam(r, "market"),
		Maturity:  req.Maturity,
		Caller:    req.Caller,
		Receiver:  req.Receiver,
		Borrower:  req.Borrower,
		Assets:    assets,
		MaxAssets: maxAssets,
	})
}

func (s *Server) repayAtMaturity(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	positionAssets, err := amount("position_assets", req.PositionAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	maxAssets, err := amount("max_assets", req.MaxAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "repay_at_maturity", req.IdempotencyKey, req.Timestamp, &core.RepayAtMaturityOp{
		Market:         chi.URLParam(r, "market"),
		Maturity:       req.Maturity,
		Caller:         req.Caller,
		Borrower:       req.Borrower,
		PositionAssets: positionAssets,
		MaxAssets:      maxAssets,
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	maxAssets, err := amount("max_assets", req.MaxAssets)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "liquidate", req.IdempotencyKey, req.Timestamp, &core.LiquidateOp{
		Market:      chi.URLParam(r, "market"),
		SeizeMarket: req.SeizeMarket,
		Liquidator:  req.Liquidator,
		Borrower:    req.Borrower,
		MaxAssets:   maxAssets,
	})
}

func (s *Server) enterMarket(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "enter_market", req.IdempotencyKey, req.Timestamp, &core.EnterMarketOp{
		Market:  chi.URLParam(r, "market"),
		Account: req.Account,
	})
}

func (s *Server) exitMarket(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.submit(w, r, "exit_market", req.IdempotencyKey, req.Timestamp, &core.ExitMarketOp{
		Market:  chi.URLParam(r, "market"),
		Account: req.Account,
	})
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "projection store unavailable"})
		return
	}
	states, err := s.states.List(r.Context())
	if err != nil {
		s.queryError("list_markets")
		s.logger.Error().Err(err).Msg("list markets query failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": states})
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	if s.states == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "projection store unavailable"})
		return
	}
	state, err := s.states.Load(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		s.queryError("get_market")
		s.logger.Error().Err(err).Msg("market query failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "query failed"})
		return
	}
	if state == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown market"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}
