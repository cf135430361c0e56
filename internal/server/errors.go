package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"TermLedger/internal/auditor"
	"TermLedger/internal/core"
	"TermLedger/internal/irm"
	"TermLedger/internal/market"
	"TermLedger/internal/oracle"
	"TermLedger/internal/vault"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error string `json:"error"`
}

type opResponse struct {
	Sequence  int64  `json:"sequence"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Value     string `json:"value,omitempty"`
	Seized    string `json:"seized,omitempty"`
}

func resultResponse(res core.Result) opResponse {
	out := opResponse{Sequence: res.Sequence, Duplicate: res.Duplicate}
	if res.Value != nil {
		out.Value = res.Value.Dec()
	}
	if res.Seized != nil {
		out.Seized = res.Seized.Dec()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps named ledger errors to HTTP status codes. Validation
// failures are 400, ledger state conflicts 409, pool-state mismatches 422,
// unknown markets 404, oracle outages 503.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	var poolState *market.PoolStateError
	switch {
	case errors.As(err, &poolState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, market.ErrZeroDeposit),
		errors.Is(err, market.ErrZeroWithdraw),
		errors.Is(err, market.ErrZeroBorrow),
		errors.Is(err, market.ErrZeroRepay),
		errors.Is(err, market.ErrDisagreement),
		errors.Is(err, auditor.ErrSelfLiquidation),
		errors.Is(err, auditor.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrInsufficientProtocolLiquidity),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, auditor.ErrInsufficientAccountLiquidity),
		errors.Is(err, auditor.ErrInsufficientShortfall),
		errors.Is(err, auditor.ErrRemainingDebt),
		errors.Is(err, irm.ErrMaxUtilization),
		errors.Is(err, vault.ErrTransferFailed):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnknownMarket),
		errors.Is(err, auditor.ErrMarketNotListed):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
