package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/casinohouse/accounting-engine/internal/accounting"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`

	// Withdrawal is set when a withdrawal was refused by the ledger and
	// rolled back, so the caller sees the restored amount.
	Withdrawal *accounting.WithdrawalResult `json:"withdrawal,omitempty"`

	// DepositID names the record an operator resolves after a deposit
	// with an unknown outcome.
	DepositID string `json:"deposit_id,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Sentinels are matched in order; the first hit wins.
var errorMappings = []errorMapping{
	{accounting.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{accounting.ErrBelowMinimum, http.StatusBadRequest, "below_minimum"},
	{accounting.ErrDustDeposit, http.StatusBadRequest, "dust_deposit"},
	{accounting.ErrUnknownResolution, http.StatusBadRequest, "unknown_resolution"},

	{accounting.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{accounting.ErrHouseLimit, http.StatusUnprocessableEntity, "house_limit"},
	{accounting.ErrNoShares, http.StatusUnprocessableEntity, "no_shares"},

	{accounting.ErrWithdrawalInProgress, http.StatusConflict, "withdrawal_in_progress"},
	{accounting.ErrWithdrawalStuck, http.StatusConflict, "withdrawal_stuck"},
	{accounting.ErrAttemptInFlight, http.StatusConflict, "attempt_in_flight"},
	{accounting.ErrNotStuck, http.StatusConflict, "not_stuck"},
	{accounting.ErrAuditMismatch, http.StatusConflict, "audit_mismatch"},
	{accounting.ErrNoLedgerSnapshot, http.StatusConflict, "no_ledger_snapshot"},

	{accounting.ErrNoPendingWithdrawal, http.StatusNotFound, "no_pending_withdrawal"},
	{accounting.ErrNoUncertainDeposit, http.StatusNotFound, "no_uncertain_deposit"},

	{accounting.ErrPoolNotAccepting, http.StatusServiceUnavailable, "pool_not_accepting"},
	{accounting.ErrPoolDrained, http.StatusServiceUnavailable, "pool_drained"},
	{accounting.ErrPoolInsufficient, http.StatusServiceUnavailable, "pool_insufficient"},
}

// statusFor maps an engine error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	var definite *accounting.DefiniteError
	if errors.As(err, &definite) {
		return http.StatusBadGateway, "ledger_refused"
	}
	var uncertain *accounting.UncertainError
	if errors.As(err, &uncertain) {
		return http.StatusGatewayTimeout, "ledger_uncertain"
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeEngineError writes err with its mapped status. Internal errors are
// logged and their text is not sent to the client.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	writeEngineErrorWith(w, r, err, nil)
}

func writeEngineErrorWith(w http.ResponseWriter, r *http.Request, err error, wr *accounting.WithdrawalResult) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	resp := ErrorResponse{Error: msg, Code: code, Withdrawal: wr}
	var uncertain *accounting.UncertainError
	if errors.As(err, &uncertain) {
		resp.DepositID = uncertain.DepositID
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
