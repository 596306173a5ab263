package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/casinohouse/accounting-engine/internal/accounting"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"wrapped validation", fmt.Errorf("%w: deposit 5 < 10", accounting.ErrBelowMinimum), http.StatusBadRequest, "below_minimum"},
		{"insufficient balance", accounting.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"in progress", accounting.ErrWithdrawalInProgress, http.StatusConflict, "withdrawal_in_progress"},
		{"stuck", accounting.ErrWithdrawalStuck, http.StatusConflict, "withdrawal_stuck"},
		{"pool", fmt.Errorf("%w: below floor", accounting.ErrPoolNotAccepting), http.StatusServiceUnavailable, "pool_not_accepting"},
		{"refused", &accounting.DefiniteError{Op: "transfer", Reason: "InsufficientFunds"}, http.StatusBadGateway, "ledger_refused"},
		{"uncertain", fmt.Errorf("deposit: %w", &accounting.UncertainError{Op: "transfer_from", Reason: "timeout"}), http.StatusGatewayTimeout, "ledger_uncertain"},
		{"no deposit", accounting.ErrNoUncertainDeposit, http.StatusNotFound, "no_uncertain_deposit"},
		{"invariant", accounting.ErrInvariantViolation, http.StatusInternalServerError, "internal"},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := statusFor(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("statusFor(%v) = %d %q, want %d %q", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}
