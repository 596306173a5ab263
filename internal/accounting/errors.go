package accounting

import (
	"errors"
	"fmt"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// Validation errors.
var (
	ErrInvalidAmount    = errors.New("accounting: invalid amount")
	ErrBelowMinimum     = errors.New("accounting: amount below minimum")
	ErrHouseLimit       = errors.New("accounting: wager exceeds house limit")
	ErrPoolNotAccepting = errors.New("accounting: pool is not accepting bets")
	ErrDustDeposit      = errors.New("accounting: deposit too small to mint shares")
	ErrNoShares         = errors.New("accounting: no liquidity shares")
	ErrPoolDrained      = errors.New("accounting: pool reserve exhausted")
)

// Balance and lock errors.
var (
	ErrInsufficientBalance  = errors.New("accounting: insufficient balance")
	ErrWithdrawalInProgress = errors.New("accounting: withdrawal already in progress")
	ErrWithdrawalStuck      = errors.New("accounting: withdrawal stuck, contact support")
	ErrPoolInsufficient     = errors.New("accounting: pool reserve cannot cover payout")
)

// Registry errors.
var (
	ErrNoPendingWithdrawal = errors.New("accounting: no pending withdrawal")
	ErrNotStuck            = errors.New("accounting: withdrawal is not stuck")
	ErrAttemptInFlight     = errors.New("accounting: ledger attempt in flight")
	ErrUnknownResolution   = errors.New("accounting: unknown resolution")
	ErrNoUncertainDeposit  = errors.New("accounting: no such uncertain deposit")
)

// Invariant errors.
var (
	ErrOverflow           = model.ErrOverflow
	ErrUnderflow          = model.ErrUnderflow
	ErrAuditMismatch      = errors.New("accounting: audit mismatch")
	ErrNoLedgerSnapshot   = errors.New("accounting: ledger balance never refreshed")
	ErrInvariantViolation = errors.New("accounting: invariant violation")
)

// DefiniteError reports a ledger call that certainly did not move funds.
// Any provisional local effect has already been reverted when it is
// returned.
type DefiniteError struct {
	Op     string
	Reason string
	Err    error
}

func (e *DefiniteError) Error() string {
	return fmt.Sprintf("accounting: %s refused by ledger: %s", e.Op, e.Reason)
}

func (e *DefiniteError) Unwrap() error { return e.Err }

// UncertainError reports a ledger call whose effect is unknown. Nothing was
// credited locally. For deposits, DepositID names the record an operator
// resolves once the ledger shows whether the funds moved.
type UncertainError struct {
	Op        string
	Reason    string
	DepositID string
	Err       error
}

func (e *UncertainError) Error() string {
	return fmt.Sprintf("accounting: %s outcome unknown: %s", e.Op, e.Reason)
}

func (e *UncertainError) Unwrap() error { return e.Err }
