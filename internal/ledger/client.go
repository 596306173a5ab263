// Package ledger is the boundary to the external token ledger. It defines
// the client contract, the two layers of failure a call can produce, and
// the classifier that turns any call result into Success, Definite or
// Uncertain.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// TransferArgs moves Amount from the service's own account to To. The
// service pays Fee on top of Amount.
type TransferArgs struct {
	To     string       `json:"to"`
	Amount model.Amount `json:"amount"`
	Fee    model.Amount `json:"fee"`
	// Memo and CreatedAt make the request idempotent on the ledger:
	// resubmitting the same pair inside the dedup window yields a
	// Duplicate error instead of a second transfer.
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at_time,omitempty"`
}

// TransferFromArgs pulls Amount from From (who pays Amount+Fee) into To
// under a prior approval.
type TransferFromArgs struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	Amount    model.Amount `json:"amount"`
	Fee       model.Amount `json:"fee"`
	Memo      string       `json:"memo,omitempty"`
	CreatedAt time.Time    `json:"created_at_time,omitempty"`
}

// Receipt identifies the ledger block that recorded a transfer.
type Receipt struct {
	BlockIndex uint64 `json:"block_index"`
}

// Client is the asynchronous token ledger. Every method may block; a
// returned error is either a *LedgerError (the ledger answered and refused),
// a *CallError (the call itself failed), or a context error.
type Client interface {
	Transfer(ctx context.Context, args TransferArgs) (Receipt, error)
	TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error)
	BalanceOf(ctx context.Context, account string) (model.Amount, error)
}

// ErrorKind is a ledger-level rejection reason.
type ErrorKind string

const (
	KindBadFee                 ErrorKind = "BadFee"
	KindBadBurn                ErrorKind = "BadBurn"
	KindInsufficientFunds      ErrorKind = "InsufficientFunds"
	KindInsufficientAllowance  ErrorKind = "InsufficientAllowance"
	KindExpired                ErrorKind = "Expired"
	KindTooOld                 ErrorKind = "TooOld"
	KindCreatedInFuture        ErrorKind = "CreatedInFuture"
	KindDuplicate              ErrorKind = "Duplicate"
	KindTemporarilyUnavailable ErrorKind = "TemporarilyUnavailable"
	KindGenericError           ErrorKind = "GenericError"
)

// LedgerError is a definite answer from the ledger refusing the request.
type LedgerError struct {
	Kind        ErrorKind    `json:"kind"`
	Message     string       `json:"message,omitempty"`
	DuplicateOf uint64       `json:"duplicate_of,omitempty"`
	ExpectedFee model.Amount `json:"expected_fee,omitempty"`
	Balance     model.Amount `json:"balance,omitempty"`
}

func (e *LedgerError) Error() string {
	switch e.Kind {
	case KindDuplicate:
		return fmt.Sprintf("ledger: duplicate of block %d", e.DuplicateOf)
	case KindBadFee:
		return fmt.Sprintf("ledger: bad fee, expected %d", e.ExpectedFee)
	case KindInsufficientFunds:
		return fmt.Sprintf("ledger: insufficient funds, balance %d", e.Balance)
	}
	if e.Message != "" {
		return fmt.Sprintf("ledger: %s: %s", e.Kind, e.Message)
	}
	return "ledger: " + string(e.Kind)
}

// RejectCode is the system-level outcome of a call that did not produce a
// ledger answer.
type RejectCode int

const (
	SysFatal RejectCode = iota + 1
	SysTransient
	DestinationInvalid
	CanisterReject
	CanisterError
	SysUnknown
)

func (c RejectCode) String() string {
	switch c {
	case SysFatal:
		return "SysFatal"
	case SysTransient:
		return "SysTransient"
	case DestinationInvalid:
		return "DestinationInvalid"
	case CanisterReject:
		return "CanisterReject"
	case CanisterError:
		return "CanisterError"
	case SysUnknown:
		return "SysUnknown"
	}
	return fmt.Sprintf("RejectCode(%d)", int(c))
}

// CallError is a failure of the call itself, independent of the ledger's
// own response.
type CallError struct {
	Code    RejectCode
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ledger call rejected (%s): %s", e.Code, e.Message)
}
