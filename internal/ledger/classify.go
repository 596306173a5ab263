package ledger

import (
	"context"
	"errors"
)

// OutcomeKind is the classification of a ledger call result.
type OutcomeKind int

const (
	// Success: the transfer is recorded on the ledger.
	Success OutcomeKind = iota
	// Definite: the transfer certainly did not happen. Local rollback is
	// safe.
	Definite
	// Uncertain: the transfer may or may not have happened. Local rollback
	// is unsafe.
	Uncertain
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Definite:
		return "definite_error"
	case Uncertain:
		return "uncertain_error"
	}
	return "unknown"
}

// Outcome is a classified call result.
type Outcome struct {
	Kind    OutcomeKind
	Receipt Receipt
	Reason  string
	Err     error
}

// Classify maps the raw result of Transfer or TransferFrom to an Outcome.
// When in doubt it answers Uncertain.
func Classify(receipt Receipt, err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success, Receipt: receipt}
	}

	var le *LedgerError
	if errors.As(err, &le) {
		switch le.Kind {
		case KindDuplicate:
			// An earlier submission of this exact request landed.
			return Outcome{Kind: Success, Receipt: Receipt{BlockIndex: le.DuplicateOf}, Reason: err.Error()}
		case KindTooOld:
			// The dedup window has passed, so the ledger can no longer
			// tell us whether a previous attempt went through.
			return Outcome{Kind: Uncertain, Reason: err.Error(), Err: err}
		case KindBadFee, KindBadBurn, KindInsufficientFunds, KindInsufficientAllowance,
			KindExpired, KindCreatedInFuture, KindTemporarilyUnavailable, KindGenericError:
			return Outcome{Kind: Definite, Reason: err.Error(), Err: err}
		}
		return Outcome{Kind: Uncertain, Reason: err.Error(), Err: err}
	}

	var ce *CallError
	if errors.As(err, &ce) {
		switch ce.Code {
		case DestinationInvalid, CanisterReject, CanisterError:
			return Outcome{Kind: Definite, Reason: err.Error(), Err: err}
		}
		return Outcome{Kind: Uncertain, Reason: err.Error(), Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Outcome{Kind: Uncertain, Reason: "ledger call timed out: " + err.Error(), Err: err}
	}

	return Outcome{Kind: Uncertain, Reason: err.Error(), Err: err}
}
