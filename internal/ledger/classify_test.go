package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil error", nil, Success},
		{"duplicate is success", &LedgerError{Kind: KindDuplicate, DuplicateOf: 7}, Success},
		{"insufficient funds", &LedgerError{Kind: KindInsufficientFunds}, Definite},
		{"bad fee", &LedgerError{Kind: KindBadFee}, Definite},
		{"insufficient allowance", &LedgerError{Kind: KindInsufficientAllowance}, Definite},
		{"temporarily unavailable", &LedgerError{Kind: KindTemporarilyUnavailable}, Definite},
		{"generic ledger error", &LedgerError{Kind: KindGenericError}, Definite},
		{"too old", &LedgerError{Kind: KindTooOld}, Uncertain},
		{"unknown ledger kind", &LedgerError{Kind: "SomethingNew"}, Uncertain},
		{"destination invalid", &CallError{Code: DestinationInvalid}, Definite},
		{"canister reject", &CallError{Code: CanisterReject}, Definite},
		{"canister trap", &CallError{Code: CanisterError}, Definite},
		{"transient", &CallError{Code: SysTransient}, Uncertain},
		{"sys fatal", &CallError{Code: SysFatal}, Uncertain},
		{"sys unknown", &CallError{Code: SysUnknown}, Uncertain},
		{"deadline", context.DeadlineExceeded, Uncertain},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), Uncertain},
		{"canceled", context.Canceled, Uncertain},
		{"opaque error", errors.New("connection reset"), Uncertain},
		{"wrapped ledger error", fmt.Errorf("transfer: %w", &LedgerError{Kind: KindBadBurn}), Definite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(Receipt{BlockIndex: 1}, tt.err)
			assert.Equal(t, tt.want, got.Kind, "outcome for %v", tt.err)
			if tt.want != Success {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestClassify_DuplicateCarriesOriginalBlock(t *testing.T) {
	got := Classify(Receipt{}, &LedgerError{Kind: KindDuplicate, DuplicateOf: 42})
	assert.Equal(t, Success, got.Kind)
	assert.Equal(t, uint64(42), got.Receipt.BlockIndex)
}
