package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fee = 10_000

func TestMemoryLedger_TransferFromChargesFeeToPayer(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("alice", 100_000_000)
	l.Approve("alice", 100_000_000)

	_, err := l.TransferFrom(context.Background(), TransferFromArgs{
		From: "alice", To: "house", Amount: 20_000_000, Fee: fee,
	})
	require.NoError(t, err)

	assert.EqualValues(t, 20_000_000, l.Balance("house"), "destination receives exactly amount")
	assert.EqualValues(t, 100_000_000-20_000_000-fee, l.Balance("alice"), "payer pays amount+fee")
}

func TestMemoryLedger_TransferFromNeedsAllowance(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("alice", 100_000_000)
	l.Approve("alice", 1_000_000)

	_, err := l.TransferFrom(context.Background(), TransferFromArgs{
		From: "alice", To: "house", Amount: 5_000_000, Fee: fee,
	})
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindInsufficientAllowance, le.Kind)
	assert.EqualValues(t, 0, l.Balance("house"))
}

func TestMemoryLedger_BadFee(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("house", 1_000_000)

	_, err := l.Transfer(context.Background(), TransferArgs{To: "bob", Amount: 100, Fee: 1})
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindBadFee, le.Kind)
	assert.EqualValues(t, fee, le.ExpectedFee)
}

func TestMemoryLedger_DeduplicatesIdempotentRequests(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("house", 10_000_000)
	args := TransferArgs{To: "bob", Amount: 1_000_000, Fee: fee, Memo: "w-1", CreatedAt: time.Now()}

	first, err := l.Transfer(context.Background(), args)
	require.NoError(t, err)

	_, err = l.Transfer(context.Background(), args)
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindDuplicate, le.Kind)
	assert.Equal(t, first.BlockIndex, le.DuplicateOf)
	assert.EqualValues(t, 1_000_000, l.Balance("bob"), "second submission must not move funds")
}

func TestMemoryLedger_TooOldOutsideWindow(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("house", 10_000_000)
	l.SetDedupWindow(time.Minute)

	_, err := l.Transfer(context.Background(), TransferArgs{
		To: "bob", Amount: 1, Fee: fee, Memo: "x", CreatedAt: time.Now().Add(-time.Hour),
	})
	var le *LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, KindTooOld, le.Kind)
}

func TestMemoryLedger_AppliedFaultMovesFundsButReportsError(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("house", 10_000_000)
	l.InjectFault(Fault{Op: OpTransfer, Err: context.DeadlineExceeded, Apply: true})

	_, err := l.Transfer(context.Background(), TransferArgs{To: "bob", Amount: 1_000_000, Fee: fee})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.EqualValues(t, 1_000_000, l.Balance("bob"))
	assert.EqualValues(t, 10_000_000-1_000_000-fee, l.Balance("house"))
}

func TestMemoryLedger_UnappliedFaultLeavesBalances(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("house", 10_000_000)
	l.InjectFault(Fault{Op: OpTransfer, Err: &CallError{Code: SysTransient}})

	_, err := l.Transfer(context.Background(), TransferArgs{To: "bob", Amount: 1_000_000, Fee: fee})
	require.Error(t, err)
	assert.EqualValues(t, 0, l.Balance("bob"))

	// The fault is consumed; the next call goes through.
	_, err = l.Transfer(context.Background(), TransferArgs{To: "bob", Amount: 1_000_000, Fee: fee})
	require.NoError(t, err)
}

func TestMemoryLedger_HoldBlocksUntilReleasedOrCancelled(t *testing.T) {
	l := NewMemoryLedger("house", fee)
	l.Mint("house", 10_000_000)
	release := l.Hold(OpTransfer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Transfer(ctx, TransferArgs{To: "bob", Amount: 1, Fee: fee})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := l.Transfer(context.Background(), TransferArgs{To: "bob", Amount: 1, Fee: fee})
		done <- err
	}()
	release()
	require.NoError(t, <-done)
	assert.Equal(t, 2, l.Calls(OpTransfer))
}
