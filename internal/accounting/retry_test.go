package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/model"
)

func TestRetryWorker_CompletesPendingWithdrawals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 100*usdt)
	f.deposit(t, "alice", 10*usdt)

	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransfer, Err: transient()})
	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransfer, Err: transient()})
	res, err := f.engine.WithdrawAll(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, res.Status)

	stop := NewRetryWorker(f.engine, 10*time.Millisecond, true).Start(ctx)
	defer stop()

	require.Eventually(t, func() bool {
		status, err := f.engine.GetWithdrawalStatus(ctx, "alice")
		return err == nil && status.State == model.WithdrawalNone
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, f.ledger.Calls(ledger.OpTransfer))
	assert.Equal(t, 10*usdt-fee, f.ledger.Balance("alice"))
}

func TestRetryWorker_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewRetryWorker(f.engine, time.Hour, false).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
