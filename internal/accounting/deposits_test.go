package accounting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/model"
)

// uncertainDeposit makes a deposit whose reply is lost after the ledger
// moved the funds, and returns the record it left behind.
func (f *fixture) uncertainDeposit(t *testing.T, owner string, amount model.Amount, lp bool) string {
	t.Helper()
	ctx := context.Background()
	f.fund(owner, amount)
	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransferFrom, Err: transient(), Apply: true})

	var err error
	if lp {
		_, err = f.engine.DepositLiquidity(ctx, owner, amount)
	} else {
		_, err = f.engine.Deposit(ctx, owner, amount)
	}
	var uncertain *UncertainError
	require.ErrorAs(t, err, &uncertain)
	require.NotEmpty(t, uncertain.DepositID)
	return uncertain.DepositID
}

func TestResolveDeposit_ConfirmCreditsChips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.uncertainDeposit(t, "alice", 5*usdt, false)
	assert.Zero(t, f.balance(t, "alice"))

	res, err := f.engine.ResolveDeposit(ctx, id, ResolveComplete, "ops")
	require.NoError(t, err)
	assert.Equal(t, 5*usdt, res.Credited)
	assert.Equal(t, "alice", res.Deposit.User)
	assert.Equal(t, 5*usdt, f.balance(t, "alice"))
	assert.Equal(t, 1, f.sink.count(model.EventOperatorCompleted))

	held, err := f.engine.ListUncertainDeposits(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Zero(t, f.requireSolvent(t).Excess, "the audit balances once the deposit is booked")

	_, err = f.engine.ResolveDeposit(ctx, id, ResolveComplete, "ops")
	assert.ErrorIs(t, err, ErrNoUncertainDeposit, "a record is booked at most once")
}

func TestResolveDeposit_ConfirmMintsShares(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 50*usdt)
	id := f.uncertainDeposit(t, "lp2", 20*usdt, true)

	res, err := f.engine.ResolveDeposit(ctx, id, ResolveComplete, "ops")
	require.NoError(t, err)
	assert.Equal(t, 20*usdt, res.Minted, "minted at the 1:1 price")
	assert.Zero(t, res.Credited)

	shares, err := f.store.GetShares(ctx, "lp2")
	require.NoError(t, err)
	assert.Equal(t, 20*usdt, shares)
	assert.Equal(t, 70*usdt, f.pool(t).Reserve)
	assert.Zero(t, f.requireSolvent(t).Excess)
}

func TestResolveDeposit_DiscardLeavesBalances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund("alice", 5*usdt)
	// The call times out before the ledger applies it.
	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransferFrom, Err: transient()})
	_, err := f.engine.Deposit(ctx, "alice", 5*usdt)
	var uncertain *UncertainError
	require.ErrorAs(t, err, &uncertain)

	res, err := f.engine.ResolveDeposit(ctx, uncertain.DepositID, ResolveRollback, "ops")
	require.NoError(t, err)
	assert.Zero(t, res.Credited)
	assert.Zero(t, f.balance(t, "alice"))
	assert.Equal(t, 1, f.sink.count(model.EventDepositDiscarded))
	assert.Zero(t, f.requireSolvent(t).Excess)

	held, err := f.engine.ListUncertainDeposits(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestResolveDeposit_Refusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.ResolveDeposit(ctx, "missing", ResolveComplete, "ops")
	assert.ErrorIs(t, err, ErrNoUncertainDeposit)

	id := f.uncertainDeposit(t, "alice", 5*usdt, false)
	_, err = f.engine.ResolveDeposit(ctx, id, Resolution("maybe"), "ops")
	assert.ErrorIs(t, err, ErrUnknownResolution)

	held, err := f.engine.ListUncertainDeposits(ctx)
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestResolveDeposit_FailedRemovalBooksNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.uncertainDeposit(t, "alice", 5*usdt, false)
	faults := f.withFaults()

	faults.failAfter("DeleteUncertainDeposit", 0)
	_, err := f.engine.ResolveDeposit(ctx, id, ResolveComplete, "ops")
	require.ErrorIs(t, err, errDiskFull)
	assert.Zero(t, f.balance(t, "alice"), "credit rolled back with the record removal")

	// The record survives for another try.
	res, err := f.engine.ResolveDeposit(ctx, id, ResolveComplete, "ops")
	require.NoError(t, err)
	assert.Equal(t, 5*usdt, res.Credited)
	assert.Equal(t, 5*usdt, f.balance(t, "alice"))
}
