package accounting

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/model"
)

func TestQuoteShares(t *testing.T) {
	e := NewEngine(DefaultConfig(serviceAccount), nil, nil, nil)

	tests := []struct {
		name       string
		state      model.PoolState
		amount     model.Amount
		wantMinted model.Amount
		wantLocked model.Amount
		wantErr    error
	}{
		{"first deposit locks minimum", model.PoolState{}, 10 * usdt, 10*usdt - 1_000, 1_000, nil},
		{"first deposit too small", model.PoolState{}, 1_000, 0, 0, ErrDustDeposit},
		{"proportional", model.PoolState{Initialized: true, Reserve: 200, TotalShares: 100}, 50, 25, 0, nil},
		{"floors", model.PoolState{Initialized: true, Reserve: 3, TotalShares: 1}, 5, 1, 0, nil},
		{"dust", model.PoolState{Initialized: true, Reserve: 1_000_000_000_000, TotalShares: 1}, 10 * usdt, 0, 0, ErrDustDeposit},
		{"drained", model.PoolState{Initialized: true, Reserve: 0, TotalShares: 1_000}, 10 * usdt, 0, 0, ErrPoolDrained},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minted, locked, err := e.quoteShares(tt.state, tt.amount)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMinted, minted)
			assert.Equal(t, tt.wantLocked, locked)
		})
	}
}

func TestDepositLiquidity_SharesTrackContribution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.addLiquidity(t, "lp1", 50*usdt)
	assert.Equal(t, 50*usdt-1_000, first.Minted)

	second := f.addLiquidity(t, "lp2", 25*usdt)
	assert.Equal(t, 25*usdt, second.Minted, "same price as the first deposit")

	// The house wins a round; later shares cost more.
	f.deposit(t, "alice", 2*usdt)
	_, err := f.engine.SettleBet(ctx, "alice", model.GameTransaction{BetAmount: usdt, Payout: 0, MaxPayout: 2 * usdt})
	require.NoError(t, err)
	assert.Equal(t, 76*usdt, f.pool(t).Reserve)

	third := f.addLiquidity(t, "lp3", 19*usdt)
	assert.Equal(t, model.Amount(18_750_000), third.Minted)

	pos, err := f.engine.GetLPPosition(ctx, "lp2")
	require.NoError(t, err)
	// 25M of 93.75M shares against a 95M reserve.
	assert.Equal(t, model.Amount(25_333_333), pos.RedeemableNow)
	assert.True(t, pos.PoolOwnership.Equal(decimal.RequireFromString("26.6667")), pos.PoolOwnership.String())

	stats, err := f.engine.GetPoolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Providers)
	assert.True(t, stats.CanAcceptBets)
	assert.Equal(t, model.Amount(9_500_000), stats.MaxAllowedPayout)
	assert.Zero(t, f.requireSolvent(t).Excess)
}

func TestDepositLiquidity_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.DepositLiquidity(ctx, "lp1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.engine.DepositLiquidity(ctx, "lp1", usdt)
	assert.ErrorIs(t, err, ErrBelowMinimum)
	assert.Zero(t, f.ledger.Calls(ledger.OpTransferFrom), "refused before any funds move")
}

func TestDepositLiquidity_LedgerRefusalMintsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.Mint("lp1", 50*usdt)
	f.ledger.Approve("lp1", 50*usdt) // no room for the fee

	_, err := f.engine.DepositLiquidity(ctx, "lp1", 50*usdt)
	var definite *DefiniteError
	require.ErrorAs(t, err, &definite)

	st := f.pool(t)
	assert.False(t, st.Initialized)
	assert.Zero(t, st.TotalShares)
}

func TestWithdrawAllLiquidity_RefusalRestoresSharesAndReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 50*usdt)
	before := f.pool(t)

	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransfer, Err: &ledger.CallError{Code: ledger.DestinationInvalid}})
	res, err := f.engine.WithdrawAllLiquidity(ctx, "lp1")
	var definite *DefiniteError
	require.ErrorAs(t, err, &definite)
	assert.Equal(t, StatusRolledBack, res.Status)

	after := f.pool(t)
	assert.Equal(t, before.Reserve, after.Reserve)
	assert.Equal(t, before.TotalShares, after.TotalShares)
	shares, err := f.store.GetShares(ctx, "lp1")
	require.NoError(t, err)
	assert.Equal(t, 50*usdt-1_000, shares)
	assert.Zero(t, f.requireSolvent(t).Excess)
}

func TestWithdrawAllLiquidity_UncertainKeepsSharesBurned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 50*usdt)

	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransfer, Err: transient()})
	res, err := f.engine.WithdrawAllLiquidity(ctx, "lp1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, model.Amount(1_000), f.pool(t).Reserve)

	_, err = f.engine.WithdrawAllLiquidity(ctx, "lp1")
	assert.ErrorIs(t, err, ErrWithdrawalInProgress)

	rr, err := f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Completed)
	assert.Zero(t, f.requireSolvent(t).Excess)

	_, err = f.engine.WithdrawAllLiquidity(ctx, "lp1")
	assert.ErrorIs(t, err, ErrNoShares)
}
