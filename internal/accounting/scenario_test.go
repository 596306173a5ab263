package accounting

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/house"
	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/model"
)

func TestScenario_FullLifecycleStaysBalanced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	lp := f.addLiquidity(t, "lp1", 50*usdt)
	assert.Equal(t, 50*usdt, lp.Reserve)
	assert.Equal(t, 50*usdt-1_000, lp.Shares)
	assert.Zero(t, f.requireSolvent(t).Excess)

	f.deposit(t, "alice", 20*usdt)
	assert.Equal(t, 20*usdt, f.balance(t, "alice"))
	assert.Equal(t, 50*usdt, f.pool(t).Reserve)
	assert.Zero(t, f.requireSolvent(t).Excess)

	res, err := f.engine.WithdrawAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Zero(t, f.balance(t, "alice"))
	assert.Equal(t, 20*usdt-fee, f.ledger.Balance("alice"))
	assert.Zero(t, f.requireSolvent(t).Excess)

	res, err = f.engine.WithdrawAllLiquidity(ctx, "lp1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 50*usdt-1_000, res.Amount)

	st := f.pool(t)
	assert.Equal(t, model.Amount(1_000), st.Reserve, "locked minimum liquidity stays behind")
	assert.Equal(t, model.Amount(1_000), st.TotalShares)
	assert.Zero(t, f.requireSolvent(t).Excess)
	assert.Equal(t, model.Amount(1_000), f.ledger.Balance(serviceAccount))
}

func TestScenario_UncertainWithdrawalLocksAccountUntilConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 100*usdt)
	f.deposit(t, "alice", 10*usdt)

	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransfer, Err: transient()})
	res, err := f.engine.WithdrawAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.Equal(t, 1, res.Retries)
	assert.Zero(t, f.balance(t, "alice"))

	// Every mutation path is locked out.
	assert.ErrorIs(t, f.engine.UpdateBalance(ctx, "alice", 10*usdt), ErrWithdrawalInProgress)

	f.fund("alice", 5*usdt)
	_, err = f.engine.Deposit(ctx, "alice", 5*usdt)
	assert.ErrorIs(t, err, ErrWithdrawalInProgress)

	_, err = f.engine.SettleBet(ctx, "alice", model.GameTransaction{BetAmount: usdt, Payout: 2 * usdt})
	assert.ErrorIs(t, err, ErrWithdrawalInProgress)

	_, err = f.engine.WithdrawAll(ctx, "alice")
	assert.ErrorIs(t, err, ErrWithdrawalInProgress)

	status, err := f.engine.GetWithdrawalStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalPending, status.State)

	// The books dropped by the withdrawal but the ledger has not; the audit
	// tolerates exactly that window.
	report := f.requireSolvent(t)
	assert.Equal(t, int64(10*usdt), report.Excess)
	assert.Equal(t, 10*usdt, report.InFlight)

	rr, err := f.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Completed)

	status, err = f.engine.GetWithdrawalStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawalNone, status.State)
	assert.Zero(t, f.balance(t, "alice"))
	// 5 USDT (+fee) minted for the refused deposit, plus the withdrawal.
	assert.Equal(t, 15*usdt, f.ledger.Balance("alice"))
	assert.Zero(t, f.requireSolvent(t).Excess)
	assert.NoError(t, f.engine.UpdateBalance(ctx, "alice", 0))
}

func TestScenario_ConcurrentWinsNeverOverdrawPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.limiter = house.NewLimiter(0, 10_000)
	f.addLiquidity(t, "lp1", 10*usdt)
	f.deposit(t, "alice", 100*usdt)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.SettleBet(ctx, "alice", model.GameTransaction{
				BetAmount: 5 * usdt, Payout: 10 * usdt, MaxPayout: 10 * usdt,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.True(t,
				errors.Is(err, ErrHouseLimit) || errors.Is(err, ErrPoolNotAccepting) || errors.Is(err, ErrPoolInsufficient),
				"unexpected error: %v", err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins, "a 10 USDT payout fits a 10 USDT reserve once")
	assert.Equal(t, 5*usdt, f.pool(t).Reserve)
	assert.Equal(t, 105*usdt, f.balance(t, "alice"))
	assert.Zero(t, f.requireSolvent(t).Excess)
}

func TestScenario_PoolShortfallRefundsBetOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// A limit above 100% lets a payout through that the pool cannot cover.
	f.engine.limiter = &house.Limiter{MaxPayoutBps: 50_000}
	f.addLiquidity(t, "lp1", 10*usdt)
	f.deposit(t, "alice", 100*usdt)

	tx := model.GameTransaction{BetAmount: 5 * usdt, Payout: 12 * usdt, MaxPayout: 12 * usdt}
	_, err := f.engine.SettleBet(ctx, "alice", tx)
	require.NoError(t, err)
	assert.Equal(t, 3*usdt, f.pool(t).Reserve)
	assert.Equal(t, 107*usdt, f.balance(t, "alice"))

	_, err = f.engine.SettleBet(ctx, "alice", tx)
	require.ErrorIs(t, err, ErrPoolInsufficient)
	assert.Equal(t, 3*usdt, f.pool(t).Reserve, "reserve untouched")
	assert.Equal(t, 107*usdt, f.balance(t, "alice"), "bet refunded, no payout")
	assert.Zero(t, f.requireSolvent(t).Excess)
}
