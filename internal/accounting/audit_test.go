package accounting

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/model"
)

func TestAuditBalances_RequiresSnapshot(t *testing.T) {
	f := newFixture(t)
	report, err := f.engine.AuditBalances(context.Background())
	assert.ErrorIs(t, err, ErrNoLedgerSnapshot)
	assert.False(t, report.OK)
}

func TestAuditBalances_DetectsDeficit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 50*usdt)

	// Chips that no tokens back.
	require.NoError(t, f.engine.UpdateBalance(ctx, "mallory", usdt))

	_, err := f.engine.RefreshCanisterBalance(ctx)
	require.NoError(t, err)
	report, err := f.engine.AuditBalances(ctx)
	assert.ErrorIs(t, err, ErrAuditMismatch)
	assert.Equal(t, int64(-1_000_000), report.Excess)
	assert.Equal(t, 51*usdt, report.Expected)
	assert.Equal(t, 1, f.sink.count(model.EventAuditMismatch))
}

func TestAuditBalances_PendingWindowIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 50*usdt)
	f.deposit(t, "alice", 10*usdt)

	f.ledger.InjectFault(ledger.Fault{Op: ledger.OpTransfer, Err: transient()})
	_, err := f.engine.WithdrawAll(ctx, "alice")
	require.NoError(t, err)
	f.requireSolvent(t)

	// Tokens appearing from nowhere exceed the in-flight allowance.
	f.ledger.Mint(serviceAccount, 10*usdt+1)
	_, err = f.engine.RefreshCanisterBalance(ctx)
	require.NoError(t, err)
	_, err = f.engine.AuditBalances(ctx)
	assert.ErrorIs(t, err, ErrAuditMismatch)
}

func TestAuditLog_NewestFirstPerUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addLiquidity(t, "lp1", 50*usdt)
	f.deposit(t, "alice", 10*usdt)
	_, err := f.engine.WithdrawAll(ctx, "alice")
	require.NoError(t, err)

	entries, err := f.engine.AuditLog(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.EventCompleted, entries[0].Event)
	assert.Equal(t, model.EventInitiated, entries[1].Event)
	assert.Equal(t, model.EventDeposit, entries[2].Event)
}

func TestSignedDelta(t *testing.T) {
	assert.Equal(t, int64(5), signedDelta(10, 5))
	assert.Equal(t, int64(-5), signedDelta(5, 10))
	assert.Equal(t, int64(math.MaxInt64), signedDelta(math.MaxUint64, 0))
	assert.Equal(t, int64(math.MinInt64), signedDelta(0, math.MaxUint64))
}

// Random mixes of every operation, without ledger faults, must leave the
// books exactly equal to the ledger after each step.
func TestSolvencyInvariantHoldsAcrossRandomOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))

	users := []string{"alice", "bob", "carol"}
	lps := []string{"lp1", "lp2"}
	f.addLiquidity(t, "lp1", 100*usdt)

	for step := 0; step < 300; step++ {
		user := users[rng.Intn(len(users))]
		lp := lps[rng.Intn(len(lps))]

		var err error
		switch op := rng.Intn(10); {
		case op < 2:
			amount := model.Amount(1+rng.Intn(50)) * usdt
			f.fund(user, amount)
			_, err = f.engine.Deposit(ctx, user, amount)
		case op < 6:
			bet := model.Amount(1+rng.Intn(3_000_000))
			maxPayout := bet * model.Amount(1+rng.Intn(4))
			payout := model.Amount(0)
			if rng.Intn(2) == 0 {
				payout = maxPayout
			}
			_, err = f.engine.SettleBet(ctx, user, model.GameTransaction{BetAmount: bet, Payout: payout, MaxPayout: maxPayout})
		case op < 8:
			_, err = f.engine.WithdrawAll(ctx, user)
		case op < 9:
			amount := model.Amount(10+rng.Intn(40)) * usdt
			f.fund(lp, amount)
			_, err = f.engine.DepositLiquidity(ctx, lp, amount)
		default:
			_, err = f.engine.WithdrawAllLiquidity(ctx, lp)
		}
		if err != nil {
			assert.NotErrorIs(t, err, ErrInvariantViolation, "step %d", step)
			var uncertain *UncertainError
			assert.False(t, errors.As(err, &uncertain), "step %d: %v", step, err)
		}

		_, rerr := f.engine.RefreshCanisterBalance(ctx)
		require.NoError(t, rerr)
		report, aerr := f.engine.AuditBalances(ctx)
		require.NoError(t, aerr, "step %d", step)
		require.Zero(t, report.Excess, "step %d", step)
	}
}
