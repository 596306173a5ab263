package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/casinohouse/accounting-engine/internal/house"
	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/metrics"
	"github.com/casinohouse/accounting-engine/internal/model"
	"github.com/casinohouse/accounting-engine/internal/store"
)

// DepositResult is returned by a successful chip deposit.
type DepositResult struct {
	User       string       `json:"user"`
	Amount     model.Amount `json:"amount"`
	Balance    model.Amount `json:"balance"`
	BlockIndex uint64       `json:"block_index"`
}

// Deposit pulls amount from user's approved allowance and credits it as
// chips. The user pays the ledger fee on top; the full amount is credited.
func (e *Engine) Deposit(ctx context.Context, user string, amount model.Amount) (*DepositResult, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if amount < e.cfg.MinDeposit {
		return nil, fmt.Errorf("%w: deposit %d < %d", ErrBelowMinimum, amount, e.cfg.MinDeposit)
	}

	e.mu.Lock()
	err := e.checkUnlocked(ctx, user)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	args := e.pullArgs(user, amount)
	outcome := e.transferFrom(ctx, args)
	res, err := e.finishDeposit(ctx, args, outcome)
	if outcome.Kind != ledger.Definite {
		e.afterTransfer(ctx)
	}
	return res, err
}

func (e *Engine) finishDeposit(ctx context.Context, args ledger.TransferFromArgs, outcome ledger.Outcome) (*DepositResult, error) {
	ctx = context.WithoutCancel(ctx)
	user, amount := args.From, args.Amount
	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome.Kind {
	case ledger.Definite:
		metrics.DepositsTotal.WithLabelValues("user", "failed").Inc()
		return nil, &DefiniteError{Op: "deposit", Reason: outcome.Reason, Err: outcome.Err}
	case ledger.Uncertain:
		metrics.DepositsTotal.WithLabelValues("user", "uncertain").Inc()
		return nil, e.holdUncertainDeposit(ctx, model.WithdrawalUser, args, outcome)
	}

	// The funds are on our account. A withdrawal the user started while
	// this call was in flight debited the older balance; adding on top of
	// the current balance keeps both effects.
	balance, err := e.credit(ctx, e.store, user, amount)
	if err != nil {
		e.record(ctx, model.AuditEntry{
			Event: model.EventSystemError, User: user, Amount: amount,
			Detail: "received deposit could not be credited: " + err.Error(),
		})
		return nil, fmt.Errorf("%w: credit received deposit: %v", ErrInvariantViolation, err)
	}
	e.record(ctx, model.AuditEntry{
		Event: model.EventDeposit, User: user, Kind: model.WithdrawalUser, Amount: amount,
		Detail: fmt.Sprintf("block %d", outcome.Receipt.BlockIndex),
	})
	metrics.DepositsTotal.WithLabelValues("user", "success").Inc()
	slog.Info("deposit credited", "user", user, "amount", amount, "balance", balance)

	return &DepositResult{User: user, Amount: amount, Balance: balance, BlockIndex: outcome.Receipt.BlockIndex}, nil
}

// WithdrawAll sends the user's whole balance to their ledger account. The
// balance is debited and a pending entry created before the transfer; the
// recipient gets the balance minus the ledger fee, so the service account
// shrinks by exactly the debited amount.
func (e *Engine) WithdrawAll(ctx context.Context, user string) (*WithdrawalResult, error) {
	e.mu.Lock()
	p, err := e.beginWithdrawal(ctx, user)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.attempt(ctx, p)
}

func (e *Engine) beginWithdrawal(ctx context.Context, user string) (*model.PendingWithdrawal, error) {
	if err := e.checkUnlocked(ctx, user); err != nil {
		return nil, err
	}
	balance, err := e.store.GetBalance(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if balance == 0 {
		return nil, ErrInsufficientBalance
	}
	if balance < e.cfg.MinWithdraw || balance <= e.cfg.TransferFee {
		return nil, fmt.Errorf("%w: balance %d, minimum withdrawal %d", ErrBelowMinimum, balance, e.cfg.MinWithdraw)
	}

	p := e.newPending(user, model.WithdrawalUser, balance)
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := e.createPending(ctx, tx, p); err != nil {
			return err
		}
		_, err := e.debit(ctx, tx, user, balance)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.startAttempt(ctx, p)
	return p, nil
}

// BetResult is the outcome of a settled bet.
type BetResult struct {
	User    string       `json:"user"`
	Bet     model.Amount `json:"bet"`
	Payout  model.Amount `json:"payout"`
	Balance model.Amount `json:"balance"`
	Reserve model.Amount `json:"reserve"`
}

// SettleBet books a finished game round. The house limit is checked
// against the pool as it is now, the bet is debited, the pool is settled,
// and only then is the payout credited. If the pool cannot cover the
// payout the bet is refunded and nothing is paid.
func (e *Engine) SettleBet(ctx context.Context, user string, round model.GameTransaction) (*BetResult, error) {
	if round.BetAmount == 0 {
		return nil, ErrInvalidAmount
	}
	maxPayout := round.MaxPayout
	if maxPayout == 0 {
		maxPayout = round.Payout
	}
	if round.Payout > maxPayout {
		return nil, fmt.Errorf("%w: payout %d above declared max payout %d", ErrInvalidAmount, round.Payout, maxPayout)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkUnlocked(ctx, user); err != nil {
		return nil, err
	}
	st, err := e.store.GetPoolState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	if err := e.checkHouse(maxPayout, st.Reserve); err != nil {
		return nil, err
	}

	// The debit, the pool settlement and the payout commit together. A pool
	// that cannot cover the payout rolls the debit back with the rest.
	var (
		balance model.Amount
		pool    model.PoolState
	)
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := e.debit(ctx, tx, user, round.BetAmount); err != nil {
			return err
		}
		var err error
		if pool, err = e.settlePool(ctx, tx, round.BetAmount, round.Payout); err != nil {
			return err
		}
		if balance, err = e.credit(ctx, tx, user, round.Payout); err != nil {
			return fmt.Errorf("credit payout: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrPoolInsufficient):
		metrics.BetsSettled.WithLabelValues("rejected").Inc()
		slog.Warn("bet refunded, pool cannot cover payout", "user", user, "bet", round.BetAmount, "payout", round.Payout, "err", err)
		return nil, err
	case err != nil:
		metrics.BetsSettled.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.PoolReserve.Set(float64(pool.Reserve))

	result := "push"
	switch {
	case round.Payout > round.BetAmount:
		result = "win"
	case round.Payout < round.BetAmount:
		result = "loss"
	}
	metrics.BetsSettled.WithLabelValues(result).Inc()
	e.record(ctx, model.AuditEntry{
		Event: model.EventBetSettled, User: user, Amount: round.BetAmount,
		Detail: fmt.Sprintf("%s: payout %d", result, round.Payout),
	})

	return &BetResult{User: user, Bet: round.BetAmount, Payout: round.Payout, Balance: balance, Reserve: pool.Reserve}, nil
}

// ValidateWager checks that user can place a wager of bet whose largest
// possible payout is maxPayout. Games call it before accepting a wager and
// again every time the wager grows; the reserve is read fresh each time.
func (e *Engine) ValidateWager(ctx context.Context, user string, bet, maxPayout model.Amount) error {
	if bet == 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkUnlocked(ctx, user); err != nil {
		return err
	}
	balance, err := e.store.GetBalance(ctx, user)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if bet > balance {
		return ErrInsufficientBalance
	}
	st, err := e.store.GetPoolState(ctx)
	if err != nil {
		return fmt.Errorf("read pool: %w", err)
	}
	return e.checkHouse(maxPayout, st.Reserve)
}

func (e *Engine) checkHouse(maxPayout, reserve model.Amount) error {
	err := e.limiter.CheckWager(maxPayout, reserve)
	switch {
	case errors.Is(err, house.ErrBelowOperatingReserve):
		metrics.HouseLimitRejections.Inc()
		return fmt.Errorf("%w: %v", ErrPoolNotAccepting, err)
	case errors.Is(err, house.ErrMaxPayoutExceeded):
		metrics.HouseLimitRejections.Inc()
		return fmt.Errorf("%w: max payout %d, allowed %d", ErrHouseLimit, maxPayout, e.limiter.MaxAllowedPayout(reserve))
	}
	return err
}
