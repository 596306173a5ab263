package accounting

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/metrics"
	"github.com/casinohouse/accounting-engine/internal/model"
	"github.com/casinohouse/accounting-engine/internal/store"
)

// LPDepositResult is returned by a successful liquidity deposit.
type LPDepositResult struct {
	Owner       string       `json:"owner"`
	Amount      model.Amount `json:"amount"`
	Minted      model.Amount `json:"minted"`
	Shares      model.Amount `json:"shares"`
	TotalShares model.Amount `json:"total_shares"`
	Reserve     model.Amount `json:"reserve"`
	BlockIndex  uint64       `json:"block_index"`
}

// quoteShares returns the shares amount buys against st, and how many of
// them are locked on the first deposit.
func (e *Engine) quoteShares(st model.PoolState, amount model.Amount) (minted, locked model.Amount, err error) {
	if !st.Initialized || st.TotalShares == 0 {
		if amount <= e.cfg.MinimumLiquidity {
			return 0, 0, ErrDustDeposit
		}
		return amount - e.cfg.MinimumLiquidity, e.cfg.MinimumLiquidity, nil
	}
	if st.Reserve == 0 {
		return 0, 0, ErrPoolDrained
	}
	minted, err = model.MulDiv(amount, st.TotalShares, st.Reserve)
	if err != nil {
		return 0, 0, fmt.Errorf("quote shares: %w", err)
	}
	if minted == 0 {
		return 0, 0, ErrDustDeposit
	}
	return minted, 0, nil
}

// DepositLiquidity pulls amount from lp into the pool and mints shares.
// The quote is computed before any funds move so a deposit that would mint
// nothing is refused up front. Shares are then minted against the pool as
// it is after the transfer.
func (e *Engine) DepositLiquidity(ctx context.Context, lp string, amount model.Amount) (*LPDepositResult, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if amount < e.cfg.MinLPDeposit {
		return nil, fmt.Errorf("%w: liquidity deposit %d < %d", ErrBelowMinimum, amount, e.cfg.MinLPDeposit)
	}

	e.mu.Lock()
	st, err := e.store.GetPoolState(ctx)
	if err == nil {
		_, _, err = e.quoteShares(st, amount)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	args := e.pullArgs(lp, amount)
	outcome := e.transferFrom(ctx, args)
	res, err := e.finishLPDeposit(ctx, args, outcome)
	if outcome.Kind != ledger.Definite {
		e.afterTransfer(ctx)
	}
	return res, err
}

// finishLPDeposit is phase two of a liquidity deposit.
func (e *Engine) finishLPDeposit(ctx context.Context, args ledger.TransferFromArgs, outcome ledger.Outcome) (*LPDepositResult, error) {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome.Kind {
	case ledger.Definite:
		metrics.DepositsTotal.WithLabelValues("lp", "failed").Inc()
		return nil, &DefiniteError{Op: "liquidity deposit", Reason: outcome.Reason, Err: outcome.Err}
	case ledger.Uncertain:
		metrics.DepositsTotal.WithLabelValues("lp", "uncertain").Inc()
		return nil, e.holdUncertainDeposit(ctx, model.WithdrawalLP, args, outcome)
	}

	lp, amount := args.From, args.Amount
	res, fallback, err := e.mintShares(ctx, lp, amount, outcome.Receipt.BlockIndex, nil)
	if err != nil {
		e.record(ctx, model.AuditEntry{
			Event: model.EventSystemError, User: lp, Kind: model.WithdrawalLP, Amount: amount,
			Detail: "received liquidity deposit could not be booked: " + err.Error(),
		})
		return nil, fmt.Errorf("%w: received %d from %s, cannot book: %v", ErrInvariantViolation, amount, lp, err)
	}
	if fallback != nil {
		return nil, fallback
	}
	metrics.DepositsTotal.WithLabelValues("lp", "success").Inc()
	return res, nil
}

// mintShares books a received liquidity deposit. The pool and the
// provider's shares commit together with whatever also writes. If the pool
// moved enough while the funds were in flight to make them worth no shares,
// they are credited as chips instead and the quote error is returned as
// fallback. Must hold e.mu.
func (e *Engine) mintShares(ctx context.Context, lp string, amount model.Amount, block uint64, also func(tx store.Store) error) (res *LPDepositResult, fallback, err error) {
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		res, fallback = nil, nil
		st, err := tx.GetPoolState(ctx)
		if err != nil {
			return fmt.Errorf("read pool: %w", err)
		}
		minted, locked, qerr := e.quoteShares(st, amount)
		if qerr != nil {
			fallback = qerr
			if _, err := e.credit(ctx, tx, lp, amount); err != nil {
				return err
			}
			return runAlso(tx, also)
		}

		total, err := model.Sum(st.TotalShares, minted, locked)
		if err != nil {
			return err
		}
		reserve, err := st.Reserve.Add(amount)
		if err != nil {
			return err
		}
		held, err := tx.GetShares(ctx, lp)
		if err != nil {
			return fmt.Errorf("read shares: %w", err)
		}
		shares, err := held.Add(minted)
		if err != nil {
			return err
		}

		st.TotalShares = total
		st.Reserve = reserve
		st.Initialized = true
		if err := e.savePool(ctx, tx, st); err != nil {
			return err
		}
		if err := tx.SetShares(ctx, lp, shares); err != nil {
			return fmt.Errorf("write shares: %w", err)
		}
		if err := runAlso(tx, also); err != nil {
			return err
		}
		res = &LPDepositResult{
			Owner:       lp,
			Amount:      amount,
			Minted:      minted,
			Shares:      shares,
			TotalShares: total,
			Reserve:     reserve,
			BlockIndex:  block,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if fallback != nil {
		e.record(ctx, model.AuditEntry{
			Event: model.EventSystemError, User: lp, Kind: model.WithdrawalLP, Amount: amount,
			Detail: "liquidity deposit re-quote failed, credited as chips: " + fallback.Error(),
		})
		return nil, fallback, nil
	}

	metrics.PoolReserve.Set(float64(res.Reserve))
	e.record(ctx, model.AuditEntry{
		Event: model.EventLPDeposit, User: lp, Kind: model.WithdrawalLP, Amount: amount,
		Detail: fmt.Sprintf("minted %d shares", res.Minted),
	})
	slog.Info("liquidity deposited", "lp", lp, "amount", amount, "minted", res.Minted, "reserve", res.Reserve)
	return res, nil, nil
}

func runAlso(tx store.Store, also func(tx store.Store) error) error {
	if also == nil {
		return nil
	}
	return also(tx)
}

// WithdrawAllLiquidity redeems all of lp's shares. Shares are burned and the
// payout leaves the reserve before the transfer is attempted; a definite
// failure restores both.
func (e *Engine) WithdrawAllLiquidity(ctx context.Context, lp string) (*WithdrawalResult, error) {
	e.mu.Lock()
	p, err := e.beginLPWithdrawal(ctx, lp)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.attempt(ctx, p)
}

func (e *Engine) beginLPWithdrawal(ctx context.Context, lp string) (*model.PendingWithdrawal, error) {
	if err := e.checkUnlocked(ctx, lp); err != nil {
		return nil, err
	}
	shares, err := e.store.GetShares(ctx, lp)
	if err != nil {
		return nil, fmt.Errorf("read shares: %w", err)
	}
	if shares == 0 {
		return nil, ErrNoShares
	}
	st, err := e.store.GetPoolState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	payout, err := model.MulDiv(shares, st.Reserve, st.TotalShares)
	if err != nil {
		return nil, fmt.Errorf("value shares: %w", err)
	}
	if payout < e.cfg.MinWithdraw || payout <= e.cfg.TransferFee {
		return nil, fmt.Errorf("%w: redemption worth %d", ErrBelowMinimum, payout)
	}

	p := e.newPending(lp, model.WithdrawalLP, payout)
	p.Shares = shares
	p.Reserve = payout
	st.TotalShares -= shares
	st.Reserve -= payout
	err = e.store.WithTx(ctx, func(tx store.Store) error {
		if err := e.createPending(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.SetShares(ctx, lp, 0); err != nil {
			return fmt.Errorf("burn shares: %w", err)
		}
		return e.savePool(ctx, tx, st)
	})
	if err != nil {
		return nil, err
	}
	metrics.PoolReserve.Set(float64(st.Reserve))

	e.startAttempt(ctx, p)
	return p, nil
}

// restoreLP reverts a failed LP withdrawal in tx and returns the restored
// pool. Must hold e.mu.
func (e *Engine) restoreLP(ctx context.Context, tx store.Store, p *model.PendingWithdrawal) (model.PoolState, error) {
	st, err := tx.GetPoolState(ctx)
	if err != nil {
		return st, fmt.Errorf("read pool: %w", err)
	}
	held, err := tx.GetShares(ctx, p.User)
	if err != nil {
		return st, fmt.Errorf("read shares: %w", err)
	}
	shares, err := held.Add(p.Shares)
	if err != nil {
		return st, err
	}
	if st.TotalShares, err = st.TotalShares.Add(p.Shares); err != nil {
		return st, err
	}
	if st.Reserve, err = st.Reserve.Add(p.Reserve); err != nil {
		return st, err
	}
	if err := e.savePool(ctx, tx, st); err != nil {
		return st, err
	}
	if err := tx.SetShares(ctx, p.User, shares); err != nil {
		return st, fmt.Errorf("write shares: %w", err)
	}
	return st, nil
}

// settlePool books a bet's effect on the reserve. A loss larger than the
// reserve fails with ErrPoolInsufficient and changes nothing. Must hold
// e.mu.
func (e *Engine) settlePool(ctx context.Context, tx store.Store, bet, payout model.Amount) (model.PoolState, error) {
	st, err := tx.GetPoolState(ctx)
	if err != nil {
		return st, fmt.Errorf("read pool: %w", err)
	}
	if payout > bet {
		loss := payout - bet
		if loss > st.Reserve {
			return st, fmt.Errorf("%w: loss %d, reserve %d", ErrPoolInsufficient, loss, st.Reserve)
		}
		st.Reserve -= loss
	} else {
		if st.Reserve, err = st.Reserve.Add(bet - payout); err != nil {
			return st, err
		}
	}
	return st, e.savePool(ctx, tx, st)
}

// savePool writes st. Callers update the reserve gauge once the write has
// committed.
func (e *Engine) savePool(ctx context.Context, tx store.Store, st model.PoolState) error {
	if err := tx.SavePoolState(ctx, st); err != nil {
		return fmt.Errorf("write pool: %w", err)
	}
	return nil
}

// CanAcceptBets reports whether the pool is above its operating minimum.
// SettleBet and ValidateWager re-check against the primary store.
func (e *Engine) CanAcceptBets(ctx context.Context) (bool, error) {
	st, err := e.introspect().GetPoolState(ctx)
	if err != nil {
		return false, err
	}
	return e.limiter.CanAcceptBets(st.Reserve), nil
}

// GetPoolStats returns the read-only pool view.
func (e *Engine) GetPoolStats(ctx context.Context) (*model.PoolStats, error) {
	r := e.introspect()
	st, err := r.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := r.ListShares(ctx)
	if err != nil {
		return nil, err
	}
	price := decimal.NewFromInt(1)
	if st.TotalShares > 0 {
		price = st.Reserve.Decimal().Div(st.TotalShares.Decimal())
	}
	return &model.PoolStats{
		Reserve:          st.Reserve,
		TotalShares:      st.TotalShares,
		Initialized:      st.Initialized,
		SharePrice:       price,
		ReserveTokens:    st.Reserve.Tokens(),
		CanAcceptBets:    e.limiter.CanAcceptBets(st.Reserve),
		MaxAllowedPayout: e.limiter.MaxAllowedPayout(st.Reserve),
		Providers:        len(positions),
	}, nil
}

// GetLPPosition values lp's shares at the current reserve.
func (e *Engine) GetLPPosition(ctx context.Context, lp string) (*model.LPStats, error) {
	r := e.introspect()
	shares, err := r.GetShares(ctx, lp)
	if err != nil {
		return nil, err
	}
	st, err := r.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}
	out := &model.LPStats{Owner: lp, Shares: shares, PoolOwnership: decimal.Zero, RedeemableUSDT: decimal.Zero}
	if shares == 0 || st.TotalShares == 0 {
		return out, nil
	}
	if out.RedeemableNow, err = model.MulDiv(shares, st.Reserve, st.TotalShares); err != nil {
		return nil, err
	}
	out.PoolOwnership = shares.Decimal().Div(st.TotalShares.Decimal()).Mul(decimal.NewFromInt(100)).Round(4)
	out.RedeemableUSDT = out.RedeemableNow.Tokens()
	return out, nil
}
