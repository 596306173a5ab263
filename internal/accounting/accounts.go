package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/casinohouse/accounting-engine/internal/model"
	"github.com/casinohouse/accounting-engine/internal/store"
)

// GetBalance returns the user's chip balance; zero for unknown users. The
// value may come from the read cache.
func (e *Engine) GetBalance(ctx context.Context, user string) (model.Amount, error) {
	return e.introspect().GetBalance(ctx, user)
}

func (e *Engine) introspect() store.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reader
}

// UpdateBalance overwrites the user's balance. It is refused while the user
// has a withdrawal pending, so a stale value cannot erase the provisional
// debit.
func (e *Engine) UpdateBalance(ctx context.Context, user string, balance model.Amount) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkUnlocked(ctx, user); err != nil {
		return err
	}
	return e.store.SetBalance(ctx, user, balance)
}

// checkUnlocked fails if user has a pending withdrawal. Must hold e.mu.
func (e *Engine) checkUnlocked(ctx context.Context, user string) error {
	p, err := e.store.GetPending(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check pending withdrawal: %w", err)
	}
	if p.Stuck(e.cfg.MaxRetries) {
		return ErrWithdrawalStuck
	}
	return ErrWithdrawalInProgress
}

// credit adds amount to the user's balance in st. Must hold e.mu.
func (e *Engine) credit(ctx context.Context, st store.Store, user string, amount model.Amount) (model.Amount, error) {
	bal, err := st.GetBalance(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	next, err := bal.Add(amount)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", user, err)
	}
	if err := st.SetBalance(ctx, user, next); err != nil {
		return 0, fmt.Errorf("write balance: %w", err)
	}
	return next, nil
}

// debit subtracts amount from the user's balance in st. Must hold e.mu.
func (e *Engine) debit(ctx context.Context, st store.Store, user string, amount model.Amount) (model.Amount, error) {
	bal, err := st.GetBalance(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if amount > bal {
		return bal, ErrInsufficientBalance
	}
	next := bal - amount
	if err := st.SetBalance(ctx, user, next); err != nil {
		return 0, fmt.Errorf("write balance: %w", err)
	}
	return next, nil
}
