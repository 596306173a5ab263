package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/metrics"
	"github.com/casinohouse/accounting-engine/internal/model"
	"github.com/casinohouse/accounting-engine/internal/store"
)

// Status is the state a withdrawal call left the withdrawal in.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusProcessing Status = "processing"
	StatusStuck      Status = "stuck"
	StatusRolledBack Status = "rolled_back"
)

// WithdrawalResult describes a withdrawal after one attempt or operator
// action.
type WithdrawalResult struct {
	Status     Status               `json:"status"`
	ID         string               `json:"id"`
	User       string               `json:"user"`
	Kind       model.WithdrawalKind `json:"kind"`
	Amount     model.Amount         `json:"amount"`
	Received   model.Amount         `json:"received"`
	Fee        model.Amount         `json:"fee"`
	BlockIndex uint64               `json:"block_index,omitempty"`
	Retries    int                  `json:"retries"`
	Message    string               `json:"message"`
}

func resultFor(p *model.PendingWithdrawal, status Status, msg string) *WithdrawalResult {
	return &WithdrawalResult{
		Status:   status,
		ID:       p.ID,
		User:     p.User,
		Kind:     p.Kind,
		Amount:   p.Amount,
		Received: p.TransferAmount(),
		Fee:      p.Fee,
		Retries:  p.Retries,
		Message:  msg,
	}
}

// Resolution is an operator's decision for a stuck withdrawal.
type Resolution string

const (
	// ResolveComplete confirms the transfer landed: the entry is dropped
	// and the debit stands.
	ResolveComplete Resolution = "complete"
	// ResolveRollback confirms the transfer never landed: the debit is
	// restored.
	ResolveRollback Resolution = "rollback"
)

// ParseResolution validates an operator-supplied resolution.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolveComplete, ResolveRollback:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResolution, s)
}

// newPending builds a pending entry. The idempotency key and creation time
// are fixed here and reused by every retry. Must hold e.mu.
func (e *Engine) newPending(user string, kind model.WithdrawalKind, amount model.Amount) *model.PendingWithdrawal {
	return &model.PendingWithdrawal{
		ID:             uuid.NewString(),
		User:           user,
		Kind:           kind,
		Amount:         amount,
		Fee:            e.cfg.TransferFee,
		CreatedAt:      e.now().UTC(),
		IdempotencyKey: uuid.NewString(),
	}
}

// createPending registers p in st. Must hold e.mu.
func (e *Engine) createPending(ctx context.Context, st store.Store, p *model.PendingWithdrawal) error {
	err := st.CreatePending(ctx, p)
	if errors.Is(err, store.ErrPendingExists) {
		return ErrWithdrawalInProgress
	}
	if err != nil {
		return fmt.Errorf("create pending withdrawal: %w", err)
	}
	return nil
}

// startAttempt marks a new entry as having its first ledger call
// outstanding. Must hold e.mu.
func (e *Engine) startAttempt(ctx context.Context, p *model.PendingWithdrawal) {
	e.inflight[p.User] = p.ID
	e.record(ctx, model.AuditEntry{
		Event: model.EventInitiated, User: p.User, Kind: p.Kind, Amount: p.Amount,
		Detail: "withdrawal " + p.ID,
	})
	slog.Info("withdrawal initiated", "id", p.ID, "user", p.User, "kind", p.Kind, "amount", p.Amount)
}

// attempt performs one transfer for p and applies its outcome.
func (e *Engine) attempt(ctx context.Context, p *model.PendingWithdrawal) (*WithdrawalResult, error) {
	outcome := e.transfer(ctx, p)
	res, err := e.resolve(ctx, p.User, p.ID, outcome)
	if outcome.Kind != ledger.Definite {
		e.afterTransfer(ctx)
	}
	return res, err
}

// resolve is phase two of every withdrawal attempt. It re-reads the entry
// and acts only on the classification.
func (e *Engine) resolve(ctx context.Context, user, id string, outcome ledger.Outcome) (*WithdrawalResult, error) {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[user] == id {
		delete(e.inflight, user)
	}

	p, err := e.store.GetPending(ctx, user)
	if err != nil || p.ID != id {
		e.record(ctx, model.AuditEntry{
			Event: model.EventSystemError, User: user,
			Detail: fmt.Sprintf("withdrawal %s vanished during ledger call (%s)", id, outcome.Kind),
		})
		slog.Error("pending withdrawal vanished", "id", id, "user", user, "outcome", outcome.Kind.String(), "err", err)
		return nil, fmt.Errorf("%w: pending withdrawal %s vanished", ErrInvariantViolation, id)
	}

	switch outcome.Kind {
	case ledger.Success:
		return e.complete(ctx, p, outcome.Receipt)
	case ledger.Definite:
		return e.rollback(ctx, p, outcome)
	}
	return e.deferRetry(ctx, p, outcome)
}

func (e *Engine) complete(ctx context.Context, p *model.PendingWithdrawal, receipt ledger.Receipt) (*WithdrawalResult, error) {
	if err := e.store.DeletePending(ctx, p.User, p.ID); err != nil {
		return nil, fmt.Errorf("finalize withdrawal %s: %w", p.ID, err)
	}
	e.record(ctx, model.AuditEntry{
		Event: model.EventCompleted, User: p.User, Kind: p.Kind, Amount: p.Amount,
		Detail: fmt.Sprintf("withdrawal %s at block %d after %d retries", p.ID, receipt.BlockIndex, p.Retries),
	})
	metrics.WithdrawalsTotal.WithLabelValues(string(p.Kind), "completed").Inc()
	slog.Info("withdrawal completed", "id", p.ID, "user", p.User, "amount", p.Amount, "block", receipt.BlockIndex)

	res := resultFor(p, StatusCompleted, "withdrawal completed")
	res.BlockIndex = receipt.BlockIndex
	return res, nil
}

// rollback restores a refused withdrawal and drops its entry in one
// transaction. If that fails nothing changes: the entry stays pending and
// the next retry meets the same refusal.
func (e *Engine) rollback(ctx context.Context, p *model.PendingWithdrawal, outcome ledger.Outcome) (*WithdrawalResult, error) {
	if err := e.restoreAndDrop(ctx, p); err != nil {
		e.record(ctx, model.AuditEntry{
			Event: model.EventSystemError, User: p.User, Kind: p.Kind, Amount: p.Amount,
			Detail: "restore after ledger refusal failed: " + err.Error(),
		})
		slog.Error("withdrawal restore failed", "id", p.ID, "user", p.User, "err", err)
		return nil, fmt.Errorf("restore withdrawal %s: %w", p.ID, err)
	}

	e.record(ctx, model.AuditEntry{
		Event: model.EventFailed, User: p.User, Kind: p.Kind, Amount: p.Amount, Detail: outcome.Reason,
	})
	e.record(ctx, model.AuditEntry{
		Event: model.EventRestored, User: p.User, Kind: p.Kind, Amount: p.Amount,
		Detail: "withdrawal " + p.ID,
	})
	metrics.WithdrawalsTotal.WithLabelValues(string(p.Kind), "rolled_back").Inc()
	slog.Warn("withdrawal refused by ledger, restored", "id", p.ID, "user", p.User, "reason", outcome.Reason)

	return resultFor(p, StatusRolledBack, "ledger refused the transfer, funds restored"),
		&DefiniteError{Op: "withdrawal", Reason: outcome.Reason, Err: outcome.Err}
}

// restoreAndDrop reverts p's provisional effect and deletes the entry. It
// bypasses the withdrawal lock: the lock exists for this entry. Must hold
// e.mu.
func (e *Engine) restoreAndDrop(ctx context.Context, p *model.PendingWithdrawal) error {
	var pool *model.PoolState
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if p.Kind == model.WithdrawalLP {
			st, err := e.restoreLP(ctx, tx, p)
			if err != nil {
				return err
			}
			pool = &st
		} else if _, err := e.credit(ctx, tx, p.User, p.Amount); err != nil {
			return err
		}
		if err := tx.DeletePending(ctx, p.User, p.ID); err != nil {
			return fmt.Errorf("drop withdrawal %s: %w", p.ID, err)
		}
		return nil
	})
	if err == nil && pool != nil {
		metrics.PoolReserve.Set(float64(pool.Reserve))
	}
	return err
}

func (e *Engine) deferRetry(ctx context.Context, p *model.PendingWithdrawal, outcome ledger.Outcome) (*WithdrawalResult, error) {
	p.Retries++
	p.LastError = outcome.Reason
	becameStuck := p.Stuck(e.cfg.MaxRetries) && p.StuckAt.IsZero()
	if becameStuck {
		p.StuckAt = e.now().UTC()
	}
	if err := e.store.UpdatePending(ctx, p); err != nil {
		return nil, fmt.Errorf("record retry for %s: %w", p.ID, err)
	}

	if becameStuck {
		e.record(ctx, model.AuditEntry{
			Event: model.EventStuck, User: p.User, Kind: p.Kind, Amount: p.Amount,
			Detail: fmt.Sprintf("withdrawal %s stuck after %d attempts: %s", p.ID, p.Retries, p.LastError),
		})
		metrics.WithdrawalsTotal.WithLabelValues(string(p.Kind), "stuck").Inc()
		slog.Error("withdrawal stuck, operator action required",
			"id", p.ID, "user", p.User, "amount", p.Amount, "retries", p.Retries, "last_error", p.LastError)
		return resultFor(p, StatusStuck, "withdrawal stuck, contact support"), nil
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(p.Kind), "retry").Inc()
	slog.Warn("withdrawal outcome uncertain, will retry",
		"id", p.ID, "user", p.User, "retries", p.Retries, "reason", outcome.Reason)
	return resultFor(p, StatusProcessing, "withdrawal processing, check back later"), nil
}

// RetryReport summarises one pass over the pending registry.
type RetryReport struct {
	Attempted  int `json:"attempted"`
	Completed  int `json:"completed"`
	RolledBack int `json:"rolled_back"`
	Pending    int `json:"pending"`
	Stuck      int `json:"stuck"`
	Skipped    int `json:"skipped"`
}

// ProcessPending re-attempts every pending withdrawal that is neither stuck
// nor already being attempted. Each retry reuses the entry's idempotency
// key and creation time.
func (e *Engine) ProcessPending(ctx context.Context) (RetryReport, error) {
	var report RetryReport

	e.mu.Lock()
	entries, err := e.store.ListPending(ctx)
	if err != nil {
		e.mu.Unlock()
		return report, fmt.Errorf("list pending: %w", err)
	}
	var due []*model.PendingWithdrawal
	stuck := 0
	for i := range entries {
		p := &entries[i]
		if p.Stuck(e.cfg.MaxRetries) {
			stuck++
			report.Skipped++
			continue
		}
		if _, busy := e.inflight[p.User]; busy {
			report.Skipped++
			continue
		}
		e.inflight[p.User] = p.ID
		due = append(due, p)
	}
	metrics.PendingWithdrawals.Set(float64(len(entries)))
	metrics.StuckWithdrawals.Set(float64(stuck))
	e.observeUncertainDeposits(ctx)
	e.mu.Unlock()

	for _, p := range due {
		if ctx.Err() != nil {
			// Release the claims we will not use.
			e.mu.Lock()
			if e.inflight[p.User] == p.ID {
				delete(e.inflight, p.User)
			}
			e.mu.Unlock()
			continue
		}
		report.Attempted++
		res, err := e.attempt(ctx, p)
		switch {
		case res != nil && res.Status == StatusCompleted:
			report.Completed++
		case res != nil && res.Status == StatusRolledBack:
			report.RolledBack++
		case res != nil && res.Status == StatusStuck:
			report.Stuck++
		case res != nil:
			report.Pending++
		default:
			slog.Error("pending withdrawal retry failed", "id", p.ID, "user", p.User, "err", err)
		}
	}
	return report, ctx.Err()
}

// ResolveStuck applies an operator's decision to a stuck withdrawal. Only
// stuck entries with no attempt in flight can be resolved.
func (e *Engine) ResolveStuck(ctx context.Context, user string, action Resolution, operator string) (*WithdrawalResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetPending(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPendingWithdrawal
	}
	if err != nil {
		return nil, err
	}
	if _, busy := e.inflight[user]; busy {
		return nil, ErrAttemptInFlight
	}
	if !p.Stuck(e.cfg.MaxRetries) {
		return nil, ErrNotStuck
	}

	switch action {
	case ResolveComplete:
		if err := e.store.DeletePending(ctx, p.User, p.ID); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p.ID, err)
		}
		e.record(ctx, model.AuditEntry{
			Event: model.EventOperatorCompleted, User: p.User, Kind: p.Kind, Amount: p.Amount,
			Detail: fmt.Sprintf("withdrawal %s confirmed by %s", p.ID, operator),
		})
		metrics.WithdrawalsTotal.WithLabelValues(string(p.Kind), "operator_completed").Inc()
		slog.Info("stuck withdrawal completed by operator", "id", p.ID, "user", p.User, "operator", operator)
		return resultFor(p, StatusCompleted, "withdrawal confirmed by operator"), nil

	case ResolveRollback:
		if err := e.restoreAndDrop(ctx, p); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p.ID, err)
		}
		e.record(ctx, model.AuditEntry{
			Event: model.EventRestored, User: p.User, Kind: p.Kind, Amount: p.Amount,
			Detail: fmt.Sprintf("withdrawal %s rolled back by %s", p.ID, operator),
		})
		metrics.WithdrawalsTotal.WithLabelValues(string(p.Kind), "operator_rolled_back").Inc()
		slog.Info("stuck withdrawal rolled back by operator", "id", p.ID, "user", p.User, "operator", operator)
		return resultFor(p, StatusRolledBack, "withdrawal rolled back by operator"), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, action)
}

// GetWithdrawalStatus reports the user's withdrawal state.
func (e *Engine) GetWithdrawalStatus(ctx context.Context, user string) (*model.WithdrawalStatus, error) {
	p, err := e.store.GetPending(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		return &model.WithdrawalStatus{User: user, State: model.WithdrawalNone, Message: "no withdrawal in progress"}, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Stuck(e.cfg.MaxRetries) {
		return &model.WithdrawalStatus{User: user, State: model.WithdrawalStuck, Pending: p,
			Message: "withdrawal stuck, contact support"}, nil
	}
	return &model.WithdrawalStatus{User: user, State: model.WithdrawalPending, Pending: p,
		Message: "withdrawal processing, check back later"}, nil
}

// ListPending returns every pending withdrawal, oldest first.
func (e *Engine) ListPending(ctx context.Context) ([]model.PendingWithdrawal, error) {
	return e.store.ListPending(ctx)
}
