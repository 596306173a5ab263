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

// holdUncertainDeposit records an inbound transfer whose outcome is unknown
// and returns the UncertainError for the caller. Must hold e.mu.
func (e *Engine) holdUncertainDeposit(ctx context.Context, kind model.WithdrawalKind, args ledger.TransferFromArgs, outcome ledger.Outcome) error {
	op := "deposit"
	if kind == model.WithdrawalLP {
		op = "liquidity deposit"
	}
	d := &model.UncertainDeposit{
		ID:        uuid.NewString(),
		User:      args.From,
		Kind:      kind,
		Amount:    args.Amount,
		Memo:      args.Memo,
		CreatedAt: args.CreatedAt,
		Reason:    outcome.Reason,
	}
	if err := e.store.CreateUncertainDeposit(ctx, d); err != nil {
		e.record(ctx, model.AuditEntry{
			Event: model.EventSystemError, User: d.User, Kind: kind, Amount: d.Amount,
			Detail: fmt.Sprintf("%s outcome unknown (memo %s) and not recorded: %v", op, d.Memo, err),
		})
		slog.Error("uncertain deposit not recorded", "user", d.User, "amount", d.Amount, "memo", d.Memo, "err", err)
		return &UncertainError{Op: op, Reason: outcome.Reason, Err: outcome.Err}
	}

	e.record(ctx, model.AuditEntry{
		Event: model.EventDepositUncertain, User: d.User, Kind: kind, Amount: d.Amount,
		Detail: fmt.Sprintf("deposit %s memo %s, nothing credited: %s", d.ID, d.Memo, outcome.Reason),
	})
	e.observeUncertainDeposits(ctx)
	slog.Error("deposit uncertain, operator action required",
		"id", d.ID, "user", d.User, "kind", kind, "amount", d.Amount, "memo", d.Memo, "reason", outcome.Reason)
	return &UncertainError{Op: op, Reason: outcome.Reason, DepositID: d.ID, Err: outcome.Err}
}

// ListUncertainDeposits returns every deposit awaiting an operator, oldest
// first.
func (e *Engine) ListUncertainDeposits(ctx context.Context) ([]model.UncertainDeposit, error) {
	return e.store.ListUncertainDeposits(ctx)
}

// DepositResolution reports an operator's decision on an uncertain deposit.
type DepositResolution struct {
	Deposit model.UncertainDeposit `json:"deposit"`
	Action  Resolution             `json:"action"`
	// Credited is the chip amount booked, Minted the shares. Both are zero
	// when the record is discarded.
	Credited model.Amount `json:"credited"`
	Minted   model.Amount `json:"minted"`
	Message  string       `json:"message"`
}

// ResolveDeposit applies an operator's decision to an uncertain deposit.
// ResolveComplete confirms the funds reached the service account and books
// them as the original call would have: chips for a user deposit, shares at
// the current price for a liquidity deposit. ResolveRollback confirms they
// never arrived and discards the record. The booking and the removal of the
// record commit together.
func (e *Engine) ResolveDeposit(ctx context.Context, id string, action Resolution, operator string) (*DepositResolution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, err := e.store.GetUncertainDeposit(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoUncertainDeposit
	}
	if err != nil {
		return nil, err
	}
	res := &DepositResolution{Deposit: *d, Action: action}
	drop := func(tx store.Store) error { return tx.DeleteUncertainDeposit(ctx, d.ID) }

	switch action {
	case ResolveComplete:
		if d.Kind == model.WithdrawalLP {
			lp, fallback, err := e.mintShares(ctx, d.User, d.Amount, 0, drop)
			if err != nil {
				return nil, fmt.Errorf("book deposit %s: %w", d.ID, err)
			}
			if fallback != nil {
				res.Credited = d.Amount
				res.Message = "liquidity deposit confirmed, credited as chips: " + fallback.Error()
			} else {
				res.Minted = lp.Minted
				res.Message = "liquidity deposit confirmed, shares minted"
			}
		} else {
			err := e.store.WithTx(ctx, func(tx store.Store) error {
				if _, err := e.credit(ctx, tx, d.User, d.Amount); err != nil {
					return err
				}
				return drop(tx)
			})
			if err != nil {
				return nil, fmt.Errorf("book deposit %s: %w", d.ID, err)
			}
			res.Credited = d.Amount
			res.Message = "deposit confirmed, chips credited"
			e.record(ctx, model.AuditEntry{
				Event: model.EventDeposit, User: d.User, Kind: model.WithdrawalUser, Amount: d.Amount,
				Detail: "deposit " + d.ID + " memo " + d.Memo,
			})
		}
		e.record(ctx, model.AuditEntry{
			Event: model.EventOperatorCompleted, User: d.User, Kind: d.Kind, Amount: d.Amount,
			Detail: fmt.Sprintf("deposit %s confirmed by %s", d.ID, operator),
		})
		metrics.DepositsTotal.WithLabelValues(string(d.Kind), "operator_completed").Inc()
		slog.Info("uncertain deposit booked by operator", "id", d.ID, "user", d.User, "amount", d.Amount, "operator", operator)

	case ResolveRollback:
		if err := e.store.DeleteUncertainDeposit(ctx, d.ID); err != nil {
			return nil, fmt.Errorf("discard deposit %s: %w", d.ID, err)
		}
		res.Message = "deposit discarded, funds never arrived"
		e.record(ctx, model.AuditEntry{
			Event: model.EventDepositDiscarded, User: d.User, Kind: d.Kind, Amount: d.Amount,
			Detail: fmt.Sprintf("deposit %s discarded by %s", d.ID, operator),
		})
		metrics.DepositsTotal.WithLabelValues(string(d.Kind), "operator_discarded").Inc()
		slog.Info("uncertain deposit discarded by operator", "id", d.ID, "user", d.User, "operator", operator)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, action)
	}

	e.observeUncertainDeposits(ctx)
	return res, nil
}

func (e *Engine) observeUncertainDeposits(ctx context.Context) {
	list, err := e.store.ListUncertainDeposits(ctx)
	if err != nil {
		slog.Warn("list uncertain deposits", "err", err)
		return
	}
	metrics.UncertainDeposits.Set(float64(len(list)))
}
