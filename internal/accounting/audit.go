package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/metrics"
	"github.com/casinohouse/accounting-engine/internal/model"
)

// RefreshCanisterBalance reads the service account's balance from the
// ledger and caches it on the pool record for the audit.
func (e *Engine) RefreshCanisterBalance(ctx context.Context) (model.Amount, error) {
	lctx, cancel := e.ledgerContext(ctx)
	start := time.Now()
	balance, err := e.ledger.BalanceOf(lctx, e.cfg.Account)
	cancel()
	if err != nil {
		metrics.ObserveLedgerCall(string(ledger.OpBalanceOf), "error", start)
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	metrics.ObserveLedgerCall(string(ledger.OpBalanceOf), ledger.Success.String(), start)

	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.store.GetPoolState(ctx)
	if err != nil {
		return 0, fmt.Errorf("read pool: %w", err)
	}
	st.LedgerBalance = balance
	st.LedgerBalanceAt = e.now().UTC()
	if err := e.savePool(ctx, e.store, st); err != nil {
		return 0, err
	}
	return balance, nil
}

// AuditBalances checks the solvency invariant against the cached ledger
// balance:
//
//	ledger balance = reserve + sum of user balances
//
// While withdrawals are pending their amounts have left the local books but
// may not have left the ledger yet, so the ledger balance may exceed the
// books by up to their sum. The report is returned with ErrAuditMismatch
// when the check fails.
func (e *Engine) AuditBalances(ctx context.Context) (*model.AuditReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.store.GetPoolState(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pool: %w", err)
	}
	accounts, err := e.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var users, inFlight model.Amount
	for _, a := range accounts {
		if users, err = users.Add(a.Balance); err != nil {
			return nil, fmt.Errorf("sum user balances: %w", err)
		}
	}
	for _, p := range pending {
		if inFlight, err = inFlight.Add(p.Amount); err != nil {
			return nil, fmt.Errorf("sum pending withdrawals: %w", err)
		}
	}
	expected, err := st.Reserve.Add(users)
	if err != nil {
		return nil, fmt.Errorf("expected balance: %w", err)
	}

	report := &model.AuditReport{
		PoolReserve:    st.Reserve,
		UserBalances:   users,
		Expected:       expected,
		InFlight:       inFlight,
		LedgerBalance:  st.LedgerBalance,
		LedgerAsOf:     st.LedgerBalanceAt,
		Excess:         signedDelta(st.LedgerBalance, expected),
		PendingEntries: len(pending),
	}
	if st.LedgerBalanceAt.IsZero() {
		report.Message = "ledger balance has never been refreshed"
		return report, ErrNoLedgerSnapshot
	}

	upper, err := expected.Add(inFlight)
	if err != nil {
		upper = math.MaxUint64
	}
	switch {
	case len(pending) == 0 && st.LedgerBalance == expected:
		report.OK = true
		report.Message = "balanced"
	case len(pending) > 0 && st.LedgerBalance >= expected && st.LedgerBalance <= upper:
		report.OK = true
		report.Message = fmt.Sprintf("balanced within %d pending withdrawals", len(pending))
	case st.LedgerBalance > expected:
		report.Message = fmt.Sprintf("ledger holds %d more than the books", report.Excess)
	default:
		report.Message = fmt.Sprintf("ledger holds %d less than the books", -report.Excess)
	}
	metrics.AuditExcess.Set(float64(report.Excess))

	if report.OK {
		return report, nil
	}

	metrics.AuditMismatches.Inc()
	e.record(ctx, model.AuditEntry{
		Event: model.EventAuditMismatch, Amount: st.LedgerBalance, Detail: report.Message,
	})
	slog.Error("solvency audit mismatch",
		"ledger", st.LedgerBalance, "reserve", st.Reserve, "users", users,
		"in_flight", inFlight, "excess", report.Excess)
	return report, fmt.Errorf("%w: %s", ErrAuditMismatch, report.Message)
}

// AuditLog returns up to limit recent audit entries, newest first,
// optionally for one user.
func (e *Engine) AuditLog(ctx context.Context, user string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return e.store.ListAudit(ctx, user, limit)
}

// signedDelta returns a-b clamped to the int64 range.
func signedDelta(a, b model.Amount) int64 {
	if a >= b {
		d := a - b
		if d > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(d)
	}
	d := b - a
	if d > math.MaxInt64 {
		return math.MinInt64
	}
	return -int64(d)
}
