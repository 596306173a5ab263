// Package accounting is the house accounting engine shared by the game
// backends. It owns user chip balances, the liquidity pool, the pending
// withdrawal registry and the solvency audit, and it is the only code that
// talks to the external token ledger.
//
// Every operation that moves real funds runs in two phases around the
// ledger call. Phase one validates and commits the provisional local effect
// while holding the engine mutex. The mutex is released for the ledger call.
// Phase two takes the mutex again, re-reads whatever it needs, and applies
// the classified outcome. Nothing read before the call is trusted after it.
// Writes that belong together in a phase commit in one store transaction.
package accounting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casinohouse/accounting-engine/internal/house"
	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/metrics"
	"github.com/casinohouse/accounting-engine/internal/model"
	"github.com/casinohouse/accounting-engine/internal/store"
)

// Config holds the engine's amounts and limits. Amounts are base units.
type Config struct {
	// Account is the service's own ledger account. Deposits land here and
	// withdrawals are paid from it.
	Account string

	TransferFee  model.Amount
	MinDeposit   model.Amount
	MinWithdraw  model.Amount
	MinLPDeposit model.Amount

	// MinimumLiquidity shares are locked forever on the first LP deposit.
	MinimumLiquidity model.Amount

	// MaxRetries is the number of uncertain attempts after which a pending
	// withdrawal is stuck and waits for an operator.
	MaxRetries int

	// LedgerTimeout bounds each ledger call. A timeout is an uncertain
	// outcome.
	LedgerTimeout time.Duration

	// RefreshAfterTransfer re-reads the service's ledger balance after every
	// flow that moved funds, keeping the audit snapshot current.
	RefreshAfterTransfer bool
}

// DefaultConfig returns the production defaults for a USDT ledger.
func DefaultConfig(account string) Config {
	return Config{
		Account:              account,
		TransferFee:          10_000,
		MinDeposit:           1_000_000,
		MinWithdraw:          100_000,
		MinLPDeposit:         10_000_000,
		MinimumLiquidity:     1_000,
		MaxRetries:           10,
		LedgerTimeout:        30 * time.Second,
		RefreshAfterTransfer: true,
	}
}

// EventSink receives every audit entry after it is appended. Publish must
// not block; it is called with the engine mutex held.
type EventSink interface {
	Publish(entry model.AuditEntry)
}

// Engine is the accounting engine. It is safe for concurrent use.
type Engine struct {
	cfg   Config
	store store.Store
	// reader serves the read-only introspection queries. It defaults to
	// store and is never used for a value that is then written.
	reader  store.Reader
	ledger  ledger.Client
	limiter *house.Limiter
	sinks   []EventSink

	mu sync.Mutex
	// inflight maps user to the pending withdrawal ID whose ledger call is
	// outstanding. Guarded by mu.
	inflight map[string]string
	now      func() time.Time
}

// NewEngine creates an engine over st and lc.
func NewEngine(cfg Config, st store.Store, lc ledger.Client, limiter *house.Limiter, sinks ...EventSink) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 30 * time.Second
	}
	if limiter == nil {
		limiter = house.NewLimiter(0, 0)
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		reader:   st,
		ledger:   lc,
		limiter:  limiter,
		sinks:    sinks,
		inflight: make(map[string]string),
		now:      time.Now,
	}
}

// UseReader routes balance, share and pool queries to r, typically a cache
// in front of the primary store. Every operation that writes keeps reading
// the primary store.
func (e *Engine) UseReader(r store.Reader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reader = r
}

// SetClock replaces the engine's clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ledgerContext detaches the ledger call from the caller's cancellation:
// once a transfer is submitted its outcome must be observed. The call is
// still bounded by LedgerTimeout.
func (e *Engine) ledgerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LedgerTimeout)
}

// transfer pays out a pending withdrawal. Retries of the same entry send
// an identical request, so the ledger can de-duplicate them.
func (e *Engine) transfer(ctx context.Context, p *model.PendingWithdrawal) ledger.Outcome {
	ctx, cancel := e.ledgerContext(ctx)
	defer cancel()

	start := time.Now()
	receipt, err := e.ledger.Transfer(ctx, ledger.TransferArgs{
		To:        p.User,
		Amount:    p.TransferAmount(),
		Fee:       p.Fee,
		Memo:      p.IdempotencyKey,
		CreatedAt: p.CreatedAt,
	})
	outcome := ledger.Classify(receipt, err)
	metrics.ObserveLedgerCall(string(ledger.OpTransfer), outcome.Kind.String(), start)
	return outcome
}

// pullArgs builds the inbound transfer of amount from owner into the
// service account. The owner pays the fee on top.
func (e *Engine) pullArgs(owner string, amount model.Amount) ledger.TransferFromArgs {
	return ledger.TransferFromArgs{
		From:      owner,
		To:        e.cfg.Account,
		Amount:    amount,
		Fee:       e.cfg.TransferFee,
		Memo:      uuid.NewString(),
		CreatedAt: e.clock(),
	}
}

// transferFrom submits an inbound transfer built by pullArgs.
func (e *Engine) transferFrom(ctx context.Context, args ledger.TransferFromArgs) ledger.Outcome {
	ctx, cancel := e.ledgerContext(ctx)
	defer cancel()

	start := time.Now()
	receipt, err := e.ledger.TransferFrom(ctx, args)
	outcome := ledger.Classify(receipt, err)
	metrics.ObserveLedgerCall(string(ledger.OpTransferFrom), outcome.Kind.String(), start)
	return outcome
}

func (e *Engine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().UTC()
}

// record appends an audit entry and fans it out. Must hold e.mu. A failed
// append is logged, never returned: the log is observability, not state.
func (e *Engine) record(ctx context.Context, entry model.AuditEntry) {
	entry.ID = uuid.NewString()
	entry.Timestamp = e.now().UTC()
	if err := e.store.AppendAudit(context.WithoutCancel(ctx), &entry); err != nil {
		slog.Error("audit append failed", "event", entry.Event, "user", entry.User, "err", err)
	}
	for _, s := range e.sinks {
		s.Publish(entry)
	}
}

// afterTransfer refreshes the cached ledger balance when configured to.
func (e *Engine) afterTransfer(ctx context.Context) {
	if !e.cfg.RefreshAfterTransfer {
		return
	}
	if _, err := e.RefreshCanisterBalance(ctx); err != nil {
		slog.Warn("ledger balance refresh failed", "err", err)
	}
}
