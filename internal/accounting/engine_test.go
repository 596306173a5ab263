package accounting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/house"
	"github.com/casinohouse/accounting-engine/internal/ledger"
	"github.com/casinohouse/accounting-engine/internal/model"
	"github.com/casinohouse/accounting-engine/internal/store"
)

const (
	serviceAccount = "house-service"
	usdt           = model.Amount(1_000_000)
	fee            = model.Amount(10_000)
)

type recordingSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
}

func (s *recordingSink) Publish(entry model.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) count(event model.AuditEvent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	ledger *ledger.MemoryLedger
	store  *store.MemoryStore
	sink   *recordingSink
}

func newFixture(t *testing.T, tweak ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig(serviceAccount)
	cfg.LedgerTimeout = 5 * time.Second
	for _, fn := range tweak {
		fn(&cfg)
	}
	led := ledger.NewMemoryLedger(serviceAccount, cfg.TransferFee)
	st := store.NewMemoryStore()
	sink := &recordingSink{}
	eng := NewEngine(cfg, st, led, house.NewLimiter(usdt, 1000), sink)
	return &fixture{engine: eng, ledger: led, store: st, sink: sink}
}

// fund gives owner exactly enough ledger tokens and allowance for one
// deposit of amount.
func (f *fixture) fund(owner string, amount model.Amount) {
	f.ledger.Mint(owner, amount+fee)
	f.ledger.Approve(owner, amount+fee)
}

func (f *fixture) deposit(t *testing.T, user string, amount model.Amount) {
	t.Helper()
	f.fund(user, amount)
	_, err := f.engine.Deposit(context.Background(), user, amount)
	require.NoError(t, err)
}

func (f *fixture) addLiquidity(t *testing.T, lp string, amount model.Amount) *LPDepositResult {
	t.Helper()
	f.fund(lp, amount)
	res, err := f.engine.DepositLiquidity(context.Background(), lp, amount)
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, user string) model.Amount {
	t.Helper()
	b, err := f.engine.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func (f *fixture) pool(t *testing.T) model.PoolState {
	t.Helper()
	st, err := f.store.GetPoolState(context.Background())
	require.NoError(t, err)
	return st
}

// requireSolvent refreshes the ledger snapshot and requires a clean audit.
func (f *fixture) requireSolvent(t *testing.T) *model.AuditReport {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.RefreshCanisterBalance(ctx)
	require.NoError(t, err)
	report, err := f.engine.AuditBalances(ctx)
	require.NoError(t, err)
	require.True(t, report.OK, report.Message)
	return report
}

func transient() error {
	return &ledger.CallError{Code: ledger.SysTransient, Message: "subnet busy"}
}
