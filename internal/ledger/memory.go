package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// Op names a ledger operation for fault injection and holds.
type Op string

const (
	OpTransfer     Op = "transfer"
	OpTransferFrom Op = "transfer_from"
	OpBalanceOf    Op = "balance_of"
)

// Fault is a scripted failure for the next matching call. With Apply set
// the ledger executes the call and then returns Err anyway, which models a
// reply lost after the ledger committed.
type Fault struct {
	Op    Op
	Err   error
	Apply bool
}

// MemoryLedger is an in-process ledger with ICRC-style fees, approvals and
// request de-duplication. It backs development mode and tests.
type MemoryLedger struct {
	mu          sync.Mutex
	self        string
	fee         model.Amount
	balances    map[string]model.Amount
	allowances  map[string]model.Amount
	seen        map[string]uint64
	blocks      uint64
	dedupWindow time.Duration
	now         func() time.Time
	faults      []Fault
	holds       map[Op]chan struct{}
	calls       map[Op]int
}

// NewMemoryLedger creates a ledger where self is the service's own account.
func NewMemoryLedger(self string, fee model.Amount) *MemoryLedger {
	return &MemoryLedger{
		self:        self,
		fee:         fee,
		balances:    make(map[string]model.Amount),
		allowances:  make(map[string]model.Amount),
		seen:        make(map[string]uint64),
		dedupWindow: 24 * time.Hour,
		now:         time.Now,
		holds:       make(map[Op]chan struct{}),
		calls:       make(map[Op]int),
	}
}

// SetClock replaces the ledger's clock.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetDedupWindow changes how long requests are remembered.
func (l *MemoryLedger) SetDedupWindow(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dedupWindow = d
}

// Mint credits account out of thin air.
func (l *MemoryLedger) Mint(account string, amount model.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Approve lets the service pull up to amount (fees included) from owner.
func (l *MemoryLedger) Approve(owner string, amount model.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[owner] = amount
}

// Balance returns an account balance without going through the Client
// interface, faults or holds.
func (l *MemoryLedger) Balance(account string) model.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Calls returns how many times op was invoked.
func (l *MemoryLedger) Calls(op Op) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// InjectFault queues f; faults are consumed in order by matching calls.
func (l *MemoryLedger) InjectFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, f)
}

// Hold makes every later call of op block until the returned release func
// is called or the caller's context ends.
func (l *MemoryLedger) Hold(op Op) (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.holds[op] = ch
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.holds[op] == ch {
				delete(l.holds, op)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

func (l *MemoryLedger) Transfer(ctx context.Context, args TransferArgs) (Receipt, error) {
	fault, err := l.enter(ctx, OpTransfer)
	if err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if fault != nil && !fault.Apply {
		return Receipt{}, fault.Err
	}
	r, lerr := l.move(l.self, args.To, args.Amount, args.Fee, args.Memo, args.CreatedAt, "")
	if fault != nil {
		return Receipt{}, fault.Err
	}
	return r, lerr
}

func (l *MemoryLedger) TransferFrom(ctx context.Context, args TransferFromArgs) (Receipt, error) {
	fault, err := l.enter(ctx, OpTransferFrom)
	if err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if fault != nil && !fault.Apply {
		return Receipt{}, fault.Err
	}
	r, lerr := l.move(args.From, args.To, args.Amount, args.Fee, args.Memo, args.CreatedAt, args.From)
	if fault != nil {
		return Receipt{}, fault.Err
	}
	return r, lerr
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, account string) (model.Amount, error) {
	fault, err := l.enter(ctx, OpBalanceOf)
	if err != nil {
		return 0, err
	}
	if fault != nil {
		return 0, fault.Err
	}
	return l.Balance(account), nil
}

// enter records the call, pops a matching fault and waits on any hold.
func (l *MemoryLedger) enter(ctx context.Context, op Op) (*Fault, error) {
	l.mu.Lock()
	l.calls[op]++
	var fault *Fault
	for i, f := range l.faults {
		if f.Op == op {
			f := f
			fault = &f
			l.faults = append(l.faults[:i:i], l.faults[i+1:]...)
			break
		}
	}
	hold := l.holds[op]
	l.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return fault, nil
}

// move applies a transfer. spender is non-empty for transfer_from and
// names the account whose allowance is consumed. Must hold l.mu.
func (l *MemoryLedger) move(from, to string, amount, fee model.Amount, memo string, createdAt time.Time, spender string) (Receipt, error) {
	if fee != l.fee {
		return Receipt{}, &LedgerError{Kind: KindBadFee, ExpectedFee: l.fee}
	}

	var key string
	if !createdAt.IsZero() {
		now := l.now()
		if createdAt.Before(now.Add(-l.dedupWindow)) {
			return Receipt{}, &LedgerError{Kind: KindTooOld}
		}
		if createdAt.After(now.Add(time.Minute)) {
			return Receipt{}, &LedgerError{Kind: KindCreatedInFuture}
		}
		key = fmt.Sprintf("%s|%s|%d|%d|%s|%d", from, to, amount, fee, memo, createdAt.UnixNano())
		if block, ok := l.seen[key]; ok {
			return Receipt{}, &LedgerError{Kind: KindDuplicate, DuplicateOf: block}
		}
	}

	debit, err := amount.Add(fee)
	if err != nil {
		return Receipt{}, &LedgerError{Kind: KindGenericError, Message: "amount overflow"}
	}
	if spender != "" && l.allowances[spender] < debit {
		return Receipt{}, &LedgerError{Kind: KindInsufficientAllowance, Balance: l.allowances[spender]}
	}
	if l.balances[from] < debit {
		return Receipt{}, &LedgerError{Kind: KindInsufficientFunds, Balance: l.balances[from]}
	}

	l.balances[from] -= debit
	l.balances[to] += amount
	if spender != "" {
		l.allowances[spender] -= debit
	}
	l.blocks++
	if key != "" {
		l.seen[key] = l.blocks
	}
	return Receipt{BlockIndex: l.blocks}, nil
}
