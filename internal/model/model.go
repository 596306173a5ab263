// Package model defines the core domain types of the house accounting
// engine. Token quantities are Amount (checked uint64 base units); decimals
// appear only where ratios or display values are needed.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserAccount is a user's internal chip balance. Accounts are created
// implicitly on first deposit or query and never deleted.
type UserAccount struct {
	User    string `json:"user" db:"user_id"`
	Balance Amount `json:"balance" db:"balance"`
}

// PoolState is the singleton liquidity-pool record.
type PoolState struct {
	Reserve     Amount `json:"reserve" db:"reserve"`
	TotalShares Amount `json:"total_shares" db:"total_shares"`
	Initialized bool   `json:"initialized" db:"initialized"`

	// LedgerBalance is the last balance the external ledger reported for
	// this service's account. The audit compares against it.
	LedgerBalance   Amount    `json:"ledger_balance" db:"ledger_balance"`
	LedgerBalanceAt time.Time `json:"ledger_balance_at" db:"ledger_balance_at"`
}

// LPPosition is a liquidity provider's share holding.
type LPPosition struct {
	Owner  string `json:"owner" db:"owner"`
	Shares Amount `json:"shares" db:"shares"`
}

// WithdrawalKind distinguishes user chip withdrawals from LP redemptions.
type WithdrawalKind string

const (
	WithdrawalUser WithdrawalKind = "user"
	WithdrawalLP   WithdrawalKind = "lp"
)

// PendingWithdrawal is an external transfer that has been debited locally
// but not yet definitively confirmed or denied by the ledger. There is at
// most one per user.
type PendingWithdrawal struct {
	ID   string         `json:"id" db:"id"`
	User string         `json:"user" db:"user_id"`
	Kind WithdrawalKind `json:"kind" db:"kind"`

	// Amount is what was debited from the user (for LP: the payout taken
	// out of reserve). The ledger transfer sends Amount minus the fee.
	Amount Amount `json:"amount" db:"amount"`
	// Fee is the ledger fee charged to the transfer.
	Fee Amount `json:"fee" db:"fee"`
	// Shares and Reserve are set for LP withdrawals and restored on
	// rollback.
	Shares  Amount `json:"shares,omitempty" db:"shares"`
	Reserve Amount `json:"reserve,omitempty" db:"reserve"`

	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	Retries        int       `json:"retries" db:"retries"`
	LastError      string    `json:"last_error,omitempty" db:"last_error"`
	StuckAt        time.Time `json:"stuck_at,omitempty" db:"stuck_at"`
}

// Stuck reports whether automatic retries are exhausted.
func (p *PendingWithdrawal) Stuck(maxRetries int) bool {
	return p.Retries >= maxRetries
}

// TransferAmount is what the recipient receives.
func (p *PendingWithdrawal) TransferAmount() Amount {
	return p.Amount.SaturatingSub(p.Fee)
}

// UncertainDeposit is an inbound transfer whose ledger outcome was never
// observed. Nothing was credited for it; an operator checks the ledger for
// Memo and either books it or discards the record.
type UncertainDeposit struct {
	ID        string         `json:"id" db:"id"`
	User      string         `json:"user" db:"user_id"`
	Kind      WithdrawalKind `json:"kind" db:"kind"`
	Amount    Amount         `json:"amount" db:"amount"`
	Memo      string         `json:"memo" db:"memo"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	Reason    string         `json:"reason,omitempty" db:"reason"`
}

// AuditEvent names an entry in the append-only audit log.
type AuditEvent string

const (
	EventInitiated         AuditEvent = "initiated"
	EventCompleted         AuditEvent = "completed"
	EventFailed            AuditEvent = "failed"
	EventStuck             AuditEvent = "stuck"
	EventRestored          AuditEvent = "restored"
	EventSystemError       AuditEvent = "system_error"
	EventDeposit           AuditEvent = "deposit"
	EventLPDeposit         AuditEvent = "lp_deposit"
	EventBetSettled        AuditEvent = "bet_settled"
	EventOperatorCompleted AuditEvent = "operator_completed"
	EventAuditMismatch     AuditEvent = "audit_mismatch"
	EventDepositUncertain  AuditEvent = "deposit_uncertain"
	EventDepositDiscarded  AuditEvent = "deposit_discarded"
)

// AuditEntry is an immutable observability record. It is never used as a
// source of truth for balances.
type AuditEntry struct {
	ID        string         `json:"id" db:"id"`
	Event     AuditEvent     `json:"event" db:"event"`
	User      string         `json:"user,omitempty" db:"user_id"`
	Kind      WithdrawalKind `json:"kind,omitempty" db:"kind"`
	Amount    Amount         `json:"amount" db:"amount"`
	Detail    string         `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
}

// GameTransaction is the outcome of a game round, produced by game logic.
// MaxPayout is the largest payout the wager could have produced and is
// what the house limit is checked against.
type GameTransaction struct {
	BetAmount Amount `json:"bet_amount"`
	Payout    Amount `json:"payout"`
	MaxPayout Amount `json:"max_payout"`
}

// PoolStats is the read-only view of the pool.
type PoolStats struct {
	Reserve          Amount          `json:"reserve"`
	TotalShares      Amount          `json:"total_shares"`
	Initialized      bool            `json:"initialized"`
	SharePrice       decimal.Decimal `json:"share_price"`
	ReserveTokens    decimal.Decimal `json:"reserve_tokens"`
	CanAcceptBets    bool            `json:"can_accept_bets"`
	MaxAllowedPayout Amount          `json:"max_allowed_payout"`
	Providers        int             `json:"providers"`
}

// LPStats is a single provider's position, valued at the current share
// price.
type LPStats struct {
	Owner          string          `json:"owner"`
	Shares         Amount          `json:"shares"`
	RedeemableNow  Amount          `json:"redeemable_now"`
	PoolOwnership  decimal.Decimal `json:"pool_ownership_pct"`
	RedeemableUSDT decimal.Decimal `json:"redeemable_usdt"`
}

// WithdrawalState is the user-visible state of a withdrawal.
type WithdrawalState string

const (
	WithdrawalNone    WithdrawalState = "none"
	WithdrawalPending WithdrawalState = "pending"
	WithdrawalStuck   WithdrawalState = "stuck"
)

// WithdrawalStatus is returned by the withdrawal-status query.
type WithdrawalStatus struct {
	User    string             `json:"user"`
	State   WithdrawalState    `json:"state"`
	Pending *PendingWithdrawal `json:"pending,omitempty"`
	Message string             `json:"message"`
}

// AuditReport is the result of a solvency audit. Excess is
// actual - expected and may be negative (a deficit).
type AuditReport struct {
	PoolReserve    Amount    `json:"pool_reserve"`
	UserBalances   Amount    `json:"user_balances"`
	Expected       Amount    `json:"expected"`
	InFlight       Amount    `json:"in_flight"`
	LedgerBalance  Amount    `json:"ledger_balance"`
	LedgerAsOf     time.Time `json:"ledger_as_of"`
	Excess         int64     `json:"excess"`
	PendingEntries int       `json:"pending_entries"`
	OK             bool      `json:"ok"`
	Message        string    `json:"message"`
}
