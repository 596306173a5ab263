// Package store defines the persistence interface for the accounting
// engine: user balances, LP shares and pending withdrawals (three keyed
// tables), the pool-state singleton, deposits awaiting an operator, and the
// append-only audit log.
// Implementations include in-memory (development and tests), PostgreSQL,
// and a Redis read-through cache for introspection reads.
package store

import (
	"context"
	"errors"

	"github.com/casinohouse/accounting-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPendingExists is returned by CreatePending when the user already
	// has a pending withdrawal.
	ErrPendingExists = errors.New("store: pending withdrawal already exists")
)

// Reader is the read-only subset served to introspection queries. It may
// lag the primary store and must never feed a write.
type Reader interface {
	// GetBalance returns the user's balance, zero if the user is unknown.
	GetBalance(ctx context.Context, user string) (model.Amount, error)

	// GetShares returns the provider's shares, zero if unknown.
	GetShares(ctx context.Context, owner string) (model.Amount, error)

	// ListShares returns every LP position.
	ListShares(ctx context.Context) ([]model.LPPosition, error)

	// GetPoolState returns the pool record; the zero value before the
	// first write.
	GetPoolState(ctx context.Context) (model.PoolState, error)
}

// Store is the persistence interface. Each method is atomic on its own;
// writes that must land together go through WithTx.
type Store interface {
	Reader

	// WithTx runs fn against a transactional view of the store. Every write
	// fn makes is committed if it returns nil and discarded otherwise.
	// Calling WithTx on a transactional view joins the outer transaction.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// --- User balances ---

	// SetBalance overwrites the user's balance.
	SetBalance(ctx context.Context, user string, balance model.Amount) error

	// ListBalances returns every user account.
	ListBalances(ctx context.Context) ([]model.UserAccount, error)

	// --- LP shares ---

	// SetShares overwrites the provider's shares. Zero removes the row.
	SetShares(ctx context.Context, owner string, shares model.Amount) error

	// --- Pool singleton ---

	// SavePoolState overwrites the pool record.
	SavePoolState(ctx context.Context, state model.PoolState) error

	// --- Pending withdrawals ---

	// GetPending returns the user's pending withdrawal or ErrNotFound.
	GetPending(ctx context.Context, user string) (*model.PendingWithdrawal, error)

	// CreatePending inserts p, or fails with ErrPendingExists.
	CreatePending(ctx context.Context, p *model.PendingWithdrawal) error

	// UpdatePending overwrites the entry with the same user and ID.
	UpdatePending(ctx context.Context, p *model.PendingWithdrawal) error

	// DeletePending removes the user's entry if its ID matches.
	DeletePending(ctx context.Context, user, id string) error

	// ListPending returns all pending withdrawals, oldest first.
	ListPending(ctx context.Context) ([]model.PendingWithdrawal, error)

	// --- Uncertain deposits ---

	// CreateUncertainDeposit records a deposit whose ledger outcome is
	// unknown, for an operator to resolve.
	CreateUncertainDeposit(ctx context.Context, d *model.UncertainDeposit) error

	// GetUncertainDeposit returns the record with id or ErrNotFound.
	GetUncertainDeposit(ctx context.Context, id string) (*model.UncertainDeposit, error)

	// DeleteUncertainDeposit removes the record with id or fails with
	// ErrNotFound.
	DeleteUncertainDeposit(ctx context.Context, id string) error

	// ListUncertainDeposits returns every unresolved record, oldest first.
	ListUncertainDeposits(ctx context.Context) ([]model.UncertainDeposit, error)

	// --- Audit log ---

	// AppendAudit appends an immutable audit entry.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error

	// ListAudit returns up to limit most recent entries, newest first.
	// Entries for a single user when user is non-empty.
	ListAudit(ctx context.Context, user string, limit int) ([]model.AuditEntry, error)
}
