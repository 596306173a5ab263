package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for development
// and tests. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]model.Amount
	shares   map[string]model.Amount
	pending  map[string]*model.PendingWithdrawal
	deposits map[string]model.UncertainDeposit
	pool     model.PoolState
	audit    []model.AuditEntry
}

type memorySnapshot struct {
	balances map[string]model.Amount
	shares   map[string]model.Amount
	pending  map[string]*model.PendingWithdrawal
	deposits map[string]model.UncertainDeposit
	pool     model.PoolState
	audit    int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]model.Amount),
		shares:   make(map[string]model.Amount),
		pending:  make(map[string]*model.PendingWithdrawal),
		deposits: make(map[string]model.UncertainDeposit),
	}
}

// WithTx snapshots the store, runs fn and restores the snapshot if fn
// fails. It is not isolated from writers outside fn; the engine serializes
// its writes, which is all the in-memory store has to support.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Store) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) snapshot() memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Pending entries are replaced on write, never mutated, so copying the
	// pointers is enough.
	return memorySnapshot{
		balances: maps.Clone(s.balances),
		shares:   maps.Clone(s.shares),
		pending:  maps.Clone(s.pending),
		deposits: maps.Clone(s.deposits),
		pool:     s.pool,
		audit:    len(s.audit),
	}
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances = snap.balances
	s.shares = snap.shares
	s.pending = snap.pending
	s.deposits = snap.deposits
	s.pool = snap.pool
	s.audit = s.audit[:snap.audit]
}

func (s *MemoryStore) GetBalance(_ context.Context, user string) (model.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[user], nil
}

func (s *MemoryStore) SetBalance(_ context.Context, user string, balance model.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[user] = balance
	return nil
}

func (s *MemoryStore) ListBalances(_ context.Context) ([]model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.UserAccount, 0, len(s.balances))
	for user, bal := range s.balances {
		accounts = append(accounts, model.UserAccount{User: user, Balance: bal})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].User < accounts[j].User })
	return accounts, nil
}

func (s *MemoryStore) GetShares(_ context.Context, owner string) (model.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shares[owner], nil
}

func (s *MemoryStore) SetShares(_ context.Context, owner string, shares model.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if shares == 0 {
		delete(s.shares, owner)
		return nil
	}
	s.shares[owner] = shares
	return nil
}

func (s *MemoryStore) ListShares(_ context.Context) ([]model.LPPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.LPPosition, 0, len(s.shares))
	for owner, shares := range s.shares {
		positions = append(positions, model.LPPosition{Owner: owner, Shares: shares})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Owner < positions[j].Owner })
	return positions, nil
}

func (s *MemoryStore) GetPoolState(_ context.Context) (model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool, nil
}

func (s *MemoryStore) SavePoolState(_ context.Context, state model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = state
	return nil
}

func (s *MemoryStore) GetPending(_ context.Context, user string) (*model.PendingWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[user]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) CreatePending(_ context.Context, p *model.PendingWithdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[p.User]; ok {
		return ErrPendingExists
	}
	copy := *p
	s.pending[p.User] = &copy
	return nil
}

func (s *MemoryStore) UpdatePending(_ context.Context, p *model.PendingWithdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pending[p.User]
	if !ok || existing.ID != p.ID {
		return fmt.Errorf("pending withdrawal %s for %s: %w", p.ID, p.User, ErrNotFound)
	}
	copy := *p
	s.pending[p.User] = &copy
	return nil
}

func (s *MemoryStore) DeletePending(_ context.Context, user, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.pending[user]
	if !ok || existing.ID != id {
		return fmt.Errorf("pending withdrawal %s for %s: %w", id, user, ErrNotFound)
	}
	delete(s.pending, user)
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]model.PendingWithdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]model.PendingWithdrawal, 0, len(s.pending))
	for _, p := range s.pending {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryStore) CreateUncertainDeposit(_ context.Context, d *model.UncertainDeposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deposits[d.ID] = *d
	return nil
}

func (s *MemoryStore) GetUncertainDeposit(_ context.Context, id string) (*model.UncertainDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) DeleteUncertainDeposit(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[id]; !ok {
		return fmt.Errorf("uncertain deposit %s: %w", id, ErrNotFound)
	}
	delete(s.deposits, id)
	return nil
}

func (s *MemoryStore) ListUncertainDeposits(_ context.Context) ([]model.UncertainDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]model.UncertainDeposit, 0, len(s.deposits))
	for _, d := range s.deposits {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *entry)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, user string, limit int) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if user != "" && s.audit[i].User != user {
			continue
		}
		result = append(result, s.audit[i])
	}
	return result, nil
}
