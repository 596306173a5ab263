package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casinohouse/accounting-engine/internal/model"
)

func TestMemoryStore_PendingIsExclusivePerUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.PendingWithdrawal{ID: "a", User: "alice", Kind: model.WithdrawalUser, Amount: 10}
	require.NoError(t, s.CreatePending(ctx, first))

	err := s.CreatePending(ctx, &model.PendingWithdrawal{ID: "b", User: "alice", Kind: model.WithdrawalUser})
	assert.ErrorIs(t, err, ErrPendingExists)
}

func TestMemoryStore_PendingUpdateAndDeleteMatchID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePending(ctx, &model.PendingWithdrawal{ID: "a", User: "alice"}))

	err := s.UpdatePending(ctx, &model.PendingWithdrawal{ID: "other", User: "alice", Retries: 3})
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.UpdatePending(ctx, &model.PendingWithdrawal{ID: "a", User: "alice", Retries: 3}))
	p, err := s.GetPending(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Retries)

	assert.ErrorIs(t, s.DeletePending(ctx, "alice", "other"), ErrNotFound)
	require.NoError(t, s.DeletePending(ctx, "alice", "a"))
	_, err = s.GetPending(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetPendingReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreatePending(ctx, &model.PendingWithdrawal{ID: "a", User: "alice"}))

	p, _ := s.GetPending(ctx, "alice")
	p.Retries = 99

	again, _ := s.GetPending(ctx, "alice")
	assert.Equal(t, 0, again.Retries)
}

func TestMemoryStore_ZeroSharesRemovesPosition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetShares(ctx, "lp1", 500))
	require.NoError(t, s.SetShares(ctx, "lp1", 0))

	positions, err := s.ListShares(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestMemoryStore_ListAuditNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	for i, user := range []string{"alice", "bob", "alice", "carol"} {
		require.NoError(t, s.AppendAudit(ctx, &model.AuditEntry{
			ID: user, Event: model.EventDeposit, User: user, Amount: model.Amount(i), Timestamp: now,
		}))
	}

	all, err := s.ListAudit(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "carol", all[0].User)

	alice, err := s.ListAudit(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.EqualValues(t, 2, alice[0].Amount)
}

func TestMemoryStore_WithTxDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetBalance(ctx, "alice", 100))
	require.NoError(t, s.SetShares(ctx, "lp1", 40))
	require.NoError(t, s.SavePoolState(ctx, model.PoolState{Reserve: 40, TotalShares: 40, Initialized: true}))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreatePending(ctx, &model.PendingWithdrawal{ID: "a", User: "alice", Amount: 100}))
		require.NoError(t, tx.SetBalance(ctx, "alice", 0))
		require.NoError(t, tx.SetShares(ctx, "lp1", 0))
		require.NoError(t, tx.SavePoolState(ctx, model.PoolState{Initialized: true}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	bal, _ := s.GetBalance(ctx, "alice")
	assert.EqualValues(t, 100, bal)
	shares, _ := s.GetShares(ctx, "lp1")
	assert.EqualValues(t, 40, shares)
	pool, _ := s.GetPoolState(ctx)
	assert.EqualValues(t, 40, pool.Reserve)
	_, err = s.GetPending(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_WithTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.WithTx(ctx, func(tx Store) error {
		if err := tx.SetBalance(ctx, "bob", 7); err != nil {
			return err
		}
		return tx.WithTx(ctx, func(inner Store) error {
			return inner.SetShares(ctx, "bob", 3)
		})
	}))

	bal, _ := s.GetBalance(ctx, "bob")
	assert.EqualValues(t, 7, bal)
	shares, _ := s.GetShares(ctx, "bob")
	assert.EqualValues(t, 3, shares)
}

func TestMemoryStore_UncertainDeposits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.CreateUncertainDeposit(ctx, &model.UncertainDeposit{ID: "d2", User: "bob", Amount: 5, CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.CreateUncertainDeposit(ctx, &model.UncertainDeposit{ID: "d1", User: "alice", Amount: 9, CreatedAt: now}))

	list, err := s.ListUncertainDeposits(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "d1", list[0].ID)

	d, err := s.GetUncertainDeposit(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, "bob", d.User)

	require.NoError(t, s.DeleteUncertainDeposit(ctx, "d2"))
	assert.ErrorIs(t, s.DeleteUncertainDeposit(ctx, "d2"), ErrNotFound)
	_, err = s.GetUncertainDeposit(ctx, "d2")
	assert.ErrorIs(t, err, ErrNotFound)
}
