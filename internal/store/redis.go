package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casinohouse/accounting-engine/internal/model"
)

// CachedStore is a Redis read-through cache in front of a primary Reader.
// It only implements Reader: it serves the introspection endpoints and is
// never handed to code that writes. Entries expire after the TTL and are
// dropped early when an audit event for the same user is published.
type CachedStore struct {
	primary Reader
	rdb     *redis.Client
	ttl     time.Duration
	evict   chan []string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Reader, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		evict:   make(chan []string, 1024),
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, user string) (model.Amount, error) {
	return s.cachedAmount(ctx, balanceKey(user), func() (model.Amount, error) {
		return s.primary.GetBalance(ctx, user)
	})
}

func (s *CachedStore) GetShares(ctx context.Context, owner string) (model.Amount, error) {
	return s.cachedAmount(ctx, sharesKey(owner), func() (model.Amount, error) {
		return s.primary.GetShares(ctx, owner)
	})
}

func (s *CachedStore) GetPoolState(ctx context.Context) (model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey).Bytes()
	if err == nil {
		var st model.PoolState
		if json.Unmarshal(data, &st) == nil {
			return st, nil
		}
	}

	st, err := s.primary.GetPoolState(ctx)
	if err != nil {
		return model.PoolState{}, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, poolKey, data, s.ttl)
	}
	return st, nil
}

// ListShares is not cached.
func (s *CachedStore) ListShares(ctx context.Context) ([]model.LPPosition, error) {
	return s.primary.ListShares(ctx)
}

// --- Invalidation ---

// Publish queues eviction of the keys an audit entry may have changed. It
// never blocks; a dropped eviction is bounded by the TTL.
func (s *CachedStore) Publish(entry model.AuditEntry) {
	keys := []string{poolKey}
	if entry.User != "" {
		keys = append(keys, balanceKey(entry.User), sharesKey(entry.User))
	}
	select {
	case s.evict <- keys:
	default:
		slog.Warn("cache eviction queue full", "event", entry.Event, "user", entry.User)
	}
}

// Run deletes queued keys until ctx ends.
func (s *CachedStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case keys := <-s.evict:
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				slog.Warn("cache eviction failed", "keys", keys, "err", err)
			}
		}
	}
}

// --- Cache helpers ---

func (s *CachedStore) cachedAmount(ctx context.Context, key string, load func() (model.Amount, error)) (model.Amount, error) {
	if v, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return model.Amount(n), nil
		}
	}

	a, err := load()
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, key, strconv.FormatUint(uint64(a), 10), s.ttl)
	return a, nil
}

const poolKey = "pool:state"

func balanceKey(user string) string { return fmt.Sprintf("balance:%s", user) }
func sharesKey(owner string) string { return fmt.Sprintf("shares:%s", owner) }
