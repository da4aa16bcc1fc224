package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for intents and release fund presence. Writes go to the primary store
// and invalidate the affected keys; the keys are invalidated again when the
// surrounding unit commits or rolls back, so uncommitted state never outlives
// the unit in the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  "settlement:",
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreditFund(ctx context.Context, entry model.FundEntry) (model.FundEntry, error) {
	out, err := s.primary.CreditFund(ctx, entry)
	if err != nil {
		return out, err
	}
	s.invalidate(ctx, s.releaseKey(entry.ReleaseID))
	return out, nil
}

func (s *CachedStore) DeleteFund(ctx context.Context, key model.FundKey) error {
	if err := s.primary.DeleteFund(ctx, key); err != nil {
		return err
	}
	s.invalidate(ctx, s.releaseKey(key.ReleaseID))
	return nil
}

func (s *CachedStore) CreateIntent(ctx context.Context, intent *model.PurchaseIntent) error {
	if err := s.primary.CreateIntent(ctx, intent); err != nil {
		return err
	}
	s.invalidate(ctx, s.intentKey(intent.ID))
	return nil
}

func (s *CachedStore) UpdateIntent(ctx context.Context, intent *model.PurchaseIntent) error {
	if err := s.primary.UpdateIntent(ctx, intent); err != nil {
		return err
	}
	s.invalidate(ctx, s.intentKey(intent.ID))
	return nil
}

func (s *CachedStore) SavePair(ctx context.Context, pair model.PairRecord) error {
	return s.primary.SavePair(ctx, pair)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetIntent(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	data, err := s.rdb.Get(ctx, s.intentKey(id)).Bytes()
	if err == nil {
		var i model.PurchaseIntent
		if json.Unmarshal(data, &i) == nil {
			return &i, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis unavailable: serve from the primary.
		return s.primary.GetIntent(ctx, id)
	}

	i, err := s.primary.GetIntent(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, inUnit := txn.FromContext(ctx); !inUnit {
		if data, err := json.Marshal(i); err == nil {
			s.rdb.Set(ctx, s.intentKey(id), data, s.ttl)
		}
	}
	return i, nil
}

func (s *CachedStore) ReleaseHasFunds(ctx context.Context, release model.ReleaseID) (bool, error) {
	v, err := s.rdb.Get(ctx, s.releaseKey(release)).Result()
	if err == nil {
		return v == "1", nil
	}

	has, err := s.primary.ReleaseHasFunds(ctx, release)
	if err != nil {
		return false, err
	}
	if _, inUnit := txn.FromContext(ctx); !inUnit {
		flag := "0"
		if has {
			flag = "1"
		}
		s.rdb.Set(ctx, s.releaseKey(release), flag, s.ttl)
	}
	return has, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetFunds(ctx context.Context, release model.ReleaseID, participant model.Address) ([]model.FundEntry, error) {
	return s.primary.GetFunds(ctx, release, participant)
}

func (s *CachedStore) ListReleaseFunds(ctx context.Context, release model.ReleaseID, after model.FundCursor, limit int) ([]model.FundEntry, error) {
	return s.primary.ListReleaseFunds(ctx, release, after, limit)
}

func (s *CachedStore) ParticipantReleases(ctx context.Context, participant model.Address) ([]model.ReleaseID, error) {
	return s.primary.ParticipantReleases(ctx, participant)
}

func (s *CachedStore) ListPairs(ctx context.Context) ([]model.PairRecord, error) {
	return s.primary.ListPairs(ctx)
}

// --- Cache helpers ---

// invalidate drops key now and once more when the unit finishes either way.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	del := func() { s.rdb.Del(context.WithoutCancel(ctx), key) }
	del()
	txn.OnRollback(ctx, del)
	if _, inUnit := txn.FromContext(ctx); inUnit {
		txn.AfterCommit(ctx, del)
	}
}

func (s *CachedStore) intentKey(id string) string {
	return fmt.Sprintf("%sintent:%s", s.prefix, id)
}

func (s *CachedStore) releaseKey(id model.ReleaseID) string {
	return fmt.Sprintf("%srelease-funds:%s", s.prefix, id)
}
