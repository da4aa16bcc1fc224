package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	funds   map[model.FundKey]model.FundEntry
	intents map[string]model.PurchaseIntent
	pairs   map[string]model.PairRecord
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		funds:   make(map[model.FundKey]model.FundEntry),
		intents: make(map[string]model.PurchaseIntent),
		pairs:   make(map[string]model.PairRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// --- Funds ---

func (s *MemoryStore) CreditFund(ctx context.Context, entry model.FundEntry) (model.FundEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entry.Key()
	prev, had := s.funds[key]

	next := entry
	next.UpdatedAt = s.now()
	if had {
		next.Amount.Value = prev.Amount.Value.Add(entry.Amount.Value)
	}
	s.funds[key] = next

	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.funds[key] = prev
		} else {
			delete(s.funds, key)
		}
	})
	return next, nil
}

func (s *MemoryStore) GetFunds(_ context.Context, release model.ReleaseID, participant model.Address) ([]model.FundEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundEntry
	for key, e := range s.funds {
		if key.ReleaseID == release && key.Participant == participant {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Amount.Currency < result[j].Amount.Currency
	})
	return result, nil
}

func (s *MemoryStore) DeleteFund(ctx context.Context, key model.FundKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.funds[key]
	if !ok {
		return fmt.Errorf("fund %v: %w", key, ErrNotFound)
	}
	delete(s.funds, key)
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.funds[key] = prev
	})
	return nil
}

func (s *MemoryStore) ListReleaseFunds(_ context.Context, release model.ReleaseID, after model.FundCursor, limit int) ([]model.FundEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundEntry
	for key, e := range s.funds {
		if key.ReleaseID == release && after.After(key) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Key(), result[j].Key()
		if a.Participant != b.Participant {
			return a.Participant < b.Participant
		}
		return a.Currency < b.Currency
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ReleaseHasFunds(_ context.Context, release model.ReleaseID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key := range s.funds {
		if key.ReleaseID == release {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ParticipantReleases(_ context.Context, participant model.Address) ([]model.ReleaseID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[model.ReleaseID]bool)
	var result []model.ReleaseID
	for key, e := range s.funds {
		if key.Participant == participant && e.Amount.Value.IsPositive() && !seen[key.ReleaseID] {
			seen[key.ReleaseID] = true
			result = append(result, key.ReleaseID)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// --- Intents ---

func (s *MemoryStore) CreateIntent(ctx context.Context, intent *model.PurchaseIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[intent.ID]; exists {
		return fmt.Errorf("intent %s: %w", intent.ID, ErrDuplicateKey)
	}
	// Store a copy to avoid external mutation.
	s.intents[intent.ID] = intent.Clone()
	id := intent.ID
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.intents, id)
	})
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (*model.PurchaseIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	c := i.Clone()
	return &c, nil
}

func (s *MemoryStore) UpdateIntent(ctx context.Context, intent *model.PurchaseIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.intents[intent.ID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intent.ID, ErrNotFound)
	}
	s.intents[intent.ID] = intent.Clone()
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.intents[prev.ID] = prev
	})
	return nil
}

// --- Pairs ---

func (s *MemoryStore) SavePair(ctx context.Context, pair model.PairRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.pairs[pair.PairID]
	s.pairs[pair.PairID] = pair
	txn.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.pairs[pair.PairID] = prev
		} else {
			delete(s.pairs, pair.PairID)
		}
	})
	return nil
}

func (s *MemoryStore) ListPairs(_ context.Context) ([]model.PairRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]model.PairRecord, 0, len(s.pairs))
	for _, p := range s.pairs {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].PairID < pairs[j].PairID })
	return pairs, nil
}
