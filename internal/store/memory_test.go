package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func credit(release model.ReleaseID, participant model.Address, cur model.CurrencyCode, amount int64) model.FundEntry {
	return model.FundEntry{
		ReleaseID:      release,
		Participant:    participant,
		Buyer:          "buyer",
		Amount:         model.Money{Value: d(amount), Currency: cur},
		PayoutCurrency: cur,
	}
}

func TestMemoryStore_CreditAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.CreditFund(ctx, credit("r1", "alice", "USDC", 100))
	require.NoError(t, err)
	out, err := s.CreditFund(ctx, credit("r1", "alice", "USDC", 250))
	require.NoError(t, err)
	assert.True(t, out.Amount.Value.Equal(d(350)), "got %s", out.Amount.Value)

	_, err = s.CreditFund(ctx, credit("r1", "alice", "EURC", 7))
	require.NoError(t, err)

	funds, err := s.GetFunds(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Len(t, funds, 2)
	assert.Equal(t, model.CurrencyCode("EURC"), funds[0].Amount.Currency)
	assert.Equal(t, model.CurrencyCode("USDC"), funds[1].Amount.Currency)
}

func TestMemoryStore_ListReleaseFundsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, p := range []model.Address{"carol", "alice", "bob"} {
		_, err := s.CreditFund(ctx, credit("r1", p, "USDC", 1))
		require.NoError(t, err)
	}
	_, _ = s.CreditFund(ctx, credit("r2", "dave", "USDC", 1))

	page, err := s.ListReleaseFunds(ctx, "r1", model.FundCursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, model.Address("alice"), page[0].Participant)
	assert.Equal(t, model.Address("bob"), page[1].Participant)

	last := page[1].Key()
	page, err = s.ListReleaseFunds(ctx, "r1", model.FundCursor{Participant: last.Participant, Currency: last.Currency}, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, model.Address("carol"), page[0].Participant)
}

func TestMemoryStore_DeleteFund(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	e, _ := s.CreditFund(ctx, credit("r1", "alice", "USDC", 5))

	require.NoError(t, s.DeleteFund(ctx, e.Key()))
	has, err := s.ReleaseHasFunds(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, has)

	err = s.DeleteFund(ctx, e.Key())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStore_ParticipantReleases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.CreditFund(ctx, credit("r2", "alice", "USDC", 5))
	_, _ = s.CreditFund(ctx, credit("r1", "alice", "USDC", 5))
	_, _ = s.CreditFund(ctx, credit("r1", "alice", "EURC", 5))
	_, _ = s.CreditFund(ctx, credit("r3", "bob", "USDC", 5))

	releases, err := s.ParticipantReleases(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []model.ReleaseID{"r1", "r2"}, releases)
}

func TestMemoryStore_IntentsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	i := &model.PurchaseIntent{ID: "i1", ReleaseID: "r1", TotalUsdCents: 100, RemainingUsdCents: 100,
		Status: model.IntentCreated, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateIntent(ctx, i))
	assert.True(t, errors.Is(s.CreateIntent(ctx, i), ErrDuplicateKey))

	got, err := s.GetIntent(ctx, "i1")
	require.NoError(t, err)
	got.RemainingUsdCents = 0
	got.Executions = append(got.Executions, model.IntentExecution{Token: "USDC", UsdCents: 100})

	again, _ := s.GetIntent(ctx, "i1")
	assert.Equal(t, int64(100), again.RemainingUsdCents)
	assert.Empty(t, again.Executions)

	_, err = s.GetIntent(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.UpdateIntent(ctx, &model.PurchaseIntent{ID: "missing"}), ErrNotFound))
}

func TestMemoryStore_RollbackUndoesWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	existing, _ := s.CreditFund(ctx, credit("r1", "alice", "USDC", 10))
	now := time.Now().UTC()
	require.NoError(t, s.CreateIntent(ctx, &model.PurchaseIntent{ID: "i1", TotalUsdCents: 50, RemainingUsdCents: 50,
		Status: model.IntentCreated, CreatedAt: now, UpdatedAt: now}))

	ex := txn.NewExecutor()
	err := ex.Run(ctx, "rollback", func(ctx context.Context) error {
		if _, err := s.CreditFund(ctx, credit("r1", "alice", "USDC", 5)); err != nil {
			return err
		}
		if _, err := s.CreditFund(ctx, credit("r1", "bob", "USDC", 5)); err != nil {
			return err
		}
		if err := s.DeleteFund(ctx, existing.Key()); err != nil {
			return err
		}
		i, _ := s.GetIntent(ctx, "i1")
		i.RemainingUsdCents = 0
		if err := s.UpdateIntent(ctx, i); err != nil {
			return err
		}
		if err := s.SavePair(ctx, model.PairRecord{PairID: "p1", BaseAsset: "USDC", QuoteAsset: "USD"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	funds, _ := s.GetFunds(ctx, "r1", "alice")
	require.Len(t, funds, 1)
	assert.True(t, funds[0].Amount.Value.Equal(d(10)))

	bob, _ := s.GetFunds(ctx, "r1", "bob")
	assert.Empty(t, bob)

	i, _ := s.GetIntent(ctx, "i1")
	assert.Equal(t, int64(50), i.RemainingUsdCents)

	pairs, _ := s.ListPairs(ctx)
	assert.Empty(t, pairs)
}

func TestMemoryStore_SavePairUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SavePair(ctx, model.PairRecord{PairID: "b", Resolver: "static"}))
	require.NoError(t, s.SavePair(ctx, model.PairRecord{PairID: "a", Resolver: "static"}))
	require.NoError(t, s.SavePair(ctx, model.PairRecord{PairID: "b", Resolver: "median"}))

	pairs, err := s.ListPairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "a", pairs[0].PairID)
	assert.Equal(t, "median", pairs[1].Resolver)
}
