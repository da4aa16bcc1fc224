package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

// setupPostgres starts a PostgreSQL container and applies the embedded
// migrations. Skipped unless INTEGRATION=1.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if os.Getenv("INTEGRATION") != "1" {
		t.Skip("set INTEGRATION=1 to run container-backed tests")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("settlement"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

// setupRedis starts a Redis container. Skipped unless INTEGRATION=1.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("INTEGRATION") != "1" {
		t.Skip("set INTEGRATION=1 to run container-backed tests")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7.0.5",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPostgresStore_Funds(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()

	_, err := s.CreditFund(ctx, credit("r1", "alice", "USDC", 100))
	require.NoError(t, err)
	out, err := s.CreditFund(ctx, credit("r1", "alice", "USDC", 23))
	require.NoError(t, err)
	assert.True(t, out.Amount.Value.Equal(d(123)), "got %s", out.Amount.Value)

	_, err = s.CreditFund(ctx, credit("r1", "bob", "EURC", 4))
	require.NoError(t, err)

	page, err := s.ListReleaseFunds(ctx, "r1", model.FundCursor{}, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, model.Address("alice"), page[0].Participant)

	page, err = s.ListReleaseFunds(ctx, "r1", model.FundCursor{Participant: "alice", Currency: "USDC"}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, model.Address("bob"), page[0].Participant)

	releases, err := s.ParticipantReleases(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []model.ReleaseID{"r1"}, releases)

	require.NoError(t, s.DeleteFund(ctx, out.Key()))
	assert.True(t, errors.Is(s.DeleteFund(ctx, out.Key()), ErrNotFound))
}

func TestPostgresStore_UnitRollsBack(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	ex := txn.NewExecutor()

	err := ex.Run(ctx, "abort", func(ctx context.Context) error {
		if _, err := s.CreditFund(ctx, credit("r9", "alice", "USDC", 5)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	has, err := s.ReleaseHasFunds(ctx, "r9")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, ex.Run(ctx, "commit", func(ctx context.Context) error {
		_, err := s.CreditFund(ctx, credit("r9", "alice", "USDC", 5))
		return err
	}))
	has, err = s.ReleaseHasFunds(ctx, "r9")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPostgresStore_Intents(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	i := &model.PurchaseIntent{ID: "i1", ReleaseID: "r1", TotalUsdCents: 10_000, RemainingUsdCents: 10_000,
		Status: model.IntentCreated, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateIntent(ctx, i))
	assert.True(t, errors.Is(s.CreateIntent(ctx, i), ErrDuplicateKey))

	i.RemainingUsdCents = 0
	i.Status = model.IntentSettled
	i.Executions = []model.IntentExecution{{Token: "USDC", TokenAmount: d(42_000000), UsdCents: 10_000, ExecutedAt: now}}
	i.ActualUsdCents = 9_500
	i.Refund = &model.Money{Value: d(2_100000), Currency: "USDC"}
	require.NoError(t, s.UpdateIntent(ctx, i))

	got, err := s.GetIntent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, model.IntentSettled, got.Status)
	require.Len(t, got.Executions, 1)
	assert.True(t, got.Executions[0].TokenAmount.Equal(d(42_000000)))
	require.NotNil(t, got.Refund)
	assert.True(t, got.Refund.Value.Equal(d(2_100000)))

	_, err = s.GetIntent(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)

	has, err := s.ReleaseHasFunds(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.CreditFund(ctx, credit("r1", "alice", "USDC", 1))
	require.NoError(t, err)
	has, err = s.ReleaseHasFunds(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, has)

	now := time.Now().UTC()
	i := &model.PurchaseIntent{ID: "i1", TotalUsdCents: 10, RemainingUsdCents: 10,
		Status: model.IntentCreated, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateIntent(ctx, i))
	got, err := s.GetIntent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.RemainingUsdCents)

	i.RemainingUsdCents = 0
	require.NoError(t, s.UpdateIntent(ctx, i))
	got, err = s.GetIntent(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RemainingUsdCents)
}
