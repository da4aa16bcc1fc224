package pricing

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atmx/settlement-engine/internal/model"
)

func TestStatic(t *testing.T) {
	s := NewStatic("feed")
	_, err := s.LatestPrice(context.Background())
	assert.True(t, errors.Is(err, ErrNoObservation))

	require.NoError(t, s.Set(decimal.NewFromInt(150), 2, t0))
	p, err := s.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Value().Equal(decimal.RequireFromString("1.5")))

	assert.Error(t, s.Set(decimal.NewFromInt(-1), 2, t0))
	assert.Error(t, s.Set(decimal.NewFromInt(1), -1, t0))
}

func TestMedian(t *testing.T) {
	now := func() time.Time { return t0 }

	tests := []struct {
		name      string
		sources   []Resolver
		minFeeds  int
		wantPrice string
		wantErr   error
	}{
		{
			name: "odd count",
			sources: []Resolver{
				staticAt(t, "a", 100, 2, t0),
				staticAt(t, "b", 300, 2, t0),
				staticAt(t, "c", 200, 2, t0),
			},
			minFeeds:  2,
			wantPrice: "2",
		},
		{
			name: "even count is averaged",
			sources: []Resolver{
				staticAt(t, "a", 101, 2, t0),
				staticAt(t, "b", 100, 2, t0),
			},
			wantPrice: "1.005",
		},
		{
			name: "mixed precision",
			sources: []Resolver{
				staticAt(t, "a", 2, 0, t0),
				staticAt(t, "b", 1_500000, 6, t0),
				staticAt(t, "c", 1_000, 3, t0),
			},
			wantPrice: "1.5",
		},
		{
			name: "future and expired samples dropped",
			sources: []Resolver{
				staticAt(t, "future", 900, 2, t0.Add(time.Minute)),
				staticAt(t, "expired", 800, 2, t0.Add(-time.Hour)),
				staticAt(t, "fresh", 100, 2, t0.Add(-time.Second)),
				NewStatic("empty"),
			},
			minFeeds:  1,
			wantPrice: "1",
		},
		{
			name: "too few feeds",
			sources: []Resolver{
				staticAt(t, "a", 100, 2, t0),
				staticAt(t, "expired", 800, 2, t0.Add(-time.Hour)),
			},
			minFeeds: 2,
			wantErr:  model.ErrStalePrice,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMedian("median", tt.sources, tt.minFeeds, 5*time.Minute, now)
			require.NoError(t, err)
			p, err := m.LatestPrice(context.Background())
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.True(t, p.Value().Equal(decimal.RequireFromString(tt.wantPrice)), "got %s", p.Value())
		})
	}
}

func TestMedian_ReportsOldestTimestamp(t *testing.T) {
	older := t0.Add(-2 * time.Minute)
	m, err := NewMedian("median", []Resolver{
		staticAt(t, "a", 100, 2, older),
		staticAt(t, "b", 100, 2, t0),
	}, 2, time.Hour, func() time.Time { return t0 })
	require.NoError(t, err)
	p, err := m.LatestPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, older, p.ObservedAt)
}

func TestNewMedian_Validation(t *testing.T) {
	_, err := NewMedian("m", nil, 1, 0, nil)
	assert.True(t, errors.Is(err, model.ErrParam))
	_, err = NewMedian("m", []Resolver{NewStatic("a")}, 2, 0, nil)
	assert.True(t, errors.Is(err, model.ErrParam))
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

// unreachableRedis returns a client pointed at a closed local port.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCached_HitAndMiss(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	inner := staticAt(t, "znhb-usd", 250, 2, t0)
	c := NewCached(inner, rdb, time.Minute)
	require.NoError(t, c.Invalidate(ctx))

	// Miss reads through and fills the entry.
	p, err := c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(250)))
	ttl, err := rdb.TTL(ctx, "settlement:price:znhb-usd").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// Hit serves the entry even though upstream moved.
	require.NoError(t, inner.Set(decimal.NewFromInt(300), 2, t0))
	p, err = c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(250)))
	assert.True(t, p.ObservedAt.Equal(t0))

	require.NoError(t, c.Invalidate(ctx))
	p, err = c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(300)))
}

func TestCached_MissDoesNotCacheErrors(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	inner := NewStatic("empty-feed")
	c := NewCached(inner, rdb, time.Minute)
	require.NoError(t, c.Invalidate(ctx))

	_, err := c.LatestPrice(ctx)
	assert.True(t, errors.Is(err, ErrNoObservation))
	n, err := rdb.Exists(ctx, "settlement:price:empty-feed").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCached_RedisDownFallsThrough(t *testing.T) {
	ctx := context.Background()
	inner := staticAt(t, "eurc-usd", 108, 2, t0)
	c := NewCached(inner, unreachableRedis(t), time.Minute)

	p, err := c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(108)))

	require.NoError(t, inner.Set(decimal.NewFromInt(110), 2, t0))
	p, err = c.LatestPrice(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(110)))

	assert.Same(t, inner, c.Unwrap())
	assert.Equal(t, "eurc-usd", c.Name())
}
