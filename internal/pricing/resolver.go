package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Resolver produces the latest price observation for one pair.
type Resolver interface {
	Name() string
	LatestPrice(ctx context.Context) (model.PriceData, error)
}

// ErrNoObservation is returned by a resolver that has nothing to report yet.
var ErrNoObservation = errors.New("pricing: no observation")

// Static holds a manually published price. It is the feed used for
// development, tests and operator-set rates.
type Static struct {
	name string
	mu   sync.RWMutex
	data model.PriceData
	set  bool
}

// staticPrefix marks resolver names owned by Static feeds.
const staticPrefix = "static:"

// StaticName is the resolver name of the static feed for (base, quote).
func StaticName(base, quote model.CurrencyCode) string {
	return fmt.Sprintf("%s%s/%s", staticPrefix, base.Normalize(), quote.Normalize())
}

// NewStatic creates an empty static resolver.
func NewStatic(name string) *Static {
	return &Static{name: name}
}

func (s *Static) Name() string { return s.name }

// Set publishes a new observation.
func (s *Static) Set(price decimal.Decimal, decimals int32, observedAt time.Time) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", model.ErrParam)
	}
	if decimals < 0 {
		return fmt.Errorf("%w: negative decimals", model.ErrParam)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = model.PriceData{Price: price, Decimals: decimals, ObservedAt: observedAt.UTC()}
	s.set = true
	return nil
}

func (s *Static) LatestPrice(context.Context) (model.PriceData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return model.PriceData{}, fmt.Errorf("%s: %w", s.name, ErrNoObservation)
	}
	return s.data, nil
}

// Median aggregates several feeds: it drops failed, non-positive, future-dated
// and expired samples, requires at least minFeeds survivors and reports their
// median. The result carries the oldest surviving timestamp.
type Median struct {
	name     string
	sources  []Resolver
	minFeeds int
	maxAge   time.Duration
	now      func() time.Time
}

// NewMedian builds a median resolver. maxAge <= 0 disables the per-sample age
// filter; minFeeds <= 0 means one.
func NewMedian(name string, sources []Resolver, minFeeds int, maxAge time.Duration, now func() time.Time) (*Median, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: at least one source required", model.ErrParam)
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	if minFeeds > len(sources) {
		return nil, fmt.Errorf("%w: min feeds %d exceeds %d sources", model.ErrParam, minFeeds, len(sources))
	}
	if now == nil {
		now = time.Now
	}
	return &Median{
		name:     name,
		sources:  append([]Resolver{}, sources...),
		minFeeds: minFeeds,
		maxAge:   maxAge,
		now:      now,
	}, nil
}

func (m *Median) Name() string { return m.name }

func (m *Median) LatestPrice(ctx context.Context) (model.PriceData, error) {
	now := m.now()
	samples := make([]model.PriceData, 0, len(m.sources))
	for _, src := range m.sources {
		p, err := src.LatestPrice(ctx)
		if err != nil {
			slog.Warn("price source failed", "resolver", m.name, "source", src.Name(), "err", err)
			continue
		}
		if !p.Price.IsPositive() {
			slog.Warn("price source returned invalid price", "resolver", m.name, "source", src.Name())
			continue
		}
		if p.ObservedAt.After(now) {
			slog.Warn("price source produced future timestamp", "resolver", m.name, "source", src.Name())
			continue
		}
		if m.maxAge > 0 && now.Sub(p.ObservedAt) > m.maxAge {
			continue
		}
		samples = append(samples, p)
	}
	if len(samples) < m.minFeeds {
		return model.PriceData{}, fmt.Errorf("%w: %s has %d usable feeds, needs %d",
			model.ErrStalePrice, m.name, len(samples), m.minFeeds)
	}
	return median(samples), nil
}

// median rescales samples to a common precision and returns their median.
// An even count averages the middle pair, adding one decimal when needed so
// the result stays exact.
func median(samples []model.PriceData) model.PriceData {
	var decimals int32
	oldest := samples[0].ObservedAt
	for _, s := range samples {
		if s.Decimals > decimals {
			decimals = s.Decimals
		}
		if s.ObservedAt.Before(oldest) {
			oldest = s.ObservedAt
		}
	}
	values := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		values[i] = s.Price.Shift(decimals - s.Decimals)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	mid := len(values) / 2
	price := values[mid]
	if len(values)%2 == 0 {
		sum := values[mid-1].Add(values[mid])
		if sum.Mod(decimal.NewFromInt(2)).IsZero() {
			price = sum.Div(decimal.NewFromInt(2))
		} else {
			price = sum.Mul(decimal.NewFromInt(5))
			decimals++
		}
	}
	return model.PriceData{Price: price, Decimals: decimals, ObservedAt: oldest}
}

// Cached fronts another resolver with a Redis entry so many readers share one
// upstream fetch per TTL. Redis failures fall through to the inner resolver.
type Cached struct {
	inner  Resolver
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCached wraps inner with a Redis read-through cache.
func NewCached(inner Resolver, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{inner: inner, rdb: rdb, ttl: ttl, prefix: "settlement:price:"}
}

func (c *Cached) Name() string { return c.inner.Name() }

// Unwrap returns the resolver behind the cache.
func (c *Cached) Unwrap() Resolver { return c.inner }

// Invalidate drops the cached observation so the next read goes upstream.
func (c *Cached) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, c.key()).Err()
}

func (c *Cached) key() string { return c.prefix + c.inner.Name() }

func (c *Cached) LatestPrice(ctx context.Context) (model.PriceData, error) {
	key := c.key()
	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p model.PriceData
		if json.Unmarshal(data, &p) == nil {
			return p, nil
		}
	case !errors.Is(err, redis.Nil):
		slog.Warn("price cache unavailable", "resolver", c.inner.Name(), "err", err)
		return c.inner.LatestPrice(ctx)
	}

	p, err := c.inner.LatestPrice(ctx)
	if err != nil {
		return model.PriceData{}, err
	}
	if data, err := json.Marshal(p); err == nil {
		c.rdb.Set(ctx, key, data, c.ttl)
	}
	return p, nil
}
