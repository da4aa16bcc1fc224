// Package pricing maps asset pairs to pluggable price resolvers and enforces
// staleness bounds on the data they return.
package pricing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/txn"
)

// PairID derives the deterministic identifier of the ordered (base, quote) pair.
func PairID(base, quote model.CurrencyCode) string {
	sum := blake3.Sum256([]byte(string(base.Normalize()) + "/" + string(quote.Normalize())))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	record   model.PairRecord
	resolver Resolver
}

// Registry owns the pair catalog. Records are persisted through the pair
// store; resolvers live in process and are rebound at startup.
type Registry struct {
	mu     sync.RWMutex
	pairs  map[string]entry
	exec   *txn.Executor
	store  store.PairStore
	events events.Publisher
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPublisher installs the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// NewRegistry creates an empty registry.
func NewRegistry(exec *txn.Executor, st store.PairStore, opts ...Option) *Registry {
	r := &Registry{
		pairs:  make(map[string]entry),
		exec:   exec,
		store:  st,
		events: events.Nop{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddPair registers resolver for (base, quote). A pair that already exists is
// rejected with ErrDuplicatePair; use ReplaceResolver to rebind it.
func (r *Registry) AddPair(ctx context.Context, caller auth.Capability, base, quote model.CurrencyCode, resolver Resolver) (model.PairRecord, error) {
	if err := auth.Require(caller, auth.RoleRegistrar); err != nil {
		return model.PairRecord{}, err
	}
	base, quote = base.Normalize(), quote.Normalize()
	if base == "" || quote == "" || base == quote {
		return model.PairRecord{}, fmt.Errorf("%w: pair %q/%q", model.ErrParam, base, quote)
	}
	if resolver == nil {
		return model.PairRecord{}, fmt.Errorf("%w: resolver required", model.ErrParam)
	}

	var rec model.PairRecord
	err := r.exec.Run(ctx, "pricing.add_pair", func(ctx context.Context) error {
		id := PairID(base, quote)
		if r.PairExistsByID(id) {
			return fmt.Errorf("%w: %s/%s", model.ErrDuplicatePair, base, quote)
		}
		now := r.now()
		rec = model.PairRecord{
			PairID:     id,
			BaseAsset:  base,
			QuoteAsset: quote,
			Resolver:   resolver.Name(),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := r.store.SavePair(ctx, rec); err != nil {
			return fmt.Errorf("persist pair: %w", err)
		}
		r.bind(ctx, entry{record: rec, resolver: resolver})
		return nil
	})
	return rec, err
}

// ReplaceResolver rebinds an existing pair to a new resolver.
func (r *Registry) ReplaceResolver(ctx context.Context, caller auth.Capability, pairID string, resolver Resolver) (model.PairRecord, error) {
	if err := auth.Require(caller, auth.RoleRegistrar); err != nil {
		return model.PairRecord{}, err
	}
	if resolver == nil {
		return model.PairRecord{}, fmt.Errorf("%w: resolver required", model.ErrParam)
	}

	var rec model.PairRecord
	err := r.exec.Run(ctx, "pricing.replace_resolver", func(ctx context.Context) error {
		r.mu.RLock()
		cur, ok := r.pairs[pairID]
		r.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrInvalidPairID, pairID)
		}
		rec = cur.record
		rec.Resolver = resolver.Name()
		rec.UpdatedAt = r.now()
		if err := r.store.SavePair(ctx, rec); err != nil {
			return fmt.Errorf("persist pair: %w", err)
		}
		r.bind(ctx, entry{record: rec, resolver: resolver})
		return nil
	})
	return rec, err
}

// bind installs e and journals the previous binding.
func (r *Registry) bind(ctx context.Context, e entry) {
	r.mu.Lock()
	prev, had := r.pairs[e.record.PairID]
	r.pairs[e.record.PairID] = e
	r.mu.Unlock()

	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if had {
			r.pairs[e.record.PairID] = prev
		} else {
			delete(r.pairs, e.record.PairID)
		}
	})
}

// Restore rebinds persisted pairs to resolvers by name. A static record with
// no configured resolver gets an empty Static feed that reads as stale until a
// price is published. Other unmatched records are reported and skipped.
func (r *Registry) Restore(ctx context.Context, byName map[string]Resolver) ([]string, error) {
	records, err := r.store.ListPairs(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		res, ok := byName[rec.Resolver]
		if !ok && strings.HasPrefix(rec.Resolver, staticPrefix) {
			res, ok = NewStatic(rec.Resolver), true
		}
		if !ok {
			missing = append(missing, rec.PairID)
			continue
		}
		r.pairs[rec.PairID] = entry{record: rec, resolver: res}
	}
	return missing, nil
}

// GetResolver returns the resolver bound to pairID.
func (r *Registry) GetResolver(pairID string) (Resolver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.pairs[pairID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidPairID, pairID)
	}
	return e.resolver, nil
}

// PairExistsByID reports whether pairID is registered.
func (r *Registry) PairExistsByID(pairID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pairs[pairID]
	return ok
}

// GetPrice returns the resolver's latest observation without an age bound.
func (r *Registry) GetPrice(ctx context.Context, pairID string) (model.PriceData, error) {
	res, err := r.GetResolver(pairID)
	if err != nil {
		metrics.PriceLookups.WithLabelValues("unknown_pair").Inc()
		return model.PriceData{}, err
	}
	p, err := res.LatestPrice(ctx)
	if err != nil {
		metrics.PriceLookups.WithLabelValues("error").Inc()
		if errors.Is(err, ErrNoObservation) {
			return model.PriceData{}, fmt.Errorf("%w: %v", model.ErrStalePrice, err)
		}
		return model.PriceData{}, err
	}
	metrics.PriceLookups.WithLabelValues("ok").Inc()
	return p, nil
}

// GetPriceNoOlderThan fails with ErrStalePrice when now - observedAt > maxAge.
// An observation dated in the future is invalid data and is rejected as well.
func (r *Registry) GetPriceNoOlderThan(ctx context.Context, pairID string, maxAge time.Duration) (model.PriceData, error) {
	if maxAge < 0 {
		return model.PriceData{}, fmt.Errorf("%w: negative max age", model.ErrParam)
	}
	p, err := r.GetPrice(ctx, pairID)
	if err != nil {
		return model.PriceData{}, err
	}
	now := r.now()
	if p.ObservedAt.After(now) {
		metrics.PriceLookups.WithLabelValues("stale").Inc()
		return model.PriceData{}, fmt.Errorf("%w: %s observed in the future (%s)",
			model.ErrStalePrice, pairID, p.ObservedAt.Format(time.RFC3339))
	}
	if age := now.Sub(p.ObservedAt); age > maxAge {
		metrics.PriceLookups.WithLabelValues("stale").Inc()
		return model.PriceData{}, fmt.Errorf("%w: %s is %s old, max %s", model.ErrStalePrice, pairID, age, maxAge)
	}
	return p, nil
}

// Price looks up (base, quote) by assets with a staleness bound.
func (r *Registry) Price(ctx context.Context, base, quote model.CurrencyCode, maxAge time.Duration) (model.PriceData, error) {
	return r.GetPriceNoOlderThan(ctx, PairID(base, quote), maxAge)
}

// PublishStatic sets a new observation on a pair bound to a Static resolver,
// directly or behind a price cache. Cached copies are dropped.
func (r *Registry) PublishStatic(ctx context.Context, caller auth.Capability, pairID string, price decimal.Decimal, decimals int32) error {
	if err := auth.Require(caller, auth.RoleRegistrar); err != nil {
		return err
	}
	res, err := r.GetResolver(pairID)
	if err != nil {
		return err
	}
	var caches []*Cached
	inner := res
	for {
		c, ok := inner.(*Cached)
		if !ok {
			break
		}
		caches = append(caches, c)
		inner = c.Unwrap()
	}
	static, ok := inner.(*Static)
	if !ok {
		return fmt.Errorf("%w: pair %s is served by %s, not a static feed", model.ErrNotAllowed, pairID, res.Name())
	}
	if err := static.Set(price, decimals, r.now()); err != nil {
		return err
	}
	for _, c := range caches {
		if err := c.Invalidate(ctx); err != nil {
			slog.Warn("price cache invalidation failed", "pair", pairID, "err", err)
		}
	}
	r.events.Publish(model.Event{
		Type:   model.EventPriceUpdated,
		PairID: pairID,
		Amount: price.String(),
		Detail: fmt.Sprintf("decimals=%d", decimals),
	})
	return nil
}

// GetAssets lists every asset appearing in a registered pair, sorted.
func (r *Registry) GetAssets() []model.CurrencyCode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[model.CurrencyCode]bool)
	var assets []model.CurrencyCode
	for _, e := range r.pairs {
		for _, a := range []model.CurrencyCode{e.record.BaseAsset, e.record.QuoteAsset} {
			if !seen[a] {
				seen[a] = true
				assets = append(assets, a)
			}
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })
	return assets
}

// GetPairs lists every pair ordered by (base, quote).
func (r *Registry) GetPairs() []model.PairRecord {
	return r.filter(func(model.PairRecord) bool { return true })
}

// GetPairsByQuoteAsset lists the pairs quoted in quote.
func (r *Registry) GetPairsByQuoteAsset(quote model.CurrencyCode) []model.PairRecord {
	quote = quote.Normalize()
	return r.filter(func(p model.PairRecord) bool { return p.QuoteAsset == quote })
}

func (r *Registry) filter(keep func(model.PairRecord) bool) []model.PairRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.PairRecord, 0, len(r.pairs))
	for _, e := range r.pairs {
		if keep(e.record) {
			out = append(out, e.record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseAsset != out[j].BaseAsset {
			return out[i].BaseAsset < out[j].BaseAsset
		}
		return out[i].QuoteAsset < out[j].QuoteAsset
	})
	return out
}
