package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/swap"
	"github.com/atmx/settlement-engine/internal/txn"
)

// staticFeed is a configured static price re-stamped periodically so that
// operator-set rates stay fresh until changed through the API.
type staticFeed struct {
	feed     *pricing.Static
	price    decimal.Decimal
	decimals int32
}

// bindPrices builds the configured resolvers, rebinds persisted pairs and
// registers or rebinds every configured pair.
func bindPrices(ctx context.Context, cfg config.Config, registry *pricing.Registry, rdb *redis.Client) ([]staticFeed, error) {
	now := time.Now()
	var feeds []staticFeed
	static := func(name string, price decimal.Decimal, decimals int32) (*pricing.Static, error) {
		s := pricing.NewStatic(name)
		if err := s.Set(price, decimals, now); err != nil {
			return nil, fmt.Errorf("feed %s: %w", name, err)
		}
		feeds = append(feeds, staticFeed{feed: s, price: price, decimals: decimals})
		return s, nil
	}

	byName := make(map[string]pricing.Resolver)
	type binding struct {
		base, quote model.CurrencyCode
		resolver    pricing.Resolver
	}
	var bindings []binding
	for _, p := range cfg.Prices.Pairs {
		base, quote := model.CurrencyCode(p.Base).Normalize(), model.CurrencyCode(p.Quote).Normalize()
		name := pricing.StaticName(base, quote)
		if p.Type == "median" {
			name = fmt.Sprintf("median:%s/%s", base, quote)
		}

		var res pricing.Resolver
		switch p.Type {
		case "median":
			sources := make([]pricing.Resolver, 0, len(p.Feeds))
			for _, f := range p.Feeds {
				s, err := static(name+"#"+f.Name, f.Price, f.Decimals)
				if err != nil {
					return nil, err
				}
				sources = append(sources, s)
			}
			m, err := pricing.NewMedian(name, sources, p.MinFeeds, p.MaxAge.Duration, time.Now)
			if err != nil {
				return nil, err
			}
			res = m
		default:
			s, err := static(name, p.Price, p.Decimals)
			if err != nil {
				return nil, err
			}
			res = s
		}
		if p.Cache && rdb != nil {
			res = pricing.NewCached(res, rdb, cfg.CacheTTL.Duration)
		}
		byName[name] = res
		bindings = append(bindings, binding{base: base, quote: quote, resolver: res})
	}

	missing, err := registry.Restore(ctx, byName)
	if err != nil {
		return nil, fmt.Errorf("restore pairs: %w", err)
	}
	for _, id := range missing {
		slog.Warn("persisted price pair has no configured resolver", "pair", id)
	}

	system := auth.System()
	for _, b := range bindings {
		id := pricing.PairID(b.base, b.quote)
		if registry.PairExistsByID(id) {
			if _, err := registry.ReplaceResolver(ctx, system, id, b.resolver); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := registry.AddPair(ctx, system, b.base, b.quote, b.resolver); err != nil {
			return nil, err
		}
		slog.Info("price pair registered", "pair", id, "base", b.base, "quote", b.quote, "resolver", b.resolver.Name())
	}
	return feeds, nil
}

// refreshFeeds re-stamps configured static prices every interval.
func refreshFeeds(ctx context.Context, feeds []staticFeed, interval time.Duration) {
	if len(feeds) == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, f := range feeds {
				current, err := f.feed.LatestPrice(ctx)
				price, decimals := f.price, f.decimals
				if err == nil {
					// Keep whatever an operator published last.
					price, decimals = current.Price, current.Decimals
				}
				if err := f.feed.Set(price, decimals, now); err != nil {
					slog.Warn("feed refresh failed", "feed", f.feed.Name(), "err", err)
				}
			}
		}
	}
}

// buildVenue creates the local venue and opens the configured pools.
// Providers approve the venue for their seed liquidity first.
func buildVenue(ctx context.Context, cfg config.Config, exec *txn.Executor, accounts *bank.Memory) (*swap.Venue, error) {
	var key [32]byte
	if cfg.Venue.SealKey != "" {
		key = blake3.Sum256([]byte(cfg.Venue.SealKey))
	} else {
		if _, err := rand.Read(key[:]); err != nil {
			return nil, err
		}
		slog.Warn("venue seal_key not set, quotes will not survive a restart")
	}
	sealer, err := swap.NewSealer(key[:])
	if err != nil {
		return nil, err
	}
	hubs := make([]model.CurrencyCode, 0, len(cfg.Venue.Hubs))
	for _, h := range cfg.Venue.Hubs {
		hubs = append(hubs, model.CurrencyCode(h))
	}
	venue, err := swap.NewVenue(swap.VenueConfig{
		Name:     cfg.Venue.Name,
		Account:  model.Address(cfg.Venue.Account),
		Hubs:     hubs,
		QuoteTTL: cfg.Venue.QuoteTTL.Duration,
	}, exec, accounts, sealer)
	if err != nil {
		return nil, err
	}

	admin := auth.System()
	for _, p := range cfg.Venue.Pools {
		provider := model.Address(p.Provider)
		for _, leg := range []struct {
			token  string
			amount decimal.Decimal
		}{{p.TokenA, p.AmountA}, {p.TokenB, p.AmountB}} {
			allowed, _ := accounts.Allowance(ctx, provider, venue.Account(), model.CurrencyCode(leg.token))
			if err := accounts.Approve(ctx, provider, venue.Account(), model.CurrencyCode(leg.token), allowed.Add(leg.amount)); err != nil {
				return nil, err
			}
		}
		if _, err := venue.AddPool(ctx, admin, swap.PoolSpec{
			TokenA:   model.CurrencyCode(strings.ToUpper(p.TokenA)),
			TokenB:   model.CurrencyCode(strings.ToUpper(p.TokenB)),
			AmountA:  p.AmountA,
			AmountB:  p.AmountB,
			FeeBps:   p.FeeBps,
			Provider: provider,
		}); err != nil {
			return nil, fmt.Errorf("pool %s/%s: %w", p.TokenA, p.TokenB, err)
		}
	}
	return venue, nil
}
