package swap

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

// Pool is one constant-product liquidity pool.
type Pool struct {
	ID       string             `json:"id"`
	TokenA   model.CurrencyCode `json:"token_a"`
	TokenB   model.CurrencyCode `json:"token_b"`
	ReserveA decimal.Decimal    `json:"reserve_a"`
	ReserveB decimal.Decimal    `json:"reserve_b"`
	FeeBps   uint32             `json:"fee_bps"`
}

// side orients the pool for a swap paying in token.
func (p *Pool) side(in model.CurrencyCode) (reserveIn, reserveOut decimal.Decimal, out model.CurrencyCode, ok bool) {
	switch in {
	case p.TokenA:
		return p.ReserveA, p.ReserveB, p.TokenB, true
	case p.TokenB:
		return p.ReserveB, p.ReserveA, p.TokenA, true
	}
	return decimal.Zero, decimal.Zero, "", false
}

func (p *Pool) connects(a, b model.CurrencyCode) bool {
	return (p.TokenA == a && p.TokenB == b) || (p.TokenA == b && p.TokenB == a)
}

// PoolSpec describes a pool to open. Liquidity is pulled from Provider, which
// must have approved the venue account for both amounts.
type PoolSpec struct {
	ID       string             `json:"id,omitempty"`
	TokenA   model.CurrencyCode `json:"token_a"`
	TokenB   model.CurrencyCode `json:"token_b"`
	AmountA  decimal.Decimal    `json:"amount_a"`
	AmountB  decimal.Decimal    `json:"amount_b"`
	FeeBps   uint32             `json:"fee_bps"`
	Provider model.Address      `json:"provider"`
}

// VenueConfig configures a Venue.
type VenueConfig struct {
	Name     string
	Account  model.Address        // holds every pool's reserves
	Hubs     []model.CurrencyCode // intermediate currencies for two-hop routes
	QuoteTTL time.Duration
}

// Venue is an in-process constant-product AMM implementing Adapter.
// Reserve changes made inside a txn unit are undone if the unit fails.
type Venue struct {
	name    string
	account model.Address
	hubs    []model.CurrencyCode
	ttl     time.Duration

	mu    sync.RWMutex
	pools map[string]*Pool

	exec   *txn.Executor
	bank   bank.Accounts
	sealer *Sealer
	now    func() time.Time
	tracer trace.Tracer
}

// NewVenue creates an empty venue.
func NewVenue(cfg VenueConfig, exec *txn.Executor, accounts bank.Accounts, sealer *Sealer) (*Venue, error) {
	if cfg.Name == "" || cfg.Account == "" {
		return nil, fmt.Errorf("%w: venue name and account required", model.ErrParam)
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 2 * time.Minute
	}
	hubs := make([]model.CurrencyCode, 0, len(cfg.Hubs))
	for _, h := range cfg.Hubs {
		hubs = append(hubs, h.Normalize())
	}
	return &Venue{
		name:    cfg.Name,
		account: cfg.Account,
		hubs:    hubs,
		ttl:     cfg.QuoteTTL,
		pools:   make(map[string]*Pool),
		exec:    exec,
		bank:    accounts,
		sealer:  sealer,
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer("settlement/swap"),
	}, nil
}

// WithClock overrides the clock used for quote expiry.
func (v *Venue) WithClock(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Name identifies the venue in routes and quote tokens.
func (v *Venue) Name() string { return v.name }

// Account is the address holding the venue's reserves. Payers approve it.
func (v *Venue) Account() model.Address { return v.account }

// --- Admin ---

// AddPool opens a pool funded by spec.Provider.
func (v *Venue) AddPool(ctx context.Context, caller auth.Capability, spec PoolSpec) (Pool, error) {
	if err := auth.Require(caller, auth.RoleVenueAdmin); err != nil {
		return Pool{}, err
	}
	a, b := spec.TokenA.Normalize(), spec.TokenB.Normalize()
	switch {
	case a == "" || b == "" || a == b:
		return Pool{}, fmt.Errorf("%w: pool tokens %q/%q", model.ErrParam, a, b)
	case !spec.AmountA.IsPositive() || !spec.AmountB.IsPositive():
		return Pool{}, fmt.Errorf("%w: pool liquidity must be positive", model.ErrParam)
	case spec.FeeBps >= model.BpsDenominator:
		return Pool{}, fmt.Errorf("%w: fee %d bps", model.ErrParam, spec.FeeBps)
	case spec.Provider == "":
		return Pool{}, fmt.Errorf("%w: liquidity provider required", model.ErrParam)
	}
	id := spec.ID
	if id == "" {
		lo, hi := a, b
		if hi < lo {
			lo, hi = hi, lo
		}
		id = fmt.Sprintf("%s-%s-%d", lo, hi, spec.FeeBps)
	}

	var pool Pool
	err := v.exec.Run(ctx, "swap.add_pool", func(ctx context.Context) error {
		v.mu.Lock()
		defer v.mu.Unlock()
		if _, exists := v.pools[id]; exists {
			return fmt.Errorf("%w: pool %s exists", model.ErrParam, id)
		}
		if err := v.bank.TransferFrom(ctx, v.account, spec.Provider, v.account, a, spec.AmountA); err != nil {
			return fmt.Errorf("fund pool %s: %w", id, err)
		}
		if err := v.bank.TransferFrom(ctx, v.account, spec.Provider, v.account, b, spec.AmountB); err != nil {
			return fmt.Errorf("fund pool %s: %w", id, err)
		}
		p := &Pool{ID: id, TokenA: a, TokenB: b, ReserveA: spec.AmountA, ReserveB: spec.AmountB, FeeBps: spec.FeeBps}
		v.pools[id] = p
		txn.OnRollback(ctx, func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.pools, id)
			metrics.VenuePools.Set(float64(len(v.pools)))
		})
		metrics.VenuePools.Set(float64(len(v.pools)))
		pool = *p
		return nil
	})
	if err == nil {
		slog.Info("pool added", "venue", v.name, "pool", id, "fee_bps", spec.FeeBps)
	}
	return pool, err
}

// RemovePool closes a pool and pays its reserves to recipient. Quotes that
// route through it stop resolving.
func (v *Venue) RemovePool(ctx context.Context, caller auth.Capability, id string, recipient model.Address) error {
	if err := auth.Require(caller, auth.RoleVenueAdmin); err != nil {
		return err
	}
	if recipient == "" {
		return fmt.Errorf("%w: recipient required", model.ErrParam)
	}
	return v.exec.Run(ctx, "swap.remove_pool", func(ctx context.Context) error {
		v.mu.Lock()
		defer v.mu.Unlock()
		p, ok := v.pools[id]
		if !ok {
			return fmt.Errorf("%w: pool %s", model.ErrParam, id)
		}
		for _, leg := range []struct {
			token  model.CurrencyCode
			amount decimal.Decimal
		}{{p.TokenA, p.ReserveA}, {p.TokenB, p.ReserveB}} {
			if leg.amount.IsPositive() {
				if err := v.bank.Transfer(ctx, v.account, recipient, leg.token, leg.amount); err != nil {
					return err
				}
			}
		}
		delete(v.pools, id)
		txn.OnRollback(ctx, func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			v.pools[id] = p
			metrics.VenuePools.Set(float64(len(v.pools)))
		})
		metrics.VenuePools.Set(float64(len(v.pools)))
		return nil
	})
}

// Pools lists the venue's pools ordered by id.
func (v *Venue) Pools() []Pool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Pool, 0, len(v.pools))
	for _, p := range v.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- Routing ---

type candidate struct {
	path  []model.CurrencyCode
	pools []string
}

// candidatesLocked enumerates direct routes and two-hop routes via hubs.
func (v *Venue) candidatesLocked(source, target model.CurrencyCode) []candidate {
	between := func(a, b model.CurrencyCode) []string {
		var ids []string
		for id, p := range v.pools {
			if p.connects(a, b) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids
	}

	var out []candidate
	for _, id := range between(source, target) {
		out = append(out, candidate{path: []model.CurrencyCode{source, target}, pools: []string{id}})
	}
	for _, hub := range v.hubs {
		if hub == source || hub == target {
			continue
		}
		for _, first := range between(source, hub) {
			for _, second := range between(hub, target) {
				out = append(out, candidate{
					path:  []model.CurrencyCode{source, hub, target},
					pools: []string{first, second},
				})
			}
		}
	}
	return out
}

// exactInLocked walks c forward with amount. ok is false if any hop fails.
func (v *Venue) exactInLocked(c candidate, amount decimal.Decimal) (hops []model.Hop, out decimal.Decimal, ok bool) {
	if len(c.pools) != len(c.path)-1 {
		return nil, decimal.Zero, false
	}
	out = amount
	for i, id := range c.pools {
		p, exists := v.pools[id]
		if !exists || !p.connects(c.path[i], c.path[i+1]) {
			return nil, decimal.Zero, false
		}
		rin, rout, _, _ := p.side(c.path[i])
		next, valid := amountOut(out, rin, rout, p.FeeBps)
		if !valid {
			return nil, decimal.Zero, false
		}
		hops = append(hops, model.Hop{
			Pool:           id,
			TokenIn:        c.path[i],
			TokenOut:       c.path[i+1],
			FeeBps:         p.FeeBps,
			AmountIn:       out,
			AmountOut:      next,
			TheoreticalOut: spotOut(out, rin, rout, p.FeeBps),
		})
		out = next
	}
	return hops, out, true
}

// exactOutLocked walks c backward from the desired output.
func (v *Venue) exactOutLocked(c candidate, amount decimal.Decimal) (hops []model.Hop, in decimal.Decimal, ok bool) {
	if len(c.pools) != len(c.path)-1 {
		return nil, decimal.Zero, false
	}
	hops = make([]model.Hop, len(c.pools))
	in = amount
	for i := len(c.pools) - 1; i >= 0; i-- {
		id := c.pools[i]
		p, exists := v.pools[id]
		if !exists || !p.connects(c.path[i], c.path[i+1]) {
			return nil, decimal.Zero, false
		}
		rin, rout, _, _ := p.side(c.path[i])
		need, valid := amountIn(in, rin, rout, p.FeeBps)
		if !valid {
			return nil, decimal.Zero, false
		}
		hops[i] = model.Hop{
			Pool:           id,
			TokenIn:        c.path[i],
			TokenOut:       c.path[i+1],
			FeeBps:         p.FeeBps,
			AmountIn:       need,
			AmountOut:      in,
			TheoreticalOut: spotOut(need, rin, rout, p.FeeBps),
		}
		in = need
	}
	return hops, in, true
}

func (v *Venue) route(path []model.CurrencyCode, hops []model.Hop) model.QuoteRoute {
	return model.QuoteRoute{Venue: v.name, Path: append([]model.CurrencyCode(nil), path...), Hops: hops}
}

// --- Quotes ---

func (v *Venue) QuoteSwapOut(ctx context.Context, req QuoteOutRequest) (model.SwapOutQuote, error) {
	source, target := req.Source.Normalize(), req.Target.Normalize()
	if source == "" || target == "" || !req.SourceAmount.IsPositive() {
		return model.SwapOutQuote{}, fmt.Errorf("%w: quote requires currencies and a positive amount", model.ErrParam)
	}

	var q model.SwapOutQuote
	err := v.exec.Run(ctx, "swap.quote_out", func(ctx context.Context) error {
		best := candidate{path: []model.CurrencyCode{source}}
		var hops []model.Hop
		out := req.SourceAmount
		if source != target {
			v.mu.RLock()
			found := false
			for _, c := range v.candidatesLocked(source, target) {
				h, o, ok := v.exactInLocked(c, req.SourceAmount)
				if ok && (!found || o.GreaterThan(out)) {
					best, hops, out, found = c, h, o, true
				}
			}
			v.mu.RUnlock()
			if !found {
				q = model.SwapOutQuote{ValidRoute: false}
				return nil
			}
		}
		data, err := v.sealer.Seal(QuoteToken{
			Venue: v.name, Kind: KindExactIn, Source: source, Target: target,
			Amount: req.SourceAmount, Quoted: out, Path: best.path, Pools: best.pools,
			IssuedAt: v.now(),
		})
		if err != nil {
			return err
		}
		q = model.SwapOutQuote{TargetAmountOut: out, QuoteData: data, Route: v.route(best.path, hops), ValidRoute: true}
		return nil
	})
	return q, err
}

func (v *Venue) QuoteSwapIn(ctx context.Context, req QuoteInRequest) (model.SwapInQuote, error) {
	source, target := req.Source.Normalize(), req.Target.Normalize()
	if source == "" || target == "" || !req.TargetAmount.IsPositive() {
		return model.SwapInQuote{}, fmt.Errorf("%w: quote requires currencies and a positive amount", model.ErrParam)
	}

	var q model.SwapInQuote
	err := v.exec.Run(ctx, "swap.quote_in", func(ctx context.Context) error {
		best := candidate{path: []model.CurrencyCode{source}}
		var hops []model.Hop
		in := req.TargetAmount
		if source != target {
			v.mu.RLock()
			found := false
			for _, c := range v.candidatesLocked(source, target) {
				h, need, ok := v.exactOutLocked(c, req.TargetAmount)
				if ok && (!found || need.LessThan(in)) {
					best, hops, in, found = c, h, need, true
				}
			}
			v.mu.RUnlock()
			if !found {
				q = model.SwapInQuote{ValidRoute: false}
				return nil
			}
		}
		data, err := v.sealer.Seal(QuoteToken{
			Venue: v.name, Kind: KindExactOut, Source: source, Target: target,
			Amount: req.TargetAmount, Quoted: in, Path: best.path, Pools: best.pools,
			IssuedAt: v.now(),
		})
		if err != nil {
			return err
		}
		q = model.SwapInQuote{SourceRequired: in, QuoteData: data, Route: v.route(best.path, hops), ValidRoute: true}
		return nil
	})
	return q, err
}

// --- Execution ---

// open validates quoteData against the request it is being used for.
func (v *Venue) open(data string, kind Kind, source, target model.CurrencyCode, amount decimal.Decimal) (QuoteToken, error) {
	if data == "" {
		return QuoteToken{}, fmt.Errorf("%w: quote data required", model.ErrParam)
	}
	tok, err := v.sealer.Open(data)
	if err != nil {
		return QuoteToken{}, err
	}
	if tok.Venue != v.name || tok.Kind != kind || tok.Source != source || tok.Target != target || !tok.Amount.Equal(amount) {
		return QuoteToken{}, fmt.Errorf("%w: quote token was issued for a different request", model.ErrParam)
	}
	if v.now().Sub(tok.IssuedAt) > v.ttl {
		return QuoteToken{}, fmt.Errorf("%w: quote issued %s expired", model.ErrRouteInvalid, tok.IssuedAt.Format(time.RFC3339))
	}
	return tok, nil
}

// applyLocked moves reserves along hops and journals the previous state.
func (v *Venue) applyLocked(ctx context.Context, hops []model.Hop) {
	for _, h := range hops {
		p := v.pools[h.Pool]
		prev := *p
		if p.TokenA == h.TokenIn {
			p.ReserveA = p.ReserveA.Add(h.AmountIn)
			p.ReserveB = p.ReserveB.Sub(h.AmountOut)
		} else {
			p.ReserveB = p.ReserveB.Add(h.AmountIn)
			p.ReserveA = p.ReserveA.Sub(h.AmountOut)
		}
		txn.OnRollback(ctx, func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			if cur, ok := v.pools[prev.ID]; ok {
				*cur = prev
			}
		})
	}
}

// settle pulls amountIn from payer and pays amountOut to recipient.
func (v *Venue) settle(ctx context.Context, payer, recipient model.Address, source, target model.CurrencyCode, in, out decimal.Decimal, direct bool) error {
	if direct {
		return v.bank.TransferFrom(ctx, v.account, payer, recipient, source, in)
	}
	if err := v.bank.TransferFrom(ctx, v.account, payer, v.account, source, in); err != nil {
		return fmt.Errorf("collect %s: %w", source, err)
	}
	if err := v.bank.Transfer(ctx, v.account, recipient, target, out); err != nil {
		return fmt.Errorf("deliver %s: %w", target, err)
	}
	return nil
}

func (v *Venue) SwapOut(ctx context.Context, req SwapOutRequest) (decimal.Decimal, error) {
	ctx, span := v.tracer.Start(ctx, "swap.swap_out", trace.WithAttributes(
		attribute.String("swap.source", string(req.Source)),
		attribute.String("swap.target", string(req.Target)),
		attribute.String("swap.amount_in", req.SourceAmount.String()),
	))
	defer span.End()
	start := time.Now()

	source, target := req.Source.Normalize(), req.Target.Normalize()
	var received decimal.Decimal
	err := v.exec.Run(ctx, "swap.swap_out", func(ctx context.Context) error {
		if !req.SourceAmount.IsPositive() || req.MinTargetAmount.IsNegative() || req.Payer == "" || req.Recipient == "" {
			return fmt.Errorf("%w: swap requires positive amount, payer and recipient", model.ErrParam)
		}
		tok, err := v.open(req.QuoteData, KindExactIn, source, target, req.SourceAmount)
		if err != nil {
			return err
		}

		v.mu.Lock()
		defer v.mu.Unlock()

		out := req.SourceAmount
		var hops []model.Hop
		if len(tok.Pools) > 0 {
			var ok bool
			hops, out, ok = v.exactInLocked(candidate{path: tok.Path, pools: tok.Pools}, req.SourceAmount)
			if !ok {
				return fmt.Errorf("%w: route %v no longer resolves", model.ErrRouteInvalid, tok.Pools)
			}
		} else if source != target {
			return fmt.Errorf("%w: empty route for %s->%s", model.ErrRouteInvalid, source, target)
		}
		if out.LessThan(req.MinTargetAmount) {
			metrics.SlippageRejections.WithLabelValues(string(KindExactIn)).Inc()
			return fmt.Errorf("%w: would receive %s %s, minimum %s", model.ErrSlippageExceeded, out, target, req.MinTargetAmount)
		}
		if err := v.settle(ctx, req.Payer, req.Recipient, source, target, req.SourceAmount, out, len(hops) == 0); err != nil {
			return err
		}
		v.applyLocked(ctx, hops)
		received = out
		return nil
	})
	metrics.SwapLatency.WithLabelValues(string(KindExactIn)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return decimal.Zero, err
	}
	metrics.Conversions.WithLabelValues(string(KindExactIn), string(source), string(target)).Inc()
	span.SetAttributes(attribute.String("swap.amount_out", received.String()))
	span.SetStatus(codes.Ok, "swapped")
	return received, nil
}

func (v *Venue) SwapIn(ctx context.Context, req SwapInRequest) (decimal.Decimal, error) {
	ctx, span := v.tracer.Start(ctx, "swap.swap_in", trace.WithAttributes(
		attribute.String("swap.source", string(req.Source)),
		attribute.String("swap.target", string(req.Target)),
		attribute.String("swap.amount_out", req.TargetAmount.String()),
	))
	defer span.End()
	start := time.Now()

	source, target := req.Source.Normalize(), req.Target.Normalize()
	var spent decimal.Decimal
	err := v.exec.Run(ctx, "swap.swap_in", func(ctx context.Context) error {
		if !req.TargetAmount.IsPositive() || !req.MaxSourceSpend.IsPositive() || req.Payer == "" || req.Recipient == "" {
			return fmt.Errorf("%w: swap requires positive amounts, payer and recipient", model.ErrParam)
		}
		tok, err := v.open(req.QuoteData, KindExactOut, source, target, req.TargetAmount)
		if err != nil {
			return err
		}

		v.mu.Lock()
		defer v.mu.Unlock()

		in := req.TargetAmount
		var hops []model.Hop
		if len(tok.Pools) > 0 {
			var ok bool
			hops, in, ok = v.exactOutLocked(candidate{path: tok.Path, pools: tok.Pools}, req.TargetAmount)
			if !ok {
				return fmt.Errorf("%w: route %v no longer resolves", model.ErrRouteInvalid, tok.Pools)
			}
		} else if source != target {
			return fmt.Errorf("%w: empty route for %s->%s", model.ErrRouteInvalid, source, target)
		}
		if in.GreaterThan(req.MaxSourceSpend) {
			metrics.SlippageRejections.WithLabelValues(string(KindExactOut)).Inc()
			return fmt.Errorf("%w: requires %s %s, maximum %s", model.ErrSlippageExceeded, in, source, req.MaxSourceSpend)
		}
		if err := v.settle(ctx, req.Payer, req.Recipient, source, target, in, req.TargetAmount, len(hops) == 0); err != nil {
			return err
		}
		v.applyLocked(ctx, hops)
		spent = in
		return nil
	})
	metrics.SwapLatency.WithLabelValues(string(KindExactOut)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return decimal.Zero, err
	}
	metrics.Conversions.WithLabelValues(string(KindExactOut), string(source), string(target)).Inc()
	span.SetAttributes(attribute.String("swap.amount_in", spent.String()))
	span.SetStatus(codes.Ok, "swapped")
	return spent, nil
}
