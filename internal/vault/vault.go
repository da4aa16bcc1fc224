// Package vault funds treasury purchases of releases. Intents are sized in USD
// cents; each execution picks the accepted currency that covers the purchase
// most cheaply, converts it into the settlement currency and records the value
// consumed. Settlement reconciles what was actually spent and takes back any
// unspent value as a refund.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/swap"
	"github.com/atmx/settlement-engine/internal/txn"
)

const (
	DefaultMaxPriceAge          = 5 * time.Minute
	DefaultDeviationBps  uint32 = 500
	DefaultSlippageBps   uint32 = 100
)

var (
	hundred = decimal.NewFromInt(100)
	bpsDen  = decimal.NewFromInt(model.BpsDenominator)
)

// PriceSource answers staleness-bounded price lookups. *pricing.Registry
// satisfies it.
type PriceSource interface {
	Price(ctx context.Context, base, quote model.CurrencyCode, maxAge time.Duration) (model.PriceData, error)
}

// Config configures a Vault.
type Config struct {
	// Treasury funds executions and receives refunds.
	Treasury model.Address
	// PaymentSink receives the settlement currency paid for releases.
	PaymentSink model.Address
	// SwapSpender is approved by the treasury to pull conversion input.
	SwapSpender model.Address
	// Settlement is the currency releases are priced in.
	Settlement model.Currency
	// Accepted lists the currencies the treasury may spend. Each needs a
	// (code, USD) price pair. The settlement currency is always accepted.
	Accepted    []model.Currency
	MaxPriceAge time.Duration
	// DeviationBps bounds how far a conversion quote may stray from the
	// oracle-implied cost. Nil selects DefaultDeviationBps; zero demands an
	// exact match.
	DeviationBps *uint32
	// ExecutionSlippageBps is the headroom over the quoted cost allowed at
	// execution. Nil selects DefaultSlippageBps.
	ExecutionSlippageBps *uint32
}

// Vault manages purchase intents.
type Vault struct {
	cfg       Config
	deviation uint32
	slippage  uint32
	accepted  map[model.CurrencyCode]model.Currency
	store     store.IntentStore
	prices    PriceSource
	swaps     swap.Adapter
	bank      bank.Accounts
	exec      *txn.Executor
	events    events.Publisher
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a vault.
func New(cfg Config, st store.IntentStore, prices PriceSource, swaps swap.Adapter, accounts bank.Accounts, exec *txn.Executor, pub events.Publisher) (*Vault, error) {
	if cfg.Treasury == "" || cfg.PaymentSink == "" || cfg.SwapSpender == "" {
		return nil, fmt.Errorf("%w: treasury, payment sink and swap spender required", model.ErrParam)
	}
	cfg.Settlement.Code = cfg.Settlement.Code.Normalize()
	if cfg.Settlement.Code == "" || cfg.Settlement.Decimals < 0 {
		return nil, fmt.Errorf("%w: settlement currency required", model.ErrParam)
	}
	if cfg.MaxPriceAge == 0 {
		cfg.MaxPriceAge = DefaultMaxPriceAge
	}
	deviation, slippage := DefaultDeviationBps, DefaultSlippageBps
	if cfg.DeviationBps != nil {
		deviation = *cfg.DeviationBps
	}
	if cfg.ExecutionSlippageBps != nil {
		slippage = *cfg.ExecutionSlippageBps
	}
	if cfg.MaxPriceAge < 0 || deviation > model.BpsDenominator || slippage > model.BpsDenominator {
		return nil, fmt.Errorf("%w: price age and bps bounds", model.ErrParam)
	}

	accepted := map[model.CurrencyCode]model.Currency{cfg.Settlement.Code: cfg.Settlement}
	for _, c := range cfg.Accepted {
		c.Code = c.Code.Normalize()
		if c.Code == "" || c.Decimals < 0 {
			return nil, fmt.Errorf("%w: accepted currency %q", model.ErrParam, c.Code)
		}
		if prev, ok := accepted[c.Code]; ok && prev.Decimals != c.Decimals {
			return nil, fmt.Errorf("%w: %s listed with decimals %d and %d", model.ErrParam, c.Code, prev.Decimals, c.Decimals)
		}
		accepted[c.Code] = c
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Vault{
		cfg:       cfg,
		deviation: deviation,
		slippage:  slippage,
		accepted:  accepted,
		store:     st,
		prices:    prices,
		swaps:     swaps,
		bank:      accounts,
		exec:      exec,
		events:    pub,
		tracer:    otel.Tracer("settlement/vault"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the time source used to stamp intents.
func (v *Vault) WithClock(now func() time.Time) { v.now = now }

// AcceptedCurrencies returns the accepted currency codes in order.
func (v *Vault) AcceptedCurrencies() []model.CurrencyCode {
	out := make([]model.CurrencyCode, 0, len(v.accepted))
	for code := range v.accepted {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CreateIntent registers a purchase intent worth totalUsdCents.
func (v *Vault) CreateIntent(ctx context.Context, caller auth.Capability, release model.ReleaseID, totalUsdCents int64) (model.PurchaseIntent, error) {
	ctx, span := v.tracer.Start(ctx, "vault.create_intent", trace.WithAttributes(
		attribute.String("release", string(release)),
		attribute.Int64("usd_cents", totalUsdCents),
	))
	defer span.End()
	start := time.Now()

	var out model.PurchaseIntent
	err := v.exec.Run(ctx, "vault.create_intent", func(ctx context.Context) error {
		if err := auth.Require(caller, auth.RolePurchaser); err != nil {
			return err
		}
		if totalUsdCents <= 0 {
			return fmt.Errorf("%w: intent value must be positive", model.ErrParam)
		}
		now := v.now()
		intent := &model.PurchaseIntent{
			ID:                uuid.NewString(),
			ReleaseID:         release,
			TotalUsdCents:     totalUsdCents,
			RemainingUsdCents: totalUsdCents,
			Status:            model.IntentCreated,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := v.store.CreateIntent(ctx, intent); err != nil {
			return fmt.Errorf("create intent: %w", err)
		}
		out = intent.Clone()
		txn.AfterCommit(ctx, func() {
			v.events.Publish(model.Event{
				Type:      model.EventIntentCreated,
				ReleaseID: release,
				IntentID:  out.ID,
				Amount:    strconv.FormatInt(totalUsdCents, 10),
				Currency:  string(model.USD),
			})
		})
		return nil
	})
	metrics.ObserveOperation("vault.create_intent", start, err)
	if err != nil {
		fail(span, err)
		return model.PurchaseIntent{}, err
	}
	span.SetAttributes(attribute.String("intent", out.ID))
	return out, nil
}

// Funding is the answer to "can the treasury pay for this".
type Funding struct {
	CanFund       bool               `json:"can_fund"`
	Token         model.CurrencyCode `json:"best_token"`
	EstimatedCost decimal.Decimal    `json:"estimated_cost"`
}

// option is one accepted currency able to fund a purchase.
type option struct {
	token    model.CurrencyCode
	cost     decimal.Decimal
	usdValue decimal.Decimal
	required decimal.Decimal // settlement amount bought
	quote    string          // empty when paying in the settlement currency
}

// CanFundPurchase estimates, for each accepted currency, what acquiring the
// release at usdCents would cost the treasury and reports the cheapest one the
// treasury can afford. ectx is only recorded on the trace.
func (v *Vault) CanFundPurchase(ctx context.Context, usdCents int64, ectx model.ExecutionContext) (Funding, error) {
	ctx, span := v.tracer.Start(ctx, "vault.can_fund_purchase", trace.WithAttributes(
		attribute.String("release", string(ectx.ReleaseID)),
		attribute.String("buyer", string(ectx.Buyer)),
		attribute.String("amount", ectx.Amount.String()),
		attribute.Int64("usd_cents", usdCents),
	))
	defer span.End()

	var out Funding
	err := v.exec.Run(ctx, "vault.can_fund_purchase", func(ctx context.Context) error {
		if usdCents <= 0 {
			return fmt.Errorf("%w: usd value must be positive", model.ErrParam)
		}
		opts, err := v.options(ctx, usdCents)
		if err != nil {
			return err
		}
		if len(opts) > 0 {
			out = Funding{CanFund: true, Token: opts[0].token, EstimatedCost: opts[0].cost}
		}
		return nil
	})
	if err != nil {
		fail(span, err)
		return Funding{}, err
	}
	if !out.CanFund {
		out.EstimatedCost = decimal.Zero
	}
	span.SetAttributes(attribute.Bool("can_fund", out.CanFund), attribute.String("token", string(out.Token)))
	return out, nil
}

// options lists the affordable funding currencies, cheapest first by USD
// value. A stale settlement price fails the whole estimate; a problem with one
// accepted currency only drops that currency.
func (v *Vault) options(ctx context.Context, usdCents int64) ([]option, error) {
	settle := v.cfg.Settlement
	ps, err := v.prices.Price(ctx, settle.Code, model.USD, v.cfg.MaxPriceAge)
	if err != nil {
		return nil, fmt.Errorf("settlement price: %w", err)
	}
	// ceil(usd * 10^dec / price), kept in integers.
	required := ceilQuo(
		decimal.NewFromInt(usdCents).Shift(settle.Decimals+ps.Decimals),
		ps.Price.Mul(hundred),
	)

	var out []option
	for _, code := range v.AcceptedCurrencies() {
		c := v.accepted[code]
		o, ok, err := v.option(ctx, c, required, ps)
		if err != nil {
			if errors.Is(err, model.ErrStalePrice) || errors.Is(err, model.ErrInvalidPairID) || errors.Is(err, model.ErrRouteInvalid) {
				continue
			}
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].usdValue.LessThan(out[j].usdValue) })
	return out, nil
}

func (v *Vault) option(ctx context.Context, c model.Currency, required decimal.Decimal, ps model.PriceData) (option, bool, error) {
	settle := v.cfg.Settlement
	o := option{token: c.Code, required: required}
	pc := ps
	if c.Code == settle.Code {
		o.cost = required
	} else {
		var err error
		if pc, err = v.prices.Price(ctx, c.Code, model.USD, v.cfg.MaxPriceAge); err != nil {
			return option{}, false, err
		}
		q, err := v.swaps.QuoteSwapIn(ctx, swap.QuoteInRequest{Source: c.Code, Target: settle.Code, TargetAmount: required})
		if err != nil {
			return option{}, false, fmt.Errorf("quote %s->%s: %w", c.Code, settle.Code, err)
		}
		if !q.ValidRoute {
			return option{}, false, nil
		}
		// implied = n/d: required settlement units at oracle prices, in c's units.
		n := required.Mul(ps.Price).Shift(c.Decimals + pc.Decimals)
		d := pc.Price.Shift(settle.Decimals + ps.Decimals)
		if q.SourceRequired.Mul(d).Sub(n).Abs().Mul(bpsDen).GreaterThan(n.Mul(decimal.NewFromInt(int64(v.deviation)))) {
			return option{}, false, nil
		}
		o.cost, o.quote = q.SourceRequired, q.QuoteData
	}

	balance, err := v.bank.Balance(ctx, v.cfg.Treasury, c.Code)
	if err != nil {
		return option{}, false, fmt.Errorf("treasury balance %s: %w", c.Code, err)
	}
	if balance.LessThan(o.cost) {
		return option{}, false, nil
	}
	o.usdValue = o.cost.Mul(pc.Price).Shift(-(c.Decimals + pc.Decimals))
	return o, true, nil
}

// Execution is the funded part of a purchase.
type Execution struct {
	Token       model.CurrencyCode `json:"token"`
	TokenAmount decimal.Decimal    `json:"token_amount"`
	UsdCents    int64              `json:"usd_cents"`
}

// ExecuteIntent pays for a purchase out of the treasury. It consumes
// ectx.ValueUsdCents of the intent, or all of what remains when that is zero.
// tokenHint is used when it is an accepted currency able to fund the purchase;
// otherwise the cheapest funding currency is chosen.
func (v *Vault) ExecuteIntent(ctx context.Context, caller auth.Capability, id string, tokenHint model.CurrencyCode, ectx model.ExecutionContext) (Execution, error) {
	ctx, span := v.tracer.Start(ctx, "vault.execute_intent", trace.WithAttributes(
		attribute.String("intent", id),
		attribute.String("release", string(ectx.ReleaseID)),
		attribute.String("buyer", string(ectx.Buyer)),
		attribute.Int64("value_usd_cents", ectx.ValueUsdCents),
	))
	defer span.End()
	start := time.Now()

	var out Execution
	err := v.exec.Run(ctx, "vault.execute_intent", func(ctx context.Context) error {
		if err := auth.Require(caller, auth.RolePurchaser); err != nil {
			return err
		}
		intent, err := v.load(ctx, id)
		if err != nil {
			return err
		}
		if intent.Status == model.IntentSettled || intent.RemainingUsdCents == 0 {
			return fmt.Errorf("%w: %s", model.ErrIntentExhausted, id)
		}
		value := ectx.ValueUsdCents
		if value == 0 {
			value = intent.RemainingUsdCents
		}
		if value < 0 || value > intent.RemainingUsdCents {
			return fmt.Errorf("%w: value %d outside remaining %d", model.ErrParam, value, intent.RemainingUsdCents)
		}

		opts, err := v.options(ctx, value)
		if err != nil {
			return err
		}
		if len(opts) == 0 {
			return fmt.Errorf("%w: %d usd cents", model.ErrUnfundable, value)
		}
		chosen := opts[0]
		hint := tokenHint.Normalize()
		for _, o := range opts {
			if o.token == hint {
				chosen = o
				break
			}
		}

		spent, err := v.pay(ctx, chosen)
		if err != nil {
			return err
		}

		now := v.now()
		intent.RemainingUsdCents -= value
		intent.Status = model.IntentExecuted
		intent.Executions = append(intent.Executions, model.IntentExecution{
			Token:       chosen.token,
			TokenAmount: spent,
			UsdCents:    value,
			ExecutedAt:  now,
		})
		intent.UpdatedAt = now
		if err := v.store.UpdateIntent(ctx, intent); err != nil {
			return fmt.Errorf("update intent: %w", err)
		}
		out = Execution{Token: chosen.token, TokenAmount: spent, UsdCents: value}

		txn.AfterCommit(ctx, func() {
			metrics.IntentExecutions.WithLabelValues(string(out.Token)).Inc()
			v.events.Publish(model.Event{
				Type:      model.EventIntentExecuted,
				ReleaseID: intent.ReleaseID,
				IntentID:  id,
				Currency:  string(out.Token),
				Amount:    out.TokenAmount.String(),
				Detail:    "usd_cents=" + strconv.FormatInt(value, 10),
			})
		})
		return nil
	})
	metrics.ObserveOperation("vault.execute_intent", start, err)
	if err != nil {
		fail(span, err)
		return Execution{}, err
	}
	span.SetAttributes(attribute.String("token", string(out.Token)), attribute.String("token_amount", out.TokenAmount.String()))
	return out, nil
}

// pay moves the chosen funding into the payment sink as settlement currency
// and returns the amount of o.token spent.
func (v *Vault) pay(ctx context.Context, o option) (decimal.Decimal, error) {
	if o.quote == "" {
		if err := v.bank.Transfer(ctx, v.cfg.Treasury, v.cfg.PaymentSink, o.token, o.cost); err != nil {
			return decimal.Zero, fmt.Errorf("pay %s: %w", o.token, err)
		}
		return o.cost, nil
	}

	maxSpend := ceilQuo(o.cost.Mul(decimal.NewFromInt(int64(model.BpsDenominator+v.slippage))), bpsDen)
	if err := v.bank.Approve(ctx, v.cfg.Treasury, v.cfg.SwapSpender, o.token, maxSpend); err != nil {
		return decimal.Zero, fmt.Errorf("approve conversion: %w", err)
	}
	spent, err := v.swaps.SwapIn(ctx, swap.SwapInRequest{
		Source:         o.token,
		Target:         v.cfg.Settlement.Code,
		MaxSourceSpend: maxSpend,
		TargetAmount:   o.required,
		Payer:          v.cfg.Treasury,
		Recipient:      v.cfg.PaymentSink,
		QuoteData:      o.quote,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s->%s: %w", o.token, v.cfg.Settlement.Code, err)
	}
	if spent.GreaterThan(maxSpend) {
		return decimal.Zero, fmt.Errorf("%w: adapter spent %s, maximum %s", model.ErrSlippageExceeded, spent, maxSpend)
	}
	// Drop whatever allowance the conversion left unused.
	if err := v.bank.Approve(ctx, v.cfg.Treasury, v.cfg.SwapSpender, o.token, decimal.Zero); err != nil {
		return decimal.Zero, fmt.Errorf("reset allowance: %w", err)
	}
	return spent, nil
}

// SettleRequest reconciles an intent. RefundToken and RefundTokenAmount are
// required exactly when ActualUsdSpentCents is below the executed value; the
// refund is pulled from RefundFrom, which must have approved the treasury.
type SettleRequest struct {
	ID                  string             `json:"id"`
	ActualUsdSpentCents int64              `json:"actual_usd_spent_cents"`
	RefundToken         model.CurrencyCode `json:"refund_token,omitempty"`
	RefundTokenAmount   decimal.Decimal    `json:"refund_token_amount"`
	RefundFrom          model.Address      `json:"refund_from,omitempty"`
}

// SettleIntent closes an intent for good.
func (v *Vault) SettleIntent(ctx context.Context, caller auth.Capability, req SettleRequest) (model.PurchaseIntent, error) {
	ctx, span := v.tracer.Start(ctx, "vault.settle_intent", trace.WithAttributes(
		attribute.String("intent", req.ID),
		attribute.Int64("actual_usd_cents", req.ActualUsdSpentCents),
	))
	defer span.End()
	start := time.Now()

	var out model.PurchaseIntent
	err := v.exec.Run(ctx, "vault.settle_intent", func(ctx context.Context) error {
		if err := auth.Require(caller, auth.RolePurchaser); err != nil {
			return err
		}
		intent, err := v.load(ctx, req.ID)
		if err != nil {
			return err
		}
		if intent.Status == model.IntentSettled {
			return fmt.Errorf("%w: %s already settled", model.ErrIntentExhausted, req.ID)
		}
		executed := intent.TotalUsdCents - intent.RemainingUsdCents
		if req.ActualUsdSpentCents < 0 || req.ActualUsdSpentCents > executed {
			return fmt.Errorf("%w: actual %d outside executed %d", model.ErrParam, req.ActualUsdSpentCents, executed)
		}

		token := req.RefundToken.Normalize()
		refund := token != "" || !req.RefundTokenAmount.IsZero()
		switch {
		case req.ActualUsdSpentCents < executed && !refund:
			return fmt.Errorf("%w: %d usd cents unspent but no refund given", model.ErrParam, executed-req.ActualUsdSpentCents)
		case req.ActualUsdSpentCents == executed && refund:
			return fmt.Errorf("%w: refund given for a fully spent intent", model.ErrParam)
		}
		if refund {
			if _, ok := v.accepted[token]; !ok {
				return fmt.Errorf("%w: refund token %q not accepted", model.ErrParam, token)
			}
			if !req.RefundTokenAmount.IsPositive() || req.RefundFrom == "" {
				return fmt.Errorf("%w: refund needs a positive amount and a source", model.ErrParam)
			}
			if err := v.bank.TransferFrom(ctx, v.cfg.Treasury, req.RefundFrom, v.cfg.Treasury, token, req.RefundTokenAmount); err != nil {
				return fmt.Errorf("collect refund: %w", err)
			}
			intent.Refund = &model.Money{Value: req.RefundTokenAmount, Currency: token}
		}

		intent.ActualUsdCents = req.ActualUsdSpentCents
		intent.RemainingUsdCents = 0
		intent.Status = model.IntentSettled
		intent.UpdatedAt = v.now()
		if err := v.store.UpdateIntent(ctx, intent); err != nil {
			return fmt.Errorf("update intent: %w", err)
		}
		out = intent.Clone()

		txn.AfterCommit(ctx, func() {
			metrics.IntentSettlements.WithLabelValues(strconv.FormatBool(refund)).Inc()
			evt := model.Event{
				Type:      model.EventIntentSettled,
				ReleaseID: out.ReleaseID,
				IntentID:  out.ID,
				Detail:    "actual_usd_cents=" + strconv.FormatInt(out.ActualUsdCents, 10),
			}
			if out.Refund != nil {
				evt.Currency, evt.Amount = string(out.Refund.Currency), out.Refund.Value.String()
			}
			v.events.Publish(evt)
		})
		return nil
	})
	metrics.ObserveOperation("vault.settle_intent", start, err)
	if err != nil {
		fail(span, err)
		return model.PurchaseIntent{}, err
	}
	return out, nil
}

// RemainingUsd returns the intent's unconsumed value in USD cents.
func (v *Vault) RemainingUsd(ctx context.Context, id string) (int64, error) {
	intent, err := v.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return intent.RemainingUsdCents, nil
}

// GetIntent returns a copy of the intent.
func (v *Vault) GetIntent(ctx context.Context, id string) (model.PurchaseIntent, error) {
	intent, err := v.load(ctx, id)
	if err != nil {
		return model.PurchaseIntent{}, err
	}
	return *intent, nil
}

func (v *Vault) load(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	intent, err := v.store.GetIntent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrIntentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load intent: %w", err)
	}
	return intent, nil
}

// ceilQuo divides two non-negative integers rounding up.
func ceilQuo(a, b decimal.Decimal) decimal.Decimal {
	q, r := a.QuoRem(b, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
