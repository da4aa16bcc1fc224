// Package ledger accumulates amounts owed to release participants and pays
// them out, converting each credited currency into the participant's payout
// currency at claim time.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

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

// DefaultSlippageBps bounds claim conversions when the caller sets none.
const DefaultSlippageBps uint32 = 500

// Config configures a Ledger.
type Config struct {
	// Custody holds credited funds until they are claimed or refunded.
	Custody model.Address
	// WorkingCurrency is the payout currency used when a credit names none.
	WorkingCurrency model.CurrencyCode
	// SwapSpender is the account the adapter pulls conversion input from;
	// custody approves it for each converted leg.
	SwapSpender model.Address
	// DefaultSlippageBps applies when ClaimOptions.SlippageBps is nil.
	DefaultSlippageBps uint32
}

// Ledger owns the fund accumulators.
type Ledger struct {
	cfg    Config
	store  store.FundStore
	swaps  swap.Adapter
	bank   bank.Accounts
	exec   *txn.Executor
	events events.Publisher
	tracer trace.Tracer
}

// New creates a ledger.
func New(cfg Config, st store.FundStore, swaps swap.Adapter, accounts bank.Accounts, exec *txn.Executor, pub events.Publisher) (*Ledger, error) {
	if cfg.Custody == "" || cfg.SwapSpender == "" {
		return nil, fmt.Errorf("%w: custody and swap spender accounts required", model.ErrParam)
	}
	cfg.WorkingCurrency = cfg.WorkingCurrency.Normalize()
	if cfg.WorkingCurrency == "" {
		return nil, fmt.Errorf("%w: working currency required", model.ErrParam)
	}
	if cfg.DefaultSlippageBps == 0 {
		cfg.DefaultSlippageBps = DefaultSlippageBps
	}
	if cfg.DefaultSlippageBps > model.BpsDenominator {
		return nil, fmt.Errorf("%w: default slippage %d bps", model.ErrParam, cfg.DefaultSlippageBps)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ledger{
		cfg:    cfg,
		store:  st,
		swaps:  swaps,
		bank:   accounts,
		exec:   exec,
		events: pub,
		tracer: otel.Tracer("settlement/ledger"),
	}, nil
}

// AddToFund is one credit owed to a participant.
type AddToFund struct {
	Release          model.ReleaseID    `json:"release_id"`
	Participant      model.Address      `json:"participant"`
	Buyer            model.Address      `json:"buyer"`
	Operator         model.Address      `json:"operator"`
	IsProxyOperation bool               `json:"is_proxy_operation"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         model.CurrencyCode `json:"currency"`
	PayoutCurrency   model.CurrencyCode `json:"payout_currency"`
}

// HandleAddToFund accumulates a credit in its original currency. The
// returned entry is the accumulator after the credit.
func (l *Ledger) HandleAddToFund(ctx context.Context, caller auth.Capability, req AddToFund) (model.FundEntry, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.add_to_fund", trace.WithAttributes(
		attribute.String("release", string(req.Release)),
		attribute.String("participant", string(req.Participant)),
	))
	defer span.End()
	start := time.Now()

	var out model.FundEntry
	err := l.exec.Run(ctx, "ledger.add_to_fund", func(ctx context.Context) error {
		if err := auth.Require(caller, auth.RoleSettler); err != nil {
			return err
		}
		currency := req.Currency.Normalize()
		payout := req.PayoutCurrency.Normalize()
		if payout == "" {
			payout = l.cfg.WorkingCurrency
		}
		switch {
		case req.Release == "" || req.Participant == "":
			return fmt.Errorf("%w: release and participant required", model.ErrParam)
		case currency == "":
			return fmt.Errorf("%w: currency required", model.ErrParam)
		case !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Truncate(0)):
			return fmt.Errorf("%w: amount must be a positive whole number of base units, got %s", model.ErrParam, req.Amount)
		}

		entry, err := l.store.CreditFund(ctx, model.FundEntry{
			ReleaseID:        req.Release,
			Participant:      req.Participant,
			Buyer:            req.Buyer,
			Operator:         req.Operator,
			IsProxyOperation: req.IsProxyOperation,
			Amount:           model.Money{Value: req.Amount, Currency: currency},
			PayoutCurrency:   payout,
		})
		if err != nil {
			return fmt.Errorf("credit fund: %w", err)
		}
		out = entry

		txn.AfterCommit(ctx, func() {
			metrics.FundCredits.WithLabelValues(string(currency)).Inc()
			l.events.Publish(model.Event{
				Type:        model.EventFundCredited,
				ReleaseID:   req.Release,
				Participant: req.Participant,
				Currency:    string(currency),
				Amount:      req.Amount.String(),
			})
		})
		return nil
	})
	metrics.ObserveOperation("ledger.add_to_fund", start, err)
	if err != nil {
		fail(span, err)
		return model.FundEntry{}, err
	}
	return out, nil
}

// CancelRequest selects the next chunk of a release to cancel.
type CancelRequest struct {
	Release   model.ReleaseID  `json:"release_id"`
	Cursor    model.FundCursor `json:"cursor"`
	BatchSize int              `json:"batch_size"`
	// RefundTo, when set, receives the cancelled amounts out of custody.
	RefundTo model.Address `json:"refund_to,omitempty"`
}

// CancelPage reports one processed chunk. Next resumes after the last entry
// removed; since removed entries are gone, the zero cursor also resumes.
type CancelPage struct {
	Processed int              `json:"processed"`
	Next      model.FundCursor `json:"next"`
}

// HandleCancelReleaseFunds removes up to BatchSize accumulators of a release
// in one atomic chunk. Callers repeat until Processed is zero or below
// BatchSize.
func (l *Ledger) HandleCancelReleaseFunds(ctx context.Context, caller auth.Capability, req CancelRequest) (CancelPage, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.cancel_release_funds", trace.WithAttributes(
		attribute.String("release", string(req.Release)),
		attribute.Int("batch_size", req.BatchSize),
	))
	defer span.End()
	start := time.Now()

	page := CancelPage{Next: req.Cursor}
	err := l.exec.Run(ctx, "ledger.cancel_release_funds", func(ctx context.Context) error {
		if err := auth.Require(caller, auth.RoleSettler); err != nil {
			return err
		}
		if req.Release == "" || req.BatchSize <= 0 {
			return fmt.Errorf("%w: release and positive batch size required", model.ErrParam)
		}
		entries, err := l.store.ListReleaseFunds(ctx, req.Release, req.Cursor, req.BatchSize)
		if err != nil {
			return fmt.Errorf("list release funds: %w", err)
		}
		for _, e := range entries {
			if err := l.store.DeleteFund(ctx, e.Key()); err != nil {
				return fmt.Errorf("delete fund: %w", err)
			}
			if req.RefundTo != "" && e.Amount.Value.IsPositive() {
				if err := l.bank.Transfer(ctx, l.cfg.Custody, req.RefundTo, e.Amount.Currency, e.Amount.Value); err != nil {
					return fmt.Errorf("refund %s %s: %w", e.Amount.Value, e.Amount.Currency, err)
				}
			}
		}
		page.Processed = len(entries)
		if n := len(entries); n > 0 {
			last := entries[n-1].Key()
			page.Next = model.FundCursor{Participant: last.Participant, Currency: last.Currency}
		}

		txn.AfterCommit(ctx, func() {
			metrics.CancelledEntries.Add(float64(page.Processed))
			if page.Processed > 0 {
				l.events.Publish(model.Event{
					Type:      model.EventReleaseCancelled,
					ReleaseID: req.Release,
					Detail:    "processed=" + strconv.Itoa(page.Processed),
				})
			}
		})
		return nil
	})
	metrics.ObserveOperation("ledger.cancel_release_funds", start, err)
	if err != nil {
		fail(span, err)
		return CancelPage{}, err
	}
	span.SetAttributes(attribute.Int("processed", page.Processed))
	return page, nil
}

// ClaimOptions tunes a claim.
type ClaimOptions struct {
	// SlippageBps bounds each conversion; nil means the ledger default.
	SlippageBps *uint32 `json:"slippage_bps,omitempty"`
	// PayoutCurrency overrides the currency recorded with the credits.
	PayoutCurrency model.CurrencyCode `json:"payout_currency,omitempty"`
}

// ClaimLeg is the payout of one credited currency.
type ClaimLeg struct {
	Currency    model.CurrencyCode `json:"currency"`
	Amount      decimal.Decimal    `json:"amount"`
	Quoted      decimal.Decimal    `json:"quoted"`
	MinAccepted decimal.Decimal    `json:"min_accepted"`
	Received    decimal.Decimal    `json:"received"`
	Route       *model.QuoteRoute  `json:"route,omitempty"`
}

// ClaimResult is a completed claim.
type ClaimResult struct {
	Release        model.ReleaseID    `json:"release_id"`
	Participant    model.Address      `json:"participant"`
	PayoutCurrency model.CurrencyCode `json:"payout_currency"`
	Paid           decimal.Decimal    `json:"paid"`
	Legs           []ClaimLeg         `json:"legs"`
}

// ClaimFunds pays out everything the participant is owed for release in one
// payout currency and zeroes the accumulators. Each foreign-currency leg is
// converted exact-in and must yield at least quoted*(10000-B)/10000.
func (l *Ledger) ClaimFunds(ctx context.Context, caller auth.Capability, release model.ReleaseID, participant model.Address, opts ClaimOptions) (ClaimResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.claim_funds", trace.WithAttributes(
		attribute.String("release", string(release)),
		attribute.String("participant", string(participant)),
	))
	defer span.End()
	start := time.Now()

	var res ClaimResult
	err := l.exec.Run(ctx, "ledger.claim_funds", func(ctx context.Context) error {
		if err := auth.RequireSelfOr(caller, participant, auth.RoleSettler); err != nil {
			return err
		}
		slippage, err := l.slippage(opts)
		if err != nil {
			return err
		}
		if release == "" || participant == "" {
			return fmt.Errorf("%w: release and participant required", model.ErrParam)
		}

		entries, err := l.store.GetFunds(ctx, release, participant)
		if err != nil {
			return fmt.Errorf("load funds: %w", err)
		}
		var owed []model.FundEntry
		for _, e := range entries {
			if e.Amount.Value.IsPositive() {
				owed = append(owed, e)
			}
		}
		if len(owed) == 0 {
			return fmt.Errorf("%w: %s in %s", model.ErrNothingToClaim, participant, release)
		}

		payout := opts.PayoutCurrency.Normalize()
		if payout == "" {
			payout = l.payoutCurrency(owed)
		}
		res = ClaimResult{Release: release, Participant: participant, PayoutCurrency: payout, Paid: decimal.Zero}

		for _, e := range owed {
			leg, err := l.payLeg(ctx, e, payout, slippage)
			if err != nil {
				return err
			}
			res.Legs = append(res.Legs, leg)
			res.Paid = res.Paid.Add(leg.Received)
			if err := l.store.DeleteFund(ctx, e.Key()); err != nil {
				return fmt.Errorf("zero accumulator: %w", err)
			}
		}

		txn.AfterCommit(ctx, func() {
			metrics.Claims.WithLabelValues("ok").Inc()
			l.events.Publish(model.Event{
				Type:        model.EventFundsClaimed,
				ReleaseID:   release,
				Participant: participant,
				Currency:    string(payout),
				Amount:      res.Paid.String(),
			})
		})
		return nil
	})
	metrics.ObserveOperation("ledger.claim_funds", start, err)
	if err != nil {
		if errors.Is(err, model.ErrNothingToClaim) {
			metrics.Claims.WithLabelValues("empty").Inc()
		} else {
			metrics.Claims.WithLabelValues("failed").Inc()
		}
		fail(span, err)
		return ClaimResult{}, err
	}
	span.SetAttributes(attribute.String("paid", res.Paid.String()), attribute.String("payout_currency", string(res.PayoutCurrency)))
	return res, nil
}

// payLeg moves one accumulator to the participant, converting if needed.
func (l *Ledger) payLeg(ctx context.Context, e model.FundEntry, payout model.CurrencyCode, slippageBps uint32) (ClaimLeg, error) {
	amount := e.Amount.Value
	leg := ClaimLeg{Currency: e.Amount.Currency, Amount: amount}

	if e.Amount.Currency == payout {
		if err := l.bank.Transfer(ctx, l.cfg.Custody, e.Participant, payout, amount); err != nil {
			return ClaimLeg{}, fmt.Errorf("pay %s: %w", payout, err)
		}
		leg.Quoted, leg.MinAccepted, leg.Received = amount, amount, amount
		return leg, nil
	}

	q, err := l.swaps.QuoteSwapOut(ctx, swap.QuoteOutRequest{Source: e.Amount.Currency, Target: payout, SourceAmount: amount})
	if err != nil {
		return ClaimLeg{}, fmt.Errorf("quote %s->%s: %w", e.Amount.Currency, payout, err)
	}
	if !q.ValidRoute {
		return ClaimLeg{}, fmt.Errorf("%w: no route %s->%s", model.ErrRouteInvalid, e.Amount.Currency, payout)
	}
	floor := MinAccepted(q.TargetAmountOut, slippageBps)

	if err := l.bank.Approve(ctx, l.cfg.Custody, l.cfg.SwapSpender, e.Amount.Currency, amount); err != nil {
		return ClaimLeg{}, fmt.Errorf("approve conversion: %w", err)
	}
	received, err := l.swaps.SwapOut(ctx, swap.SwapOutRequest{
		Source:          e.Amount.Currency,
		Target:          payout,
		SourceAmount:    amount,
		MinTargetAmount: floor,
		Payer:           l.cfg.Custody,
		Recipient:       e.Participant,
		QuoteData:       q.QuoteData,
	})
	if err != nil {
		return ClaimLeg{}, fmt.Errorf("convert %s->%s: %w", e.Amount.Currency, payout, err)
	}
	if received.LessThan(floor) {
		return ClaimLeg{}, fmt.Errorf("%w: adapter delivered %s, minimum %s", model.ErrSlippageExceeded, received, floor)
	}
	route := q.Route
	leg.Quoted, leg.MinAccepted, leg.Received, leg.Route = q.TargetAmountOut, floor, received, &route
	return leg, nil
}

// MinAccepted is the smallest acceptable output for quoted at slippageBps,
// rounded down.
func MinAccepted(quoted decimal.Decimal, slippageBps uint32) decimal.Decimal {
	keep := decimal.NewFromInt(int64(model.BpsDenominator - slippageBps))
	return quoted.Mul(keep).Div(decimal.NewFromInt(model.BpsDenominator)).Floor()
}

// payoutCurrency picks the payout currency of the most recently credited
// accumulator. Ties keep the first in currency order.
func (l *Ledger) payoutCurrency(entries []model.FundEntry) model.CurrencyCode {
	var latest *model.FundEntry
	for i := range entries {
		if latest == nil || entries[i].UpdatedAt.After(latest.UpdatedAt) {
			latest = &entries[i]
		}
	}
	if latest == nil || latest.PayoutCurrency == "" {
		return l.cfg.WorkingCurrency
	}
	return latest.PayoutCurrency
}

func (l *Ledger) slippage(opts ClaimOptions) (uint32, error) {
	if opts.SlippageBps == nil {
		return l.cfg.DefaultSlippageBps, nil
	}
	if *opts.SlippageBps > model.BpsDenominator {
		return 0, fmt.Errorf("%w: slippage %d bps exceeds 100%%", model.ErrParam, *opts.SlippageBps)
	}
	return *opts.SlippageBps, nil
}

// ClaimFailure reports one release that could not be claimed.
type ClaimFailure struct {
	Release   model.ReleaseID `json:"release_id"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Retryable bool            `json:"retryable"`
}

// ClaimAllResult reports a batch claim.
type ClaimAllResult struct {
	Claimed []ClaimResult  `json:"claimed"`
	Failed  []ClaimFailure `json:"failed"`
}

// ClaimAllFunds claims every release holding funds for participant. Each
// release is its own atomic unit; a failing release is reported and the batch
// continues. It must not be called from inside another unit.
func (l *Ledger) ClaimAllFunds(ctx context.Context, caller auth.Capability, participant model.Address, opts ClaimOptions) (ClaimAllResult, error) {
	if err := auth.RequireSelfOr(caller, participant, auth.RoleSettler); err != nil {
		return ClaimAllResult{}, err
	}
	if _, inUnit := txn.FromContext(ctx); inUnit {
		return ClaimAllResult{}, fmt.Errorf("%w: batch claims cannot join an enclosing unit", model.ErrParam)
	}
	if _, err := l.slippage(opts); err != nil {
		return ClaimAllResult{}, err
	}

	releases, err := l.store.ParticipantReleases(ctx, participant)
	if err != nil {
		return ClaimAllResult{}, fmt.Errorf("list releases: %w", err)
	}

	var out ClaimAllResult
	for _, release := range releases {
		res, err := l.ClaimFunds(ctx, caller, release, participant, opts)
		switch {
		case err == nil:
			out.Claimed = append(out.Claimed, res)
		case errors.Is(err, model.ErrNothingToClaim):
			// Drained since it was listed.
		default:
			slog.Warn("release claim failed", "release", release, "participant", participant, "err", err)
			out.Failed = append(out.Failed, ClaimFailure{
				Release:   release,
				Error:     err.Error(),
				Code:      model.Code(err),
				Retryable: model.Retryable(err),
			})
			l.events.Publish(model.Event{
				Type:        model.EventClaimFailed,
				ReleaseID:   release,
				Participant: participant,
				Detail:      model.Code(err),
			})
		}
	}
	return out, nil
}

// ReleaseHasFunds reports whether any accumulator remains for release.
func (l *Ledger) ReleaseHasFunds(ctx context.Context, release model.ReleaseID) (bool, error) {
	return l.store.ReleaseHasFunds(ctx, release)
}

// Balances returns the participant's accumulators for release.
func (l *Ledger) Balances(ctx context.Context, release model.ReleaseID, participant model.Address) ([]model.FundEntry, error) {
	return l.store.GetFunds(ctx, release, participant)
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
