// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal holding integer base units of
// their currency; money is never float64. Unit-of-account values are USD cents.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies an account holder: participant, buyer, operator, treasury.
type Address string

// ReleaseID identifies a fractional-ownership release.
type ReleaseID string

// CurrencyCode is the ticker of a currency (e.g. "USDC").
type CurrencyCode string

// Normalize upper-cases and trims a currency code.
func (c CurrencyCode) Normalize() CurrencyCode {
	return CurrencyCode(strings.ToUpper(strings.TrimSpace(string(c))))
}

// USD is the unit-of-account asset used by vault price pairs.
const USD CurrencyCode = "USD"

// Currency is a currency code with its base-unit precision.
type Currency struct {
	Code     CurrencyCode `json:"code" yaml:"code"`
	Decimals int32        `json:"decimals" yaml:"decimals"`
}

// Money is an amount in base units of a currency.
type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency CurrencyCode    `json:"currency"`
}

// PriceData is a fixed-point price observation. Price * 10^-Decimals is the
// value of one whole base asset expressed in the quote asset.
type PriceData struct {
	Price      decimal.Decimal `json:"price"`
	Decimals   int32           `json:"decimals"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Value returns the price as a plain decimal.
func (p PriceData) Value() decimal.Decimal {
	return p.Price.Shift(-p.Decimals)
}

// PairRecord is a registered base/quote pair. Resolver names the resolver
// bound to the pair so the catalog can be persisted.
type PairRecord struct {
	PairID     string       `json:"pair_id" db:"pair_id"`
	BaseAsset  CurrencyCode `json:"base_asset" db:"base_asset"`
	QuoteAsset CurrencyCode `json:"quote_asset" db:"quote_asset"`
	Resolver   string       `json:"resolver" db:"resolver"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at" db:"updated_at"`
}

// Hop is one leg of a swap route through a single pool.
type Hop struct {
	Pool           string          `json:"pool"`
	TokenIn        CurrencyCode    `json:"token_in"`
	TokenOut       CurrencyCode    `json:"token_out"`
	FeeBps         uint32          `json:"fee_bps"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	TheoreticalOut decimal.Decimal `json:"theoretical_out"` // at spot price, no price impact
}

// QuoteRoute is the route a quote was computed against.
type QuoteRoute struct {
	Venue string         `json:"venue"`
	Path  []CurrencyCode `json:"path"`
	Hops  []Hop          `json:"hops"`
}

// SwapInQuote answers "how much source is needed for this exact target amount".
// When ValidRoute is false the amount fields are meaningless.
type SwapInQuote struct {
	SourceRequired decimal.Decimal `json:"source_required"`
	QuoteData      string          `json:"quote_data"`
	Route          QuoteRoute      `json:"route"`
	ValidRoute     bool            `json:"valid_route"`
}

// SwapOutQuote answers "how much target this exact source amount buys".
// When ValidRoute is false the amount fields are meaningless.
type SwapOutQuote struct {
	TargetAmountOut decimal.Decimal `json:"target_amount_out"`
	QuoteData       string          `json:"quote_data"`
	Route           QuoteRoute      `json:"route"`
	ValidRoute      bool            `json:"valid_route"`
}

// FundEntry is the running accumulator owed to one participant of a release in
// one currency. Buyer, Operator, IsProxyOperation and PayoutCurrency reflect
// the most recent credit.
type FundEntry struct {
	ReleaseID        ReleaseID    `json:"release_id" db:"release_id"`
	Participant      Address      `json:"participant" db:"participant"`
	Buyer            Address      `json:"buyer" db:"buyer"`
	Operator         Address      `json:"operator" db:"operator"`
	IsProxyOperation bool         `json:"is_proxy_operation" db:"is_proxy_operation"`
	Amount           Money        `json:"amount"`
	PayoutCurrency   CurrencyCode `json:"payout_currency" db:"payout_currency"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// FundKey addresses one accumulator.
type FundKey struct {
	ReleaseID   ReleaseID    `json:"release_id"`
	Participant Address      `json:"participant"`
	Currency    CurrencyCode `json:"currency"`
}

// Key returns the accumulator key of the entry.
func (e FundEntry) Key() FundKey {
	return FundKey{ReleaseID: e.ReleaseID, Participant: e.Participant, Currency: e.Amount.Currency}
}

// FundCursor is a resumption point when paging a release's accumulators in
// (participant, currency) order. The zero cursor starts from the beginning.
type FundCursor struct {
	Participant Address      `json:"participant,omitempty"`
	Currency    CurrencyCode `json:"currency,omitempty"`
}

// IsZero reports whether the cursor starts from the beginning.
func (c FundCursor) IsZero() bool {
	return c.Participant == "" && c.Currency == ""
}

// After reports whether key sorts strictly after the cursor.
func (c FundCursor) After(key FundKey) bool {
	if c.IsZero() {
		return true
	}
	if key.Participant != c.Participant {
		return key.Participant > c.Participant
	}
	return key.Currency > c.Currency
}

// IntentStatus is the lifecycle state of a purchase intent.
type IntentStatus string

const (
	IntentCreated  IntentStatus = "created"
	IntentExecuted IntentStatus = "executed"
	IntentSettled  IntentStatus = "settled"
)

// IntentExecution records one funded execution of an intent.
type IntentExecution struct {
	Token       CurrencyCode    `json:"token"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	UsdCents    int64           `json:"usd_cents"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// PurchaseIntent is a treasury-funded purchase sized in USD cents.
// RemainingUsdCents never increases and never goes negative.
type PurchaseIntent struct {
	ID                string            `json:"id" db:"id"`
	ReleaseID         ReleaseID         `json:"release_id" db:"release_id"`
	TotalUsdCents     int64             `json:"total_usd_cents" db:"total_usd_cents"`
	RemainingUsdCents int64             `json:"remaining_usd_cents" db:"remaining_usd_cents"`
	Status            IntentStatus      `json:"status" db:"status"`
	Executions        []IntentExecution `json:"executions"`
	ActualUsdCents    int64             `json:"actual_usd_cents" db:"actual_usd_cents"` // set on settlement
	Refund            *Money            `json:"refund,omitempty"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// ExecutedUsdCents is the value consumed by executions so far.
func (i PurchaseIntent) ExecutedUsdCents() int64 {
	var total int64
	for _, e := range i.Executions {
		total += e.UsdCents
	}
	return total
}

// Clone returns a deep copy.
func (i PurchaseIntent) Clone() PurchaseIntent {
	c := i
	c.Executions = append([]IntentExecution(nil), i.Executions...)
	if i.Refund != nil {
		r := *i.Refund
		c.Refund = &r
	}
	return c
}

// ExecutionContext is a read-only hint used to pick a funding currency.
// ReleaseID, Amount and Buyer describe the purchase for traces only; the vault
// sizes an estimate from its usdCents argument and an execution from
// ValueUsdCents, where zero means "the intent's whole remaining value".
type ExecutionContext struct {
	ReleaseID     ReleaseID       `json:"release_id"`
	Amount        decimal.Decimal `json:"amount"`
	Buyer         Address         `json:"buyer"`
	ValueUsdCents int64           `json:"value_usd_cents,omitempty"`
}

// Event is a committed settlement event broadcast to subscribers.
type Event struct {
	Type        string    `json:"type"`
	ReleaseID   ReleaseID `json:"release_id,omitempty"`
	Participant Address   `json:"participant,omitempty"`
	IntentID    string    `json:"intent_id,omitempty"`
	PairID      string    `json:"pair_id,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event types.
const (
	EventFundCredited     = "fund_credited"
	EventFundsClaimed     = "funds_claimed"
	EventClaimFailed      = "claim_failed"
	EventReleaseCancelled = "release_cancelled"
	EventIntentCreated    = "intent_created"
	EventIntentExecuted   = "intent_executed"
	EventIntentSettled    = "intent_settled"
	EventPriceUpdated     = "price_updated"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000
