// Package swap defines the quote/execute conversion contract and a local
// constant-product venue implementing it.
//
// Quoting is read-only. A quote carries an opaque, MAC-protected quote token
// naming the exact route; execution re-validates the token, recomputes the
// amounts against current venue state and enforces the caller's bound.
package swap

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// QuoteInRequest asks how much Source is needed to receive exactly TargetAmount.
type QuoteInRequest struct {
	Source       model.CurrencyCode
	Target       model.CurrencyCode
	TargetAmount decimal.Decimal
}

// SwapInRequest executes an exact-out conversion. Source is pulled from Payer
// through an allowance granted to the venue; TargetAmount goes to Recipient.
type SwapInRequest struct {
	Source         model.CurrencyCode
	Target         model.CurrencyCode
	MaxSourceSpend decimal.Decimal
	TargetAmount   decimal.Decimal
	Payer          model.Address
	Recipient      model.Address
	QuoteData      string
}

// QuoteOutRequest asks how much Target exactly SourceAmount buys.
type QuoteOutRequest struct {
	Source       model.CurrencyCode
	Target       model.CurrencyCode
	SourceAmount decimal.Decimal
}

// SwapOutRequest executes an exact-in conversion.
type SwapOutRequest struct {
	Source          model.CurrencyCode
	Target          model.CurrencyCode
	SourceAmount    decimal.Decimal
	MinTargetAmount decimal.Decimal
	Payer           model.Address
	Recipient       model.Address
	QuoteData       string
}

// Adapter is the pluggable conversion venue consumed by the ledger and vault.
//
// Quotes with ValidRoute=false carry no usable amounts. SwapIn returns the
// source spent and fails with model.ErrSlippageExceeded when that would exceed
// MaxSourceSpend. SwapOut returns the target received and fails with
// model.ErrSlippageExceeded below MinTargetAmount. Both fail with
// model.ErrRouteInvalid when the quoted route no longer resolves.
type Adapter interface {
	QuoteSwapIn(ctx context.Context, req QuoteInRequest) (model.SwapInQuote, error)
	SwapIn(ctx context.Context, req SwapInRequest) (decimal.Decimal, error)
	QuoteSwapOut(ctx context.Context, req QuoteOutRequest) (model.SwapOutQuote, error)
	SwapOut(ctx context.Context, req SwapOutRequest) (decimal.Decimal, error)
}
