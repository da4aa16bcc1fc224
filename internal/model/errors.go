package model

import "errors"

// Failure taxonomy. Components wrap these with fmt.Errorf("...: %w", ErrX) and
// callers classify with errors.Is.
var (
	ErrParam         = errors.New("settlement: invalid parameter")
	ErrNotAllowed    = errors.New("settlement: not allowed")
	ErrInvalidCaller = errors.New("settlement: invalid caller")

	ErrDuplicatePair = errors.New("pricing: pair already registered")
	ErrInvalidPairID = errors.New("pricing: unknown pair id")
	ErrStalePrice    = errors.New("pricing: stale price")

	ErrRouteInvalid     = errors.New("swap: route invalid")
	ErrSlippageExceeded = errors.New("swap: slippage exceeded")

	ErrIntentNotFound  = errors.New("vault: intent not found")
	ErrIntentExhausted = errors.New("vault: intent exhausted")
	ErrUnfundable      = errors.New("vault: no accepted currency can fund the purchase")

	ErrNothingToClaim = errors.New("ledger: nothing to claim")

	ErrInsufficientFunds = errors.New("accounts: insufficient funds")

	// ErrListing marks upstream listing inconsistencies. It is never produced
	// here, only propagated.
	ErrListing = errors.New("listing: inconsistent listing")
)

var retryable = []error{
	ErrStalePrice,
	ErrRouteInvalid,
	ErrSlippageExceeded,
	ErrUnfundable,
	ErrInsufficientFunds,
}

// Retryable reports whether err may succeed if retried later unchanged
// (market or price conditions), as opposed to a request that can never succeed.
func Retryable(err error) bool {
	for _, target := range retryable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Code returns a short machine-readable code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrParam):
		return "param_error"
	case errors.Is(err, ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, ErrInvalidCaller):
		return "invalid_caller"
	case errors.Is(err, ErrDuplicatePair):
		return "duplicate_pair"
	case errors.Is(err, ErrInvalidPairID):
		return "invalid_pair_id"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	case errors.Is(err, ErrRouteInvalid):
		return "route_invalid"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrIntentNotFound):
		return "intent_not_found"
	case errors.Is(err, ErrIntentExhausted):
		return "intent_exhausted"
	case errors.Is(err, ErrUnfundable):
		return "unfundable"
	case errors.Is(err, ErrNothingToClaim):
		return "nothing_to_claim"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrListing):
		return "listing_error"
	default:
		return "internal"
	}
}
