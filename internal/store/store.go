// Package store defines the persistence interfaces for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Writes performed inside a txn unit are atomic with the rest of the unit:
// the memory store journals undo steps, the Postgres store enlists one
// transaction per unit.
package store

import (
	"context"
	"errors"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when inserting a record whose key exists.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// FundStore keeps per (release, participant, currency) accumulators.
type FundStore interface {
	// CreditFund adds entry.Amount to the accumulator addressed by entry.Key()
	// and returns the accumulator after the credit.
	CreditFund(ctx context.Context, entry model.FundEntry) (model.FundEntry, error)

	// GetFunds returns the participant's accumulators for a release,
	// ordered by currency.
	GetFunds(ctx context.Context, release model.ReleaseID, participant model.Address) ([]model.FundEntry, error)

	// DeleteFund removes one accumulator.
	DeleteFund(ctx context.Context, key model.FundKey) error

	// ListReleaseFunds pages a release's accumulators in (participant,
	// currency) order, starting strictly after the cursor.
	ListReleaseFunds(ctx context.Context, release model.ReleaseID, after model.FundCursor, limit int) ([]model.FundEntry, error)

	// ReleaseHasFunds reports whether any accumulator exists for the release.
	ReleaseHasFunds(ctx context.Context, release model.ReleaseID) (bool, error)

	// ParticipantReleases lists releases holding funds for the participant,
	// in ascending order.
	ParticipantReleases(ctx context.Context, participant model.Address) ([]model.ReleaseID, error)
}

// IntentStore keeps purchase intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *model.PurchaseIntent) error
	GetIntent(ctx context.Context, id string) (*model.PurchaseIntent, error)
	UpdateIntent(ctx context.Context, intent *model.PurchaseIntent) error
}

// PairStore keeps the price pair catalog.
type PairStore interface {
	// SavePair inserts or replaces a pair record.
	SavePair(ctx context.Context, pair model.PairRecord) error
	ListPairs(ctx context.Context) ([]model.PairRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	FundStore
	IntentStore
	PairStore
}
