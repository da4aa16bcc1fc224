package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Inside a txn unit every statement runs on one enlisted transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema migrations in file order.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		body, err := migrationsFS.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", f, err)
		}
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q returns the unit's transaction, or the pool outside a unit.
func (s *PostgresStore) q(ctx context.Context) (querier, error) {
	res, ok, err := txn.Enlist(ctx, s, func(ctx context.Context) (txn.Resource, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin: %w", err)
		}
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	if ok {
		return res.(pgx.Tx), nil
	}
	return s.pool, nil
}

// --- Funds ---

func (s *PostgresStore) CreditFund(ctx context.Context, e model.FundEntry) (model.FundEntry, error) {
	q, err := s.q(ctx)
	if err != nil {
		return model.FundEntry{}, err
	}
	now := time.Now().UTC()
	var total string
	err = q.QueryRow(ctx,
		`INSERT INTO fund_entries (release_id, participant, currency, amount, buyer, operator,
		                           is_proxy_operation, payout_currency, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9)
		 ON CONFLICT (release_id, participant, currency) DO UPDATE
		 SET amount = fund_entries.amount + EXCLUDED.amount,
		     buyer = EXCLUDED.buyer,
		     operator = EXCLUDED.operator,
		     is_proxy_operation = EXCLUDED.is_proxy_operation,
		     payout_currency = EXCLUDED.payout_currency,
		     updated_at = EXCLUDED.updated_at
		 RETURNING amount::TEXT`,
		string(e.ReleaseID), string(e.Participant), string(e.Amount.Currency), e.Amount.Value.String(),
		string(e.Buyer), string(e.Operator), e.IsProxyOperation, string(e.PayoutCurrency), now,
	).Scan(&total)
	if err != nil {
		return model.FundEntry{}, fmt.Errorf("credit fund: %w", err)
	}
	e.Amount.Value, _ = decimal.NewFromString(total)
	e.UpdatedAt = now
	return e, nil
}

const fundColumns = `release_id, participant, currency, amount::TEXT, buyer, operator,
	is_proxy_operation, payout_currency, updated_at`

func (s *PostgresStore) GetFunds(ctx context.Context, release model.ReleaseID, participant model.Address) ([]model.FundEntry, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT `+fundColumns+`
		 FROM fund_entries WHERE release_id = $1 AND participant = $2
		 ORDER BY currency`, string(release), string(participant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFundEntries(rows)
}

func (s *PostgresStore) DeleteFund(ctx context.Context, key model.FundKey) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx,
		`DELETE FROM fund_entries WHERE release_id = $1 AND participant = $2 AND currency = $3`,
		string(key.ReleaseID), string(key.Participant), string(key.Currency))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fund %v: %w", key, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListReleaseFunds(ctx context.Context, release model.ReleaseID, after model.FundCursor, limit int) ([]model.FundEntry, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.Query(ctx,
		`SELECT `+fundColumns+`
		 FROM fund_entries
		 WHERE release_id = $1 AND (participant, currency) > ($2, $3)
		 ORDER BY participant, currency
		 LIMIT $4`, string(release), string(after.Participant), string(after.Currency), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFundEntries(rows)
}

func (s *PostgresStore) ReleaseHasFunds(ctx context.Context, release model.ReleaseID) (bool, error) {
	q, err := s.q(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fund_entries WHERE release_id = $1)`, string(release)).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ParticipantReleases(ctx context.Context, participant model.Address) ([]model.ReleaseID, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT DISTINCT release_id FROM fund_entries
		 WHERE participant = $1 AND amount > 0
		 ORDER BY release_id`, string(participant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var releases []model.ReleaseID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		releases = append(releases, model.ReleaseID(id))
	}
	return releases, rows.Err()
}

// --- Intents ---

func (s *PostgresStore) CreateIntent(ctx context.Context, i *model.PurchaseIntent) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	execs, err := json.Marshal(i.Executions)
	if err != nil {
		return err
	}
	refundCur, refundAmt := refundColumns(i.Refund)
	_, err = q.Exec(ctx,
		`INSERT INTO purchase_intents (id, release_id, total_usd_cents, remaining_usd_cents, status,
		                               executions, actual_usd_cents, refund_currency, refund_amount,
		                               created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10, $11)`,
		i.ID, string(i.ReleaseID), i.TotalUsdCents, i.RemainingUsdCents, string(i.Status),
		execs, i.ActualUsdCents, refundCur, refundAmt, i.CreatedAt, i.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("intent %s: %w", i.ID, ErrDuplicateKey)
	}
	return err
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*model.PurchaseIntent, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	var (
		i                   model.PurchaseIntent
		release, status     string
		execs               []byte
		refundCur, refundAm string
	)
	err = q.QueryRow(ctx,
		`SELECT id, release_id, total_usd_cents, remaining_usd_cents, status, executions,
		        actual_usd_cents, refund_currency, refund_amount::TEXT, created_at, updated_at
		 FROM purchase_intents WHERE id = $1`, id).
		Scan(&i.ID, &release, &i.TotalUsdCents, &i.RemainingUsdCents, &status, &execs,
			&i.ActualUsdCents, &refundCur, &refundAm, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	i.ReleaseID = model.ReleaseID(release)
	i.Status = model.IntentStatus(status)
	if err := json.Unmarshal(execs, &i.Executions); err != nil {
		return nil, fmt.Errorf("decode executions of %s: %w", id, err)
	}
	if refundCur != "" {
		amt, _ := decimal.NewFromString(refundAm)
		i.Refund = &model.Money{Value: amt, Currency: model.CurrencyCode(refundCur)}
	}
	return &i, nil
}

func (s *PostgresStore) UpdateIntent(ctx context.Context, i *model.PurchaseIntent) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	execs, err := json.Marshal(i.Executions)
	if err != nil {
		return err
	}
	refundCur, refundAmt := refundColumns(i.Refund)
	tag, err := q.Exec(ctx,
		`UPDATE purchase_intents
		 SET remaining_usd_cents = $2, status = $3, executions = $4, actual_usd_cents = $5,
		     refund_currency = $6, refund_amount = $7::NUMERIC, updated_at = $8
		 WHERE id = $1`,
		i.ID, i.RemainingUsdCents, string(i.Status), execs, i.ActualUsdCents,
		refundCur, refundAmt, i.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", i.ID, ErrNotFound)
	}
	return nil
}

func refundColumns(m *model.Money) (string, string) {
	if m == nil {
		return "", "0"
	}
	return string(m.Currency), m.Value.String()
}

// --- Pairs ---

func (s *PostgresStore) SavePair(ctx context.Context, p model.PairRecord) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO price_pairs (pair_id, base_asset, quote_asset, resolver, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (pair_id) DO UPDATE
		 SET resolver = EXCLUDED.resolver, updated_at = EXCLUDED.updated_at`,
		p.PairID, string(p.BaseAsset), string(p.QuoteAsset), p.Resolver, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListPairs(ctx context.Context) ([]model.PairRecord, error) {
	q, err := s.q(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx,
		`SELECT pair_id, base_asset, quote_asset, resolver, created_at, updated_at
		 FROM price_pairs ORDER BY pair_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []model.PairRecord
	for rows.Next() {
		var p model.PairRecord
		var base, quote string
		if err := rows.Scan(&p.PairID, &base, &quote, &p.Resolver, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.BaseAsset = model.CurrencyCode(base)
		p.QuoteAsset = model.CurrencyCode(quote)
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// scanFundEntries reads pgx rows into FundEntry slices.
func scanFundEntries(rows pgx.Rows) ([]model.FundEntry, error) {
	var entries []model.FundEntry
	for rows.Next() {
		var e model.FundEntry
		var release, participant, currency, amount, buyer, operator, payout string

		if err := rows.Scan(&release, &participant, &currency, &amount, &buyer, &operator,
			&e.IsProxyOperation, &payout, &e.UpdatedAt); err != nil {
			return nil, err
		}

		e.ReleaseID = model.ReleaseID(release)
		e.Participant = model.Address(participant)
		e.Amount.Currency = model.CurrencyCode(currency)
		e.Amount.Value, _ = decimal.NewFromString(amount)
		e.Buyer = model.Address(buyer)
		e.Operator = model.Address(operator)
		e.PayoutCurrency = model.CurrencyCode(payout)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
