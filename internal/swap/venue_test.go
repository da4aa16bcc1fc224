package swap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/bank"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/txn"
)

var admin = auth.New("ops", auth.RoleVenueAdmin)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

type fixture struct {
	venue *Venue
	bank  *bank.Memory
	exec  *txn.Executor
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bank: bank.NewMemory(), exec: txn.NewExecutor(), now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	sealer, err := NewSealer([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	f.venue, err = NewVenue(VenueConfig{Name: "local", Account: "venue", Hubs: []model.CurrencyCode{"usdc"}, QuoteTTL: time.Minute},
		f.exec, f.bank, sealer)
	require.NoError(t, err)
	f.venue.WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) fund(t *testing.T, acct model.Address, cur model.CurrencyCode, amount int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.bank.Deposit(ctx, acct, cur, d(amount)))
	allowed, _ := f.bank.Allowance(ctx, acct, "venue", cur)
	require.NoError(t, f.bank.Approve(ctx, acct, "venue", cur, allowed.Add(d(amount))))
}

func (f *fixture) pool(t *testing.T, a, b model.CurrencyCode, ra, rb int64, fee uint32) Pool {
	t.Helper()
	f.fund(t, "lp", a, ra)
	f.fund(t, "lp", b, rb)
	p, err := f.venue.AddPool(context.Background(), admin, PoolSpec{TokenA: a, TokenB: b, AmountA: d(ra), AmountB: d(rb), FeeBps: fee, Provider: "lp"})
	require.NoError(t, err)
	return p
}

func (f *fixture) balance(t *testing.T, acct model.Address, cur model.CurrencyCode) decimal.Decimal {
	t.Helper()
	b, err := f.bank.Balance(context.Background(), acct, cur)
	require.NoError(t, err)
	return b
}

func TestAMMMath(t *testing.T) {
	out, ok := amountOut(d(1000), d(10000), d(10000), 30)
	require.True(t, ok)
	assert.True(t, out.Equal(d(906)), "got %s", out)

	in, ok := amountIn(d(906), d(10000), d(10000), 30)
	require.True(t, ok)
	assert.True(t, in.Equal(d(1000)), "got %s", in)

	_, ok = amountIn(d(10000), d(10000), d(10000), 30)
	assert.False(t, ok, "cannot drain the pool")

	assert.True(t, spotOut(d(1000), d(10000), d(10000), 30).Equal(d(997)))
}

func TestQuoteAndSwapOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pool(t, "EURC", "USDC", 10000, 10000, 30)
	f.fund(t, "alice", "EURC", 1000)

	q, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "eurc", Target: "usdc", SourceAmount: d(1000)})
	require.NoError(t, err)
	require.True(t, q.ValidRoute)
	assert.True(t, q.TargetAmountOut.Equal(d(906)))
	require.Len(t, q.Route.Hops, 1)
	assert.Equal(t, uint32(30), q.Route.Hops[0].FeeBps)
	assert.True(t, q.Route.Hops[0].TheoreticalOut.Equal(d(997)))

	got, err := f.venue.SwapOut(ctx, SwapOutRequest{
		Source: "EURC", Target: "USDC", SourceAmount: d(1000), MinTargetAmount: d(900),
		Payer: "alice", Recipient: "bob", QuoteData: q.QuoteData,
	})
	require.NoError(t, err)
	assert.True(t, got.Equal(d(906)))
	assert.True(t, f.balance(t, "bob", "USDC").Equal(d(906)))
	assert.True(t, f.balance(t, "alice", "EURC").IsZero())

	pools := f.venue.Pools()
	require.Len(t, pools, 1)
	assert.True(t, pools[0].ReserveA.Equal(d(11000)))
	assert.True(t, pools[0].ReserveB.Equal(d(10000-906)))
}

func TestQuoteAndSwapIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pool(t, "EURC", "USDC", 10000, 10000, 30)
	f.fund(t, "alice", "EURC", 2000)

	q, err := f.venue.QuoteSwapIn(ctx, QuoteInRequest{Source: "EURC", Target: "USDC", TargetAmount: d(906)})
	require.NoError(t, err)
	require.True(t, q.ValidRoute)
	assert.True(t, q.SourceRequired.Equal(d(1000)))

	spent, err := f.venue.SwapIn(ctx, SwapInRequest{
		Source: "EURC", Target: "USDC", MaxSourceSpend: d(1000), TargetAmount: d(906),
		Payer: "alice", Recipient: "alice", QuoteData: q.QuoteData,
	})
	require.NoError(t, err)
	assert.True(t, spent.Equal(d(1000)))
	assert.True(t, f.balance(t, "alice", "USDC").Equal(d(906)))
	assert.True(t, f.balance(t, "alice", "EURC").Equal(d(1000)))
}

func TestRouting_PicksBestFeeTierAndHub(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pool(t, "EURC", "USDC", 10000, 10000, 100)
	cheap := f.pool(t, "EURC", "USDC", 10000, 10000, 5)

	q, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(1000)})
	require.NoError(t, err)
	require.Len(t, q.Route.Hops, 1)
	assert.Equal(t, cheap.ID, q.Route.Hops[0].Pool)

	// GBPT has no direct pool to EURC; the USDC hub connects them.
	f.pool(t, "USDC", "GBPT", 10000, 8000, 30)
	q, err = f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "EURC", Target: "GBPT", SourceAmount: d(100)})
	require.NoError(t, err)
	require.True(t, q.ValidRoute)
	assert.Equal(t, []model.CurrencyCode{"EURC", "USDC", "GBPT"}, q.Route.Path)
	require.Len(t, q.Route.Hops, 2)
	assert.True(t, q.Route.Hops[0].AmountOut.Equal(q.Route.Hops[1].AmountIn))

	qin, err := f.venue.QuoteSwapIn(ctx, QuoteInRequest{Source: "EURC", Target: "GBPT", TargetAmount: d(50)})
	require.NoError(t, err)
	require.True(t, qin.ValidRoute)
	assert.True(t, qin.Route.Hops[1].AmountOut.Equal(d(50)))
	assert.True(t, qin.SourceRequired.Equal(qin.Route.Hops[0].AmountIn))

	none, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "EURC", Target: "JPYC", SourceAmount: d(100)})
	require.NoError(t, err)
	assert.False(t, none.ValidRoute)
}

func TestSameCurrencyIsDirectTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", "USDC", 50)

	q, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "USDC", Target: "USDC", SourceAmount: d(50)})
	require.NoError(t, err)
	require.True(t, q.ValidRoute)
	assert.Empty(t, q.Route.Hops)

	got, err := f.venue.SwapOut(ctx, SwapOutRequest{Source: "USDC", Target: "USDC", SourceAmount: d(50),
		MinTargetAmount: d(50), Payer: "alice", Recipient: "bob", QuoteData: q.QuoteData})
	require.NoError(t, err)
	assert.True(t, got.Equal(d(50)))
	assert.True(t, f.balance(t, "bob", "USDC").Equal(d(50)))
}

func TestSwapOut_Rejections(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, Pool, model.SwapOutQuote) {
		f := newFixture(t)
		p := f.pool(t, "EURC", "USDC", 10000, 10000, 30)
		f.fund(t, "alice", "EURC", 5000)
		q, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(1000)})
		require.NoError(t, err)
		return f, p, q
	}
	req := func(q model.SwapOutQuote, min int64) SwapOutRequest {
		return SwapOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(1000), MinTargetAmount: d(min),
			Payer: "alice", Recipient: "alice", QuoteData: q.QuoteData}
	}

	t.Run("tampered token", func(t *testing.T) {
		f, _, q := setup(t)
		r := req(q, 0)
		r.QuoteData = q.QuoteData[:len(q.QuoteData)-1] + "0"
		if strings.HasSuffix(q.QuoteData, "0") {
			r.QuoteData = q.QuoteData[:len(q.QuoteData)-1] + "1"
		}
		_, err := f.venue.SwapOut(ctx, r)
		assert.True(t, errors.Is(err, model.ErrParam), "got %v", err)
	})

	t.Run("token for another amount", func(t *testing.T) {
		f, _, q := setup(t)
		r := req(q, 0)
		r.SourceAmount = d(999)
		_, err := f.venue.SwapOut(ctx, r)
		assert.True(t, errors.Is(err, model.ErrParam), "got %v", err)
	})

	t.Run("expired token", func(t *testing.T) {
		f, _, q := setup(t)
		f.now = f.now.Add(2 * time.Minute)
		_, err := f.venue.SwapOut(ctx, req(q, 0))
		assert.True(t, errors.Is(err, model.ErrRouteInvalid), "got %v", err)
	})

	t.Run("pool removed", func(t *testing.T) {
		f, p, q := setup(t)
		require.NoError(t, f.venue.RemovePool(ctx, admin, p.ID, "lp"))
		_, err := f.venue.SwapOut(ctx, req(q, 0))
		assert.True(t, errors.Is(err, model.ErrRouteInvalid), "got %v", err)
	})

	t.Run("price moved past bound", func(t *testing.T) {
		f, _, q := setup(t)
		// Another trade in the same direction worsens the rate.
		other, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(3000)})
		require.NoError(t, err)
		_, err = f.venue.SwapOut(ctx, SwapOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(3000),
			Payer: "alice", Recipient: "alice", QuoteData: other.QuoteData})
		require.NoError(t, err)

		_, err = f.venue.SwapOut(ctx, req(q, q.TargetAmountOut.IntPart()))
		assert.True(t, errors.Is(err, model.ErrSlippageExceeded), "got %v", err)
		assert.True(t, model.Retryable(err))
	})
}

func TestSwapIn_SlippageBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pool(t, "EURC", "USDC", 10000, 10000, 30)
	f.fund(t, "alice", "EURC", 5000)

	q, err := f.venue.QuoteSwapIn(ctx, QuoteInRequest{Source: "EURC", Target: "USDC", TargetAmount: d(500)})
	require.NoError(t, err)
	_, err = f.venue.SwapIn(ctx, SwapInRequest{Source: "EURC", Target: "USDC", MaxSourceSpend: q.SourceRequired.Sub(d(1)),
		TargetAmount: d(500), Payer: "alice", Recipient: "alice", QuoteData: q.QuoteData})
	assert.True(t, errors.Is(err, model.ErrSlippageExceeded), "got %v", err)

	// Using an exact-out token with the exact-in entry point is refused.
	_, err = f.venue.SwapOut(ctx, SwapOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(500),
		Payer: "alice", Recipient: "alice", QuoteData: q.QuoteData})
	assert.True(t, errors.Is(err, model.ErrParam), "got %v", err)
}

func TestSwap_RolledBackWithEnclosingUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pool(t, "EURC", "USDC", 10000, 10000, 30)
	f.fund(t, "alice", "EURC", 1000)
	before := f.venue.Pools()[0]

	q, err := f.venue.QuoteSwapOut(ctx, QuoteOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(1000)})
	require.NoError(t, err)
	err = f.exec.Run(ctx, "outer", func(ctx context.Context) error {
		if _, err := f.venue.SwapOut(ctx, SwapOutRequest{Source: "EURC", Target: "USDC", SourceAmount: d(1000),
			Payer: "alice", Recipient: "alice", QuoteData: q.QuoteData}); err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	require.Error(t, err)

	after := f.venue.Pools()[0]
	assert.True(t, after.ReserveA.Equal(before.ReserveA))
	assert.True(t, after.ReserveB.Equal(before.ReserveB))
	assert.True(t, f.balance(t, "alice", "EURC").Equal(d(1000)))
	assert.True(t, f.balance(t, "alice", "USDC").IsZero())
}

func TestAddPool_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.venue.AddPool(ctx, auth.New("nobody"), PoolSpec{TokenA: "A", TokenB: "B", AmountA: d(1), AmountB: d(1), Provider: "lp"})
	assert.True(t, errors.Is(err, model.ErrNotAllowed))

	_, err = f.venue.AddPool(ctx, admin, PoolSpec{TokenA: "A", TokenB: "A", AmountA: d(1), AmountB: d(1), Provider: "lp"})
	assert.True(t, errors.Is(err, model.ErrParam))

	// Provider without funds: nothing is left behind.
	_, err = f.venue.AddPool(ctx, admin, PoolSpec{TokenA: "A", TokenB: "B", AmountA: d(1), AmountB: d(1), Provider: "lp"})
	assert.True(t, errors.Is(err, model.ErrInsufficientFunds))
	assert.Empty(t, f.venue.Pools())

	f.pool(t, "A", "B", 10, 10, 30)
	f.fund(t, "lp", "A", 10)
	f.fund(t, "lp", "B", 10)
	_, err = f.venue.AddPool(ctx, admin, PoolSpec{TokenA: "B", TokenB: "A", AmountA: d(10), AmountB: d(10), FeeBps: 30, Provider: "lp"})
	assert.True(t, errors.Is(err, model.ErrParam), "duplicate id")
}
