package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxsettle/internal/audit"
	"fxsettle/internal/errs"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func amt(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newGate(t *testing.T, facts ...Fact) (*Gate, *MemoryStore, *testClock, *audit.Memory) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(facts...)
	sink := audit.NewMemory()
	g := NewGate(store, Options{Now: clock.Now, Audit: sink}, zerolog.Nop())
	return g, store, clock, sink
}

func request(amount string) Request {
	return Request{PaymentID: "p1", Sender: alice, Recipient: bob, Amount: amt(amount), RequireSanctions: true}
}

func TestDailyLimitMonotonicity(t *testing.T) {
	g, store, clock, sink := newGate(t,
		Fact{Address: alice, Tier: TierStandard, DailyLimit: amt("1000")},
		Fact{Address: bob, Tier: TierBasic},
	)
	ctx := context.Background()

	res, err := g.Check(ctx, request("400"))
	require.NoError(t, err)
	require.True(t, res.Passed)

	fact, _ := store.GetProfile(ctx, alice)
	assert.True(t, fact.DailyRemaining(clock.Now()).Equal(amt("600")))

	res, err = g.Check(ctx, request("700"))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, ReasonDailyLimit, res.Reason)

	fact, _ = store.GetProfile(ctx, alice)
	assert.True(t, fact.DailyRemaining(clock.Now()).Equal(amt("600")))
	assert.Equal(t, 1, sink.Count(EventPassed))
	assert.Equal(t, 1, sink.Count(EventRejected))

	clock.now = clock.now.Add(24 * time.Hour)
	fact, _ = store.GetProfile(ctx, alice)
	assert.True(t, fact.DailyRemaining(clock.Now()).Equal(amt("1000")))
	res, err = g.Check(ctx, request("700"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestMonthlyLimitUsesFixedThirtyDayMonths(t *testing.T) {
	g, store, clock, _ := newGate(t, Fact{Address: alice, MonthlyLimit: amt("500")})
	ctx := context.Background()

	res, _ := g.Check(ctx, request("500"))
	require.True(t, res.Passed)
	res, _ = g.Check(ctx, request("1"))
	assert.Equal(t, ReasonMonthlyLimit, res.Reason)

	next := time.Unix((Month(clock.now)+1)*secondsPerMonth, 0).UTC()
	clock.now = next
	fact, _ := store.GetProfile(ctx, alice)
	assert.True(t, fact.MonthlyRemaining(next).Equal(amt("500")))
}

func TestShortCircuitOrder(t *testing.T) {
	ctx := context.Background()
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		sender Fact
		recip  Fact
		req    func(Request) Request
		reason string
	}{
		{
			name:   "sanctions before tier",
			sender: Fact{Address: alice, Sanctioned: true},
			recip:  Fact{Address: bob},
			req:    func(r Request) Request { r.SenderTier = TierEnhanced; return r },
			reason: ReasonSenderSanctioned,
		},
		{
			name:   "recipient sanctioned",
			sender: Fact{Address: alice, Tier: TierEnhanced},
			recip:  Fact{Address: bob, Sanctioned: true},
			req:    func(r Request) Request { return r },
			reason: ReasonRecipientSanctioned,
		},
		{
			name:   "tier before expiry",
			sender: Fact{Address: alice, Tier: TierBasic, VerificationExpiry: past},
			recip:  Fact{Address: bob},
			req:    func(r Request) Request { r.SenderTier = TierStandard; return r },
			reason: ReasonSenderTier,
		},
		{
			name:   "recipient tier",
			sender: Fact{Address: alice, Tier: TierStandard},
			recip:  Fact{Address: bob, Tier: TierNone},
			req:    func(r Request) Request { r.RecipientTier = TierBasic; return r },
			reason: ReasonRecipientTier,
		},
		{
			name:   "expiry before single tx limit",
			sender: Fact{Address: alice, VerificationExpiry: past, SingleTxLimit: amt("1")},
			recip:  Fact{Address: bob},
			req:    func(r Request) Request { return r },
			reason: ReasonSenderExpired,
		},
		{
			name:   "single tx before daily",
			sender: Fact{Address: alice, SingleTxLimit: amt("50"), DailyLimit: amt("10")},
			recip:  Fact{Address: bob},
			req:    func(r Request) Request { return r },
			reason: ReasonSingleTxLimit,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _, _, _ := newGate(t, tc.sender, tc.recip)
			res, err := g.Evaluate(ctx, tc.req(request("100")))
			require.NoError(t, err)
			assert.False(t, res.Passed)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestSanctionsScreeningOptional(t *testing.T) {
	g, _, _, _ := newGate(t, Fact{Address: alice, Sanctioned: true})
	req := request("10")
	req.RequireSanctions = false
	res, err := g.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestTravelRuleAndEnhancedDueDiligence(t *testing.T) {
	g, _, _, _ := newGate(t,
		Fact{Address: alice, RiskScore: 20},
		Fact{Address: bob, PEP: true},
	)
	ctx := context.Background()

	res, err := g.Evaluate(ctx, request("2999.99"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.False(t, res.RequiresTravelRule)
	assert.True(t, res.RequiresEnhancedDD)

	res, _ = g.Evaluate(ctx, request("3000"))
	assert.True(t, res.RequiresTravelRule)

	g, _, _, _ = newGate(t, Fact{Address: alice, RiskScore: 71})
	res, _ = g.Evaluate(ctx, request("1"))
	assert.True(t, res.RequiresEnhancedDD)
}

func TestEvaluateDoesNotConsume(t *testing.T) {
	g, store, clock, _ := newGate(t, Fact{Address: alice, DailyLimit: amt("100")})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := g.Evaluate(ctx, request("100"))
		require.NoError(t, err)
		require.True(t, res.Passed)
	}
	fact, _ := store.GetProfile(ctx, alice)
	assert.True(t, fact.DailyRemaining(clock.Now()).Equal(amt("100")))
}

type brokenStore struct{}

func (brokenStore) GetProfile(context.Context, common.Address) (Fact, error) {
	return Fact{}, errors.New("connection refused")
}

func (brokenStore) ConsumeVolume(context.Context, common.Address, decimal.Decimal, time.Time) error {
	return errors.New("connection refused")
}

func (brokenStore) ReleaseVolume(context.Context, common.Address, decimal.Decimal, time.Time) error {
	return errors.New("connection refused")
}

func TestStoreErrorsPropagate(t *testing.T) {
	g := NewGate(brokenStore{}, Options{}, zerolog.Nop())
	_, err := g.Check(context.Background(), request("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	_, err = g.Check(context.Background(), request("0"))
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("Enhanced")
	require.NoError(t, err)
	assert.Equal(t, TierEnhanced, tier)
	tier, err = ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierNone, tier)
	_, err = ParseTier("gold")
	assert.Error(t, err)
}

type steppingClock struct {
	times []time.Time
	calls int
}

func (c *steppingClock) Now() time.Time {
	i := c.calls
	if i >= len(c.times) {
		i = len(c.times) - 1
	}
	c.calls++
	return c.times[i]
}

func TestCheckReadsClockOnce(t *testing.T) {
	lastSecond := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	fact := Fact{Address: alice, DailyLimit: amt("100")}.Consume(amt("100"), lastSecond)
	store := NewMemoryStore(fact)
	clock := &steppingClock{times: []time.Time{lastSecond, lastSecond.Add(2 * time.Second)}}
	g := NewGate(store, Options{Now: clock.Now}, zerolog.Nop())

	res, err := g.Check(context.Background(), request("50"))
	require.NoError(t, err)
	assert.False(t, res.Passed, "limits and consumption belong to the same day")
	assert.Equal(t, ReasonDailyLimit, res.Reason)
	assert.Equal(t, lastSecond, res.CheckedAt)

	got, _ := store.GetProfile(context.Background(), alice)
	assert.True(t, got.DailyUsedAt(lastSecond).Equal(amt("100")))
}

func TestReleaseReturnsConsumedVolume(t *testing.T) {
	g, store, clock, _ := newGate(t, Fact{Address: alice, DailyLimit: amt("1000"), MonthlyLimit: amt("5000")})
	ctx := context.Background()

	res, err := g.Check(ctx, request("400"))
	require.NoError(t, err)
	require.True(t, res.Passed)
	assert.Equal(t, clock.Now(), res.CheckedAt)

	require.NoError(t, g.Release(ctx, request("400"), res.CheckedAt))
	fact, _ := store.GetProfile(ctx, alice)
	assert.True(t, fact.DailyRemaining(clock.Now()).Equal(amt("1000")))
	assert.True(t, fact.MonthlyRemaining(clock.Now()).Equal(amt("5000")))

	// A release for a day that has rolled over leaves today's usage alone.
	_, err = g.Check(ctx, request("300"))
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, request("300"), clock.Now().Add(-48*time.Hour)))
	fact, _ = store.GetProfile(ctx, alice)
	assert.True(t, fact.DailyRemaining(clock.Now()).Equal(amt("700")))
}
