package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxsettle/internal/audit"
	"fxsettle/internal/breaker"
	"fxsettle/internal/errs"
	"fxsettle/internal/oracle"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ethUSD(sources ...string) PairConfig {
	cfg := PairConfig{Base: "eth", Quote: "usd", TWAPWindow: time.Hour}
	for _, id := range sources {
		cfg.Sources = append(cfg.Sources, SourceConfig{ID: id, Staleness: 5 * time.Minute})
	}
	return cfg
}

func newEngine(t *testing.T, pairs ...PairConfig) (*Engine, *fakeClock, *audit.Memory) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	sink := audit.NewMemory()
	brk := breaker.New(breaker.Options{Now: clock.Now, Audit: sink}, zerolog.Nop())
	e, err := New(pairs, brk, Options{Now: clock.Now, Audit: sink, FailureDecay: 5}, zerolog.Nop())
	require.NoError(t, err)
	return e, clock, sink
}

func submit(t *testing.T, e *Engine, clock *fakeClock, pair oracle.PairID, source, rate string, confidence int) Quote {
	t.Helper()
	q, err := e.SubmitReport(context.Background(), pair, source, d(rate), clock.Now(), confidence)
	require.NoError(t, err)
	return q
}

func TestMedian(t *testing.T) {
	assert.True(t, median([]decimal.Decimal{d("3"), d("1"), d("2")}).Equal(d("2")))
	assert.True(t, median([]decimal.Decimal{d("4"), d("1"), d("3"), d("2")}).Equal(d("2.5")))
	assert.True(t, median(nil).IsZero())
}

func TestTwoSourcesWeightedSpotIsUnreliable(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"))
	pair := oracle.NewPairID("ETH", "USD")

	submit(t, e, clock, pair, "a", "2000", 95)
	q := submit(t, e, clock, pair, "b", "2001", 90)

	assert.Equal(t, "2000.49", q.SpotRate.StringFixed(2))
	assert.Equal(t, 2, q.ValidOracleCount)
	assert.False(t, q.IsReliable)
	assert.Equal(t, breaker.Normal, q.CircuitState, "warming up is not a loss of consensus")
	assert.False(t, q.Halted)
}

func TestLosingConsensusElevates(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"))
	pair := oracle.NewPairID("ETH", "USD")

	submit(t, e, clock, pair, "a", "2000", 90)
	submit(t, e, clock, pair, "b", "2000", 90)
	q := submit(t, e, clock, pair, "c", "2000", 90)
	require.True(t, q.IsReliable)
	require.Equal(t, breaker.Normal, q.CircuitState)

	clock.Advance(6 * time.Minute)
	q = submit(t, e, clock, pair, "a", "2000", 90)
	assert.False(t, q.IsReliable)
	assert.Equal(t, 1, q.ValidOracleCount)
	assert.Equal(t, breaker.Elevated, q.CircuitState)
	assert.Equal(t, uint64(1), e.Breaker().State(pair).Triggers)
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Record(_ context.Context, rec audit.Record) {
	if rec.EventType != breaker.EventEscalated {
		return
	}
	close(s.entered)
	<-s.release
}

func TestSlowAuditSinkDoesNotBlockQuotes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	brk := breaker.New(breaker.Options{Now: clock.Now, Audit: sink}, zerolog.Nop())
	e, err := New([]PairConfig{ethUSD("a", "b", "c")}, brk, Options{Now: clock.Now}, zerolog.Nop())
	require.NoError(t, err)
	pair := oracle.NewPairID("ETH", "USD")

	submit(t, e, clock, pair, "a", "2000", 90)
	submit(t, e, clock, pair, "b", "2000", 90)
	submit(t, e, clock, pair, "c", "2000", 90)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.SubmitReport(context.Background(), pair, "a", d("2000"), clock.Now().Add(-time.Hour), 90)
	}()
	<-sink.entered

	got := make(chan Quote, 1)
	go func() {
		q, _ := e.GetQuote(pair)
		got <- q
	}()
	select {
	case q := <-got:
		assert.True(t, q.SpotRate.Equal(d("2000")))
	case <-time.After(time.Second):
		t.Fatal("GetQuote blocked behind the audit sink")
	}

	close(sink.release)
	<-done
}

func TestOutlierExcludedAndCounted(t *testing.T) {
	e, clock, sink := newEngine(t, ethUSD("a", "b", "c", "d"))
	pair := oracle.NewPairID("ETH", "USD")

	submit(t, e, clock, pair, "a", "2000", 90)
	submit(t, e, clock, pair, "b", "2001", 90)
	submit(t, e, clock, pair, "c", "1999", 90)
	q := submit(t, e, clock, pair, "d", "2100", 90)

	assert.Equal(t, 1, q.OutlierCount)
	assert.Equal(t, []string{"d"}, q.Outliers)
	assert.Equal(t, 3, q.ValidOracleCount)
	assert.True(t, q.IsReliable)
	assert.True(t, q.SpotRate.Equal(d("2000")), "spot %s", q.SpotRate)
	assert.Equal(t, 1, sink.Count(EventOutlier))

	health, err := e.SourceHealth(pair)
	require.NoError(t, err)
	require.Len(t, health, 4)
	assert.Equal(t, "d", health[3].SourceID)
	assert.Equal(t, 1, health[3].Failures)
	assert.Equal(t, 1, health[3].Outliers)
	assert.Equal(t, 0, health[0].Failures)
}

func TestNoFreshReportsTriggersEmergency(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"))
	pair := oracle.NewPairID("ETH", "USD")

	stamp := clock.Now()
	submit(t, e, clock, pair, "a", "2000", 90)
	submit(t, e, clock, pair, "b", "2000", 90)
	last := submit(t, e, clock, pair, "c", "2000", 90)
	require.True(t, last.IsReliable)

	clock.Advance(10 * time.Minute)
	q, err := e.SubmitReport(context.Background(), pair, "a", d("2500"), stamp, 90)
	require.NoError(t, err)

	assert.True(t, q.SpotRate.Equal(last.SpotRate))
	assert.Equal(t, last.ComputedAt, q.ComputedAt)
	assert.False(t, q.IsReliable)
	assert.Equal(t, breaker.Emergency, q.CircuitState)
	assert.True(t, q.Halted)
	assert.True(t, e.Breaker().Halted(pair))
}

func TestNoFreshReportsWithoutHistory(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a"))
	pair := oracle.NewPairID("ETH", "USD")

	q, err := e.SubmitReport(context.Background(), pair, "a", d("2000"), clock.Now().Add(-time.Hour), 90)
	require.NoError(t, err)
	assert.True(t, q.IsZero())
	assert.True(t, q.Halted)

	_, err = e.GetQuote(pair)
	assert.True(t, errs.Is(err, errs.InsufficientConsensus))
}

func TestTWAPDeviationTriggersCritical(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"))
	pair := oracle.NewPairID("ETH", "USD")

	for i := 0; i < 6; i++ {
		submit(t, e, clock, pair, "a", "2000", 90)
		submit(t, e, clock, pair, "b", "2000", 90)
		submit(t, e, clock, pair, "c", "2000", 90)
		clock.Advance(time.Minute)
	}

	q := submit(t, e, clock, pair, "a", "2240", 90)
	assert.Equal(t, 1, q.OutlierCount)
	assert.False(t, q.Halted)

	q = submit(t, e, clock, pair, "b", "2240", 90)
	assert.True(t, q.SpotRate.Equal(d("2240")), "spot %s", q.SpotRate)
	assert.True(t, q.TWAPRate.Equal(d("2000")), "twap %s", q.TWAPRate)
	assert.Equal(t, int64(1200), q.DeviationBps)
	assert.Equal(t, breaker.Critical, q.CircuitState)
	assert.True(t, q.Halted)

	got, err := e.GetQuote(pair)
	require.NoError(t, err)
	assert.True(t, got.Halted)
}

func TestTWAPAbsorbsSustainedMove(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"))
	pair := oracle.NewPairID("ETH", "USD")

	submit(t, e, clock, pair, "a", "100", 90)
	submit(t, e, clock, pair, "b", "100", 90)
	submit(t, e, clock, pair, "c", "100", 90)
	clock.Advance(time.Minute)

	// All three move together by 6%: the anchor is still the old rate, so the breaker goes High.
	submit(t, e, clock, pair, "a", "106", 90)
	submit(t, e, clock, pair, "b", "106", 90)
	q := submit(t, e, clock, pair, "c", "106", 90)
	require.True(t, q.IsReliable)
	assert.Equal(t, breaker.High, q.CircuitState)
	assert.True(t, q.TWAPRate.Equal(d("100")), "twap %s", q.TWAPRate)
	assert.False(t, q.Halted)

	// The reliable spot entered the history, so the anchor follows the sustained move.
	clock.Advance(30 * time.Minute)
	submit(t, e, clock, pair, "a", "106", 90)
	submit(t, e, clock, pair, "b", "106", 90)
	q = submit(t, e, clock, pair, "c", "106", 90)
	assert.True(t, q.TWAPRate.GreaterThan(d("105")), "twap %s", q.TWAPRate)
	assert.Less(t, q.DeviationBps, int64(100))
	assert.Equal(t, breaker.High, q.CircuitState, "breaker never self-heals")
}

func TestSubmitValidation(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a"))
	pair := oracle.NewPairID("ETH", "USD")
	ctx := context.Background()

	_, err := e.SubmitReport(ctx, pair, "rogue", d("2000"), clock.Now(), 90)
	assert.True(t, errs.Is(err, errs.Unauthorized))

	_, err = e.SubmitReport(ctx, pair, "a", d("0"), clock.Now(), 90)
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = e.SubmitReport(ctx, pair, "a", d("2000"), clock.Now(), 101)
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = e.SubmitReport(ctx, oracle.NewPairID("BTC", "USD"), "a", d("2000"), clock.Now(), 90)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSourceFailureDecaysConfidence(t *testing.T) {
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"))
	pair := oracle.NewPairID("ETH", "USD")

	submit(t, e, clock, pair, "a", "2000", 90)
	submit(t, e, clock, pair, "b", "2000", 90)
	q := submit(t, e, clock, pair, "c", "2000", 90)
	assert.Equal(t, 90, q.Confidence)

	require.NoError(t, e.RecordSourceFailure(pair, "c"))
	require.NoError(t, e.RecordSourceFailure(pair, "c"))
	q = submit(t, e, clock, pair, "a", "2000", 90)
	assert.Equal(t, 87, q.Confidence)

	assert.True(t, errs.Is(e.RecordSourceFailure(pair, "zz"), errs.NotFound))
}

func TestPairsAreIsolated(t *testing.T) {
	eur := PairConfig{Base: "EUR", Quote: "USD", TWAPWindow: time.Hour, Sources: []SourceConfig{{ID: "a", Staleness: time.Minute}}}
	e, clock, _ := newEngine(t, ethUSD("a", "b", "c"), eur)
	eth := oracle.NewPairID("ETH", "USD")

	_, err := e.SubmitReport(context.Background(), eth, "a", d("2000"), clock.Now().Add(-time.Hour), 90)
	require.NoError(t, err)
	assert.True(t, e.Breaker().Halted(eth))
	assert.False(t, e.Breaker().Halted(eur.ID()))

	pairs := e.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, "ETH/USD", pairs[0].Label())
	assert.Equal(t, "EUR/USD", pairs[1].Label())

	id, inverted, ok := e.Lookup("usd", "eur")
	require.True(t, ok)
	assert.True(t, inverted)
	assert.Equal(t, eur.ID(), id)
}

func TestRegisterRejectsBadConfig(t *testing.T) {
	_, err := New([]PairConfig{{Base: "ETH", Quote: "ETH", TWAPWindow: time.Hour}}, nil, Options{}, zerolog.Nop())
	assert.True(t, errs.Is(err, errs.Validation))

	dup := ethUSD("a", "a")
	_, err = New([]PairConfig{dup}, nil, Options{}, zerolog.Nop())
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = New([]PairConfig{ethUSD("a"), ethUSD("b")}, nil, Options{}, zerolog.Nop())
	assert.True(t, errs.Is(err, errs.Validation))
}
