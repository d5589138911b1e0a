package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxsettle/internal/audit"
	"fxsettle/internal/breaker"
	"fxsettle/internal/compliance"
	"fxsettle/internal/config"
	"fxsettle/internal/errs"
	"fxsettle/internal/oracle"
	"fxsettle/internal/payment"
	"fxsettle/internal/storage"
)

const testConfig = `
pairs:
  - base: USDC
    quote: EURC
    sources:
      - id: ecb
        url: https://example.test/ecb
        rate_path: rate
      - id: vault
        kind: vault
        rpc_url: https://rpc.example.test
        vault_address: "0x9D39A5DE30e57443BfF2A8307A4256c8797A3497"
      - id: desk
        kind: static
        rate: "0.92"
compliance:
  profiles:
    - address: "0x00000000000000000000000000000000000000a1"
      tier: enhanced
      pep: true
      daily_limit: "5000"
roles:
  - capability: breaker.reset
    addresses: ["0x00000000000000000000000000000000000000ad"]
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	a := NewApp(cfg, zerolog.Nop())
	a.Out = &bytes.Buffer{}
	return a
}

func TestSimulateSettlesThenHaltsOnShock(t *testing.T) {
	a := newTestApp(t)

	report, err := a.Simulate(context.Background(), SimulateOptions{ShockPct: decimal.NewFromInt(12)})
	require.NoError(t, err)

	assert.True(t, report.Quote.IsReliable)
	assert.Equal(t, breaker.Normal, report.Quote.CircuitState)

	require.NoError(t, report.PaymentErr)
	assert.Equal(t, payment.Executed, report.Payment.Status)
	assert.Equal(t, "917.24", report.Payment.TargetAmount.StringFixed(2))
	assert.Equal(t, "3", report.Payment.Fee.String())

	assert.True(t, report.ShockQuote.Halted)
	assert.Equal(t, breaker.Critical, report.ShockQuote.CircuitState)
	assert.Equal(t, int64(1200), report.ShockQuote.DeviationBps)

	assert.True(t, errs.Is(report.BlockedErr, errs.CircuitHalted), "got %v", report.BlockedErr)
	assert.Equal(t, payment.Pending, report.Blocked.Status)

	assert.Equal(t, 2, report.Stats.Created)
	assert.Equal(t, 1, report.Stats.Executed)
	assert.Positive(t, report.AuditEvents)

	var out bytes.Buffer
	require.NoError(t, a.WriteSimulation(&out, report))
	assert.Contains(t, out.String(), "status=executed")
	assert.Contains(t, out.String(), "CIRCUIT_HALTED")
}

func TestSimulateWithoutShock(t *testing.T) {
	a := newTestApp(t)

	report, err := a.Simulate(context.Background(), SimulateOptions{Rate: decimal.RequireFromString("1.25"), Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.False(t, report.Shocked)
	assert.Equal(t, payment.Executed, report.Payment.Status)
	assert.Equal(t, "124.625", report.Payment.TargetAmount.String())

	require.NoError(t, a.WriteSimulation(nil, report))
	assert.NotContains(t, a.Out.(*bytes.Buffer).String(), "shock")
}

func TestNewBindingsBuildsEveryKind(t *testing.T) {
	a := newTestApp(t)

	bindings, err := a.newBindings(time.Now)
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	pair := oracle.NewPairID("USDC", "EURC")
	for _, b := range bindings {
		assert.Equal(t, pair, b.Pair)
		assert.Equal(t, "USDC/EURC", b.Label)
	}
	assert.IsType(t, &oracle.HTTPSource{}, bindings[0].Source)
	assert.IsType(t, &oracle.VaultSource{}, bindings[1].Source)
	assert.IsType(t, &oracle.StaticSource{}, bindings[2].Source)

	report, ok, err := bindings[2].Source.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, report.Rate.Equal(decimal.RequireFromString("0.92")))
}

func TestProfileFacts(t *testing.T) {
	a := newTestApp(t)

	facts, err := a.profileFacts()
	require.NoError(t, err)
	require.Len(t, facts, 1)
	f := facts[0]
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000a1"), f.Address)
	assert.Equal(t, compliance.TierEnhanced, f.Tier)
	assert.True(t, f.PEP)
	assert.True(t, f.DailyLimit.Equal(decimal.NewFromInt(5000)))
	assert.True(t, f.MonthlyLimit.IsZero())
}

func TestBuildRuntimeWiresRoles(t *testing.T) {
	a := newTestApp(t)

	rt, err := a.buildRuntime(runtimeDeps{pairs: a.aggregatorPairs(), profiles: compliance.NewMemoryStore()})
	require.NoError(t, err)

	pairs := rt.Aggregator.Pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, []string{"ecb", "vault", "desk"}, pairs[0].Sources)

	pair := pairs[0].ID
	outsider := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	admin := common.HexToAddress("0x00000000000000000000000000000000000000ad")
	assert.True(t, errs.Is(rt.Breaker.Reset(context.Background(), pair, outsider), errs.Unauthorized))
	assert.NoError(t, rt.Breaker.Reset(context.Background(), pair, admin))
}

func sampleSnapshots(n int) []storage.QuoteSnapshot {
	base := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	out := make([]storage.QuoteSnapshot, n)
	for i := range out {
		out[i] = storage.QuoteSnapshot{
			Pair:         "USDC/EURC",
			PairID:       oracle.NewPairID("USDC", "EURC").Hex(),
			SpotRate:     decimal.RequireFromString("0.92"),
			MedianRate:   decimal.RequireFromString("0.92"),
			TWAPRate:     decimal.RequireFromString("0.919"),
			DeviationBps: 10,
			Confidence:   90,
			IsReliable:   true,
			CircuitState: "normal",
			ComputedAt:   base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestEncodeSnapshotsCSV(t *testing.T) {
	snaps := sampleSnapshots(2)
	snaps[1].Outliers = []string{"a", "b"}
	snaps[1].OutlierCount = 2

	var buf bytes.Buffer
	require.NoError(t, encodeSnapshotsCSV(&buf, snaps))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "computed_at", rows[0][0])
	assert.Equal(t, "2026-05-04T10:01:00Z", rows[2][0])
	assert.Equal(t, "a;b", rows[2][10])
	assert.Equal(t, "0.919", rows[1][5])
}

func TestDownsampleSnapshots(t *testing.T) {
	snaps := sampleSnapshots(10)

	assert.Len(t, downsampleSnapshots(snaps, 0), 10)
	assert.Len(t, downsampleSnapshots(snaps, 20), 10)

	got := downsampleSnapshots(snaps, 4)
	require.Len(t, got, 4)
	assert.Equal(t, snaps[0].ComputedAt, got[0].ComputedAt)
	assert.Equal(t, snaps[9].ComputedAt, got[3].ComputedAt)

	one := downsampleSnapshots(snaps, 1)
	require.Len(t, one, 1)
	assert.Equal(t, snaps[9].ComputedAt, one[0].ComputedAt)
}

func TestWriteSnapshotTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSnapshotTable(&buf, nil))
	assert.Equal(t, "no quotes found\n", buf.String())

	buf.Reset()
	snaps := sampleSnapshots(1)
	snaps[0].Halted = true
	snaps[0].CircuitState = "critical"
	require.NoError(t, writeSnapshotTable(&buf, snaps))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "USDC/EURC")
	assert.Contains(t, lines[1], "critical (halted)")
}

func TestCommandsNeedDatabase(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	assert.Error(t, a.Quotes(ctx, QuotesOptions{Limit: 5}))
	assert.Error(t, a.Export(ctx, ExportOptions{CSVPath: filepath.Join(t.TempDir(), "q.csv")}))
	assert.Error(t, a.Export(ctx, ExportOptions{}))
}

type recordedEvents struct {
	events []storage.AuditEvent
}

func (r *recordedEvents) InsertAuditEvent(_ context.Context, event storage.AuditEvent) error {
	r.events = append(r.events, event)
	return nil
}

func (r *recordedEvents) ListRecentAuditEvents(context.Context, int) ([]storage.AuditEvent, error) {
	return r.events, nil
}

func TestAuditEventsMapRecords(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	store := &recordedEvents{}
	sink := audit.NewStoreSink(auditEvents{store: store}, zerolog.Nop())

	sink.Record(context.Background(), audit.Record{
		EventType:   "payment.executed",
		PaymentID:   "p-1",
		PairID:      "USDC/EURC",
		Severity:    audit.SeverityWarning,
		Timestamp:   at,
		Description: "paid",
	})

	require.Len(t, store.events, 1)
	got := store.events[0]
	assert.Equal(t, "payment.executed", got.EventType)
	assert.Equal(t, "p-1", got.PaymentID)
	assert.Equal(t, "USDC/EURC", got.PairID)
	assert.Equal(t, string(audit.SeverityWarning), got.Severity)
	assert.True(t, got.OccurredAt.Equal(at))
}

func TestAuditSinkWithoutStoreOrAlerts(t *testing.T) {
	a := newTestApp(t)
	sink, closeSink, err := a.newAuditSink(nil)
	require.NoError(t, err)
	require.NotNil(t, closeSink)
	defer closeSink()

	multi, ok := sink.(audit.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 1)
}
