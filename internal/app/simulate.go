package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"fxsettle/internal/aggregator"
	"fxsettle/internal/audit"
	"fxsettle/internal/compliance"
	"fxsettle/internal/errs"
	"fxsettle/internal/oracle"
	"fxsettle/internal/payment"
	"fxsettle/internal/service"
)

var (
	simSender    = common.HexToAddress("0x0000000000000000000000000000000000005e4d")
	simRecipient = common.HexToAddress("0x000000000000000000000000000000000000dec1")
)

// SimulateOptions parameterise the in-memory settlement scenario.
type SimulateOptions struct {
	Base    string
	Quote   string
	Rate    decimal.Decimal
	Sources int
	Amount  decimal.Decimal
	// ShockPct moves every source by this percentage one minute after the first payment.
	ShockPct decimal.Decimal
}

func (o *SimulateOptions) setDefaults() {
	if o.Base == "" {
		o.Base = "USDC"
	}
	if o.Quote == "" {
		o.Quote = "EURC"
	}
	if o.Rate.Sign() <= 0 {
		o.Rate = decimal.RequireFromString("0.92")
	}
	if o.Sources <= 0 {
		o.Sources = 3
	}
	if o.Amount.Sign() <= 0 {
		o.Amount = decimal.NewFromInt(1000)
	}
}

// SimulationReport is what the scenario observed.
type SimulationReport struct {
	Quote       aggregator.Quote
	Payment     payment.Payment
	PaymentErr  error
	Shocked     bool
	ShockQuote  aggregator.Quote
	Blocked     payment.Payment
	BlockedErr  error
	Stats       payment.Stats
	AuditEvents int
}

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Simulate runs reports through aggregation into an FX payment entirely in memory. With a
// shock it then moves every source at once and shows the breaker refusing the next payment.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulationReport, error) {
	opts.setDefaults()
	if opts.Sources < a.Config.Aggregation.MinValidSources {
		a.Logger.Warn().Int("sources", opts.Sources).Msg("fewer sources than the consensus minimum; quotes will be unreliable")
	}

	clock := &simClock{now: time.Now().UTC().Truncate(time.Second)}
	mem := audit.NewMemory()
	sink := audit.Multi{mem, audit.NewLogSink(a.Logger)}

	facts, err := a.profileFacts()
	if err != nil {
		return SimulationReport{}, err
	}
	profiles := compliance.NewMemoryStore(facts...)
	profiles.Put(compliance.Fact{Address: simSender, Tier: compliance.TierStandard})
	profiles.Put(compliance.Fact{Address: simRecipient, Tier: compliance.TierStandard})

	pairCfg := aggregator.PairConfig{Base: opts.Base, Quote: opts.Quote, TWAPWindow: time.Hour}
	pair := pairCfg.ID()
	label := oracle.PairLabel(opts.Base, opts.Quote)
	sources := make([]*oracle.StaticSource, 0, opts.Sources)
	bindings := make([]service.Binding, 0, opts.Sources)
	for i := 1; i <= opts.Sources; i++ {
		id := "sim-" + strconv.Itoa(i)
		pairCfg.Sources = append(pairCfg.Sources, aggregator.SourceConfig{ID: id, Staleness: 5 * time.Minute})
		src := oracle.NewStaticSource(id, pair, opts.Rate, 90, clock.Now)
		sources = append(sources, src)
		bindings = append(bindings, service.Binding{Pair: pair, Label: label, Source: src})
	}

	rt, err := a.buildRuntime(runtimeDeps{
		pairs:    []aggregator.PairConfig{pairCfg},
		profiles: profiles,
		sink:     sink,
		now:      clock.Now,
		tokens:   []string{opts.Base, opts.Quote},
	})
	if err != nil {
		return SimulationReport{}, err
	}
	svc := service.New(nil, rt.Aggregator, bindings, service.Options{Now: clock.Now}, a.Logger)

	var report SimulationReport
	if _, err := svc.PollRound(ctx, clock.Now()); err != nil {
		return SimulationReport{}, err
	}
	if report.Quote, err = rt.Aggregator.GetQuote(pair); err != nil {
		return SimulationReport{}, fmt.Errorf("initial quote: %w", err)
	}

	report.Payment, report.PaymentErr = a.simulatePayment(ctx, rt, opts)

	if opts.ShockPct.Sign() != 0 {
		report.Shocked = true
		clock.Advance(time.Minute)
		shocked := opts.Rate.Mul(decimal.NewFromInt(1).Add(opts.ShockPct.Div(decimal.NewFromInt(100))))
		for _, src := range sources {
			src.Set(shocked)
		}
		if _, err := svc.PollRound(ctx, clock.Now()); err != nil {
			return SimulationReport{}, err
		}
		if report.ShockQuote, err = rt.Aggregator.GetQuote(pair); err != nil {
			return SimulationReport{}, fmt.Errorf("shock quote: %w", err)
		}
		report.Blocked, report.BlockedErr = a.simulatePayment(ctx, rt, opts)
	}

	report.Stats = rt.Payments.Stats()
	report.AuditEvents = len(mem.Records())
	return report, nil
}

func (a *App) simulatePayment(ctx context.Context, rt *Runtime, opts SimulateOptions) (payment.Payment, error) {
	if err := rt.Ledger.Credit(simSender, opts.Base, opts.Amount); err != nil {
		return payment.Payment{}, err
	}
	id, execErr := rt.Payments.Create(ctx, payment.CreateRequest{
		Sender:      simSender,
		Recipient:   simRecipient,
		Token:       opts.Base,
		Amount:      opts.Amount,
		TargetToken: opts.Quote,
	})
	if id == "" {
		return payment.Payment{}, execErr
	}
	p, err := rt.Payments.Get(id)
	if err != nil {
		return payment.Payment{}, err
	}
	return p, execErr
}

// WriteSimulation renders a simulation report.
func (a *App) WriteSimulation(out io.Writer, r SimulationReport) error {
	if out == nil {
		out = a.Out
	}
	var b errWriter
	b.w = out

	b.printf("quote      %s spot=%s twap=%s confidence=%d valid=%d reliable=%t circuit=%s\n",
		r.Quote.Label(), r.Quote.SpotRate.StringFixed(6), r.Quote.TWAPRate.StringFixed(6),
		r.Quote.Confidence, r.Quote.ValidOracleCount, r.Quote.IsReliable, r.Quote.CircuitState)
	b.printPayment("payment", r.Payment, r.PaymentErr)
	if r.Shocked {
		b.printf("shock      %s spot=%s twap=%s deviation=%dbps circuit=%s halted=%t\n",
			r.ShockQuote.Label(), r.ShockQuote.SpotRate.StringFixed(6), r.ShockQuote.TWAPRate.StringFixed(6),
			r.ShockQuote.DeviationBps, r.ShockQuote.CircuitState, r.ShockQuote.Halted)
		b.printPayment("after shock", r.Blocked, r.BlockedErr)
	}
	b.printf("stats      created=%d executed=%d failed=%d cancelled=%d volume=%s\n",
		r.Stats.Created, r.Stats.Executed, r.Stats.Failed, r.Stats.Cancelled, r.Stats.Volume.String())
	b.printf("audit      %d events\n", r.AuditEvents)
	return b.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func (e *errWriter) printPayment(title string, p payment.Payment, err error) {
	if p.ID == "" {
		e.printf("%-10s not created: %v\n", title, err)
		return
	}
	e.printf("%-10s %s status=%s amount=%s %s fee=%s payout=%s %s rate=%s\n",
		title, p.ID, p.Status, p.Amount.String(), p.Token, p.Fee.String(),
		p.TargetAmount.String(), p.TargetToken, p.Rate.String())
	if err != nil {
		kind := string(errs.KindOf(err))
		if kind == "" {
			kind = "error"
		}
		e.printf("%-10s %s: %s\n", "", kind, errs.Reason(err))
	}
}
