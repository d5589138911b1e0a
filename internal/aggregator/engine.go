// Package aggregator fuses per-source rate reports into a single trust-scored quote per
// pair: staleness filtering, median-based outlier rejection, confidence-weighted spot,
// and TWAP cross-validation feeding the circuit breaker.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxsettle/internal/audit"
	"fxsettle/internal/breaker"
	"fxsettle/internal/errs"
	"fxsettle/internal/metrics"
	"fxsettle/internal/oracle"
)

// EventOutlier is recorded for every report rejected as an outlier.
const EventOutlier = "oracle.outlier"

// Options tune aggregation.
type Options struct {
	MinValidSources      int
	OutlierThresholdBps  int64
	HighDeviationBps     int64
	CriticalDeviationBps int64
	// FailureDecay is the confidence deducted per recorded source failure.
	FailureDecay int
	MaxHistory   int
	Now          func() time.Time
	Audit        audit.Sink
}

func (o *Options) setDefaults() {
	if o.MinValidSources <= 0 {
		o.MinValidSources = 3
	}
	if o.OutlierThresholdBps <= 0 {
		o.OutlierThresholdBps = 200
	}
	if o.HighDeviationBps <= 0 {
		o.HighDeviationBps = 500
	}
	if o.CriticalDeviationBps <= 0 {
		o.CriticalDeviationBps = 1000
	}
	if o.FailureDecay < 0 {
		o.FailureDecay = 0
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Audit == nil {
		o.Audit = audit.Discard
	}
}

type sourceBook struct {
	cfg         SourceConfig
	failures    int
	outliers    int
	lastOutlier time.Time
	report      *oracle.RateReport
}

type pairBook struct {
	mu      sync.Mutex
	cfg     PairConfig
	id      oracle.PairID
	label   string
	order   []string
	sources map[string]*sourceBook
	history []observation
	last    Quote
}

// Engine aggregates reports for every registered pair. Pairs are isolated: each has its own
// lock, history, and breaker state.
type Engine struct {
	mu      sync.RWMutex
	pairs   map[oracle.PairID]*pairBook
	breaker *breaker.Breaker
	opts    Options
	logger  zerolog.Logger
}

// New validates pairs and builds an engine. A nil breaker gets a private one with defaults.
func New(pairs []PairConfig, brk *breaker.Breaker, opts Options, logger zerolog.Logger) (*Engine, error) {
	opts.setDefaults()
	if brk == nil {
		brk = breaker.New(breaker.Options{Now: opts.Now, Audit: opts.Audit}, logger)
	}
	e := &Engine{
		pairs:   make(map[oracle.PairID]*pairBook),
		breaker: brk,
		opts:    opts,
		logger:  logger.With().Str("component", "aggregator").Logger(),
	}
	for _, p := range pairs {
		if err := e.Register(p); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds a pair. Registering the same pair twice is an error.
func (e *Engine) Register(p PairConfig) error {
	p.Base = oracle.NormaliseSymbol(p.Base)
	p.Quote = oracle.NormaliseSymbol(p.Quote)
	if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
		return errs.New(errs.Validation, "aggregator.register", "invalid pair %q/%q", p.Base, p.Quote)
	}
	if p.TWAPWindow <= 0 {
		return errs.New(errs.Validation, "aggregator.register", "pair %s: twap window must be positive", oracle.PairLabel(p.Base, p.Quote))
	}
	if len(p.Sources) == 0 {
		return errs.New(errs.Validation, "aggregator.register", "pair %s: no sources", oracle.PairLabel(p.Base, p.Quote))
	}

	book := &pairBook{
		cfg:     p,
		id:      p.ID(),
		label:   oracle.PairLabel(p.Base, p.Quote),
		sources: make(map[string]*sourceBook, len(p.Sources)),
	}
	for _, s := range p.Sources {
		if s.ID == "" {
			return errs.New(errs.Validation, "aggregator.register", "pair %s: source id required", book.label)
		}
		if s.Staleness <= 0 {
			return errs.New(errs.Validation, "aggregator.register", "pair %s source %s: staleness must be positive", book.label, s.ID)
		}
		if s.Weight < 0 {
			return errs.New(errs.Validation, "aggregator.register", "pair %s source %s: negative weight", book.label, s.ID)
		}
		if s.Weight == 0 {
			s.Weight = 100
		}
		if _, dup := book.sources[s.ID]; dup {
			return errs.New(errs.Validation, "aggregator.register", "pair %s: duplicate source %s", book.label, s.ID)
		}
		book.sources[s.ID] = &sourceBook{cfg: s}
		book.order = append(book.order, s.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pairs[book.id]; exists {
		return errs.New(errs.Validation, "aggregator.register", "pair %s already registered", book.label)
	}
	e.pairs[book.id] = book
	e.breaker.Register(book.id, book.label)
	return nil
}

// Breaker exposes the breaker the engine escalates.
func (e *Engine) Breaker() *breaker.Breaker { return e.breaker }

// Pairs lists registered pairs ordered by label.
func (e *Engine) Pairs() []PairInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PairInfo, 0, len(e.pairs))
	for _, b := range e.pairs {
		out = append(out, PairInfo{
			ID:         b.id,
			Base:       b.cfg.Base,
			Quote:      b.cfg.Quote,
			TWAPWindow: b.cfg.TWAPWindow,
			Sources:    append([]string(nil), b.order...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out
}

// Lookup finds a registered pair by symbols. inverted is true when only quote/base is
// registered, in which case rates must be reciprocated.
func (e *Engine) Lookup(base, quote string) (id oracle.PairID, inverted bool, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if b, found := e.pairs[oracle.NewPairID(base, quote)]; found {
		return b.id, false, true
	}
	if b, found := e.pairs[oracle.NewPairID(quote, base)]; found {
		return b.id, true, true
	}
	return oracle.PairID{}, false, false
}

func (e *Engine) book(pair oracle.PairID) (*pairBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.pairs[pair]
	return b, ok
}

// Submit ingests a report produced by an oracle.Source.
func (e *Engine) Submit(ctx context.Context, r oracle.RateReport) (Quote, error) {
	return e.SubmitReport(ctx, r.PairID, r.SourceID, r.Rate, r.ObservedAt, r.Confidence)
}

// SubmitReport stores the latest report for (pair, source) and recomputes the pair's quote.
// When no source is fresh the last quote is returned with IsReliable cleared and the breaker
// goes to Emergency. Breaker escalations and audit records are applied after the pair lock
// is released.
func (e *Engine) SubmitReport(ctx context.Context, pair oracle.PairID, source string, rate decimal.Decimal, observedAt time.Time, confidence int) (Quote, error) {
	const op = "aggregator.submit"
	if rate.Sign() <= 0 {
		return Quote{}, errs.New(errs.Validation, op, "rate must be positive").With("source", source)
	}
	if confidence < 0 || confidence > 100 {
		return Quote{}, errs.New(errs.Validation, op, "confidence %d outside [0,100]", confidence).With("source", source)
	}
	if observedAt.IsZero() {
		return Quote{}, errs.New(errs.Validation, op, "report timestamp required").With("source", source)
	}
	book, ok := e.book(pair)
	if !ok {
		return Quote{}, errs.New(errs.NotFound, op, "pair %s not registered", pair.Hex())
	}

	book.mu.Lock()
	src, ok := book.sources[source]
	if !ok {
		book.mu.Unlock()
		return Quote{}, errs.New(errs.Unauthorized, op, "source %s not registered for %s", source, book.label)
	}
	src.report = &oracle.RateReport{
		SourceID:   source,
		PairID:     pair,
		Rate:       rate,
		ObservedAt: observedAt.UTC(),
		Confidence: confidence,
	}
	q, fx := e.recompute(book, observedAt.UTC())
	book.mu.Unlock()

	e.apply(ctx, book.id, fx)
	return e.withBreaker(q), nil
}

type escalation struct {
	level  breaker.Level
	reason string
}

// effects are the side effects of one recompute, applied outside the pair lock.
type effects struct {
	escalations []escalation
	records     []audit.Record
}

func (e *Engine) apply(ctx context.Context, pair oracle.PairID, fx effects) {
	for _, esc := range fx.escalations {
		e.breaker.Trigger(ctx, pair, esc.level, esc.reason)
	}
	for _, rec := range fx.records {
		e.opts.Audit.Record(ctx, rec)
	}
}

type candidate struct {
	src *sourceBook
	age time.Duration
}

func (e *Engine) recompute(book *pairBook, observedAt time.Time) (Quote, effects) {
	now := e.opts.Now().UTC()
	var fx effects

	fresh := make([]candidate, 0, len(book.order))
	for _, id := range book.order {
		s := book.sources[id]
		if s.report == nil {
			continue
		}
		age := now.Sub(s.report.ObservedAt)
		if age < 0 {
			age = 0
		}
		if age <= s.cfg.Staleness {
			fresh = append(fresh, candidate{src: s, age: age})
		}
	}

	if len(fresh) == 0 {
		fx.escalations = append(fx.escalations, escalation{breaker.Emergency, "no fresh oracle reports"})
		metrics.RecordQuote(book.label, 0, false)
		q := book.last
		if q.IsZero() {
			q = Quote{PairID: book.id, Base: book.cfg.Base, Quote: book.cfg.Quote}
		}
		q.IsReliable = false
		return q, fx
	}

	rates := make([]decimal.Decimal, len(fresh))
	for i, c := range fresh {
		rates[i] = c.src.report.Rate
	}
	prelim := median(rates)

	survivors := make([]candidate, 0, len(fresh))
	var outliers []candidate
	for _, c := range fresh {
		if deviationBps(c.src.report.Rate, prelim) > e.opts.OutlierThresholdBps {
			outliers = append(outliers, c)
			continue
		}
		survivors = append(survivors, c)
	}
	allRejected := len(survivors) == 0
	if allRejected {
		survivors = fresh
		outliers = nil
	}

	outlierIDs := make([]string, 0, len(outliers))
	for _, c := range outliers {
		c.src.failures++
		c.src.outliers++
		c.src.lastOutlier = now
		outlierIDs = append(outlierIDs, c.src.cfg.ID)
		dev := deviationBps(c.src.report.Rate, prelim)
		metrics.RecordOutlier(book.label, c.src.cfg.ID)
		e.logger.Warn().Str("pair", book.label).Str("source", c.src.cfg.ID).
			Str("rate", c.src.report.Rate.String()).Str("median", prelim.String()).
			Int64("deviation_bps", dev).Msg("outlier rejected")
		fx.records = append(fx.records, audit.Record{
			EventType:   EventOutlier,
			PairID:      book.label,
			Actor:       c.src.cfg.ID,
			Severity:    audit.SeverityWarning,
			Timestamp:   now,
			Description: fmt.Sprintf("rate %s deviates %d bps from median %s", c.src.report.Rate, dev, prelim),
		})
	}

	survivorRates := make([]decimal.Decimal, len(survivors))
	for i, c := range survivors {
		survivorRates[i] = c.src.report.Rate
	}
	med := median(survivorRates)

	weightSum := decimal.Zero
	weighted := decimal.Zero
	for _, c := range survivors {
		w := e.effectiveConfidence(c)
		weightSum = weightSum.Add(w)
		weighted = weighted.Add(c.src.report.Rate.Mul(w))
	}
	spot := med
	confidence := 0
	if weightSum.Sign() > 0 {
		spot = weighted.Div(weightSum)
		confidence = int(weightSum.Div(decimal.NewFromInt(int64(len(survivors)))).Round(0).IntPart())
	}

	valid := len(survivors)
	reliable := valid >= e.opts.MinValidSources && !allRejected

	anchor, ok := twap(book.history, book.cfg.TWAPWindow, now)
	if !ok {
		anchor = spot
	}
	dev := deviationBps(spot, anchor)

	level, reason := breaker.Normal, ""
	switch {
	case dev > e.opts.CriticalDeviationBps:
		level, reason = breaker.Critical, fmt.Sprintf("spot deviates %d bps from twap", dev)
	case dev > e.opts.HighDeviationBps:
		level, reason = breaker.High, fmt.Sprintf("spot deviates %d bps from twap", dev)
	case book.cfg.MaxDeviationBps > 0 && dev > book.cfg.MaxDeviationBps:
		level, reason = breaker.Elevated, fmt.Sprintf("spot deviates %d bps from twap", dev)
	case !reliable && book.last.IsReliable:
		level, reason = breaker.Elevated, fmt.Sprintf("insufficient consensus: %d of %d sources", valid, e.opts.MinValidSources)
	}
	if level > breaker.Normal {
		fx.escalations = append(fx.escalations, escalation{level, reason})
	}

	if reliable {
		book.history = insertObservation(book.history, observation{at: observedAt, rate: spot})
		book.history = trimHistory(book.history, book.cfg.TWAPWindow, e.opts.MaxHistory)
	}

	q := Quote{
		PairID:           book.id,
		Base:             book.cfg.Base,
		Quote:            book.cfg.Quote,
		SpotRate:         spot,
		MedianRate:       med,
		TWAPRate:         anchor,
		DeviationBps:     dev,
		Confidence:       clampConfidence(confidence),
		ValidOracleCount: valid,
		OutlierCount:     len(outliers),
		Outliers:         outlierIDs,
		IsReliable:       reliable,
		ComputedAt:       now,
	}
	book.last = q
	metrics.RecordQuote(book.label, valid, reliable)
	return q, fx
}

// effectiveConfidence applies source weight, staleness discount, and failure decay.
func (e *Engine) effectiveConfidence(c candidate) decimal.Decimal {
	w := decimal.NewFromInt(int64(c.src.report.Confidence)).
		Mul(decimal.NewFromInt(int64(c.src.cfg.Weight))).
		Div(hundred).
		Mul(stalenessFactor(c.age, c.src.cfg.Staleness)).
		Sub(decimal.NewFromInt(int64(c.src.failures * e.opts.FailureDecay)))
	if w.Sign() < 0 {
		return decimal.Zero
	}
	return w
}

func clampConfidence(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func (e *Engine) withBreaker(q Quote) Quote {
	st := e.breaker.State(q.PairID)
	q.CircuitState = st.Level
	q.Halted = st.Halted
	return q
}

// GetQuote returns the latest quote for pair with the breaker state as of now.
func (e *Engine) GetQuote(pair oracle.PairID) (Quote, error) {
	book, ok := e.book(pair)
	if !ok {
		return Quote{}, errs.New(errs.NotFound, "aggregator.get_quote", "pair %s not registered", pair.Hex())
	}
	book.mu.Lock()
	q := book.last
	book.mu.Unlock()
	if q.IsZero() {
		return Quote{}, errs.New(errs.InsufficientConsensus, "aggregator.get_quote", "no quote computed for %s", book.label)
	}
	q.Outliers = append([]string(nil), q.Outliers...)
	return e.withBreaker(q), nil
}

// RecordSourceFailure counts a failed poll against source, decaying its future confidence.
func (e *Engine) RecordSourceFailure(pair oracle.PairID, source string) error {
	book, ok := e.book(pair)
	if !ok {
		return errs.New(errs.NotFound, "aggregator.source_failure", "pair %s not registered", pair.Hex())
	}
	book.mu.Lock()
	defer book.mu.Unlock()
	src, ok := book.sources[source]
	if !ok {
		return errs.New(errs.NotFound, "aggregator.source_failure", "source %s not registered for %s", source, book.label)
	}
	src.failures++
	metrics.RecordSourceFailure(book.label, source)
	return nil
}

// SourceHealth reports per-source state for pair in registration order.
func (e *Engine) SourceHealth(pair oracle.PairID) ([]SourceHealth, error) {
	book, ok := e.book(pair)
	if !ok {
		return nil, errs.New(errs.NotFound, "aggregator.source_health", "pair %s not registered", pair.Hex())
	}
	now := e.opts.Now().UTC()
	book.mu.Lock()
	defer book.mu.Unlock()
	out := make([]SourceHealth, 0, len(book.order))
	for _, id := range book.order {
		s := book.sources[id]
		h := SourceHealth{
			SourceID:    id,
			Failures:    s.failures,
			Outliers:    s.outliers,
			LastOutlier: s.lastOutlier,
		}
		if s.report != nil {
			h.LastRate = s.report.Rate
			h.LastObserved = s.report.ObservedAt
			h.Fresh = now.Sub(s.report.ObservedAt) <= s.cfg.Staleness
		}
		out = append(out, h)
	}
	return out, nil
}
