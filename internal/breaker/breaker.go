// Package breaker tracks per-pair circuit breaker levels. Levels only ever escalate from
// aggregation signals; moving back to Normal requires an administrative Reset.
package breaker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"fxsettle/internal/access"
	"fxsettle/internal/audit"
	"fxsettle/internal/errs"
	"fxsettle/internal/metrics"
	"fxsettle/internal/oracle"
)

// Level is a circuit breaker severity.
type Level int

const (
	Normal Level = iota
	Elevated
	High
	Critical
	Emergency
)

var levelNames = [...]string{"normal", "elevated", "high", "critical", "emergency"}

// String implements fmt.Stringer.
func (l Level) String() string {
	if l < Normal || l > Emergency {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name.
func ParseLevel(v string) (Level, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range levelNames {
		if name == v {
			return Level(i), nil
		}
	}
	return Normal, fmt.Errorf("unknown breaker level %q", v)
}

const (
	EventEscalated = "breaker.escalated"
	EventReset     = "breaker.reset"
)

// State is a snapshot of one pair's breaker.
type State struct {
	Level         Level
	Triggers      uint64
	LastReason    string
	LastTriggered time.Time
	Halted        bool
}

// Options tune the breaker.
type Options struct {
	// HaltLevel is the lowest level at which FX-dependent execution is refused. Emergency always halts.
	HaltLevel Level
	Now       func() time.Time
	Audit     audit.Sink
	Access    access.Checker
}

type pairState struct {
	label         string
	level         Level
	triggers      uint64
	lastReason    string
	lastTriggered time.Time
}

// Breaker holds the breaker state of every registered pair.
type Breaker struct {
	mu     sync.RWMutex
	pairs  map[oracle.PairID]*pairState
	opts   Options
	logger zerolog.Logger
}

// New builds a breaker.
func New(opts Options, logger zerolog.Logger) *Breaker {
	if opts.HaltLevel <= Normal || opts.HaltLevel > Emergency {
		opts.HaltLevel = Critical
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard
	}
	return &Breaker{
		pairs:  make(map[oracle.PairID]*pairState),
		opts:   opts,
		logger: logger.With().Str("component", "breaker").Logger(),
	}
}

// Register makes a pair known to the breaker at Normal.
func (b *Breaker) Register(pair oracle.PairID, label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pairs[pair]; !ok {
		b.pairs[pair] = &pairState{label: label}
	}
}

// Trigger escalates pair to level if it is above the current level. It reports whether a
// transition happened; each transition increments the trigger counter once.
func (b *Breaker) Trigger(ctx context.Context, pair oracle.PairID, level Level, reason string) (State, bool) {
	b.mu.Lock()
	ps, ok := b.pairs[pair]
	if !ok {
		ps = &pairState{label: pair.Hex()}
		b.pairs[pair] = ps
	}
	if level <= ps.level {
		snap := b.snapshot(ps)
		b.mu.Unlock()
		return snap, false
	}
	from := ps.level
	ps.level = level
	ps.triggers++
	ps.lastReason = reason
	ps.lastTriggered = b.opts.Now().UTC()
	snap := b.snapshot(ps)
	label := ps.label
	b.mu.Unlock()

	metrics.RecordBreakerTransition(label, level.String(), int(level))
	severity := audit.SeverityWarning
	if level >= Critical {
		severity = audit.SeverityCritical
	}
	b.logger.Warn().Str("pair", label).Str("from", from.String()).Str("to", level.String()).
		Str("reason", reason).Msg("circuit breaker escalated")
	b.opts.Audit.Record(ctx, audit.Record{
		EventType:   EventEscalated,
		PairID:      label,
		Actor:       "aggregator",
		Severity:    severity,
		Timestamp:   snap.LastTriggered,
		Description: fmt.Sprintf("%s -> %s: %s", from, level, reason),
	})
	return snap, true
}

// State returns the current snapshot for pair. Unknown pairs read as Normal.
func (b *Breaker) State(pair oracle.PairID) State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ps, ok := b.pairs[pair]
	if !ok {
		return State{}
	}
	return b.snapshot(ps)
}

// Halted reports whether FX-dependent execution is refused for pair.
func (b *Breaker) Halted(pair oracle.PairID) bool {
	return b.State(pair).Halted
}

// Reset returns pair to Normal. The actor needs the breaker.reset capability; the trigger
// counter is kept for health reporting.
func (b *Breaker) Reset(ctx context.Context, pair oracle.PairID, actor common.Address) error {
	if b.opts.Access == nil || !b.opts.Access.Allowed(actor, access.BreakerReset) {
		return errs.New(errs.Unauthorized, "breaker.reset", "actor %s may not reset breakers", actor.Hex())
	}

	b.mu.Lock()
	ps, ok := b.pairs[pair]
	if !ok {
		b.mu.Unlock()
		return errs.New(errs.NotFound, "breaker.reset", "pair %s not registered", pair.Hex())
	}
	from := ps.level
	ps.level = Normal
	label := ps.label
	b.mu.Unlock()

	metrics.RecordBreakerTransition(label, Normal.String(), int(Normal))
	b.logger.Info().Str("pair", label).Str("from", from.String()).Str("actor", actor.Hex()).Msg("circuit breaker reset")
	b.opts.Audit.Record(ctx, audit.Record{
		EventType:   EventReset,
		PairID:      label,
		Actor:       actor.Hex(),
		Severity:    audit.SeverityWarning,
		Timestamp:   b.opts.Now().UTC(),
		Description: fmt.Sprintf("%s -> normal (administrative reset)", from),
	})
	return nil
}

func (b *Breaker) snapshot(ps *pairState) State {
	return State{
		Level:         ps.level,
		Triggers:      ps.triggers,
		LastReason:    ps.lastReason,
		LastTriggered: ps.lastTriggered,
		Halted:        ps.level >= b.opts.HaltLevel || ps.level == Emergency,
	}
}
