package aggregator

import (
	"time"

	"github.com/shopspring/decimal"

	"fxsettle/internal/breaker"
	"fxsettle/internal/oracle"
)

// Quote is the aggregated, trust-scored rate for a pair.
type Quote struct {
	PairID           oracle.PairID
	Base             string
	Quote            string
	SpotRate         decimal.Decimal
	MedianRate       decimal.Decimal
	TWAPRate         decimal.Decimal
	DeviationBps     int64
	Confidence       int
	ValidOracleCount int
	OutlierCount     int
	Outliers         []string
	IsReliable       bool
	Halted           bool
	CircuitState     breaker.Level
	ComputedAt       time.Time
}

// Label renders BASE/QUOTE.
func (q Quote) Label() string { return oracle.PairLabel(q.Base, q.Quote) }

// IsZero reports whether no quote has been computed yet.
func (q Quote) IsZero() bool { return q.ComputedAt.IsZero() }

// SourceConfig registers one source for a pair.
type SourceConfig struct {
	ID string
	// Staleness is the maximum report age before the source drops out of aggregation.
	Staleness time.Duration
	// Weight scales the source's confidence, in percent. Zero means 100.
	Weight int
}

// PairConfig registers a currency pair and its sources.
type PairConfig struct {
	Base            string
	Quote           string
	TWAPWindow      time.Duration
	MaxDeviationBps int64
	Sources         []SourceConfig
}

// ID derives the pair identifier.
func (p PairConfig) ID() oracle.PairID { return oracle.NewPairID(p.Base, p.Quote) }

// PairInfo describes a registered pair.
type PairInfo struct {
	ID         oracle.PairID
	Base       string
	Quote      string
	TWAPWindow time.Duration
	Sources    []string
}

// Label renders BASE/QUOTE.
func (p PairInfo) Label() string { return oracle.PairLabel(p.Base, p.Quote) }

// SourceHealth summarises one source for oracle-health reporting.
type SourceHealth struct {
	SourceID     string
	Failures     int
	Outliers     int
	LastRate     decimal.Decimal
	LastObserved time.Time
	LastOutlier  time.Time
	Fresh        bool
}
