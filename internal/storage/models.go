package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteSnapshot is a persisted aggregated quote, written once per polling round and pair.
type QuoteSnapshot struct {
	ID               int64
	PairID           string
	Pair             string
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
	CircuitState     string
	ComputedAt       time.Time
	CreatedAt        time.Time
}

// AuditEvent is one persisted audit record.
type AuditEvent struct {
	ID          int64
	EventType   string
	PaymentID   string
	EscrowID    string
	PairID      string
	Actor       string
	Severity    string
	OccurredAt  time.Time
	Description string
	CreatedAt   time.Time
}
