// Package audit carries the append-only record of every state transition emitted by the
// breaker, payment and escrow engines. Sinks are fire-and-forget: a sink failure is logged by
// the sink and never surfaces to the engine that emitted the record.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades an audit record.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps a config string onto a Severity, defaulting to warning.
func ParseSeverity(v string) Severity {
	switch Severity(v) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(v)
	default:
		return SeverityWarning
	}
}

// Record is one structured audit entry.
type Record struct {
	EventType   string
	PaymentID   string
	EscrowID    string
	PairID      string
	Actor       string
	Severity    Severity
	Timestamp   time.Time
	Description string
}

// Sink consumes audit records.
type Sink interface {
	Record(ctx context.Context, rec Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record)

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, rec Record) { f(ctx, rec) }

// Discard drops every record.
var Discard Sink = SinkFunc(func(context.Context, Record) {})

// Multi fans a record out to several sinks in order.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, rec Record) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, rec)
		}
	}
}

// LogSink writes records to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a logging sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// Record implements Sink.
func (s *LogSink) Record(_ context.Context, rec Record) {
	var evt *zerolog.Event
	switch rec.Severity {
	case SeverityCritical:
		evt = s.logger.Error()
	case SeverityWarning:
		evt = s.logger.Warn()
	default:
		evt = s.logger.Info()
	}
	evt = evt.Str("event", rec.EventType).Str("severity", string(rec.Severity)).Time("at", rec.Timestamp)
	if rec.PaymentID != "" {
		evt = evt.Str("payment_id", rec.PaymentID)
	}
	if rec.EscrowID != "" {
		evt = evt.Str("escrow_id", rec.EscrowID)
	}
	if rec.PairID != "" {
		evt = evt.Str("pair", rec.PairID)
	}
	if rec.Actor != "" {
		evt = evt.Str("actor", rec.Actor)
	}
	evt.Msg(rec.Description)
}

// Memory keeps records in a slice. Tests and the simulate command read it back.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory builds an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Record implements Sink.
func (m *Memory) Record(_ context.Context, rec Record) {
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
}

// Records returns a copy of everything recorded so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Count returns how many records carry the given event type.
func (m *Memory) Count(eventType string) int {
	n := 0
	for _, rec := range m.Records() {
		if rec.EventType == eventType {
			n++
		}
	}
	return n
}

var (
	_ Sink = Multi(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*Memory)(nil)
)
