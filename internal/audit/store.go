package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// EventWriter persists audit records.
type EventWriter interface {
	WriteAuditEvent(ctx context.Context, rec Record) error
}

// StoreSink appends records through an EventWriter.
type StoreSink struct {
	writer EventWriter
	logger zerolog.Logger
}

// NewStoreSink wraps an event writer.
func NewStoreSink(writer EventWriter, logger zerolog.Logger) *StoreSink {
	return &StoreSink{writer: writer, logger: logger.With().Str("component", "audit_store").Logger()}
}

// Record implements Sink.
func (s *StoreSink) Record(ctx context.Context, rec Record) {
	if s.writer == nil {
		return
	}
	if err := s.writer.WriteAuditEvent(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("event", rec.EventType).Msg("failed to persist audit event")
	}
}

var _ Sink = (*StoreSink)(nil)
