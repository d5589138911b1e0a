package app

import (
	"context"
	"fmt"

	"fxsettle/internal/audit"
	"fxsettle/internal/storage"
)

const auditBuffer = 1024

// auditEvents maps audit records onto audit_events rows.
type auditEvents struct {
	store storage.AuditEventStore
}

func (w auditEvents) WriteAuditEvent(ctx context.Context, rec audit.Record) error {
	return w.store.InsertAuditEvent(ctx, eventFromRecord(rec))
}

func eventFromRecord(rec audit.Record) storage.AuditEvent {
	return storage.AuditEvent{
		EventType:   rec.EventType,
		PaymentID:   rec.PaymentID,
		EscrowID:    rec.EscrowID,
		PairID:      rec.PairID,
		Actor:       rec.Actor,
		Severity:    string(rec.Severity),
		OccurredAt:  rec.Timestamp,
		Description: rec.Description,
	}
}

// newAuditSink fans audit records out to the log, the database and the alert channel. The
// database and alert sinks sit behind a worker so emitters never wait on them; the returned
// func drains it.
func (a *App) newAuditSink(store *storage.Store) (audit.Sink, func(), error) {
	var slow audit.Multi
	if store != nil {
		slow = append(slow, audit.NewStoreSink(auditEvents{store: store}, a.Logger))
	}
	if a.Config.Alerting.Enabled {
		notifier := a.newNotifier()
		if notifier == nil {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		} else {
			alerts, err := audit.NewAlertSink(notifier, audit.AlertOptions{
				MinSeverity: audit.ParseSeverity(a.Config.Alerting.MinSeverity),
				Cooldown:    a.Config.Alerting.Cooldown,
				Channels:    a.Config.Alerting.Channels,
			}, a.Logger)
			if err != nil {
				return nil, nil, fmt.Errorf("build alert sink: %w", err)
			}
			slow = append(slow, alerts)
		}
	}

	sinks := audit.Multi{audit.NewLogSink(a.Logger)}
	if len(slow) == 0 {
		return sinks, func() {}, nil
	}
	async := audit.NewAsync(slow, auditBuffer, a.Logger)
	return append(sinks, async), async.Close, nil
}
