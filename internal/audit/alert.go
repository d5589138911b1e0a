package audit

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"fxsettle/internal/alerting"
)

// AlertOptions tune the alert sink.
type AlertOptions struct {
	MinSeverity Severity
	Cooldown    time.Duration
	Channels    []string
	Timeout     time.Duration
	CacheSize   int
	Now         func() time.Time
}

// AlertSink forwards records at or above a severity to a notifier, suppressing repeats of the
// same event for the same subject within the cooldown.
type AlertSink struct {
	notifier alerting.Notifier
	opts     AlertOptions
	sent     *lru.Cache[string, time.Time]
	logger   zerolog.Logger
}

// NewAlertSink builds an alert sink.
func NewAlertSink(notifier alerting.Notifier, opts AlertOptions, logger zerolog.Logger) (*AlertSink, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = SeverityWarning
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cache, err := lru.New[string, time.Time](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &AlertSink{
		notifier: notifier,
		opts:     opts,
		sent:     cache,
		logger:   logger.With().Str("component", "audit_alert").Logger(),
	}, nil
}

// Record implements Sink.
func (s *AlertSink) Record(ctx context.Context, rec Record) {
	if s.notifier == nil || rec.Severity.Rank() < s.opts.MinSeverity.Rank() {
		return
	}

	key := rec.EventType + "|" + rec.PairID + "|" + rec.PaymentID + "|" + rec.EscrowID
	now := s.opts.Now()
	if last, ok := s.sent.Get(key); ok && s.opts.Cooldown > 0 && now.Sub(last) < s.opts.Cooldown {
		s.logger.Debug().Str("event", rec.EventType).Str("pair", rec.PairID).Msg("alert suppressed by cooldown")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	note := alerting.Notification{
		At:          rec.Timestamp,
		EventType:   rec.EventType,
		Severity:    string(rec.Severity),
		PairID:      rec.PairID,
		PaymentID:   rec.PaymentID,
		EscrowID:    rec.EscrowID,
		Actor:       rec.Actor,
		Description: rec.Description,
		Channels:    s.opts.Channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("event", rec.EventType).Msg("failed to dispatch alert")
		return
	}
	s.sent.Add(key, now)
}

var _ Sink = (*AlertSink)(nil)
