package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Async hands records to a worker goroutine that feeds the wrapped sink, so emitters never
// wait on a slow database or alert channel. Records arriving while the buffer is full are
// dropped and logged.
type Async struct {
	next   Sink
	queue  chan queued
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	logger zerolog.Logger
}

type queued struct {
	ctx context.Context
	rec Record
}

// NewAsync starts a worker draining into next.
func NewAsync(next Sink, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:   next,
		queue:  make(chan queued, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "audit_async").Logger(),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.queue {
		a.next.Record(q.ctx, q.rec)
	}
}

// Record implements Sink. It never blocks.
func (a *Async) Record(ctx context.Context, rec Record) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), rec: rec}:
	default:
		a.logger.Warn().Str("event", rec.EventType).Msg("audit buffer full, record dropped")
	}
}

// Close stops accepting records and waits until the queued ones are delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

var _ Sink = (*Async)(nil)
