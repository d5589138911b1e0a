package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticSource replays a fixed rate. The simulate command and tests use it in place of a live feed.
type StaticSource struct {
	mu         sync.Mutex
	id         string
	pair       PairID
	rate       decimal.Decimal
	confidence int
	now        func() time.Time
	err        error
}

// NewStaticSource builds a static source.
func NewStaticSource(id string, pair PairID, rate decimal.Decimal, confidence int, now func() time.Time) *StaticSource {
	if now == nil {
		now = time.Now
	}
	return &StaticSource{id: id, pair: pair, rate: rate, confidence: confidence, now: now}
}

// Set replaces the rate returned by subsequent polls.
func (s *StaticSource) Set(rate decimal.Decimal) {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

// Fail makes subsequent polls return err; nil restores normal polling.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// ID implements Source.
func (s *StaticSource) ID() string { return s.id }

// Poll implements Source.
func (s *StaticSource) Poll(context.Context) (RateReport, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return RateReport{}, false, s.err
	}
	if s.rate.IsZero() {
		return RateReport{}, false, nil
	}
	return RateReport{
		SourceID:   s.id,
		PairID:     s.pair,
		Rate:       s.rate,
		ObservedAt: s.now().UTC(),
		Confidence: s.confidence,
	}, true, nil
}

var _ Source = (*StaticSource)(nil)
