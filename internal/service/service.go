package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fxsettle/internal/aggregator"
	"fxsettle/internal/errs"
	"fxsettle/internal/metrics"
	"fxsettle/internal/oracle"
	"fxsettle/internal/scheduler"
	"fxsettle/internal/storage"
)

// Aggregator is the slice of the aggregation engine a polling round drives.
type Aggregator interface {
	Submit(ctx context.Context, r oracle.RateReport) (aggregator.Quote, error)
	RecordSourceFailure(pair oracle.PairID, source string) error
	GetQuote(pair oracle.PairID) (aggregator.Quote, error)
}

// AuditPruner deletes audit records older than a cutoff.
type AuditPruner interface {
	DeleteAuditEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Binding attaches a source to the pair it reports for.
type Binding struct {
	Pair   oracle.PairID
	Label  string
	Source oracle.Source
}

// Options wire the optional collaborators of the polling service.
type Options struct {
	Store          storage.QuoteSnapshotStore
	Locker         storage.AdvisoryLocker
	LockKey        int64
	Pruner         AuditPruner
	AuditRetention time.Duration
	// RoundTimeout bounds the polling phase of a round. Zero disables the bound.
	RoundTimeout time.Duration
	Now          func() time.Time
}

// RoundResult summarises one polling round.
type RoundResult struct {
	Bucket   time.Time
	Polled   int
	Skipped  int
	Failed   int
	Rejected int
	Quotes   []aggregator.Quote
}

// Service polls every configured source once per round and feeds the aggregation engine.
type Service struct {
	scheduler *scheduler.Scheduler
	agg       Aggregator
	bindings  []Binding
	opts      Options
	logger    zerolog.Logger

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// New constructs the polling service.
func New(sched *scheduler.Scheduler, agg Aggregator, bindings []Binding, opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		scheduler: sched,
		agg:       agg,
		bindings:  bindings,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.PollRound(ctx, bucket)
		return err
	})
}

// PollRound runs one round unless another instance holds the advisory lock.
func (s *Service) PollRound(ctx context.Context, bucket time.Time) (RoundResult, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return RoundResult{}, err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip round because advisory lock held elsewhere")
		return RoundResult{Bucket: bucket}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := s.opts.Now()
	res := s.executeRound(ctx, bucket)
	metrics.ObservePollRound(s.opts.Now().Sub(start))
	s.prune(ctx)

	s.logger.Info().Time("bucket", bucket).
		Int("polled", res.Polled).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int("rejected", res.Rejected).
		Int("quotes", len(res.Quotes)).
		Msg("polling round recorded")
	return res, nil
}

type pollOutcome struct {
	report oracle.RateReport
	ok     bool
	err    error
}

func (s *Service) executeRound(ctx context.Context, bucket time.Time) RoundResult {
	res := RoundResult{Bucket: bucket}

	pollCtx := ctx
	if s.opts.RoundTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, s.opts.RoundTimeout)
		defer cancel()
	}

	outcomes := make([]pollOutcome, len(s.bindings))
	g, gctx := errgroup.WithContext(pollCtx)
	for i, b := range s.bindings {
		g.Go(func() error {
			report, ok, err := b.Source.Poll(gctx)
			outcomes[i] = pollOutcome{report: report, ok: ok, err: err}
			return nil
		})
	}
	_ = g.Wait()

	// Submission runs in binding order so quotes are reproducible for a given set of reports.
	for i, b := range s.bindings {
		out := outcomes[i]
		log := s.logger.With().Str("pair", b.Label).Str("source", b.Source.ID()).Logger()
		switch {
		case out.err != nil:
			res.Failed++
			log.Warn().Err(out.err).Msg("source poll failed")
			if err := s.agg.RecordSourceFailure(b.Pair, b.Source.ID()); err != nil {
				log.Error().Err(err).Msg("failed to record source failure")
			}
			continue
		case !out.ok:
			res.Skipped++
			continue
		}

		report := out.report
		report.PairID = b.Pair
		report.SourceID = b.Source.ID()
		res.Polled++
		if _, err := s.agg.Submit(ctx, report); err != nil {
			res.Rejected++
			log.Warn().Err(err).Str("rate", report.Rate.String()).Msg("report rejected")
		}
	}

	seen := make(map[oracle.PairID]struct{}, len(s.bindings))
	for _, b := range s.bindings {
		if _, dup := seen[b.Pair]; dup {
			continue
		}
		seen[b.Pair] = struct{}{}

		q, err := s.agg.GetQuote(b.Pair)
		if err != nil {
			if !errs.Is(err, errs.InsufficientConsensus) {
				s.logger.Error().Err(err).Str("pair", b.Label).Msg("failed to read quote")
			}
			continue
		}
		res.Quotes = append(res.Quotes, q)
		s.persist(ctx, q)
	}
	return res
}

func (s *Service) persist(ctx context.Context, q aggregator.Quote) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.InsertQuoteSnapshot(ctx, SnapshotFromQuote(q)); err != nil {
		s.logger.Error().Err(err).Str("pair", q.Label()).Msg("failed to persist quote snapshot")
	}
}

// prune deletes expired audit records at most once per retention/24 period.
func (s *Service) prune(ctx context.Context) {
	if s.opts.Pruner == nil || s.opts.AuditRetention <= 0 {
		return
	}
	now := s.opts.Now()
	s.pruneMu.Lock()
	if !s.lastPruned.IsZero() && now.Sub(s.lastPruned) < s.opts.AuditRetention/24 {
		s.pruneMu.Unlock()
		return
	}
	s.lastPruned = now
	s.pruneMu.Unlock()

	n, err := s.opts.Pruner.DeleteAuditEventsBefore(ctx, now.Add(-s.opts.AuditRetention))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prune audit events")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("pruned audit events")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// SnapshotFromQuote converts a quote into its persisted form.
func SnapshotFromQuote(q aggregator.Quote) storage.QuoteSnapshot {
	return storage.QuoteSnapshot{
		PairID:           q.PairID.Hex(),
		Pair:             q.Label(),
		SpotRate:         q.SpotRate,
		MedianRate:       q.MedianRate,
		TWAPRate:         q.TWAPRate,
		DeviationBps:     q.DeviationBps,
		Confidence:       q.Confidence,
		ValidOracleCount: q.ValidOracleCount,
		OutlierCount:     q.OutlierCount,
		Outliers:         append([]string(nil), q.Outliers...),
		IsReliable:       q.IsReliable,
		Halted:           q.Halted,
		CircuitState:     q.CircuitState.String(),
		ComputedAt:       q.ComputedAt,
	}
}
