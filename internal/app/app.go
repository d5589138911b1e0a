package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxsettle/internal/access"
	"fxsettle/internal/aggregator"
	"fxsettle/internal/alerting"
	"fxsettle/internal/audit"
	"fxsettle/internal/breaker"
	"fxsettle/internal/compliance"
	"fxsettle/internal/config"
	"fxsettle/internal/escrow"
	"fxsettle/internal/ledger"
	"fxsettle/internal/metrics"
	"fxsettle/internal/oracle"
	"fxsettle/internal/payment"
	"fxsettle/internal/scheduler"
	"fxsettle/internal/service"
	"fxsettle/internal/storage"
)

// Fallback protocol accounts used when the config leaves them empty.
const (
	defaultCustody  = "0x0000000000000000000000000000000000c05700"
	defaultTreasury = "0x0000000000000000000000000000000000007ea5"
	defaultVault    = "0x000000000000000000000000000000000000fa01"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output such as tables and simulation reports.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// Runtime holds the wired engines.
type Runtime struct {
	Access     *access.Static
	Breaker    *breaker.Breaker
	Aggregator *aggregator.Engine
	Compliance *compliance.Gate
	Ledger     *ledger.Ledger
	Escrows    *escrow.Engine
	Payments   *payment.Engine
}

type runtimeDeps struct {
	pairs    []aggregator.PairConfig
	profiles compliance.Store
	sink     audit.Sink
	now      func() time.Time
	tokens   []string
}

func (a *App) buildRuntime(deps runtimeDeps) (*Runtime, error) {
	cfg := a.Config
	if deps.now == nil {
		deps.now = time.Now
	}
	if deps.sink == nil {
		deps.sink = audit.NewLogSink(a.Logger)
	}

	checker := access.NewStatic(cfg.Grants())

	haltLevel, err := breaker.ParseLevel(cfg.Breaker.HaltLevel)
	if err != nil {
		return nil, err
	}
	brk := breaker.New(breaker.Options{HaltLevel: haltLevel, Now: deps.now, Audit: deps.sink, Access: checker}, a.Logger)

	agg, err := aggregator.New(deps.pairs, brk, aggregator.Options{
		MinValidSources:      cfg.Aggregation.MinValidSources,
		OutlierThresholdBps:  cfg.Aggregation.OutlierThresholdBps,
		HighDeviationBps:     cfg.Aggregation.HighDeviationBps,
		CriticalDeviationBps: cfg.Aggregation.CriticalDeviationBps,
		FailureDecay:         cfg.Aggregation.FailureDecay,
		MaxHistory:           cfg.Aggregation.MaxHistory,
		Now:                  deps.now,
		Audit:                deps.sink,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("build aggregator: %w", err)
	}

	travel, err := decimal.NewFromString(cfg.Compliance.TravelRuleThreshold)
	if err != nil {
		return nil, fmt.Errorf("parse travel rule threshold: %w", err)
	}
	gate := compliance.NewGate(deps.profiles, compliance.Options{
		TravelRuleThreshold: travel,
		HighRiskScore:       cfg.Compliance.HighRiskScore,
		Now:                 deps.now,
		Audit:               deps.sink,
	}, a.Logger)

	book := ledger.New(a.Logger)
	escrows := escrow.New(book, escrow.Options{
		Vault:                protocolAddress(cfg.Protocol.EscrowVault, defaultVault),
		DefaultDisputeWindow: cfg.Protocol.DisputeWindow,
		DefaultRefundDelay:   cfg.Protocol.RefundDelay,
		Now:                  deps.now,
		Audit:                deps.sink,
		Access:               checker,
	}, a.Logger)

	maxAmount, err := cfg.Protocol.MaxAmountDecimal()
	if err != nil {
		return nil, err
	}
	tokens := deps.tokens
	if len(tokens) == 0 {
		tokens = cfg.Protocol.Tokens
	}
	payments := payment.New(book, agg, gate, escrows, payment.Options{
		Custody:               protocolAddress(cfg.Protocol.Custody, defaultCustody),
		Treasury:              protocolAddress(cfg.Protocol.Treasury, defaultTreasury),
		FeeBps:                cfg.Protocol.FeeBps,
		MaxAmount:             maxAmount,
		SupportedTokens:       tokens,
		MaxSlippageBps:        cfg.Protocol.MaxSlippageBps,
		AllowUnreliableQuotes: cfg.Protocol.AllowUnreliableQuotes,
		ScreenSanctions:       cfg.Protocol.ScreenSanctions,
		Now:                   deps.now,
		Audit:                 deps.sink,
		Access:                checker,
	}, a.Logger)

	return &Runtime{
		Access:     checker,
		Breaker:    brk,
		Aggregator: agg,
		Compliance: gate,
		Ledger:     book,
		Escrows:    escrows,
		Payments:   payments,
	}, nil
}

func protocolAddress(v, fallback string) common.Address {
	if v == "" {
		v = fallback
	}
	return common.HexToAddress(v)
}

// aggregatorPairs maps configured pairs onto aggregator registrations.
func (a *App) aggregatorPairs() []aggregator.PairConfig {
	out := make([]aggregator.PairConfig, 0, len(a.Config.Pairs))
	for _, p := range a.Config.Pairs {
		pc := aggregator.PairConfig{
			Base:            p.Base,
			Quote:           p.Quote,
			TWAPWindow:      p.TWAPWindow,
			MaxDeviationBps: p.MaxDeviationBps,
		}
		for _, s := range p.Sources {
			pc.Sources = append(pc.Sources, aggregator.SourceConfig{ID: s.ID, Staleness: s.Staleness, Weight: s.Weight})
		}
		out = append(out, pc)
	}
	return out
}

// newBindings builds one polling source per configured source.
func (a *App) newBindings(now func() time.Time) ([]service.Binding, error) {
	var bindings []service.Binding
	for _, p := range a.Config.Pairs {
		pair := oracle.NewPairID(p.Base, p.Quote)
		for _, s := range p.Sources {
			src, err := a.newSource(pair, s, now)
			if err != nil {
				return nil, fmt.Errorf("pair %s source %s: %w", p.Label(), s.ID, err)
			}
			bindings = append(bindings, service.Binding{Pair: pair, Label: p.Label(), Source: src})
		}
	}
	return bindings, nil
}

func (a *App) newSource(pair oracle.PairID, s config.SourceConfig, now func() time.Time) (oracle.Source, error) {
	switch s.Kind {
	case config.SourceHTTP:
		return oracle.NewHTTPSource(oracle.HTTPOptions{
			SourceID:       s.ID,
			PairID:         pair,
			URL:            s.URL,
			Method:         s.Method,
			Body:           s.Body,
			Headers:        s.Headers,
			RatePath:       s.RatePath,
			TimestampPath:  s.TimestampPath,
			ConfidencePath: s.ConfidencePath,
			Confidence:     s.Confidence,
			Timeout:        s.Timeout,
			UserAgent:      s.UserAgent,
			RequestsPerSec: s.RequestsPerSec,
			Now:            now,
		}, a.Logger), nil
	case config.SourceVault:
		return oracle.NewVaultSource(oracle.VaultOptions{
			SourceID:     s.ID,
			PairID:       pair,
			RPCURL:       s.RPCURL,
			VaultAddress: s.VaultAddress,
			Decimals:     s.Decimals,
			Confidence:   s.Confidence,
			Timeout:      s.Timeout,
		}, a.Logger), nil
	case config.SourceStatic:
		rate, err := decimal.NewFromString(s.Rate)
		if err != nil {
			return nil, fmt.Errorf("parse static rate: %w", err)
		}
		return oracle.NewStaticSource(s.ID, pair, rate, s.Confidence, now), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", s.Kind)
	}
}

// profileFacts converts configured seed profiles.
func (a *App) profileFacts() ([]compliance.Fact, error) {
	facts := make([]compliance.Fact, 0, len(a.Config.Compliance.Profiles))
	for i, p := range a.Config.Compliance.Profiles {
		tier, err := compliance.ParseTier(p.Tier)
		if err != nil {
			return nil, fmt.Errorf("compliance.profiles[%d]: %w", i, err)
		}
		fact := compliance.Fact{
			Address:            common.HexToAddress(p.Address),
			Tier:               tier,
			Sanctioned:         p.Sanctioned,
			RiskScore:          p.RiskScore,
			PEP:                p.PEP,
			VerificationExpiry: p.VerificationExpiry,
		}
		for _, lim := range []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"single_tx_limit", p.SingleTxLimit, &fact.SingleTxLimit},
			{"daily_limit", p.DailyLimit, &fact.DailyLimit},
			{"monthly_limit", p.MonthlyLimit, &fact.MonthlyLimit},
		} {
			if lim.raw == "" {
				continue
			}
			v, err := decimal.NewFromString(lim.raw)
			if err != nil {
				return nil, fmt.Errorf("compliance.profiles[%d].%s: %w", i, lim.name, err)
			}
			*lim.dst = v
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

// seedProfiles writes configured profiles to the database, preserving consumed volume.
func (a *App) seedProfiles(ctx context.Context, store *storage.Store) error {
	facts, err := a.profileFacts()
	if err != nil {
		return err
	}
	for _, f := range facts {
		existing, err := store.GetProfile(ctx, f.Address)
		if err != nil {
			return err
		}
		f.DailyUsed, f.UsageDay = existing.DailyUsed, existing.UsageDay
		f.MonthlyUsed, f.UsageMonth = existing.MonthlyUsed, existing.UsageMonth
		if err := store.UpsertProfile(ctx, f); err != nil {
			return err
		}
	}
	if len(facts) > 0 {
		a.Logger.Info().Int("profiles", len(facts)).Msg("seeded compliance profiles")
	}
	return nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running polling service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sink, closeSink, err := a.newAuditSink(store)
	if err != nil {
		return err
	}
	defer closeSink()

	var profiles compliance.Store
	if store != nil {
		if err := a.seedProfiles(ctx, store); err != nil {
			return err
		}
		profiles = store
	} else {
		facts, err := a.profileFacts()
		if err != nil {
			return err
		}
		profiles = compliance.NewMemoryStore(facts...)
	}

	rt, err := a.buildRuntime(runtimeDeps{pairs: a.aggregatorPairs(), profiles: profiles, sink: sink})
	if err != nil {
		return err
	}

	bindings, err := a.newBindings(time.Now)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		return errors.New("no pairs configured; nothing to poll")
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)
	if err != nil {
		return err
	}

	opts := service.Options{
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		RoundTimeout: a.Config.Scheduler.RoundTimeout,
	}
	if store != nil {
		opts.Store = store
		opts.Locker = store
		opts.Pruner = store
		opts.AuditRetention = a.Config.Database.AuditRetention
	}
	svc := service.New(sched, rt.Aggregator, bindings, opts, a.Logger)

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	a.Logger.Info().Int("pairs", len(a.Config.Pairs)).Int("sources", len(bindings)).Msg("starting polling service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("polling service stopped")
	return nil
}

func (a *App) serveMetrics() func() {
	cfg := a.Config.Metrics
	if !cfg.Enabled || cfg.Listen == "" {
		return func() {}
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Logger.Info().Str("listen", cfg.Listen).Str("path", path).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// ExportOptions hold parameters for exporting quote snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Pair      string
	CSVPath   string
	MaxPoints int
}

// QuotesOptions configure the quotes command.
type QuotesOptions struct {
	Pair  string
	Limit int
}
