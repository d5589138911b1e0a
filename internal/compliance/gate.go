package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxsettle/internal/audit"
	"fxsettle/internal/errs"
)

const (
	EventPassed   = "compliance.passed"
	EventRejected = "compliance.rejected"
)

// Rejection reasons, in evaluation order.
const (
	ReasonSenderSanctioned    = "sender is sanctioned"
	ReasonRecipientSanctioned = "recipient is sanctioned"
	ReasonSenderTier          = "sender tier below required"
	ReasonRecipientTier       = "recipient tier below required"
	ReasonSenderExpired       = "sender verification expired"
	ReasonSingleTxLimit       = "amount exceeds single transaction limit"
	ReasonDailyLimit          = "amount exceeds daily limit"
	ReasonMonthlyLimit        = "amount exceeds monthly limit"
)

// Request describes one compliance check.
type Request struct {
	PaymentID        string
	Sender           common.Address
	Recipient        common.Address
	Amount           decimal.Decimal
	SenderTier       Tier
	RecipientTier    Tier
	RequireSanctions bool
}

// Result is the outcome of a check. A rejection is a Result with Passed false, not an error.
type Result struct {
	Passed             bool
	Reason             string
	RequiresTravelRule bool
	RequiresEnhancedDD bool
	// CheckedAt is the instant limits were evaluated and volume consumed.
	CheckedAt time.Time
}

// Options tune the gate.
type Options struct {
	TravelRuleThreshold decimal.Decimal
	HighRiskScore       int
	Now                 func() time.Time
	Audit               audit.Sink
}

// Gate evaluates compliance requests against a Store.
type Gate struct {
	store  Store
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	senders map[common.Address]*sync.Mutex
}

// NewGate builds a gate. Travel rule threshold defaults to 3000 and the high risk score to 70.
func NewGate(store Store, opts Options, logger zerolog.Logger) *Gate {
	if opts.TravelRuleThreshold.Sign() <= 0 {
		opts.TravelRuleThreshold = decimal.NewFromInt(3000)
	}
	if opts.HighRiskScore <= 0 {
		opts.HighRiskScore = 70
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard
	}
	return &Gate{
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "compliance").Logger(),
		senders: make(map[common.Address]*sync.Mutex),
	}
}

// Evaluate runs the checks without consuming volume.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Result, error) {
	return g.evaluateAt(ctx, req, g.opts.Now().UTC())
}

func (g *Gate) evaluateAt(ctx context.Context, req Request, now time.Time) (Result, error) {
	if req.Amount.Sign() <= 0 {
		return Result{}, errs.New(errs.Validation, "compliance.evaluate", "amount must be positive")
	}
	sender, err := g.store.GetProfile(ctx, req.Sender)
	if err != nil {
		return Result{}, fmt.Errorf("load sender profile: %w", err)
	}
	recipient, err := g.store.GetProfile(ctx, req.Recipient)
	if err != nil {
		return Result{}, fmt.Errorf("load recipient profile: %w", err)
	}
	res := g.evaluate(req, sender, recipient, now)
	res.CheckedAt = now
	return res, nil
}

func (g *Gate) evaluate(req Request, sender, recipient Fact, now time.Time) Result {
	reject := func(reason string) Result { return Result{Reason: reason} }

	if req.RequireSanctions {
		if sender.Sanctioned {
			return reject(ReasonSenderSanctioned)
		}
		if recipient.Sanctioned {
			return reject(ReasonRecipientSanctioned)
		}
	}
	if sender.Tier < req.SenderTier {
		return reject(ReasonSenderTier)
	}
	if recipient.Tier < req.RecipientTier {
		return reject(ReasonRecipientTier)
	}
	if sender.Expired(now) {
		return reject(ReasonSenderExpired)
	}
	if sender.SingleTxLimit.Sign() > 0 && req.Amount.GreaterThan(sender.SingleTxLimit) {
		return reject(ReasonSingleTxLimit)
	}
	if sender.DailyLimit.Sign() > 0 && req.Amount.GreaterThan(sender.DailyRemaining(now)) {
		return reject(ReasonDailyLimit)
	}
	if sender.MonthlyLimit.Sign() > 0 && req.Amount.GreaterThan(sender.MonthlyRemaining(now)) {
		return reject(ReasonMonthlyLimit)
	}

	highRisk := sender.RiskScore > g.opts.HighRiskScore || recipient.RiskScore > g.opts.HighRiskScore
	return Result{
		Passed:             true,
		RequiresTravelRule: req.Amount.GreaterThanOrEqual(g.opts.TravelRuleThreshold),
		RequiresEnhancedDD: highRisk || sender.PEP || recipient.PEP,
	}
}

// Check evaluates req and, on pass, consumes the sender's volume. Checks for one sender are
// serialised so the read and the consumption cannot interleave with another check. Limits
// are evaluated and volume is consumed at the same instant.
func (g *Gate) Check(ctx context.Context, req Request) (Result, error) {
	res, err := g.check(ctx, req)
	if err != nil {
		return Result{}, err
	}

	logger := g.logger.With().Str("payment_id", req.PaymentID).Str("sender", req.Sender.Hex()).Logger()
	if !res.Passed {
		logger.Warn().Str("reason", res.Reason).Str("amount", req.Amount.String()).Msg("compliance check rejected")
		g.opts.Audit.Record(ctx, audit.Record{
			EventType:   EventRejected,
			PaymentID:   req.PaymentID,
			Actor:       req.Sender.Hex(),
			Severity:    audit.SeverityWarning,
			Timestamp:   res.CheckedAt,
			Description: res.Reason,
		})
		return res, nil
	}

	logger.Debug().Bool("travel_rule", res.RequiresTravelRule).Bool("enhanced_dd", res.RequiresEnhancedDD).
		Msg("compliance check passed")
	g.opts.Audit.Record(ctx, audit.Record{
		EventType: EventPassed,
		PaymentID: req.PaymentID,
		Actor:     req.Sender.Hex(),
		Severity:  audit.SeverityInfo,
		Timestamp: res.CheckedAt,
		Description: fmt.Sprintf("amount %s travel_rule=%t enhanced_dd=%t",
			req.Amount, res.RequiresTravelRule, res.RequiresEnhancedDD),
	})
	return res, nil
}

func (g *Gate) check(ctx context.Context, req Request) (Result, error) {
	lock := g.senderLock(req.Sender)
	lock.Lock()
	defer lock.Unlock()

	res, err := g.evaluateAt(ctx, req, g.opts.Now().UTC())
	if err != nil || !res.Passed {
		return res, err
	}
	if err := g.store.ConsumeVolume(ctx, req.Sender, req.Amount, res.CheckedAt); err != nil {
		return Result{}, fmt.Errorf("consume volume: %w", err)
	}
	return res, nil
}

// Release gives back volume consumed by a passed check that was not followed by a
// settlement. at is the Result's CheckedAt.
func (g *Gate) Release(ctx context.Context, req Request, at time.Time) error {
	lock := g.senderLock(req.Sender)
	lock.Lock()
	defer lock.Unlock()
	if err := g.store.ReleaseVolume(ctx, req.Sender, req.Amount, at); err != nil {
		return fmt.Errorf("release volume: %w", err)
	}
	g.logger.Info().Str("payment_id", req.PaymentID).Str("sender", req.Sender.Hex()).
		Str("amount", req.Amount.String()).Msg("compliance volume released")
	return nil
}

func (g *Gate) senderLock(addr common.Address) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.senders[addr]
	if !ok {
		l = &sync.Mutex{}
		g.senders[addr] = l
	}
	return l
}
