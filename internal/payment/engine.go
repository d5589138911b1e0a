package payment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxsettle/internal/access"
	"fxsettle/internal/aggregator"
	"fxsettle/internal/audit"
	"fxsettle/internal/compliance"
	"fxsettle/internal/errs"
	"fxsettle/internal/escrow"
	"fxsettle/internal/metrics"
	"fxsettle/internal/oracle"
)

const (
	EventCreated   = "payment.created"
	EventApproved  = "payment.approved"
	EventExecuted  = "payment.executed"
	EventBlocked   = "payment.execution_blocked"
	EventFailed    = "payment.failed"
	EventCancelled = "payment.cancelled"
	EventDisputed  = "payment.disputed"
	EventResolved  = "payment.dispute_resolved"
)

// Ledger holds custody and moves funds.
type Ledger interface {
	Transfer(from, to common.Address, token string, amount decimal.Decimal) error
	Swap(holder common.Address, fromToken string, fromAmount decimal.Decimal, toToken string, toAmount decimal.Decimal) error
}

// Quotes resolves pairs and serves aggregated quotes.
type Quotes interface {
	Lookup(base, quote string) (id oracle.PairID, inverted bool, ok bool)
	GetQuote(pair oracle.PairID) (aggregator.Quote, error)
}

// Compliance checks a transfer and consumes sender volume on pass. Release gives back the
// volume of a passed check whose settlement did not go through.
type Compliance interface {
	Check(ctx context.Context, req compliance.Request) (compliance.Result, error)
	Release(ctx context.Context, req compliance.Request, at time.Time) error
}

// Escrows opens escrows for escrow-gated payouts.
type Escrows interface {
	Create(ctx context.Context, req escrow.CreateRequest) (string, error)
}

// Options tune the engine.
type Options struct {
	// Custody holds principals between create and execution.
	Custody  common.Address
	Treasury common.Address
	FeeBps   int64
	// MaxAmount caps a single payment. Zero disables the cap.
	MaxAmount       decimal.Decimal
	SupportedTokens []string
	// MaxSlippageBps applies when a payment carries no SlippageBound.
	MaxSlippageBps        int64
	AllowUnreliableQuotes bool
	ScreenSanctions       bool
	Now                   func() time.Time
	Audit                 audit.Sink
	Access                access.Checker
}

// CreateRequest opens a payment. An empty TargetToken settles in Token.
type CreateRequest struct {
	Sender      common.Address
	Recipient   common.Address
	Token       string
	Amount      decimal.Decimal
	TargetToken string
	Conditions  Conditions
}

type record struct {
	mu sync.Mutex
	p  Payment
	// outbox holds audit records emitted under mu until the lock is released.
	outbox []audit.Record
}

// Engine owns every payment. Each payment is locked independently; status is checked and
// advanced under that lock so concurrent executions succeed at most once.
type Engine struct {
	mu       sync.RWMutex
	payments map[string]*record

	ledger     Ledger
	quotes     Quotes
	compliance Compliance
	escrows    Escrows
	tokens     map[string]struct{}
	opts       Options
	logger     zerolog.Logger

	statsMu      sync.Mutex
	stats        Stats
	settledTotal time.Duration
}

// New builds an engine. escrows may be nil when no payment uses an EscrowGate.
func New(ledger Ledger, quotes Quotes, gate Compliance, escrows Escrows, opts Options, logger zerolog.Logger) *Engine {
	if opts.MaxSlippageBps <= 0 {
		opts.MaxSlippageBps = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.Discard
	}
	if opts.Access == nil {
		opts.Access = access.NewStatic(nil)
	}
	tokens := make(map[string]struct{}, len(opts.SupportedTokens))
	for _, t := range opts.SupportedTokens {
		tokens[normToken(t)] = struct{}{}
	}
	return &Engine{
		payments:   make(map[string]*record),
		ledger:     ledger,
		quotes:     quotes,
		compliance: gate,
		escrows:    escrows,
		tokens:     tokens,
		opts:       opts,
		logger:     logger.With().Str("component", "payment").Logger(),
		stats:      Stats{Volume: decimal.Zero},
	}
}

func normToken(t string) string { return strings.ToUpper(strings.TrimSpace(t)) }

func (e *Engine) supported(token string) bool {
	if len(e.tokens) == 0 {
		return true
	}
	_, ok := e.tokens[token]
	return ok
}

// Create validates req, pulls the principal into custody and records the payment. Payments
// without holding conditions are executed immediately; a non-empty id with an error means the
// payment exists but that execution did not succeed.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (string, error) {
	const op = "payment.create"
	token := normToken(req.Token)
	target := normToken(req.TargetToken)
	if target == "" {
		target = token
	}
	switch {
	case req.Sender == (common.Address{}) || req.Recipient == (common.Address{}):
		return "", errs.New(errs.Validation, op, "sender and recipient required")
	case req.Sender == req.Recipient:
		return "", errs.New(errs.Validation, op, "recipient must differ from sender")
	case req.Amount.Sign() <= 0:
		return "", errs.New(errs.Validation, op, "amount must be positive")
	case e.opts.MaxAmount.Sign() > 0 && req.Amount.GreaterThan(e.opts.MaxAmount):
		return "", errs.New(errs.Validation, op, "amount exceeds protocol maximum %s", e.opts.MaxAmount)
	case token == "" || !e.supported(token):
		return "", errs.New(errs.Validation, op, "token %q not supported", req.Token)
	case !e.supported(target):
		return "", errs.New(errs.Validation, op, "target token %q not supported", req.TargetToken)
	}
	if target != token {
		if e.quotes == nil {
			return "", errs.New(errs.Validation, op, "fx conversion unavailable")
		}
		if _, _, ok := e.quotes.Lookup(token, target); !ok {
			return "", errs.New(errs.Validation, op, "no pair configured for %s", oracle.PairLabel(token, target))
		}
	}
	if _, ok := req.Conditions.EscrowGate(); ok && e.escrows == nil {
		return "", errs.New(errs.Validation, op, "escrow unavailable")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate payment id: %w", err)
	}
	if err := e.ledger.Transfer(req.Sender, e.opts.Custody, token, req.Amount); err != nil {
		return "", fmt.Errorf("take custody: %w", err)
	}

	now := e.opts.Now().UTC()
	rec := &record{p: Payment{
		ID:          id.String(),
		Sender:      req.Sender,
		Recipient:   req.Recipient,
		Token:       token,
		Amount:      req.Amount,
		TargetToken: target,
		Status:      Created,
		Conditions:  req.Conditions,
		CreatedAt:   now,
	}}
	e.mu.Lock()
	e.payments[rec.p.ID] = rec
	e.mu.Unlock()

	e.bumpStats(func(s *Stats) { s.Created++ })
	metrics.RecordPaymentTransition(Created.String())

	err = e.locked(ctx, rec, func() error {
		e.emit(rec, EventCreated, req.Sender.Hex(), audit.SeverityInfo,
			fmt.Sprintf("%s %s to %s settling in %s", req.Amount, token, req.Recipient.Hex(), target))
		e.transition(rec, Pending)
		if !req.Conditions.Trivial() {
			return nil
		}
		return e.executeLocked(ctx, rec)
	})
	return id.String(), err
}

// locked runs fn under rec's lock and publishes the audit records it emitted once the lock
// is released.
func (e *Engine) locked(ctx context.Context, rec *record, fn func() error) error {
	rec.mu.Lock()
	err := fn()
	out := rec.outbox
	rec.outbox = nil
	rec.mu.Unlock()

	for _, r := range out {
		e.opts.Audit.Record(ctx, r)
	}
	return err
}

// Approve records approver's approval. Reaching the threshold moves the payment to Approved
// and executes it when the time window is open; an execution error is returned after the
// approval has been recorded.
func (e *Engine) Approve(ctx context.Context, id string, approver common.Address) error {
	const op = "payment.approve"
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error { return e.approveLocked(ctx, rec, approver) })
}

func (e *Engine) approveLocked(ctx context.Context, rec *record, approver common.Address) error {
	const op = "payment.approve"
	p := &rec.p
	id := p.ID
	if p.Status != Pending {
		return errs.New(errs.PreconditionFailed, op, "payment %s is %s", id, p.Status).With("status", p.Status.String())
	}
	gate, ok := p.Conditions.ApprovalGate()
	if !ok {
		return errs.New(errs.PreconditionFailed, op, "payment %s does not take approvals", id)
	}
	if !gate.authorised(approver) {
		return errs.New(errs.Unauthorized, op, "%s is not an approver for %s", approver.Hex(), id)
	}
	if p.approvedBy(approver) {
		return errs.New(errs.PreconditionFailed, op, "%s already approved %s", approver.Hex(), id)
	}
	p.Approvals = append(p.Approvals, approver)
	e.emit(rec, EventApproved, approver.Hex(), audit.SeverityInfo,
		fmt.Sprintf("approval %d of %d", len(p.Approvals), gate.Required))
	if len(p.Approvals) < gate.Required {
		return nil
	}
	e.transition(rec, Approved)
	if w, ok := p.Conditions.TimeWindow(); ok && !w.opened(e.opts.Now().UTC()) {
		return nil
	}
	return e.executeLocked(ctx, rec)
}

// Execute settles a Pending or Approved payment. Executing a terminal payment fails with
// PreconditionFailed and moves no funds.
func (e *Engine) Execute(ctx context.Context, id string) error {
	rec, err := e.lookup("payment.execute", id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error { return e.executeLocked(ctx, rec) })
}

func (e *Engine) executeLocked(ctx context.Context, rec *record) error {
	const op = "payment.execute"
	p := &rec.p
	if p.Status != Pending && p.Status != Approved {
		return errs.New(errs.PreconditionFailed, op, "payment %s is %s", p.ID, p.Status).With("status", p.Status.String())
	}
	now := e.opts.Now().UTC()

	if gate, ok := p.Conditions.ApprovalGate(); ok && len(p.Approvals) < gate.Required {
		return errs.New(errs.PreconditionFailed, op, "%d of %d approvals", len(p.Approvals), gate.Required)
	}
	if w, ok := p.Conditions.TimeWindow(); ok {
		if w.closed(now) {
			err := errs.New(errs.PreconditionFailed, op, "time window closed at %s", w.NotAfter.Format(time.RFC3339))
			return e.fail(rec, err)
		}
		if !w.opened(now) {
			return errs.New(errs.PreconditionFailed, op, "time window opens at %s", w.NotBefore.Format(time.RFC3339))
		}
	}

	var rate decimal.Decimal
	if p.NeedsFX() {
		q, inverted, err := e.quote(p.Token, p.TargetToken)
		if err != nil {
			return e.block(rec, err)
		}
		maxBps := e.opts.MaxSlippageBps
		if b, ok := p.Conditions.SlippageBound(); ok {
			maxBps = b.MaxBps
		}
		if q.DeviationBps > maxBps {
			err := errs.New(errs.SlippageExceeded, op, "spot deviates %d bps from twap, limit %d", q.DeviationBps, maxBps).
				With("pair", q.Label())
			return e.fail(rec, err)
		}
		rate = q.SpotRate
		if inverted {
			rate = decimal.NewFromInt(1).Div(rate)
		}
	}

	if g, ok := p.Conditions.EscrowGate(); ok {
		if err := escrow.ValidateParams(g.Condition, g.Params); err != nil {
			return e.fail(rec, errs.New(errs.Validation, op, "escrow gate: %s", err))
		}
	}

	var (
		creq    compliance.Request
		checked compliance.Result
	)
	if e.compliance != nil {
		creq = compliance.Request{
			PaymentID:        p.ID,
			Sender:           p.Sender,
			Recipient:        p.Recipient,
			Amount:           p.Amount,
			RequireSanctions: e.opts.ScreenSanctions,
		}
		if g, ok := p.Conditions.TierGate(); ok {
			creq.SenderTier, creq.RecipientTier = g.Sender, g.Recipient
		}
		res, err := e.compliance.Check(ctx, creq)
		if err != nil {
			return e.block(rec, fmt.Errorf("compliance check: %w", err))
		}
		if !res.Passed {
			return e.fail(rec, errs.New(errs.ComplianceRejected, op, "%s", res.Reason))
		}
		checked = res
	}

	fee := p.Amount.Mul(decimal.New(e.opts.FeeBps, -4))
	net := p.Amount.Sub(fee)
	payout := net
	if p.NeedsFX() {
		payout = net.Mul(rate).Truncate(8)
	}
	escrowID, err := e.settle(ctx, p, fee, net, payout)
	if err != nil {
		if checked.Passed {
			if rerr := e.compliance.Release(ctx, creq, checked.CheckedAt); rerr != nil {
				e.logger.Error().Err(rerr).Str("payment_id", p.ID).Msg("failed to release compliance volume")
			}
		}
		return e.block(rec, err)
	}

	p.TravelRule, p.EnhancedDD = checked.RequiresTravelRule, checked.RequiresEnhancedDD
	p.EscrowID = escrowID
	p.Fee, p.Rate, p.TargetAmount = fee, rate, payout
	p.ExecutedAt = e.opts.Now().UTC()
	p.LastError = ""
	e.transition(rec, Executed)

	latency := p.ExecutedAt.Sub(p.CreatedAt)
	metrics.ObserveSettlement(latency)
	e.bumpStats(func(s *Stats) {
		s.Executed++
		s.Volume = s.Volume.Add(p.Amount)
		e.settledTotal += latency
		s.AvgSettlement = e.settledTotal / time.Duration(s.Executed)
	})
	e.emit(rec, EventExecuted, "", audit.SeverityInfo,
		fmt.Sprintf("paid %s %s (fee %s %s)", payout, p.TargetToken, fee, p.Token))
	return nil
}

// settle moves the fee, converts and pays out or opens the escrow. Either every step lands or
// the completed steps are reversed and custody holds the principal again.
func (e *Engine) settle(ctx context.Context, p *Payment, fee, net, payout decimal.Decimal) (string, error) {
	var undo []func() error
	rollback := func(cause error) (string, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				e.logger.Error().Err(err).Str("payment_id", p.ID).Msg("settlement rollback step failed")
			}
		}
		return "", cause
	}

	if fee.Sign() > 0 {
		if err := e.ledger.Transfer(e.opts.Custody, e.opts.Treasury, p.Token, fee); err != nil {
			return "", fmt.Errorf("collect fee: %w", err)
		}
		undo = append(undo, func() error {
			return e.ledger.Transfer(e.opts.Treasury, e.opts.Custody, p.Token, fee)
		})
	}
	if p.NeedsFX() {
		if err := e.ledger.Swap(e.opts.Custody, p.Token, net, p.TargetToken, payout); err != nil {
			return rollback(fmt.Errorf("convert %s: %w", oracle.PairLabel(p.Token, p.TargetToken), err))
		}
		undo = append(undo, func() error {
			return e.ledger.Swap(e.opts.Custody, p.TargetToken, payout, p.Token, net)
		})
	}

	if g, ok := p.Conditions.EscrowGate(); ok {
		escrowID, err := e.escrows.Create(ctx, escrow.CreateRequest{
			PaymentID:   p.ID,
			Depositor:   p.Sender,
			Beneficiary: p.Recipient,
			Token:       p.TargetToken,
			Amount:      payout,
			Condition:   g.Condition,
			Params:      g.Params,
			FundFrom:    e.opts.Custody,
		})
		if err != nil {
			return rollback(fmt.Errorf("open escrow: %w", err))
		}
		return escrowID, nil
	}
	if err := e.ledger.Transfer(e.opts.Custody, p.Recipient, p.TargetToken, payout); err != nil {
		return rollback(fmt.Errorf("pay out: %w", err))
	}
	return "", nil
}

func (e *Engine) quote(token, target string) (aggregator.Quote, bool, error) {
	const op = "payment.execute"
	pair, inverted, ok := e.quotes.Lookup(token, target)
	if !ok {
		return aggregator.Quote{}, false, errs.New(errs.Validation, op, "no pair configured for %s", oracle.PairLabel(token, target))
	}
	q, err := e.quotes.GetQuote(pair)
	if err != nil {
		return aggregator.Quote{}, false, err
	}
	if q.Halted {
		return q, false, errs.New(errs.CircuitHalted, op, "pair %s halted at %s", q.Label(), q.CircuitState).With("pair", q.Label())
	}
	if !q.IsReliable && !e.opts.AllowUnreliableQuotes {
		return q, false, errs.New(errs.InsufficientConsensus, op, "%s quote from %d sources", q.Label(), q.ValidOracleCount).
			With("pair", q.Label())
	}
	return q, inverted, nil
}

// block records a retryable execution error without changing status. A halted or
// unreliable quote lands here, so the payment stays Pending until the breaker is reset or
// consensus returns instead of failing outright.
func (e *Engine) block(rec *record, err error) error {
	rec.p.LastError = err.Error()
	e.logger.Warn().Err(err).Str("payment_id", rec.p.ID).Msg("execution blocked")
	e.emit(rec, EventBlocked, "", audit.SeverityWarning, err.Error())
	return err
}

// fail moves the payment to Failed, keeps the reason and returns the principal to the sender.
func (e *Engine) fail(rec *record, cause error) error {
	p := &rec.p
	if err := e.ledger.Transfer(e.opts.Custody, p.Sender, p.Token, p.Amount); err != nil {
		return fmt.Errorf("refund failed payment %s: %w", p.ID, err)
	}
	p.FailureReason = errs.Reason(cause)
	p.LastError = cause.Error()
	e.transition(rec, Failed)
	e.bumpStats(func(s *Stats) { s.Failed++ })
	e.emit(rec, EventFailed, "", audit.SeverityWarning, p.FailureReason)
	return cause
}

// Cancel refunds a Created or Pending payment. Only the sender may cancel.
func (e *Engine) Cancel(ctx context.Context, id string, actor common.Address) error {
	const op = "payment.cancel"
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error {
		p := &rec.p
		if actor != p.Sender {
			return errs.New(errs.Unauthorized, op, "only the sender may cancel %s", id)
		}
		if p.Status != Created && p.Status != Pending {
			return errs.New(errs.PreconditionFailed, op, "payment %s is %s", id, p.Status).With("status", p.Status.String())
		}
		return e.cancelLocked(rec, actor, "cancelled by sender")
	})
}

func (e *Engine) cancelLocked(rec *record, actor common.Address, why string) error {
	p := &rec.p
	if err := e.ledger.Transfer(e.opts.Custody, p.Sender, p.Token, p.Amount); err != nil {
		return fmt.Errorf("refund %s: %w", p.ID, err)
	}
	e.transition(rec, Cancelled)
	e.bumpStats(func(s *Stats) { s.Cancelled++ })
	e.emit(rec, EventCancelled, actor.Hex(), audit.SeverityInfo, why)
	return nil
}

// Dispute freezes a Pending escrow-gated payment until an arbiter resolves it.
func (e *Engine) Dispute(ctx context.Context, id string, actor common.Address, reason string) error {
	const op = "payment.dispute"
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error {
		p := &rec.p
		if actor != p.Sender && actor != p.Recipient {
			return errs.New(errs.Unauthorized, op, "%s is not a party to %s", actor.Hex(), id)
		}
		if p.Status != Pending {
			return errs.New(errs.PreconditionFailed, op, "payment %s is %s", id, p.Status).With("status", p.Status.String())
		}
		if _, ok := p.Conditions.EscrowGate(); !ok {
			return errs.New(errs.PreconditionFailed, op, "payment %s is not escrowed", id)
		}
		p.DisputeReason = reason
		e.transition(rec, Disputed)
		e.emit(rec, EventDisputed, actor.Hex(), audit.SeverityWarning, reason)
		return nil
	})
}

// ResolveDispute lets an arbiter either cancel and refund a disputed payment or return it
// to Pending.
func (e *Engine) ResolveDispute(ctx context.Context, id string, arbiter common.Address, refund bool) error {
	const op = "payment.resolve_dispute"
	if !e.opts.Access.Allowed(arbiter, access.PaymentArbiter) {
		return errs.New(errs.Unauthorized, op, "%s is not a payment arbiter", arbiter.Hex())
	}
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error {
		if rec.p.Status != Disputed {
			return errs.New(errs.PreconditionFailed, op, "payment %s is %s", id, rec.p.Status).With("status", rec.p.Status.String())
		}
		if refund {
			return e.cancelLocked(rec, arbiter, "dispute resolved with refund")
		}
		e.transition(rec, Pending)
		e.emit(rec, EventResolved, arbiter.Hex(), audit.SeverityInfo, "dispute resolved, payment reinstated")
		return nil
	})
}

// Get returns a snapshot of a payment.
func (e *Engine) Get(id string) (Payment, error) {
	rec, err := e.lookup("payment.get", id)
	if err != nil {
		return Payment{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.p.clone(), nil
}

// List returns every payment ordered by id, which is creation order.
func (e *Engine) List() []Payment {
	e.mu.RLock()
	recs := make([]*record, 0, len(e.payments))
	for _, r := range e.payments {
		recs = append(recs, r)
	}
	e.mu.RUnlock()
	out := make([]Payment, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.p.clone())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns lifetime counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) bumpStats(fn func(*Stats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

func (e *Engine) lookup(op, id string) (*record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.payments[id]
	if !ok {
		return nil, errs.New(errs.NotFound, op, "payment %s not found", id)
	}
	return rec, nil
}

func (e *Engine) transition(rec *record, to Status) {
	from := rec.p.Status
	rec.p.Status = to
	metrics.RecordPaymentTransition(to.String())
	e.logger.Debug().Str("payment_id", rec.p.ID).Str("from", from.String()).Str("to", to.String()).Msg("payment transition")
}

// emit queues an audit record on rec; locked publishes it after the lock is released.
func (e *Engine) emit(rec *record, event, actor string, severity audit.Severity, desc string) {
	p := rec.p
	e.logger.Info().Str("payment_id", p.ID).Str("event", event).Str("status", p.Status.String()).Msg(desc)
	rec.outbox = append(rec.outbox, audit.Record{
		EventType:   event,
		PaymentID:   p.ID,
		EscrowID:    p.EscrowID,
		Actor:       actor,
		Severity:    severity,
		Timestamp:   e.opts.Now().UTC(),
		Description: desc,
	})
}
