package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxsettle/internal/access"
	"fxsettle/internal/audit"
	"fxsettle/internal/errs"
	"fxsettle/internal/metrics"
)

const (
	EventCreated   = "escrow.created"
	EventApproved  = "escrow.approved"
	EventSigned    = "escrow.signed"
	EventOracleMet = "escrow.oracle_met"
	EventReleased  = "escrow.released"
	EventDisputed  = "escrow.disputed"
	EventResolved  = "escrow.resolved"
	EventRefunded  = "escrow.refunded"
)

// Ledger moves escrowed funds.
type Ledger interface {
	Transfer(from, to common.Address, token string, amount decimal.Decimal) error
}

// Options tune the engine.
type Options struct {
	// Vault is the ledger owner that holds escrowed funds.
	Vault                common.Address
	DefaultDisputeWindow time.Duration
	DefaultRefundDelay   time.Duration
	Now                  func() time.Time
	Audit                audit.Sink
	Access               access.Checker
}

// CreateRequest opens an escrow. FundFrom pays the amount into the vault and defaults to the
// depositor.
type CreateRequest struct {
	PaymentID   string
	Depositor   common.Address
	Beneficiary common.Address
	Token       string
	Amount      decimal.Decimal
	Condition   ConditionType
	Params      Params
	FundFrom    common.Address
}

type record struct {
	mu sync.Mutex
	e  Escrow
	// outbox holds audit records raised under mu until the lock is released.
	outbox []audit.Record
}

// Engine owns every escrow. Each escrow is locked independently.
type Engine struct {
	mu      sync.RWMutex
	escrows map[string]*record
	ledger  Ledger
	opts    Options
	logger  zerolog.Logger
}

// New builds an engine.
func New(ledger Ledger, opts Options, logger zerolog.Logger) *Engine {
	if opts.DefaultDisputeWindow <= 0 {
		opts.DefaultDisputeWindow = 7 * 24 * time.Hour
	}
	if opts.DefaultRefundDelay <= 0 {
		opts.DefaultRefundDelay = 30 * 24 * time.Hour
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
	return &Engine{
		escrows: make(map[string]*record),
		ledger:  ledger,
		opts:    opts,
		logger:  logger.With().Str("component", "escrow").Logger(),
	}
}

// Vault is the address holding escrowed funds.
func (e *Engine) Vault() common.Address { return e.opts.Vault }

// Create validates req, moves the amount into the vault and opens an Active escrow.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (string, error) {
	const op = "escrow.create"
	if req.Depositor == req.Beneficiary {
		return "", errs.New(errs.Validation, op, "beneficiary must differ from depositor")
	}
	if req.Amount.Sign() <= 0 {
		return "", errs.New(errs.Validation, op, "amount must be positive")
	}
	if req.Token == "" {
		return "", errs.New(errs.Validation, op, "token required")
	}
	if err := ValidateParams(req.Condition, req.Params); err != nil {
		return "", errs.New(errs.Validation, op, "%s", err)
	}
	params := req.Params
	if params.DisputeWindow <= 0 {
		params.DisputeWindow = e.opts.DefaultDisputeWindow
	}
	if params.RefundDelay <= 0 {
		params.RefundDelay = e.opts.DefaultRefundDelay
	}
	params.Signers = append([]common.Address(nil), params.Signers...)

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate escrow id: %w", err)
	}
	fundFrom := req.FundFrom
	if fundFrom == (common.Address{}) {
		fundFrom = req.Depositor
	}
	if err := e.ledger.Transfer(fundFrom, e.opts.Vault, req.Token, req.Amount); err != nil {
		return "", fmt.Errorf("fund escrow: %w", err)
	}

	now := e.opts.Now().UTC()
	esc := Escrow{
		ID:              id.String(),
		PaymentID:       req.PaymentID,
		Depositor:       req.Depositor,
		Beneficiary:     req.Beneficiary,
		Token:           req.Token,
		Amount:          req.Amount,
		Status:          Active,
		Condition:       req.Condition,
		Params:          params,
		DisputeDeadline: now.Add(params.DisputeWindow),
		RefundAfter:     now.Add(params.RefundDelay),
		CreatedAt:       now,
	}
	e.mu.Lock()
	e.escrows[esc.ID] = &record{e: esc}
	e.mu.Unlock()

	metrics.RecordEscrowTransition(Active.String())
	e.opts.Audit.Record(ctx, e.note(esc, EventCreated, req.Depositor.Hex(), audit.SeverityInfo,
		fmt.Sprintf("%s %s held under %s condition", req.Amount, req.Token, req.Condition)))
	return esc.ID, nil
}

// Get returns a snapshot of an escrow.
func (e *Engine) Get(id string) (Escrow, error) {
	rec, err := e.lookup("escrow.get", id)
	if err != nil {
		return Escrow{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.e.clone(), nil
}

// List returns snapshots of every escrow ordered by creation time.
func (e *Engine) List() []Escrow {
	e.mu.RLock()
	recs := make([]*record, 0, len(e.escrows))
	for _, r := range e.escrows {
		recs = append(recs, r)
	}
	e.mu.RUnlock()
	out := make([]Escrow, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.e.clone())
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TryRelease pays the beneficiary if the release condition holds. It reports whether funds moved.
func (e *Engine) TryRelease(ctx context.Context, id string) (bool, error) {
	const op = "escrow.try_release"
	rec, err := e.lookup(op, id)
	if err != nil {
		return false, err
	}
	var released bool
	err = e.locked(ctx, rec, func() error {
		if err := requireActive(op, rec.e); err != nil {
			return err
		}
		now := e.opts.Now().UTC()
		if !rec.e.canRelease(now) {
			return nil
		}
		if err := e.ledger.Transfer(e.opts.Vault, rec.e.Beneficiary, rec.e.Token, rec.e.Amount); err != nil {
			return fmt.Errorf("release escrow %s: %w", id, err)
		}
		e.close(rec, Released, now)
		e.emit(rec, EventReleased, "", audit.SeverityInfo,
			fmt.Sprintf("%s %s released to beneficiary", rec.e.Amount, rec.e.Token))
		released = true
		return nil
	})
	return released, err
}

// Approve records an approval from the depositor or the beneficiary.
func (e *Engine) Approve(ctx context.Context, id string, actor common.Address) error {
	const op = "escrow.approve"
	return e.mutate(ctx, op, id, func(esc *Escrow) (string, error) {
		if esc.Condition != Approval {
			return "", errs.New(errs.PreconditionFailed, op, "escrow %s uses %s condition", id, esc.Condition)
		}
		switch actor {
		case esc.Depositor:
			if esc.DepositorApproved {
				return "", errs.New(errs.PreconditionFailed, op, "depositor already approved")
			}
			esc.DepositorApproved = true
		case esc.Beneficiary:
			if esc.BeneficiaryApproved {
				return "", errs.New(errs.PreconditionFailed, op, "beneficiary already approved")
			}
			esc.BeneficiaryApproved = true
		default:
			return "", errs.New(errs.Unauthorized, op, "%s is not a party to escrow %s", actor.Hex(), id)
		}
		return EventApproved, nil
	}, actor)
}

// Sign adds a multisig signature from an authorised signer.
func (e *Engine) Sign(ctx context.Context, id string, signer common.Address) error {
	const op = "escrow.sign"
	return e.mutate(ctx, op, id, func(esc *Escrow) (string, error) {
		if esc.Condition != MultiSig {
			return "", errs.New(errs.PreconditionFailed, op, "escrow %s uses %s condition", id, esc.Condition)
		}
		if !esc.isSigner(signer) {
			return "", errs.New(errs.Unauthorized, op, "%s is not a signer for escrow %s", signer.Hex(), id)
		}
		if esc.hasSigned(signer) {
			return "", errs.New(errs.PreconditionFailed, op, "%s already signed", signer.Hex())
		}
		esc.Signatures = append(esc.Signatures, signer)
		sortAddresses(esc.Signatures)
		return EventSigned, nil
	}, signer)
}

// SetOracleConditionMet records the inbound fact that an oracle condition holds.
func (e *Engine) SetOracleConditionMet(ctx context.Context, id string, actor common.Address) error {
	const op = "escrow.set_oracle_condition_met"
	if !e.opts.Access.Allowed(actor, access.OracleCondition) {
		return errs.New(errs.Unauthorized, op, "%s may not set oracle conditions", actor.Hex())
	}
	return e.mutate(ctx, op, id, func(esc *Escrow) (string, error) {
		if esc.Condition != Oracle {
			return "", errs.New(errs.PreconditionFailed, op, "escrow %s uses %s condition", id, esc.Condition)
		}
		esc.OracleMet = true
		return EventOracleMet, nil
	}, actor)
}

// Dispute freezes an Active escrow until an arbiter resolves it. Only parties may dispute,
// and only before the dispute deadline.
func (e *Engine) Dispute(ctx context.Context, id string, actor common.Address, reason string) error {
	const op = "escrow.dispute"
	now := e.opts.Now().UTC()
	return e.mutate(ctx, op, id, func(esc *Escrow) (string, error) {
		if !esc.isParty(actor) {
			return "", errs.New(errs.Unauthorized, op, "%s is not a party to escrow %s", actor.Hex(), id)
		}
		if !now.Before(esc.DisputeDeadline) {
			return "", errs.New(errs.PreconditionFailed, op, "dispute window closed at %s", esc.DisputeDeadline.Format(time.RFC3339))
		}
		esc.Status = Disputed
		esc.DisputeReason = reason
		return EventDisputed, nil
	}, actor)
}

// ResolveDispute pays amount to recipient and the remainder to the other party. The escrow
// ends Released when recipient is the beneficiary and Refunded when it is the depositor.
func (e *Engine) ResolveDispute(ctx context.Context, id string, arbiter, recipient common.Address, amount decimal.Decimal) error {
	const op = "escrow.resolve_dispute"
	if !e.opts.Access.Allowed(arbiter, access.EscrowArbiter) {
		return errs.New(errs.Unauthorized, op, "%s is not an escrow arbiter", arbiter.Hex())
	}
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error {
		esc := rec.e
		if esc.Status != Disputed {
			return errs.New(errs.PreconditionFailed, op, "escrow %s is %s, not disputed", id, esc.Status)
		}
		if !esc.isParty(recipient) {
			return errs.New(errs.Validation, op, "recipient %s is not a party", recipient.Hex())
		}
		if amount.Sign() < 0 || amount.GreaterThan(esc.Amount) {
			return errs.New(errs.Validation, op, "amount must be within [0, %s]", esc.Amount)
		}
		other := esc.Depositor
		final := Released
		if recipient == esc.Depositor {
			other = esc.Beneficiary
			final = Refunded
		}
		if err := e.ledger.Transfer(e.opts.Vault, recipient, esc.Token, amount); err != nil {
			return fmt.Errorf("resolve escrow %s: %w", id, err)
		}
		if err := e.ledger.Transfer(e.opts.Vault, other, esc.Token, esc.Amount.Sub(amount)); err != nil {
			return fmt.Errorf("resolve escrow %s remainder: %w", id, err)
		}
		rec.e.Resolution = fmt.Sprintf("%s to %s, %s to %s", amount, recipient.Hex(), esc.Amount.Sub(amount), other.Hex())
		e.close(rec, final, e.opts.Now().UTC())
		e.emit(rec, EventResolved, arbiter.Hex(), audit.SeverityWarning, rec.e.Resolution)
		return nil
	})
}

// Refund returns the funds to the depositor. Arbiters may refund at any time; the depositor
// only after the refund delay has passed.
func (e *Engine) Refund(ctx context.Context, id string, actor common.Address) error {
	const op = "escrow.refund"
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error {
		if err := requireActive(op, rec.e); err != nil {
			return err
		}
		now := e.opts.Now().UTC()
		switch {
		case e.opts.Access.Allowed(actor, access.EscrowArbiter):
		case actor == rec.e.Depositor:
			if now.Before(rec.e.RefundAfter) {
				return errs.New(errs.PreconditionFailed, op, "refund available after %s", rec.e.RefundAfter.Format(time.RFC3339))
			}
		default:
			return errs.New(errs.Unauthorized, op, "%s may not refund escrow %s", actor.Hex(), id)
		}
		if err := e.ledger.Transfer(e.opts.Vault, rec.e.Depositor, rec.e.Token, rec.e.Amount); err != nil {
			return fmt.Errorf("refund escrow %s: %w", id, err)
		}
		e.close(rec, Refunded, now)
		e.emit(rec, EventRefunded, actor.Hex(), audit.SeverityInfo,
			fmt.Sprintf("%s %s returned to depositor", rec.e.Amount, rec.e.Token))
		return nil
	})
}

func (e *Engine) lookup(op, id string) (*record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.escrows[id]
	if !ok {
		return nil, errs.New(errs.NotFound, op, "escrow %s not found", id)
	}
	return rec, nil
}

func requireActive(op string, esc Escrow) error {
	if esc.Status != Active {
		return errs.New(errs.PreconditionFailed, op, "escrow %s is %s", esc.ID, esc.Status).With("status", esc.Status.String())
	}
	return nil
}

// mutate applies fn to an Active escrow under its lock and emits the returned event.
func (e *Engine) mutate(ctx context.Context, op, id string, fn func(*Escrow) (string, error), actor common.Address) error {
	rec, err := e.lookup(op, id)
	if err != nil {
		return err
	}
	return e.locked(ctx, rec, func() error {
		if err := requireActive(op, rec.e); err != nil {
			return err
		}
		next := rec.e.clone()
		event, err := fn(&next)
		if err != nil {
			return err
		}
		rec.e = next
		if next.Status != Active {
			metrics.RecordEscrowTransition(next.Status.String())
		}
		e.emit(rec, event, actor.Hex(), audit.SeverityInfo, op)
		return nil
	})
}

func (e *Engine) close(rec *record, status Status, at time.Time) {
	rec.e.Status = status
	rec.e.ClosedAt = at
	metrics.RecordEscrowTransition(status.String())
}

// locked runs fn under rec's lock and publishes the audit records it raised once the lock is
// released.
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

func (e *Engine) emit(rec *record, event, actor string, severity audit.Severity, desc string) {
	rec.outbox = append(rec.outbox, e.note(rec.e, event, actor, severity, desc))
}

func (e *Engine) note(esc Escrow, event, actor string, severity audit.Severity, desc string) audit.Record {
	e.logger.Info().Str("escrow_id", esc.ID).Str("payment_id", esc.PaymentID).Str("event", event).
		Str("status", esc.Status.String()).Msg(desc)
	return audit.Record{
		EventType:   event,
		PaymentID:   esc.PaymentID,
		EscrowID:    esc.ID,
		Actor:       actor,
		Severity:    severity,
		Timestamp:   e.opts.Now().UTC(),
		Description: desc,
	}
}
