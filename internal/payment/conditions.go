package payment

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"fxsettle/internal/compliance"
	"fxsettle/internal/errs"
	"fxsettle/internal/escrow"
)

// Kind tags a condition.
type Kind int

const (
	KindTierGate Kind = iota + 1
	KindApprovalGate
	KindTimeWindow
	KindEscrowGate
	KindSlippageBound
)

func (k Kind) String() string {
	switch k {
	case KindTierGate:
		return "tier_gate"
	case KindApprovalGate:
		return "approval_gate"
	case KindTimeWindow:
		return "time_window"
	case KindEscrowGate:
		return "escrow_gate"
	case KindSlippageBound:
		return "slippage_bound"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Condition is one member of a payment's condition set.
type Condition interface {
	Kind() Kind
	validate() error
}

// TierGate requires minimum KYC tiers for both parties.
type TierGate struct {
	Sender    compliance.Tier
	Recipient compliance.Tier
}

func (TierGate) Kind() Kind { return KindTierGate }

func (g TierGate) validate() error {
	if g.Sender < compliance.TierNone || g.Sender > compliance.TierInstitutional ||
		g.Recipient < compliance.TierNone || g.Recipient > compliance.TierInstitutional {
		return fmt.Errorf("tier out of range")
	}
	return nil
}

// ApprovalGate requires Required distinct approvals from Approvers.
type ApprovalGate struct {
	Required  int
	Approvers []common.Address
}

func (ApprovalGate) Kind() Kind { return KindApprovalGate }

func (g ApprovalGate) validate() error {
	seen := make(map[common.Address]struct{}, len(g.Approvers))
	for _, a := range g.Approvers {
		seen[a] = struct{}{}
	}
	if g.Required <= 0 || g.Required > len(seen) {
		return fmt.Errorf("required approvals must be within 1..%d", len(seen))
	}
	return nil
}

func (g ApprovalGate) authorised(a common.Address) bool {
	for _, x := range g.Approvers {
		if x == a {
			return true
		}
	}
	return false
}

// TimeWindow bounds when execution may happen. A zero bound is open.
type TimeWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (TimeWindow) Kind() Kind { return KindTimeWindow }

func (w TimeWindow) validate() error {
	if w.NotBefore.IsZero() && w.NotAfter.IsZero() {
		return fmt.Errorf("time window needs at least one bound")
	}
	if !w.NotBefore.IsZero() && !w.NotAfter.IsZero() && !w.NotAfter.After(w.NotBefore) {
		return fmt.Errorf("time window closes before it opens")
	}
	return nil
}

func (w TimeWindow) opened(now time.Time) bool {
	return w.NotBefore.IsZero() || !now.Before(w.NotBefore)
}

func (w TimeWindow) closed(now time.Time) bool {
	return !w.NotAfter.IsZero() && now.After(w.NotAfter)
}

// EscrowGate routes the payout through an escrow with the given release condition.
type EscrowGate struct {
	Condition escrow.ConditionType
	Params    escrow.Params
}

func (EscrowGate) Kind() Kind { return KindEscrowGate }

func (g EscrowGate) validate() error {
	return escrow.ValidateParams(g.Condition, g.Params)
}

// SlippageBound caps the spot/TWAP deviation tolerated for the FX leg.
type SlippageBound struct {
	MaxBps int64
}

func (SlippageBound) Kind() Kind { return KindSlippageBound }

func (b SlippageBound) validate() error {
	if b.MaxBps <= 0 || b.MaxBps > 10_000 {
		return fmt.Errorf("max slippage must be within 1..10000 bps")
	}
	return nil
}

// Conditions is an immutable set holding at most one condition of each kind. The zero
// value is the empty set.
type Conditions struct {
	byKind map[Kind]Condition
}

// NewConditions validates cs and builds a set.
func NewConditions(cs ...Condition) (Conditions, error) {
	set := Conditions{byKind: make(map[Kind]Condition, len(cs))}
	for _, c := range cs {
		if c == nil {
			continue
		}
		if _, dup := set.byKind[c.Kind()]; dup {
			return Conditions{}, errs.New(errs.Validation, "payment.conditions", "duplicate %s condition", c.Kind())
		}
		if err := c.validate(); err != nil {
			return Conditions{}, errs.New(errs.Validation, "payment.conditions", "%s: %v", c.Kind(), err)
		}
		set.byKind[c.Kind()] = c
	}
	return set, nil
}

// MustConditions is NewConditions that panics on error, for literals in tests and fixtures.
func MustConditions(cs ...Condition) Conditions {
	set, err := NewConditions(cs...)
	if err != nil {
		panic(err)
	}
	return set
}

// Kinds lists the members in kind order.
func (c Conditions) Kinds() []Kind {
	out := make([]Kind, 0, len(c.byKind))
	for k := range c.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Trivial reports whether the set places no hold on execution. A slippage bound alone does
// not hold a payment back.
func (c Conditions) Trivial() bool {
	for k := range c.byKind {
		if k != KindSlippageBound {
			return false
		}
	}
	return true
}

func (c Conditions) TierGate() (TierGate, bool) {
	g, ok := c.byKind[KindTierGate].(TierGate)
	return g, ok
}

func (c Conditions) ApprovalGate() (ApprovalGate, bool) {
	g, ok := c.byKind[KindApprovalGate].(ApprovalGate)
	return g, ok
}

func (c Conditions) TimeWindow() (TimeWindow, bool) {
	w, ok := c.byKind[KindTimeWindow].(TimeWindow)
	return w, ok
}

func (c Conditions) EscrowGate() (EscrowGate, bool) {
	g, ok := c.byKind[KindEscrowGate].(EscrowGate)
	return g, ok
}

func (c Conditions) SlippageBound() (SlippageBound, bool) {
	b, ok := c.byKind[KindSlippageBound].(SlippageBound)
	return b, ok
}
