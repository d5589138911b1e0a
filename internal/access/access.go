package access

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Capability names an administrative or privileged action.
type Capability string

const (
	// BreakerReset allows resetting a pair's circuit breaker to Normal.
	BreakerReset Capability = "breaker.reset"
	// OracleCondition allows asserting that an escrow's oracle condition is met.
	OracleCondition Capability = "escrow.oracle_condition"
	// EscrowArbiter allows resolving disputes and force-refunding escrows.
	EscrowArbiter Capability = "escrow.arbiter"
	// PaymentArbiter allows resolving disputed payments.
	PaymentArbiter Capability = "payment.arbiter"
)

// Checker answers whether an actor holds a capability.
type Checker interface {
	Allowed(actor common.Address, capability Capability) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(actor common.Address, capability Capability) bool

// Allowed implements Checker.
func (f CheckerFunc) Allowed(actor common.Address, capability Capability) bool {
	return f(actor, capability)
}

// Static is an in-memory capability table.
type Static struct {
	mu     sync.RWMutex
	grants map[Capability]map[common.Address]struct{}
}

// NewStatic builds a table from capability → hex addresses.
func NewStatic(grants map[string][]string) *Static {
	s := &Static{grants: make(map[Capability]map[common.Address]struct{})}
	for capability, actors := range grants {
		for _, actor := range actors {
			actor = strings.TrimSpace(actor)
			if !common.IsHexAddress(actor) {
				continue
			}
			s.Grant(common.HexToAddress(actor), Capability(capability))
		}
	}
	return s
}

// Grant adds a capability for an actor.
func (s *Static) Grant(actor common.Address, capability Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.grants[capability]
	if !ok {
		set = make(map[common.Address]struct{})
		s.grants[capability] = set
	}
	set[actor] = struct{}{}
}

// Revoke removes a capability from an actor.
func (s *Static) Revoke(actor common.Address, capability Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[capability], actor)
}

// Allowed implements Checker.
func (s *Static) Allowed(actor common.Address, capability Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[capability][actor]
	return ok
}

var (
	_ Checker = (*Static)(nil)
	_ Checker = CheckerFunc(nil)
)
