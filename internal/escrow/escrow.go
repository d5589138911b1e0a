// Package escrow holds settled funds in a vault until a release condition is met, a dispute
// is resolved by an arbiter, or the escrow is refunded.
package escrow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status of an escrow. Released and Refunded are terminal.
type Status int

const (
	Active Status = iota
	Released
	Refunded
	Disputed
)

var statusNames = [...]string{"active", "released", "refunded", "disputed"}

func (s Status) String() string {
	if s < Active || s > Disputed {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool { return s == Released || s == Refunded }

// ConditionType selects the release rule.
type ConditionType int

const (
	TimeBased ConditionType = iota
	Approval
	Oracle
	MultiSig
)

var conditionNames = [...]string{"time", "approval", "oracle", "multisig"}

func (c ConditionType) String() string {
	if c < TimeBased || c > MultiSig {
		return fmt.Sprintf("condition(%d)", int(c))
	}
	return conditionNames[c]
}

// ParseConditionType parses a condition name.
func ParseConditionType(v string) (ConditionType, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range conditionNames {
		if name == v {
			return ConditionType(i), nil
		}
	}
	return TimeBased, fmt.Errorf("unknown escrow condition %q", v)
}

// Params configure the release condition and the dispute and refund windows.
type Params struct {
	ReleaseTime                time.Time
	RequireBeneficiaryApproval bool
	Signers                    []common.Address
	RequiredSignatures         int
	// DisputeWindow and RefundDelay are measured from creation; zero uses the engine defaults.
	DisputeWindow time.Duration
	RefundDelay   time.Duration
}

// ValidateParams checks that params can back an escrow with condition c.
func ValidateParams(c ConditionType, params Params) error {
	switch c {
	case TimeBased:
		if params.ReleaseTime.IsZero() {
			return fmt.Errorf("time condition needs a release time")
		}
	case Approval, Oracle:
	case MultiSig:
		if params.RequiredSignatures <= 0 || params.RequiredSignatures > len(params.Signers) {
			return fmt.Errorf("multisig needs 1..%d required signatures", len(params.Signers))
		}
		seen := make(map[common.Address]struct{}, len(params.Signers))
		for _, s := range params.Signers {
			if s == (common.Address{}) {
				return fmt.Errorf("multisig signer must not be the zero address")
			}
			if _, dup := seen[s]; dup {
				return fmt.Errorf("duplicate multisig signer %s", s.Hex())
			}
			seen[s] = struct{}{}
		}
	default:
		return fmt.Errorf("unknown condition %s", c)
	}
	if params.DisputeWindow < 0 || params.RefundDelay < 0 {
		return fmt.Errorf("dispute window and refund delay must not be negative")
	}
	return nil
}

// Escrow is a snapshot of one escrow.
type Escrow struct {
	ID                  string
	PaymentID           string
	Depositor           common.Address
	Beneficiary         common.Address
	Token               string
	Amount              decimal.Decimal
	Status              Status
	Condition           ConditionType
	Params              Params
	DisputeDeadline     time.Time
	RefundAfter         time.Time
	DepositorApproved   bool
	BeneficiaryApproved bool
	Signatures          []common.Address
	OracleMet           bool
	DisputeReason       string
	Resolution          string
	CreatedAt           time.Time
	ClosedAt            time.Time
}

func (e Escrow) clone() Escrow {
	e.Params.Signers = append([]common.Address(nil), e.Params.Signers...)
	e.Signatures = append([]common.Address(nil), e.Signatures...)
	return e
}

func (e Escrow) canRelease(now time.Time) bool {
	switch e.Condition {
	case TimeBased:
		return !now.Before(e.Params.ReleaseTime)
	case Approval:
		if e.Params.RequireBeneficiaryApproval && !e.BeneficiaryApproved {
			return false
		}
		return e.DepositorApproved
	case Oracle:
		return e.OracleMet
	case MultiSig:
		return len(e.Signatures) >= e.Params.RequiredSignatures
	default:
		return false
	}
}

func (e Escrow) isParty(a common.Address) bool { return a == e.Depositor || a == e.Beneficiary }

func (e Escrow) isSigner(a common.Address) bool {
	for _, s := range e.Params.Signers {
		if s == a {
			return true
		}
	}
	return false
}

func (e Escrow) hasSigned(a common.Address) bool {
	for _, s := range e.Signatures {
		if s == a {
			return true
		}
	}
	return false
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })
}
