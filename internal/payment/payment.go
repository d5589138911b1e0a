// Package payment runs the payment lifecycle: custody on create, approvals, compliance and
// FX at execution, payout direct or through escrow, cancellation and disputes.
package payment

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Status of a payment. Executed, Cancelled and Failed are terminal.
type Status int

const (
	Created Status = iota
	Pending
	Approved
	Executed
	Cancelled
	Failed
	Disputed
)

var statusNames = [...]string{"created", "pending", "approved", "executed", "cancelled", "failed", "disputed"}

func (s Status) String() string {
	if s < Created || s > Disputed {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether the payment can no longer change.
func (s Status) Terminal() bool { return s == Executed || s == Cancelled || s == Failed }

// Payment is a snapshot of one payment.
type Payment struct {
	ID            string
	Sender        common.Address
	Recipient     common.Address
	Token         string
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	TargetToken   string
	TargetAmount  decimal.Decimal
	Rate          decimal.Decimal
	Status        Status
	Conditions    Conditions
	Approvals     []common.Address
	EscrowID      string
	FailureReason string
	LastError     string
	DisputeReason string
	TravelRule    bool
	EnhancedDD    bool
	CreatedAt     time.Time
	ExecutedAt    time.Time
}

// NeedsFX reports whether execution converts between tokens.
func (p Payment) NeedsFX() bool { return p.TargetToken != p.Token }

func (p Payment) clone() Payment {
	p.Approvals = append([]common.Address(nil), p.Approvals...)
	return p
}

func (p Payment) approvedBy(a common.Address) bool {
	for _, x := range p.Approvals {
		if x == a {
			return true
		}
	}
	return false
}

// Stats summarises the engine's lifetime activity.
type Stats struct {
	Created       int
	Executed      int
	Failed        int
	Cancelled     int
	Volume        decimal.Decimal
	AvgSettlement time.Duration
}
