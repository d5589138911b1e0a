// Package compliance gates payment execution on sanctions, KYC tier, verification expiry
// and rolling volume limits read from an external profile store.
package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Tier is a KYC verification level.
type Tier int

const (
	TierNone Tier = iota
	TierBasic
	TierStandard
	TierEnhanced
	TierInstitutional
)

var tierNames = [...]string{"none", "basic", "standard", "enhanced", "institutional"}

func (t Tier) String() string {
	if t < TierNone || t > TierInstitutional {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier parses a tier name. Empty input is TierNone.
func ParseTier(v string) (Tier, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return TierNone, nil
	}
	for i, name := range tierNames {
		if name == v {
			return Tier(i), nil
		}
	}
	return TierNone, fmt.Errorf("unknown compliance tier %q", v)
}

const (
	secondsPerDay   = 86400
	secondsPerMonth = 30 * secondsPerDay
)

// Day is the absolute day index used for daily limits.
func Day(t time.Time) int64 { return t.Unix() / secondsPerDay }

// Month is the absolute fixed 30-day month index used for monthly limits.
func Month(t time.Time) int64 { return t.Unix() / secondsPerMonth }

// Fact is an entity's compliance profile. A zero limit is not enforced.
type Fact struct {
	Address            common.Address
	Tier               Tier
	Sanctioned         bool
	RiskScore          int
	PEP                bool
	SingleTxLimit      decimal.Decimal
	DailyLimit         decimal.Decimal
	DailyUsed          decimal.Decimal
	UsageDay           int64
	MonthlyLimit       decimal.Decimal
	MonthlyUsed        decimal.Decimal
	UsageMonth         int64
	VerificationExpiry time.Time
}

// DailyUsedAt is the consumed daily volume as of now, zero once the day has rolled over.
func (f Fact) DailyUsedAt(now time.Time) decimal.Decimal {
	if f.UsageDay != Day(now) {
		return decimal.Zero
	}
	return f.DailyUsed
}

// MonthlyUsedAt is the consumed monthly volume as of now.
func (f Fact) MonthlyUsedAt(now time.Time) decimal.Decimal {
	if f.UsageMonth != Month(now) {
		return decimal.Zero
	}
	return f.MonthlyUsed
}

// DailyRemaining is DailyLimit minus today's usage, floored at zero.
func (f Fact) DailyRemaining(now time.Time) decimal.Decimal {
	return remaining(f.DailyLimit, f.DailyUsedAt(now))
}

// MonthlyRemaining is MonthlyLimit minus this month's usage, floored at zero.
func (f Fact) MonthlyRemaining(now time.Time) decimal.Decimal {
	return remaining(f.MonthlyLimit, f.MonthlyUsedAt(now))
}

func remaining(limit, used decimal.Decimal) decimal.Decimal {
	r := limit.Sub(used)
	if r.Sign() < 0 {
		return decimal.Zero
	}
	return r
}

// Consume returns f with amount added to the counters of the periods containing at.
func (f Fact) Consume(amount decimal.Decimal, at time.Time) Fact {
	f.DailyUsed = f.DailyUsedAt(at).Add(amount)
	f.UsageDay = Day(at)
	f.MonthlyUsed = f.MonthlyUsedAt(at).Add(amount)
	f.UsageMonth = Month(at)
	return f
}

// Release returns f with amount taken back out of the counters a consumption at at added to.
// Periods that have rolled over since are left alone.
func (f Fact) Release(amount decimal.Decimal, at time.Time) Fact {
	if f.UsageDay == Day(at) {
		f.DailyUsed = floorZero(f.DailyUsed.Sub(amount))
	}
	if f.UsageMonth == Month(at) {
		f.MonthlyUsed = floorZero(f.MonthlyUsed.Sub(amount))
	}
	return f
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return decimal.Zero
	}
	return d
}

// Expired reports whether verification lapsed before now. A zero expiry never lapses.
func (f Fact) Expired(now time.Time) bool {
	return !f.VerificationExpiry.IsZero() && now.After(f.VerificationExpiry)
}

// Store is the external profile store. GetProfile returns a zero Fact for unknown
// addresses; ConsumeVolume applies a consumed amount with period reset and ReleaseVolume
// undoes one.
type Store interface {
	GetProfile(ctx context.Context, addr common.Address) (Fact, error)
	ConsumeVolume(ctx context.Context, addr common.Address, amount decimal.Decimal, at time.Time) error
	ReleaseVolume(ctx context.Context, addr common.Address, amount decimal.Decimal, at time.Time) error
}
