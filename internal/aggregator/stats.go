package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	bpsScale   = decimal.NewFromInt(10_000)
	two        = decimal.NewFromInt(2)
	hundred    = decimal.NewFromInt(100)
	factorFull = decimal.NewFromInt(1)
	factorHalf = decimal.RequireFromString("0.8")
	factorOld  = decimal.RequireFromString("0.5")
)

// median returns the middle value of rates; even counts average the two middle values.
func median(rates []decimal.Decimal) decimal.Decimal {
	if len(rates) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(two)
}

// deviationBps returns |a-b|/b in basis points, truncated.
func deviationBps(a, b decimal.Decimal) int64 {
	if b.Sign() <= 0 {
		return 0
	}
	return a.Sub(b).Abs().Mul(bpsScale).Div(b).IntPart()
}

// stalenessFactor discounts a report by age: full weight while fresh, 80% past half the
// threshold, 50% past the full threshold.
func stalenessFactor(age, threshold time.Duration) decimal.Decimal {
	switch {
	case threshold <= 0:
		return factorFull
	case age > threshold:
		return factorOld
	case age > threshold/2:
		return factorHalf
	default:
		return factorFull
	}
}

type observation struct {
	at   time.Time
	rate decimal.Decimal
}

// insertObservation keeps history ordered by timestamp regardless of arrival order.
func insertObservation(history []observation, obs observation) []observation {
	idx := sort.Search(len(history), func(i int) bool { return history[i].at.After(obs.at) })
	history = append(history, observation{})
	copy(history[idx+1:], history[idx:])
	history[idx] = obs
	return history
}

// trimHistory drops observations older than window before the newest one, keeping the last
// point at or before the cutoff so the integral covers the whole window. maxLen caps growth.
func trimHistory(history []observation, window time.Duration, maxLen int) []observation {
	if len(history) == 0 {
		return history
	}
	if window > 0 {
		cutoff := history[len(history)-1].at.Add(-window)
		keepFrom := 0
		for i := range history {
			if history[i].at.After(cutoff) {
				break
			}
			keepFrom = i
		}
		history = history[keepFrom:]
	}
	if maxLen > 0 && len(history) > maxLen {
		history = history[len(history)-maxLen:]
	}
	return history
}

// twap integrates the step function defined by history over [end-window, end]. Each
// observation holds until the next one; the last holds until end.
func twap(history []observation, window time.Duration, end time.Time) (decimal.Decimal, bool) {
	if len(history) == 0 {
		return decimal.Zero, false
	}
	last := history[len(history)-1]
	if last.at.After(end) {
		end = last.at
	}
	start := end.Add(-window)

	sum := decimal.Zero
	total := int64(0)
	for i, obs := range history {
		segStart := obs.at
		if segStart.Before(start) {
			segStart = start
		}
		segEnd := end
		if i+1 < len(history) {
			segEnd = history[i+1].at
		}
		if !segEnd.After(segStart) {
			continue
		}
		ms := segEnd.Sub(segStart).Milliseconds()
		if ms <= 0 {
			continue
		}
		sum = sum.Add(obs.rate.Mul(decimal.NewFromInt(ms)))
		total += ms
	}
	if total == 0 {
		return last.rate, true
	}
	return sum.Div(decimal.NewFromInt(total)), true
}
