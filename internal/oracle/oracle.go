// Package oracle normalises external price feeds into RateReports. Each adapter wraps one
// upstream oracle for one currency pair; transport details stay inside the adapter.
package oracle

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// PairID identifies a currency pair. It is keccak256(base ‖ quote) and never changes for a
// given (base, quote).
type PairID common.Hash

// NewPairID derives the pair identifier from its symbols.
func NewPairID(base, quote string) PairID {
	return PairID(crypto.Keccak256Hash([]byte(NormaliseSymbol(base)), []byte(NormaliseSymbol(quote))))
}

// Hex returns the 0x-prefixed identifier.
func (p PairID) Hex() string { return common.Hash(p).Hex() }

// String implements fmt.Stringer.
func (p PairID) String() string { return p.Hex() }

// NormaliseSymbol upper-cases and trims a currency symbol.
func NormaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// PairLabel renders BASE/QUOTE for logs and metrics.
func PairLabel(base, quote string) string {
	return NormaliseSymbol(base) + "/" + NormaliseSymbol(quote)
}

// RateReport is one normalised observation from one source.
type RateReport struct {
	SourceID   string
	PairID     PairID
	Rate       decimal.Decimal
	ObservedAt time.Time
	Confidence int
}

// Source polls a single upstream oracle.
type Source interface {
	ID() string
	Poll(ctx context.Context) (RateReport, bool, error)
}
