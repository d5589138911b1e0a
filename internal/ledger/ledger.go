// Package ledger is the in-process balance book that payment and escrow settle against:
// per (owner, token) balances with atomic transfers and FX swaps.
package ledger

import (
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxsettle/internal/errs"
)

// Account identifies one balance.
type Account struct {
	Owner common.Address
	Token string
}

// Entry is a balance line returned by Balances.
type Entry struct {
	Account
	Amount decimal.Decimal
}

// Ledger holds balances. The zero value is not usable; call New.
type Ledger struct {
	mu       sync.Mutex
	balances map[Account]decimal.Decimal
	logger   zerolog.Logger
}

// New builds an empty ledger.
func New(logger zerolog.Logger) *Ledger {
	return &Ledger{
		balances: make(map[Account]decimal.Decimal),
		logger:   logger.With().Str("component", "ledger").Logger(),
	}
}

func normToken(token string) string { return strings.ToUpper(strings.TrimSpace(token)) }

// Credit mints amount to owner. Used for funding and seeding.
func (l *Ledger) Credit(owner common.Address, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errs.New(errs.Validation, "ledger.credit", "amount must be positive")
	}
	acct := Account{Owner: owner, Token: normToken(token)}
	l.mu.Lock()
	l.balances[acct] = l.balances[acct].Add(amount)
	l.mu.Unlock()
	return nil
}

// Balance returns owner's balance of token.
func (l *Ledger) Balance(owner common.Address, token string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[Account{Owner: owner, Token: normToken(token)}]
}

// Transfer moves amount of token from one owner to another. A zero amount is a no-op.
func (l *Ledger) Transfer(from, to common.Address, token string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return errs.New(errs.Validation, "ledger.transfer", "negative amount")
	}
	if amount.IsZero() {
		return nil
	}
	token = normToken(token)
	l.mu.Lock()
	defer l.mu.Unlock()
	src := Account{Owner: from, Token: token}
	if l.balances[src].LessThan(amount) {
		return errs.New(errs.PreconditionFailed, "ledger.transfer", "insufficient %s balance", token).
			With("owner", from.Hex()).With("amount", amount.String())
	}
	l.balances[src] = l.balances[src].Sub(amount)
	dst := Account{Owner: to, Token: token}
	l.balances[dst] = l.balances[dst].Add(amount)
	l.logger.Debug().Str("from", from.Hex()).Str("to", to.Hex()).Str("token", token).
		Str("amount", amount.String()).Msg("transfer")
	return nil
}

// Swap converts fromAmount of fromToken held by holder into toAmount of toToken.
func (l *Ledger) Swap(holder common.Address, fromToken string, fromAmount decimal.Decimal, toToken string, toAmount decimal.Decimal) error {
	if fromAmount.Sign() <= 0 || toAmount.Sign() <= 0 {
		return errs.New(errs.Validation, "ledger.swap", "swap amounts must be positive")
	}
	fromToken, toToken = normToken(fromToken), normToken(toToken)
	l.mu.Lock()
	defer l.mu.Unlock()
	src := Account{Owner: holder, Token: fromToken}
	if l.balances[src].LessThan(fromAmount) {
		return errs.New(errs.PreconditionFailed, "ledger.swap", "insufficient %s balance", fromToken).
			With("owner", holder.Hex())
	}
	l.balances[src] = l.balances[src].Sub(fromAmount)
	dst := Account{Owner: holder, Token: toToken}
	l.balances[dst] = l.balances[dst].Add(toAmount)
	return nil
}

// Balances lists non-zero balances ordered by owner then token.
func (l *Ledger) Balances() []Entry {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.balances))
	for acct, amt := range l.balances {
		if amt.IsZero() {
			continue
		}
		out = append(out, Entry{Account: acct, Amount: amt})
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.Hex() < out[j].Owner.Hex()
		}
		return out[i].Token < out[j].Token
	})
	return out
}
