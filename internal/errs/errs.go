// Package errs defines the error taxonomy shared by the settlement engines.
//
// Every engine operation returns *Error values for domain failures so callers can branch on
// Kind without string matching. Infrastructure failures (database, RPC) are wrapped with
// fmt.Errorf and never carry a Kind.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorises a domain error.
type Kind string

const (
	// Validation marks malformed or out-of-range input rejected at the boundary.
	Validation Kind = "VALIDATION"
	// PreconditionFailed marks an operation attempted from the wrong state.
	PreconditionFailed Kind = "PRECONDITION_FAILED"
	// ComplianceRejected marks a transfer refused by the compliance gate.
	ComplianceRejected Kind = "COMPLIANCE_REJECTED"
	// InsufficientConsensus marks a quote backed by too few valid oracle sources.
	InsufficientConsensus Kind = "INSUFFICIENT_CONSENSUS"
	// CircuitHalted marks a pair whose circuit breaker forbids FX-dependent execution.
	CircuitHalted Kind = "CIRCUIT_HALTED"
	// SlippageExceeded marks a conversion whose price moved beyond the permitted bound.
	SlippageExceeded Kind = "SLIPPAGE_EXCEEDED"
	// Unauthorized marks a caller lacking the required capability or relationship.
	Unauthorized Kind = "UNAUTHORIZED"
	// NotFound marks a lookup of an unknown aggregate.
	NotFound Kind = "NOT_FOUND"
)

// Error is a typed domain error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.Details[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key, value string) *Error {
	details := make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Kind: e.Kind, Op: e.Op, Message: e.Message, Details: details}
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether any error in err's chain is a domain error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first domain error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Reason returns the bare message of a domain error, falling back to err.Error().
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
