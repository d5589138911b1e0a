package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := New(CircuitHalted, "payment.execute", "pair %s halted", "USDC/EURC")
	wrapped := fmt.Errorf("execute: %w", base)

	assert.True(t, Is(wrapped, CircuitHalted))
	assert.False(t, Is(wrapped, Validation))
	assert.Equal(t, CircuitHalted, KindOf(wrapped))
	assert.Equal(t, "pair USDC/EURC halted", Reason(wrapped))
}

func TestErrorStringIncludesSortedDetails(t *testing.T) {
	err := New(ComplianceRejected, "compliance.check", "daily limit exceeded").
		With("sender", "0xabc").
		With("amount", "10")

	assert.Equal(t, "COMPLIANCE_REJECTED compliance.check: daily limit exceeded (amount=10, sender=0xabc)", err.Error())
}

func TestReasonFallsBackToPlainError(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "boom", Reason(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("boom")))
}
