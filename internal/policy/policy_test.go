package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnforcerRejectsMalformedExpression(t *testing.T) {
	_, err := NewEnforcer([]RuleConfig{{Name: "Broken", Expression: "attempt <", Action: ActionRetry}})
	assert.Error(t, err)
}

func TestDefaultRulesAbortOnCancelledInvoice(t *testing.T) {
	e, err := NewEnforcer(DefaultRules(4))
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{
		"attempt":           1,
		"transient":         true,
		"invoice_cancelled": true,
		"error_code":        "INVOICE_NOT_PAYABLE",
	})
	require.NoError(t, err)
	assert.True(t, d.Abort)
	assert.False(t, d.AllowRetry)
	assert.Equal(t, "AbortCancelledInvoice", d.Rule)
}

func TestDefaultRulesRetryTransientWithinCeiling(t *testing.T) {
	e, err := NewEnforcer(DefaultRules(4))
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{
		"attempt":           2,
		"transient":         true,
		"invoice_cancelled": false,
		"error_code":        "LEDGER_UNAVAILABLE",
	})
	require.NoError(t, err)
	assert.True(t, d.AllowRetry)
	assert.Equal(t, "RetryTransient", d.Rule)
}

func TestDefaultRulesStopRetryingAtCeiling(t *testing.T) {
	e, err := NewEnforcer(DefaultRules(4))
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{
		"attempt":           4,
		"transient":         true,
		"invoice_cancelled": false,
		"error_code":        "LEDGER_UNAVAILABLE",
	})
	require.NoError(t, err)
	assert.False(t, d.AllowRetry)
	assert.True(t, d.Abort)
	assert.Equal(t, "AbortPermanent", d.Rule)
}

func TestDefaultRulesAbortPermanentErrors(t *testing.T) {
	e, err := NewEnforcer(DefaultRules(4))
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{
		"attempt":           1,
		"transient":         false,
		"invoice_cancelled": false,
		"error_code":        "UNKNOWN",
	})
	require.NoError(t, err)
	assert.True(t, d.Abort)
}

func TestEscalateAction(t *testing.T) {
	e, err := NewEnforcer([]RuleConfig{
		{Name: "EscalateBigAmounts", Expression: "amount > 10000", Action: ActionEscalate},
	})
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{"amount": 50000})
	require.NoError(t, err)
	assert.True(t, d.EscalateManual)
	assert.Equal(t, "EscalateBigAmounts", d.Rule)
}

func TestNoMatchingRule(t *testing.T) {
	e, err := NewEnforcer([]RuleConfig{
		{Name: "Narrow", Expression: "attempt > 100", Action: ActionRetry},
	})
	require.NoError(t, err)

	d, err := e.Evaluate(map[string]interface{}{"attempt": 1})
	require.NoError(t, err)
	assert.False(t, d.AllowRetry)
	assert.False(t, d.Abort)
	assert.Empty(t, d.Rule)
}

func TestNonBooleanExpressionFails(t *testing.T) {
	e, err := NewEnforcer([]RuleConfig{
		{Name: "Arithmetic", Expression: "attempt + 1", Action: ActionRetry},
	})
	require.NoError(t, err)

	_, err = e.Evaluate(map[string]interface{}{"attempt": 1})
	assert.Error(t, err)
}
