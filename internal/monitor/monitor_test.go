package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeMonitorAcceptsValidRequest(t *testing.T) {
	cm, err := NewInitializeMonitor()
	require.NoError(t, err)

	valid, errs, err := cm.Validate([]byte(`{
		"orderId": "ord-1",
		"invoiceId": "100",
		"method": "comgate",
		"amount": 299,
		"currency": "CZK",
		"customerData": {"email": "jan@example.test", "country": "CZ"}
	}`))
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, errs)
}

func TestInitializeMonitorRejectsMissingFields(t *testing.T) {
	cm, err := NewInitializeMonitor()
	require.NoError(t, err)

	valid, errs, err := cm.Validate([]byte(`{"orderId": "ord-1"}`))
	require.NoError(t, err)
	assert.False(t, valid)
	assert.NotEmpty(t, errs)
}

func TestInitializeMonitorRejectsNonPositiveAmount(t *testing.T) {
	cm, err := NewInitializeMonitor()
	require.NoError(t, err)

	valid, _, err := cm.Validate([]byte(`{
		"orderId": "ord-1",
		"invoiceId": "100",
		"method": "comgate",
		"amount": 0,
		"currency": "CZK"
	}`))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestInitializeMonitorRejectsWrongTypes(t *testing.T) {
	cm, err := NewInitializeMonitor()
	require.NoError(t, err)

	valid, _, err := cm.Validate([]byte(`{
		"orderId": "ord-1",
		"invoiceId": 100,
		"method": "comgate",
		"amount": "299",
		"currency": "CZK"
	}`))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestNewContractMonitorRejectsBrokenSchema(t *testing.T) {
	_, err := NewContractMonitor(`{"type": ["not-a-type"]}`)
	assert.Error(t, err)
}

func TestFormatErrors(t *testing.T) {
	assert.Empty(t, FormatErrors(nil))
	assert.Equal(t, "Validation errors: a; b", FormatErrors([]string{"a", "b"}))
}
