// Package monitor validates inbound API payloads against JSON schemas before
// any business logic runs, so malformed requests are rejected with precise
// field-level errors instead of surfacing as validation failures deep in the
// payment flow.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// initializeRequestSchema is the contract for POST /payments/initialize.
const initializeRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "PaymentInitializeRequest",
  "type": "object",
  "required": ["orderId", "invoiceId", "method", "amount", "currency"],
  "properties": {
    "orderId": {"type": "string", "minLength": 1},
    "invoiceId": {"type": "string", "minLength": 1},
    "method": {"type": "string", "minLength": 1},
    "amount": {"type": "number", "exclusiveMinimum": 0},
    "currency": {"type": "string", "minLength": 3, "maxLength": 3},
    "customerData": {
      "type": "object",
      "properties": {
        "email": {"type": "string"},
        "fullName": {"type": "string"},
        "country": {"type": "string"}
      },
      "additionalProperties": true
    }
  },
  "additionalProperties": true
}`

// ContractMonitor validates incoming requests against a JSON schema.
type ContractMonitor struct {
	schemaLoader gojsonschema.JSONLoader
}

// NewInitializeMonitor creates a ContractMonitor for the payment
// initialization request contract.
func NewInitializeMonitor() (*ContractMonitor, error) {
	return NewContractMonitor(initializeRequestSchema)
}

// NewContractMonitor creates a ContractMonitor from a schema document.
func NewContractMonitor(schema string) (*ContractMonitor, error) {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	// Compile up front so a malformed schema fails at startup, not on the
	// first request.
	if _, err := gojsonschema.NewSchema(schemaLoader); err != nil {
		return nil, fmt.Errorf("monitor: compiling schema: %w", err)
	}
	return &ContractMonitor{schemaLoader: schemaLoader}, nil
}

// Validate validates the given request body against the loaded JSON schema.
// It returns true if valid, or false and a list of validation errors if invalid.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	documentLoader := gojsonschema.NewBytesLoader(requestBody)
	result, err := gojsonschema.Validate(cm.schemaLoader, documentLoader)
	if err != nil {
		return false, nil, fmt.Errorf("monitor: validating request: %w", err)
	}

	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// FormatErrors formats a slice of validation error strings into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
