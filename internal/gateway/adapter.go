// Package gateway defines the uniform contract over concrete payment
// gateways. Adapters handle all gateway-specific API calls, serialization,
// signature verification, and error mapping, normalizing raw gateway
// responses into the common types below. The initializer and reconciler only
// depend on this contract; no gateway-specific branching exists outside the
// adapter packages.
package gateway

import (
	"context"
	"errors"
)

// Sentinel errors shared by all adapters.
var (
	// ErrUnavailable covers network failures and 5xx responses from the
	// gateway. Initialization retries are safe: no payment side effect has
	// occurred yet.
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrRejected means the gateway refused the request as invalid.
	ErrRejected = errors.New("gateway: request rejected")
	// ErrMisconfigured means the gateway rejected our credentials.
	ErrMisconfigured = errors.New("gateway: misconfigured credentials")
	// ErrInvalidSignature means a callback payload failed authenticity
	// verification. Security relevant; never treated as success.
	ErrInvalidSignature = errors.New("gateway: invalid callback signature")
	// ErrUnknownGateway means no adapter is registered under the identifier.
	ErrUnknownGateway = errors.New("gateway: unknown gateway")
)

// PaymentStatus is the normalized gateway-side view of a transaction.
type PaymentStatus string

const (
	StatusPaid      PaymentStatus = "PAID"
	StatusPending   PaymentStatus = "PENDING"
	StatusCancelled PaymentStatus = "CANCELLED"
	StatusFailed    PaymentStatus = "FAILED"
)

// CustomerData carries the customer fields gateways want at initialization.
type CustomerData struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Country  string `json:"country"`
}

// InitializeRequest is the input to Adapter.Initialize.
type InitializeRequest struct {
	OrderID     string
	InvoiceID   string
	Amount      float64
	Currency    string
	ReturnURL   string
	CallbackURL string
	Customer    CustomerData
}

// InitializeResult is the outcome of a successful initialization. Exactly one
// of RedirectURL or Instructions is populated: redirect-flow gateways return
// the URL the customer must visit, in-band gateways (bank transfer) return
// human-readable payment instructions.
type InitializeResult struct {
	TransactionID string
	RedirectURL   string
	Instructions  string
}

// Notification is a normalized server-to-server callback. SignatureValid
// reports whether the payload passed authenticity verification; callers must
// reject notifications where it is false.
type Notification struct {
	TransactionID  string
	OrderRef       string
	Amount         float64
	Currency       string
	Status         PaymentStatus
	SignatureValid bool
}

// Status is a normalized answer to a status query.
type Status struct {
	TransactionID string
	Status        PaymentStatus
	Amount        float64
	Currency      string
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Adapter is the interface implemented by each payment gateway adapter.
type Adapter interface {
	// Name returns the gateway identifier (e.g. "comgate", "payu").
	Name() string

	// CallbackAuthoritative reports whether the gateway's server-to-server
	// callback channel is the authoritative confirmation source. When true,
	// a browser return is only ever a trigger to QueryStatus.
	CallbackAuthoritative() bool

	// Initialize starts a payment at the gateway.
	Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error)

	// ParseCallback normalizes and authenticates a raw callback payload.
	// A malformed payload is an error; a well-formed payload with a bad
	// signature returns SignatureValid=false and no error.
	ParseCallback(raw []byte) (Notification, error)

	// QueryStatus asks the gateway for the current transaction status.
	// Side-effect free and safe to call repeatedly.
	QueryStatus(ctx context.Context, transactionID string) (Status, error)
}
