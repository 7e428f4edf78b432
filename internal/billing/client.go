// Package billing defines the abstract contract against the external billing
// system that owns order, invoice, and client records. The payment core never
// mutates invoice fields directly; it issues add-payment and set-status
// requests and reads everything else through this interface.
package billing

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for collaborator failures. Callers use errors.Is; HTTP
// handlers map these onto the response taxonomy.
var (
	// ErrUnavailable covers network errors, timeouts, and 5xx responses.
	// Retried with bounded backoff at the calling layer.
	ErrUnavailable = errors.New("billing: system unavailable")
	// ErrNotFound means the referenced order or invoice does not exist.
	ErrNotFound = errors.New("billing: record not found")
	// ErrRejected means the billing system refused the request as invalid.
	ErrRejected = errors.New("billing: request rejected")
)

// InvoiceStatus is the billing-system-owned status of an invoice.
type InvoiceStatus string

const (
	StatusUnpaid    InvoiceStatus = "Unpaid"
	StatusPaid      InvoiceStatus = "Paid"
	StatusCancelled InvoiceStatus = "Cancelled"
)

// OrderItem is one line of a purchase.
type OrderItem struct {
	ProductID   string  `json:"productId"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// Order identifies a purchase. Created once by the billing system at
// checkout; immutable from the payment core's perspective.
type Order struct {
	ID        string      `json:"orderId"`
	ClientID  string      `json:"clientId"`
	Items     []OrderItem `json:"items"`
	Currency  string      `json:"currency"`
	CreatedAt time.Time   `json:"createdAt"`
}

// InvoiceTransaction is one payment the billing system has applied to an
// invoice.
type InvoiceTransaction struct {
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	GatewayModule string    `json:"gatewayModule"`
	Note          string    `json:"note,omitempty"`
	AppliedAt     time.Time `json:"appliedAt"`
}

// Invoice is the billing document tied to an order.
type Invoice struct {
	ID           string               `json:"invoiceId"`
	OrderID      string               `json:"orderId"`
	Amount       float64              `json:"amount"`
	Currency     string               `json:"currency"`
	Status       InvoiceStatus        `json:"status"`
	DatePaid     *time.Time           `json:"datePaid,omitempty"`
	Transactions []InvoiceTransaction `json:"transactions,omitempty"`
}

// NewOrder is the request to create an order in the billing system.
type NewOrder struct {
	ClientID string      `json:"clientId"`
	Items    []OrderItem `json:"items"`
	Currency string      `json:"currency"`
}

// Payment is the add-payment request applied to an invoice.
type Payment struct {
	InvoiceID     string  `json:"invoiceId"`
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	GatewayModule string  `json:"gatewayModule"`
	Note          string  `json:"note,omitempty"`
}

// Client is the remote-procedure surface of the billing system consumed by
// the payment core. Implementations carry their own timeout and bounded
// retry behaviour; every call must eventually return, never hang.
type Client interface {
	CreateOrder(ctx context.Context, order NewOrder) (Order, error)
	GetOrderDetails(ctx context.Context, orderID string) (Order, error)
	GetInvoiceDetails(ctx context.Context, invoiceID string) (Invoice, error)
	AddInvoicePayment(ctx context.Context, payment Payment) error
	SetInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) error
}
