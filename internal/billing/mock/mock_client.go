// Package mock provides an in-memory billing.Client for tests. It mimics the
// billing system's observable behaviour: invoices hold applied transactions,
// add-payment is idempotent per transaction id, and failure injection hooks
// simulate outages and partial failures.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/payment-lifecycle/internal/billing"
)

// Client is an in-memory billing system double.
type Client struct {
	mu       sync.Mutex
	orders   map[string]billing.Order
	invoices map[string]billing.Invoice

	// Failure injection. When set, the corresponding call returns the error
	// instead of (or before) mutating state.
	GetInvoiceErr error
	AddPaymentErr error
	// SetStatusErrs is consumed one entry per SetInvoiceStatus call; a nil
	// entry means that call succeeds. Used to simulate "add payment
	// succeeded, set status failed" partial failures.
	SetStatusErrs []error

	AddPaymentCalls int
	SetStatusCalls  int
}

// NewClient creates an empty in-memory billing system.
func NewClient() *Client {
	return &Client{
		orders:   make(map[string]billing.Order),
		invoices: make(map[string]billing.Invoice),
	}
}

// SeedInvoice installs an unpaid invoice (and its order) and returns it.
func (c *Client) SeedInvoice(invoiceID, orderID string, amount float64, currency string) billing.Invoice {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv := billing.Invoice{
		ID:       invoiceID,
		OrderID:  orderID,
		Amount:   amount,
		Currency: currency,
		Status:   billing.StatusUnpaid,
	}
	c.invoices[invoiceID] = inv
	c.orders[orderID] = billing.Order{ID: orderID, ClientID: "client-1", Currency: currency, CreatedAt: time.Now()}
	return inv
}

// SetStatus force-sets an invoice status, bypassing the API surface.
func (c *Client) SetStatus(invoiceID string, status billing.InvoiceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv := c.invoices[invoiceID]
	inv.Status = status
	c.invoices[invoiceID] = inv
}

// Invoice returns a copy of the stored invoice for assertions.
func (c *Client) Invoice(invoiceID string) (billing.Invoice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.invoices[invoiceID]
	return inv, ok
}

func (c *Client) CreateOrder(ctx context.Context, order billing.NewOrder) (billing.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	created := billing.Order{
		ID:        "ord-" + uuid.NewString(),
		ClientID:  order.ClientID,
		Items:     order.Items,
		Currency:  order.Currency,
		CreatedAt: time.Now(),
	}
	c.orders[created.ID] = created
	return created, nil
}

func (c *Client) GetOrderDetails(ctx context.Context, orderID string) (billing.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	order, ok := c.orders[orderID]
	if !ok {
		return billing.Order{}, fmt.Errorf("%w: order %s", billing.ErrNotFound, orderID)
	}
	return order, nil
}

func (c *Client) GetInvoiceDetails(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetInvoiceErr != nil {
		return billing.Invoice{}, c.GetInvoiceErr
	}
	inv, ok := c.invoices[invoiceID]
	if !ok {
		return billing.Invoice{}, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, invoiceID)
	}
	return inv, nil
}

func (c *Client) AddInvoicePayment(ctx context.Context, payment billing.Payment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AddPaymentCalls++
	if c.AddPaymentErr != nil {
		return c.AddPaymentErr
	}
	inv, ok := c.invoices[payment.InvoiceID]
	if !ok {
		return fmt.Errorf("%w: invoice %s", billing.ErrNotFound, payment.InvoiceID)
	}
	// Idempotent per transaction id, like the real billing system.
	for _, tx := range inv.Transactions {
		if tx.TransactionID == payment.TransactionID {
			return nil
		}
	}
	inv.Transactions = append(inv.Transactions, billing.InvoiceTransaction{
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
		GatewayModule: payment.GatewayModule,
		Note:          payment.Note,
		AppliedAt:     time.Now(),
	})
	c.invoices[payment.InvoiceID] = inv
	return nil
}

func (c *Client) SetInvoiceStatus(ctx context.Context, invoiceID string, status billing.InvoiceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetStatusCalls++
	if len(c.SetStatusErrs) > 0 {
		err := c.SetStatusErrs[0]
		c.SetStatusErrs = c.SetStatusErrs[1:]
		if err != nil {
			return err
		}
	}
	inv, ok := c.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("%w: invoice %s", billing.ErrNotFound, invoiceID)
	}
	inv.Status = status
	if status == billing.StatusPaid && inv.DatePaid == nil {
		now := time.Now()
		inv.DatePaid = &now
	}
	c.invoices[invoiceID] = inv
	return nil
}
