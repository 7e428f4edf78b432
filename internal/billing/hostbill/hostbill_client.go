// Package hostbill implements the billing.Client contract against a
// HostBill-style JSON API. Every remote call carries a context timeout,
// bounded retry on transient failures, and a circuit breaker so a dead
// billing backend degrades into fast ErrUnavailable responses instead of
// piling up blocked requests.
package hostbill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	"github.com/yourorg/payment-lifecycle/internal/circuitbreaker"
	"github.com/yourorg/payment-lifecycle/internal/retry"
)

const breakerTarget = "hostbill"

// Config holds the API endpoint and credentials.
type Config struct {
	BaseURL string // e.g. https://billing.example.com/admin/api.php
	APIID   string
	APIKey  string
}

// Client is the HTTP implementation of billing.Client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	retry      retry.Policy
}

// New creates a HostBill client. A nil http client gets a 10s-timeout
// default; a nil breaker gets a default one.
func New(cfg Config, client *http.Client, cb *circuitbreaker.CircuitBreaker) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cb == nil {
		cb = circuitbreaker.New(circuitbreaker.Config{})
	}
	return &Client{cfg: cfg, httpClient: client, breaker: cb, retry: retry.DefaultPolicy()}
}

type apiRequest struct {
	APIID  string                 `json:"api_id"`
	APIKey string                 `json:"api_key"`
	Call   string                 `json:"call"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Error   []string        `json:"error,omitempty"`
	Order   json.RawMessage `json:"order,omitempty"`
	Invoice json.RawMessage `json:"invoice,omitempty"`
}

// CreateOrder creates a new order in the billing system.
func (c *Client) CreateOrder(ctx context.Context, order billing.NewOrder) (billing.Order, error) {
	resp, err := c.call(ctx, "addOrder", map[string]interface{}{
		"client_id": order.ClientID,
		"currency":  order.Currency,
		"items":     order.Items,
	})
	if err != nil {
		return billing.Order{}, err
	}
	return decodeOrder(resp.Order)
}

// GetOrderDetails fetches a single order.
func (c *Client) GetOrderDetails(ctx context.Context, orderID string) (billing.Order, error) {
	resp, err := c.call(ctx, "getOrderDetails", map[string]interface{}{"id": orderID})
	if err != nil {
		return billing.Order{}, err
	}
	return decodeOrder(resp.Order)
}

// GetInvoiceDetails fetches a single invoice including applied transactions.
func (c *Client) GetInvoiceDetails(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	resp, err := c.call(ctx, "getInvoiceDetails", map[string]interface{}{"id": invoiceID})
	if err != nil {
		return billing.Invoice{}, err
	}
	var inv billing.Invoice
	if err := json.Unmarshal(resp.Invoice, &inv); err != nil {
		return billing.Invoice{}, fmt.Errorf("%w: unparsable invoice payload: %v", billing.ErrRejected, err)
	}
	return inv, nil
}

// AddInvoicePayment records a payment against an invoice. HostBill treats a
// repeated call with the same transaction id as a no-op, which keeps retried
// workflow steps idempotent on the billing side.
func (c *Client) AddInvoicePayment(ctx context.Context, payment billing.Payment) error {
	_, err := c.call(ctx, "addInvoicePayment", map[string]interface{}{
		"id":            payment.InvoiceID,
		"amount":        payment.Amount,
		"currency":      payment.Currency,
		"paymentmodule": payment.GatewayModule,
		"transnumber":   payment.TransactionID,
		"notes":         payment.Note,
		"send_invoice":  false,
	})
	return err
}

// SetInvoiceStatus changes the invoice status.
func (c *Client) SetInvoiceStatus(ctx context.Context, invoiceID string, status billing.InvoiceStatus) error {
	_, err := c.call(ctx, "setInvoiceStatus", map[string]interface{}{
		"id":     invoiceID,
		"status": string(status),
	})
	return err
}

func decodeOrder(raw json.RawMessage) (billing.Order, error) {
	var order billing.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return billing.Order{}, fmt.Errorf("%w: unparsable order payload: %v", billing.ErrRejected, err)
	}
	return order, nil
}

// call posts one API request with bounded retry on transient failures.
func (c *Client) call(ctx context.Context, method string, params map[string]interface{}) (apiResponse, error) {
	if !c.breaker.Allow(breakerTarget) {
		return apiResponse{}, fmt.Errorf("%w: circuit open for %s", billing.ErrUnavailable, breakerTarget)
	}

	body, err := json.Marshal(apiRequest{APIID: c.cfg.APIID, APIKey: c.cfg.APIKey, Call: method, Params: params})
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: marshaling %s request: %v", billing.ErrRejected, method, err)
	}

	var parsed apiResponse
	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: building %s request: %v", billing.ErrRejected, method, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", billing.ErrUnavailable, method, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading %s response: %v", billing.ErrUnavailable, method, err)
		}

		switch {
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s HTTP %d: %s", billing.ErrUnavailable, method, resp.StatusCode, respBody)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", billing.ErrNotFound, method)
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%w: %s HTTP %d: %s", billing.ErrRejected, method, resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("%w: unparsable %s response: %v", billing.ErrRejected, method, err)
		}
		if !parsed.Success {
			if len(parsed.Error) > 0 && parsed.Error[0] == "Invoice not found" {
				return fmt.Errorf("%w: %s: %v", billing.ErrNotFound, method, parsed.Error)
			}
			return fmt.Errorf("%w: %s: %v", billing.ErrRejected, method, parsed.Error)
		}
		return nil
	}

	err = retry.Do(ctx, c.retry, op, func(err error) bool {
		return errors.Is(err, billing.ErrUnavailable)
	})
	if err != nil {
		if errors.Is(err, billing.ErrUnavailable) {
			c.breaker.RecordFailure(breakerTarget)
		} else {
			c.breaker.RecordSuccess(breakerTarget)
		}
		return apiResponse{}, err
	}
	c.breaker.RecordSuccess(breakerTarget)
	return parsed, nil
}
