// Package payu implements the gateway adapter for PayU. Unlike Comgate the
// API speaks JSON; amounts travel as integer cents and callbacks embed an
// HMAC-SHA256 signature over the notification fields. The callback channel
// is authoritative.
package payu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/yourorg/payment-lifecycle/internal/gateway"
	"github.com/yourorg/payment-lifecycle/internal/retry"
)

const defaultAPIBaseURL = "https://secure.payu.com/api/v2_1"

// Config holds the point-of-sale credentials and endpoint.
type Config struct {
	PosID      string
	Secret     string
	APIBaseURL string // optional override, used by tests
}

// Adapter talks to the PayU order API.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	retry      retry.Policy
}

// New creates a PayU adapter. A nil client gets a 10s-timeout default.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return &Adapter{cfg: cfg, httpClient: client, retry: retry.DefaultPolicy()}
}

func (a *Adapter) Name() string                { return "payu" }
func (a *Adapter) CallbackAuthoritative() bool { return true }

type createOrderRequest struct {
	MerchantPosID string `json:"merchantPosId"`
	ExtOrderID    string `json:"extOrderId"`
	Description   string `json:"description"`
	CurrencyCode  string `json:"currencyCode"`
	TotalAmount   int64  `json:"totalAmount"`
	ContinueURL   string `json:"continueUrl"`
	NotifyURL     string `json:"notifyUrl"`
	BuyerEmail    string `json:"buyerEmail,omitempty"`
}

type createOrderResponse struct {
	Status struct {
		StatusCode string `json:"statusCode"`
	} `json:"status"`
	OrderID     string `json:"orderId"`
	RedirectURI string `json:"redirectUri"`
}

type notification struct {
	Order struct {
		OrderID      string `json:"orderId"`
		ExtOrderID   string `json:"extOrderId"`
		Status       string `json:"status"`
		CurrencyCode string `json:"currencyCode"`
		TotalAmount  int64  `json:"totalAmount"`
	} `json:"order"`
	Signature string `json:"signature"`
}

type statusResponse struct {
	Orders []struct {
		OrderID      string `json:"orderId"`
		Status       string `json:"status"`
		CurrencyCode string `json:"currencyCode"`
		TotalAmount  int64  `json:"totalAmount"`
	} `json:"orders"`
	Status struct {
		StatusCode string `json:"statusCode"`
	} `json:"status"`
}

// Sign computes the notification signature for the given order fields.
// Exported for tests producing valid callback payloads.
func Sign(secret, orderID, extOrderID string, totalAmount int64, currency, status string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%d|%s|%s", orderID, extOrderID, totalAmount, currency, status)
	return hex.EncodeToString(mac.Sum(nil))
}

// Initialize creates an order at PayU and returns the redirect URL.
func (a *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
	payload := createOrderRequest{
		MerchantPosID: a.cfg.PosID,
		ExtOrderID:    req.InvoiceID,
		Description:   "Invoice " + req.InvoiceID,
		CurrencyCode:  req.Currency,
		TotalAmount:   int64(math.Round(req.Amount * 100)),
		ContinueURL:   req.ReturnURL,
		NotifyURL:     req.CallbackURL,
		BuyerEmail:    req.Customer.Email,
	}

	var created createOrderResponse
	if err := a.doJSON(ctx, http.MethodPost, "/orders", payload, &created); err != nil {
		return gateway.InitializeResult{}, err
	}
	if created.Status.StatusCode != "SUCCESS" {
		return gateway.InitializeResult{}, fmt.Errorf("%w: payu create statusCode=%s", gateway.ErrRejected, created.Status.StatusCode)
	}
	if created.OrderID == "" || created.RedirectURI == "" {
		return gateway.InitializeResult{}, fmt.Errorf("%w: payu create response missing orderId or redirectUri", gateway.ErrRejected)
	}

	return gateway.InitializeResult{TransactionID: created.OrderID, RedirectURL: created.RedirectURI}, nil
}

// ParseCallback normalizes a JSON PayU notification and verifies its
// signature.
func (a *Adapter) ParseCallback(raw []byte) (gateway.Notification, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return gateway.Notification{}, fmt.Errorf("%w: malformed payu notification: %v", gateway.ErrRejected, err)
	}
	if n.Order.OrderID == "" || n.Order.Status == "" {
		return gateway.Notification{}, fmt.Errorf("%w: payu notification missing orderId or status", gateway.ErrRejected)
	}

	expected := Sign(a.cfg.Secret, n.Order.OrderID, n.Order.ExtOrderID, n.Order.TotalAmount, n.Order.CurrencyCode, n.Order.Status)
	valid := subtle.ConstantTimeCompare([]byte(expected), []byte(n.Signature)) == 1

	return gateway.Notification{
		TransactionID:  n.Order.OrderID,
		OrderRef:       n.Order.ExtOrderID,
		Amount:         float64(n.Order.TotalAmount) / 100,
		Currency:       n.Order.CurrencyCode,
		Status:         mapStatus(n.Order.Status),
		SignatureValid: valid,
	}, nil
}

// QueryStatus retrieves the order from PayU.
func (a *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.Status, error) {
	var resp statusResponse
	if err := a.doJSON(ctx, http.MethodGet, "/orders/"+transactionID, nil, &resp); err != nil {
		return gateway.Status{}, err
	}
	if len(resp.Orders) == 0 {
		return gateway.Status{}, fmt.Errorf("%w: payu order %s not found", gateway.ErrRejected, transactionID)
	}

	order := resp.Orders[0]
	return gateway.Status{
		TransactionID: order.OrderID,
		Status:        mapStatus(order.Status),
		Amount:        float64(order.TotalAmount) / 100,
		Currency:      order.CurrencyCode,
	}, nil
}

func mapStatus(s string) gateway.PaymentStatus {
	switch s {
	case "COMPLETED":
		return gateway.StatusPaid
	case "PENDING", "WAITING_FOR_CONFIRMATION", "NEW":
		return gateway.StatusPending
	case "CANCELED":
		return gateway.StatusCancelled
	default:
		return gateway.StatusFailed
	}
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: marshaling request: %v", gateway.ErrRejected, err)
		}
	}

	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, a.cfg.APIBaseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: building request: %v", gateway.ErrRejected, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.cfg.Secret)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", gateway.ErrUnavailable, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: payu HTTP %d", gateway.ErrMisconfigured, resp.StatusCode)
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: payu HTTP %d: %s", gateway.ErrUnavailable, resp.StatusCode, respBody)
		case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusFound:
			return fmt.Errorf("%w: payu HTTP %d: %s", gateway.ErrRejected, resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: unparsable payu response: %v", gateway.ErrRejected, err)
		}
		return nil
	}

	return retry.Do(ctx, a.retry, op, func(err error) bool {
		return errors.Is(err, gateway.ErrUnavailable)
	})
}
