// Package comgate implements the gateway adapter for Comgate. The API is
// form-encoded over HTTPS; callbacks carry an HMAC-SHA256 signature computed
// over the canonical transId|refId|price|curr|status string with the shared
// merchant secret. The callback channel is authoritative: a browser return
// never confirms a payment on its own.
package comgate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/payment-lifecycle/internal/gateway"
	"github.com/yourorg/payment-lifecycle/internal/retry"
)

const defaultAPIBaseURL = "https://payments.comgate.cz/v1.0"

// Config holds the merchant credentials and endpoint.
type Config struct {
	Merchant   string
	Secret     string
	APIBaseURL string // optional override, used by tests
}

// Adapter talks to the Comgate payment API.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	retry      retry.Policy
}

// New creates a Comgate adapter. A nil client gets a 10s-timeout default.
func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return &Adapter{cfg: cfg, httpClient: client, retry: retry.DefaultPolicy()}
}

func (a *Adapter) Name() string                { return "comgate" }
func (a *Adapter) CallbackAuthoritative() bool { return true }

// toCents converts a decimal amount into the integer cents Comgate expects.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

// Sign computes the callback signature for the given fields. Exported so
// tests and the payment simulator can produce valid payloads.
func Sign(secret, transID, refID string, priceCents int64, currency, status string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%d|%s|%s", transID, refID, priceCents, currency, status)
	return hex.EncodeToString(mac.Sum(nil))
}

// Initialize creates a payment at Comgate and returns the redirect URL.
func (a *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
	form := url.Values{}
	form.Set("merchant", a.cfg.Merchant)
	form.Set("price", strconv.FormatInt(toCents(req.Amount), 10))
	form.Set("curr", req.Currency)
	form.Set("refId", req.InvoiceID)
	form.Set("label", "Invoice "+req.InvoiceID)
	form.Set("email", req.Customer.Email)
	form.Set("country", req.Customer.Country)
	form.Set("url_paid", req.ReturnURL)
	form.Set("url_cancelled", req.ReturnURL)
	form.Set("url_pending", req.ReturnURL)
	form.Set("url_notify", req.CallbackURL)
	form.Set("prepareOnly", "true")

	values, err := a.postForm(ctx, "/create", form)
	if err != nil {
		return gateway.InitializeResult{}, err
	}

	if code := values.Get("code"); code != "0" {
		return gateway.InitializeResult{}, fmt.Errorf("%w: comgate create code=%s message=%s",
			gateway.ErrRejected, code, values.Get("message"))
	}
	transID := values.Get("transId")
	redirect := values.Get("redirect")
	if transID == "" || redirect == "" {
		return gateway.InitializeResult{}, fmt.Errorf("%w: comgate create response missing transId or redirect", gateway.ErrRejected)
	}

	return gateway.InitializeResult{TransactionID: transID, RedirectURL: redirect}, nil
}

// ParseCallback normalizes a form-encoded Comgate notification and verifies
// its HMAC signature. A payload that does not parse is an error; a parsed
// payload with a wrong signature comes back with SignatureValid=false.
func (a *Adapter) ParseCallback(raw []byte) (gateway.Notification, error) {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return gateway.Notification{}, fmt.Errorf("%w: malformed comgate callback: %v", gateway.ErrRejected, err)
	}

	transID := values.Get("transId")
	refID := values.Get("refId")
	status := values.Get("status")
	if transID == "" || status == "" {
		return gateway.Notification{}, fmt.Errorf("%w: comgate callback missing transId or status", gateway.ErrRejected)
	}
	priceCents, err := strconv.ParseInt(values.Get("price"), 10, 64)
	if err != nil {
		return gateway.Notification{}, fmt.Errorf("%w: comgate callback has invalid price %q", gateway.ErrRejected, values.Get("price"))
	}
	currency := values.Get("curr")

	expected := Sign(a.cfg.Secret, transID, refID, priceCents, currency, status)
	valid := subtle.ConstantTimeCompare([]byte(expected), []byte(values.Get("signature"))) == 1

	return gateway.Notification{
		TransactionID:  transID,
		OrderRef:       refID,
		Amount:         fromCents(priceCents),
		Currency:       currency,
		Status:         mapStatus(status),
		SignatureValid: valid,
	}, nil
}

// QueryStatus fetches the current transaction state from Comgate.
func (a *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.Status, error) {
	form := url.Values{}
	form.Set("merchant", a.cfg.Merchant)
	form.Set("transId", transactionID)

	values, err := a.postForm(ctx, "/status", form)
	if err != nil {
		return gateway.Status{}, err
	}
	if code := values.Get("code"); code != "0" {
		return gateway.Status{}, fmt.Errorf("%w: comgate status code=%s message=%s",
			gateway.ErrRejected, code, values.Get("message"))
	}

	priceCents, _ := strconv.ParseInt(values.Get("price"), 10, 64)
	return gateway.Status{
		TransactionID: transactionID,
		Status:        mapStatus(values.Get("status")),
		Amount:        fromCents(priceCents),
		Currency:      values.Get("curr"),
	}, nil
}

func mapStatus(s string) gateway.PaymentStatus {
	switch strings.ToUpper(s) {
	case "PAID":
		return gateway.StatusPaid
	case "AUTHORIZED", "PENDING":
		return gateway.StatusPending
	case "CANCELLED":
		return gateway.StatusCancelled
	default:
		return gateway.StatusFailed
	}
}

// postForm posts a form to the Comgate API with bounded retry on network
// errors and 5xx responses, and maps HTTP failures onto the gateway error
// taxonomy.
func (a *Adapter) postForm(ctx context.Context, path string, form url.Values) (url.Values, error) {
	var values url.Values

	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIBaseURL+path, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("%w: building request: %v", gateway.ErrRejected, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading response: %v", gateway.ErrUnavailable, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: comgate HTTP %d", gateway.ErrMisconfigured, resp.StatusCode)
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: comgate HTTP %d: %s", gateway.ErrUnavailable, resp.StatusCode, body)
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%w: comgate HTTP %d: %s", gateway.ErrRejected, resp.StatusCode, body)
		}

		parsed, err := url.ParseQuery(string(body))
		if err != nil {
			return fmt.Errorf("%w: unparsable comgate response: %v", gateway.ErrRejected, err)
		}
		values = parsed
		return nil
	}

	retryable := func(err error) bool { return isUnavailable(err) }
	if err := retry.Do(ctx, a.retry, op, retryable); err != nil {
		return nil, err
	}
	return values, nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, gateway.ErrUnavailable)
}
