// Package initializer starts new payments. It validates the request, derives
// the authoritative amount from the invoice rather than trusting the
// caller's, initializes the transaction at the chosen gateway, and persists
// the payment session the reconciler will later match callbacks against.
package initializer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	"github.com/yourorg/payment-lifecycle/internal/gateway"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/session"
)

var (
	// ErrInvalidRequest covers missing or malformed request fields.
	ErrInvalidRequest = errors.New("initializer: invalid request")
	// ErrAmountMismatch means the requested amount disagrees with the
	// invoice's outstanding amount beyond the rounding tolerance.
	ErrAmountMismatch = errors.New("initializer: amount mismatch")
	// ErrInvoiceNotPayable means the invoice is already paid or cancelled.
	ErrInvoiceNotPayable = errors.New("initializer: invoice not payable")
)

// Request is one payment initialization. The wire names follow the
// storefront contract: the gateway identifier travels as "method".
type Request struct {
	OrderID   string               `json:"orderId"`
	InvoiceID string               `json:"invoiceId"`
	Gateway   string               `json:"method"`
	Amount    float64              `json:"amount"`
	Currency  string               `json:"currency"`
	Customer  gateway.CustomerData `json:"customerData"`
}

// Result is what the storefront needs to send the customer onward: a
// payment URL for redirect-flow gateways, or payment instructions for
// in-band ones.
type Result struct {
	TransactionID    string `json:"transactionId"`
	Gateway          string `json:"method"`
	RedirectRequired bool   `json:"redirectRequired"`
	RedirectURL      string `json:"paymentUrl,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
}

// Initializer drives the initialization flow.
type Initializer struct {
	gateways        *gateway.Registry
	sessions        *session.Store
	ledger          *ledger.Ledger
	returnURL       string
	callbackBaseURL string
}

// New creates an Initializer. callbackBaseURL is the externally reachable
// base the per-gateway callback paths are appended to.
func New(gateways *gateway.Registry, sessions *session.Store, ldg *ledger.Ledger, returnURL, callbackBaseURL string) *Initializer {
	return &Initializer{
		gateways:        gateways,
		sessions:        sessions,
		ledger:          ldg,
		returnURL:       returnURL,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
	}
}

// Initialize validates the request, starts the payment at the gateway, and
// records the session. The invoice's outstanding amount is authoritative:
// a request whose amount disagrees beyond the tolerance is rejected rather
// than silently corrected, so the storefront's display and the charge can
// never diverge.
func (i *Initializer) Initialize(ctx context.Context, req Request) (Result, error) {
	tracer := otel.Tracer("initializer")
	ctx, span := tracer.Start(ctx, "Initializer.Initialize")
	defer span.End()

	start := time.Now()
	defer func() { initializeDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if err := validate(req); err != nil {
		initializationsTotal.WithLabelValues(req.Gateway, "invalid").Inc()
		return Result{}, err
	}

	adapter, err := i.gateways.Get(req.Gateway)
	if err != nil {
		initializationsTotal.WithLabelValues(req.Gateway, "unknown_gateway").Inc()
		return Result{}, err
	}

	state, err := i.ledger.GetStatus(ctx, req.InvoiceID)
	if err != nil {
		initializationsTotal.WithLabelValues(req.Gateway, "invoice_lookup_failed").Inc()
		return Result{}, err
	}
	switch state.Status {
	case billing.StatusPaid:
		initializationsTotal.WithLabelValues(req.Gateway, "not_payable").Inc()
		return Result{}, fmt.Errorf("%w: invoice %s is already paid", ErrInvoiceNotPayable, req.InvoiceID)
	case billing.StatusCancelled:
		initializationsTotal.WithLabelValues(req.Gateway, "not_payable").Inc()
		return Result{}, fmt.Errorf("%w: invoice %s is cancelled", ErrInvoiceNotPayable, req.InvoiceID)
	}
	if diff := req.Amount - state.Amount; diff > ledger.AmountTolerance || diff < -ledger.AmountTolerance {
		initializationsTotal.WithLabelValues(req.Gateway, "amount_mismatch").Inc()
		return Result{}, fmt.Errorf("%w: requested %.2f, invoice %s outstanding %.2f",
			ErrAmountMismatch, req.Amount, req.InvoiceID, state.Amount)
	}

	currency := req.Currency
	if state.Currency != "" {
		currency = state.Currency
	}

	init, err := adapter.Initialize(ctx, gateway.InitializeRequest{
		OrderID:     req.OrderID,
		InvoiceID:   req.InvoiceID,
		Amount:      state.Amount,
		Currency:    currency,
		ReturnURL:   i.returnURL,
		CallbackURL: i.callbackURL(adapter.Name()),
		Customer:    req.Customer,
	})
	if err != nil {
		initializationsTotal.WithLabelValues(req.Gateway, "gateway_error").Inc()
		return Result{}, err
	}

	sess, err := i.sessions.Create(ctx, session.CreateParams{
		TransactionID: init.TransactionID,
		OrderID:       req.OrderID,
		InvoiceID:     req.InvoiceID,
		Gateway:       adapter.Name(),
		Amount:        state.Amount,
		Currency:      currency,
	})
	if err != nil {
		// The gateway transaction exists but we cannot track it; surface
		// the error so the storefront retries with a fresh transaction.
		log.Printf("initializer: gateway transaction %s created but session store failed: %v", init.TransactionID, err)
		initializationsTotal.WithLabelValues(req.Gateway, "session_error").Inc()
		return Result{}, err
	}

	// Redirect-flow sessions move to Pending the moment we hand the
	// customer the redirect URL; in-band sessions stay Initialized until
	// the payment is observed.
	if init.RedirectURL != "" {
		if _, err := i.sessions.Transition(ctx, sess.TransactionID, session.StatusPending); err != nil {
			log.Printf("initializer: promoting session %s to pending: %v", sess.TransactionID, err)
		}
	}

	initializationsTotal.WithLabelValues(req.Gateway, "ok").Inc()
	return Result{
		TransactionID:    init.TransactionID,
		Gateway:          adapter.Name(),
		RedirectRequired: init.RedirectURL != "",
		RedirectURL:      init.RedirectURL,
		Instructions:     init.Instructions,
	}, nil
}

func (i *Initializer) callbackURL(gatewayName string) string {
	if i.callbackBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/payments/%s/callback", i.callbackBaseURL, gatewayName)
}

func validate(req Request) error {
	switch {
	case req.OrderID == "":
		return fmt.Errorf("%w: missing order id", ErrInvalidRequest)
	case req.InvoiceID == "":
		return fmt.Errorf("%w: missing invoice id", ErrInvalidRequest)
	case req.Gateway == "":
		return fmt.Errorf("%w: missing payment method", ErrInvalidRequest)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case len(req.Currency) != 3:
		return fmt.Errorf("%w: currency must be a three-letter code", ErrInvalidRequest)
	}
	return nil
}
