// Package workflow sequences the authorize, capture, and provision steps
// that run once a payment is confirmed. Capture retries transient billing
// failures with bounded backoff under the policy rule engine; provision
// failures never roll back the payment, they surface as ProvisionPending for
// later retry.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	"github.com/yourorg/payment-lifecycle/internal/events"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/policy"
	"github.com/yourorg/payment-lifecycle/internal/retry"
)

// StepStatus is the outcome of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Result reports each step's outcome to the caller for observability.
type Result struct {
	AuthorizePayment StepStatus `json:"authorizePayment"`
	CapturePayment   StepStatus `json:"capturePayment"`
	Provision        StepStatus `json:"provision"`
	CaptureAborted   bool       `json:"captureAborted,omitempty"`
	ProvisionPending bool       `json:"provisionPending,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
}

// Input identifies the confirmed payment the workflow runs for.
type Input struct {
	InvoiceID     string
	OrderID       string
	TransactionID string
	Amount        float64
	Currency      string
	Gateway       string
	MarkPaid      ledger.MarkPaidResult
}

// Workflow executes the post-confirmation pipeline.
type Workflow struct {
	billing   billing.Client
	ledger    *ledger.Ledger
	publisher events.Publisher
	enforcer  *policy.Enforcer
	backoff   retry.Policy
	maxTries  int
}

// New creates a Workflow. A nil enforcer gets the default capture rules.
func New(billingClient billing.Client, ldg *ledger.Ledger, pub events.Publisher, enforcer *policy.Enforcer) *Workflow {
	maxTries := 4
	if enforcer == nil {
		var err error
		enforcer, err = policy.NewEnforcer(policy.DefaultRules(maxTries))
		if err != nil {
			// DefaultRules are static expressions; a compile failure is a
			// programming error.
			panic(fmt.Sprintf("workflow: compiling default rules: %v", err))
		}
	}
	return &Workflow{
		billing:   billingClient,
		ledger:    ldg,
		publisher: pub,
		enforcer:  enforcer,
		backoff:   retry.Policy{MaxAttempts: 1, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2.0},
		maxTries:  maxTries,
	}
}

// SetBackoffDelays overrides the inter-attempt delays. Test hook.
func (w *Workflow) SetBackoffDelays(initial, max time.Duration) {
	w.backoff.InitialDelay = initial
	w.backoff.MaxDelay = max
}

// Run executes authorize, capture, provision for a confirmed payment. It is
// re-entrant: a retried webhook with MarkPaid.AlreadyPaid set walks the same
// steps, and each one is idempotent against the billing system.
func (w *Workflow) Run(ctx context.Context, in Input) (Result, error) {
	tracer := otel.Tracer("workflow")
	ctx, span := tracer.Start(ctx, "Workflow.Run")
	defer span.End()

	result := Result{
		AuthorizePayment: StepPending,
		CapturePayment:   StepPending,
		Provision:        StepPending,
	}

	// Authorize: the billing system accepted the payment record, which is
	// already true once MarkPaid applied it (or had applied it earlier).
	if !in.MarkPaid.Applied && !in.MarkPaid.AlreadyPaid {
		result.AuthorizePayment = StepFailed
		result.CapturePayment = StepSkipped
		result.Provision = StepSkipped
		result.FailureReason = "payment was not applied"
		return result, nil
	}
	result.AuthorizePayment = StepCompleted
	result.CapturePayment = StepReady

	if aborted, reason := w.capture(ctx, in.InvoiceID); aborted {
		result.CapturePayment = StepFailed
		result.CaptureAborted = true
		result.Provision = StepSkipped
		result.FailureReason = reason
		return result, nil
	} else if reason != "" {
		// Capture neither completed nor aborted: transient failure with
		// retries exhausted. The payment stays recorded; operators retry
		// the capture step alone.
		result.CapturePayment = StepFailed
		result.Provision = StepSkipped
		result.FailureReason = reason
		return result, nil
	}
	result.CapturePayment = StepCompleted

	// Provision: money is already captured, so a failure here is reported,
	// never rolled back.
	event := events.InvoicePaid{
		InvoiceID:     in.InvoiceID,
		OrderID:       in.OrderID,
		TransactionID: in.TransactionID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Gateway:       in.Gateway,
		PaidAt:        time.Now(),
	}
	if err := w.publisher.PublishInvoicePaid(ctx, event); err != nil {
		log.Printf("workflow: provision pending for invoice %s: %v", in.InvoiceID, err)
		result.Provision = StepFailed
		result.ProvisionPending = true
		result.FailureReason = "provision event publish failed"
		return result, nil
	}
	result.Provision = StepCompleted

	return result, nil
}

// capture drives the invoice into its settled state, consulting the policy
// engine after each failed attempt. Returns (aborted, reason); an empty
// reason with aborted=false means capture completed.
func (w *Workflow) capture(ctx context.Context, invoiceID string) (bool, string) {
	delay := w.backoff.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.ledger.EnsureSettled(ctx, invoiceID)
		if err == nil {
			return false, ""
		}

		cancelled := errors.Is(err, ledger.ErrInvoiceNotPayable)
		transient := errors.Is(err, ledger.ErrUnavailable)
		decision, perr := w.enforcer.Evaluate(map[string]interface{}{
			"attempt":           attempt,
			"transient":         transient,
			"invoice_cancelled": cancelled,
			"error_code":        errorCode(err),
		})
		if perr != nil {
			log.Printf("workflow: policy evaluation failed for invoice %s: %v", invoiceID, perr)
			return true, fmt.Sprintf("capture aborted: policy evaluation failed: %v", perr)
		}

		if decision.Abort || !decision.AllowRetry {
			if cancelled {
				return true, fmt.Sprintf("capture aborted: invoice %s cancelled mid-flight", invoiceID)
			}
			if decision.Abort {
				return true, fmt.Sprintf("capture aborted by rule %s: %v", decision.Rule, err)
			}
			return false, fmt.Sprintf("capture failed after %d attempts: %v", attempt, err)
		}

		select {
		case <-ctx.Done():
			return false, fmt.Sprintf("capture interrupted: %v", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > w.backoff.MaxDelay {
			delay = w.backoff.MaxDelay
		}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnavailable):
		return "LEDGER_UNAVAILABLE"
	case errors.Is(err, ledger.ErrInvoiceNotPayable):
		return "INVOICE_NOT_PAYABLE"
	case errors.Is(err, billing.ErrNotFound):
		return "INVOICE_NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}
