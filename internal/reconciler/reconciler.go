// Package reconciler is the state machine entry point for payment
// confirmations. The same logical confirmation can arrive twice, over two
// channels (an authenticated server-to-server callback and an
// unauthenticated browser return), in either order; both are normalized into
// one reconciliation event. Browser returns never confirm a payment
// directly: for callback-authoritative gateways they only trigger a status
// query. The invoice ledger's mark-paid is the single serialization point,
// so racing reconciliations converge on one applied payment.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/yourorg/payment-lifecycle/internal/gateway"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/session"
	"github.com/yourorg/payment-lifecycle/internal/workflow"
)

var (
	// ErrUnknownTransaction means no payment session exists for the
	// transaction id. Sessions are never fabricated from browser-return
	// parameters; a forged redirect URL must not spoof a confirmation.
	ErrUnknownTransaction = errors.New("reconciler: unknown transaction")
	// ErrAmountMismatch means the gateway-reported amount disagrees with
	// the session amount beyond the rounding tolerance.
	ErrAmountMismatch = errors.New("reconciler: amount mismatch")
)

// Source identifies the channel a reconciliation event arrived through.
type Source string

const (
	SourceCallback      Source = "callback"
	SourceBrowserReturn Source = "browser_return"
	SourceManual        Source = "manual"
)

// Outcome is what a reconciliation resolved to, consumed by the HTTP layer
// to build gateway acknowledgements and browser redirects.
type Outcome struct {
	TransactionID string                `json:"transactionId"`
	OrderID       string                `json:"orderId"`
	InvoiceID     string                `json:"invoiceId"`
	SessionStatus session.Status        `json:"sessionStatus"`
	Duplicate     bool                  `json:"duplicate,omitempty"`
	MarkPaid      ledger.MarkPaidResult `json:"markPaid"`
	Workflow      *workflow.Result      `json:"workflow,omitempty"`
}

// event is one normalized reconciliation event. module and note carry
// operator-supplied metadata and are only set for manual captures.
type event struct {
	transactionID string
	status        gateway.PaymentStatus
	amount        float64
	source        Source
	module        string
	note          string
}

// Reconciler funnels callbacks and browser returns into session transitions
// and ledger calls.
type Reconciler struct {
	gateways *gateway.Registry
	sessions *session.Store
	ledger   *ledger.Ledger
	workflow *workflow.Workflow
}

// New creates a Reconciler.
func New(gateways *gateway.Registry, sessions *session.Store, ldg *ledger.Ledger, wf *workflow.Workflow) *Reconciler {
	return &Reconciler{gateways: gateways, sessions: sessions, ledger: ldg, workflow: wf}
}

// HandleCallback processes a raw server-to-server gateway notification.
// Unauthenticated payloads are rejected and logged as security relevant.
func (r *Reconciler) HandleCallback(ctx context.Context, gatewayName string, raw []byte) (Outcome, error) {
	tracer := otel.Tracer("reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.HandleCallback")
	defer span.End()

	start := time.Now()
	defer func() { reconcileDurationSeconds.Observe(time.Since(start).Seconds()) }()

	adapter, err := r.gateways.Get(gatewayName)
	if err != nil {
		reconciliationsTotal.WithLabelValues(string(SourceCallback), "rejected").Inc()
		return Outcome{}, err
	}

	notif, err := adapter.ParseCallback(raw)
	if err != nil {
		reconciliationsTotal.WithLabelValues(string(SourceCallback), "rejected").Inc()
		return Outcome{}, err
	}
	if !notif.SignatureValid {
		log.Printf("reconciler: SECURITY invalid callback signature from %s for transaction %s", gatewayName, notif.TransactionID)
		reconciliationsTotal.WithLabelValues(string(SourceCallback), "invalid_signature").Inc()
		return Outcome{}, fmt.Errorf("%w: gateway %s transaction %s", gateway.ErrInvalidSignature, gatewayName, notif.TransactionID)
	}

	return r.apply(ctx, event{
		transactionID: notif.TransactionID,
		status:        notif.Status,
		amount:        notif.Amount,
		source:        SourceCallback,
	})
}

// HandleReturn processes a browser redirect back from a gateway. The
// claimed status from the query string is never trusted: for
// callback-authoritative gateways the status is re-derived with a
// side-effect-free QueryStatus call.
func (r *Reconciler) HandleReturn(ctx context.Context, transactionID string) (Outcome, error) {
	tracer := otel.Tracer("reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.HandleReturn")
	defer span.End()

	start := time.Now()
	defer func() { reconcileDurationSeconds.Observe(time.Since(start).Seconds()) }()

	sess, err := r.findSession(ctx, transactionID, SourceBrowserReturn)
	if err != nil {
		return Outcome{}, err
	}

	adapter, err := r.gateways.Get(sess.Gateway)
	if err != nil {
		return Outcome{}, err
	}

	if !adapter.CallbackAuthoritative() {
		// The gateway has no server-side channel to re-query; confirmation
		// comes from manual capture. The return only reports the session.
		reconciliationsTotal.WithLabelValues(string(SourceBrowserReturn), "no_authority").Inc()
		return Outcome{
			TransactionID: sess.TransactionID,
			OrderID:       sess.OrderID,
			InvoiceID:     sess.InvoiceID,
			SessionStatus: sess.Status,
		}, nil
	}

	st, err := adapter.QueryStatus(ctx, transactionID)
	if err != nil {
		reconciliationsTotal.WithLabelValues(string(SourceBrowserReturn), "query_failed").Inc()
		return Outcome{}, err
	}

	amount := st.Amount
	if amount == 0 {
		amount = sess.Amount
	}
	return r.apply(ctx, event{
		transactionID: transactionID,
		status:        st.Status,
		amount:        amount,
		source:        SourceBrowserReturn,
	})
}

// Capture applies a manually observed payment, e.g. a bank transfer matched
// against a statement by an operator. A zero amount means "the session
// amount"; a non-zero amount still has to agree with it. module overrides
// the payment module recorded against the invoice; note is free-form
// operator text attached to the payment.
func (r *Reconciler) Capture(ctx context.Context, transactionID string, amount float64, module, note string) (Outcome, error) {
	tracer := otel.Tracer("reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.Capture")
	defer span.End()

	start := time.Now()
	defer func() { reconcileDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if amount == 0 {
		sess, err := r.findSession(ctx, transactionID, SourceManual)
		if err != nil {
			return Outcome{}, err
		}
		amount = sess.Amount
	}
	return r.apply(ctx, event{
		transactionID: transactionID,
		status:        gateway.StatusPaid,
		amount:        amount,
		source:        SourceManual,
		module:        module,
		note:          note,
	})
}

func (r *Reconciler) findSession(ctx context.Context, transactionID string, source Source) (session.PaymentSession, error) {
	sess, err := r.sessions.Find(ctx, transactionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrEmptyTransactionID) {
			log.Printf("reconciler: SECURITY %s event for unknown transaction %q", source, transactionID)
			reconciliationsTotal.WithLabelValues(string(source), "unknown_transaction").Inc()
			return session.PaymentSession{}, fmt.Errorf("%w: %q", ErrUnknownTransaction, transactionID)
		}
		return session.PaymentSession{}, err
	}
	return sess, nil
}

// apply runs the normalized event through the session state machine and,
// on a first confirmation, through the ledger and the capture workflow.
func (r *Reconciler) apply(ctx context.Context, ev event) (Outcome, error) {
	sess, err := r.findSession(ctx, ev.transactionID, ev.source)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{
		TransactionID: sess.TransactionID,
		OrderID:       sess.OrderID,
		InvoiceID:     sess.InvoiceID,
		SessionStatus: sess.Status,
	}

	switch ev.status {
	case gateway.StatusPaid:
		return r.confirm(ctx, sess, ev, outcome)

	case gateway.StatusFailed:
		return r.settle(ctx, sess, session.StatusFailed, ev.source, outcome)

	case gateway.StatusCancelled:
		return r.settle(ctx, sess, session.StatusCancelled, ev.source, outcome)

	default: // StatusPending
		reconciliationsTotal.WithLabelValues(string(ev.source), "pending").Inc()
		return outcome, nil
	}
}

func (r *Reconciler) confirm(ctx context.Context, sess session.PaymentSession, ev event, outcome Outcome) (Outcome, error) {
	if diff := ev.amount - sess.Amount; diff > ledger.AmountTolerance || diff < -ledger.AmountTolerance {
		log.Printf("reconciler: SECURITY amount mismatch for transaction %s: reported %.2f, session %.2f",
			sess.TransactionID, ev.amount, sess.Amount)
		reconciliationsTotal.WithLabelValues(string(ev.source), "amount_mismatch").Inc()
		return Outcome{}, fmt.Errorf("%w: transaction %s reported %.2f, expected %.2f",
			ErrAmountMismatch, sess.TransactionID, ev.amount, sess.Amount)
	}

	// Sessions confirmed before any redirect happened (in-band flows) are
	// still Initialized; walk them through Pending first so every session
	// follows the same transition table.
	if sess.Status == session.StatusInitialized {
		if _, err := r.sessions.Transition(ctx, sess.TransactionID, session.StatusPending); err != nil &&
			!errors.Is(err, session.ErrInvalidStateTransition) {
			return Outcome{}, err
		}
	}

	updated, err := r.sessions.Transition(ctx, sess.TransactionID, session.StatusConfirmed)
	if err != nil {
		if !errors.Is(err, session.ErrInvalidStateTransition) {
			return Outcome{}, err
		}
		// Duplicate delivery. Expected under at-least-once callbacks:
		// acknowledge without re-invoking the ledger, unless a crash left
		// the session Confirmed with no ledger transaction behind it.
		outcome.SessionStatus = updated.Status
		outcome.Duplicate = true
		duplicateNotificationsTotal.Inc()
		reconciliationsTotal.WithLabelValues(string(ev.source), "duplicate").Inc()

		if updated.Status == session.StatusConfirmed {
			has, herr := r.ledger.HasTransaction(ctx, sess.TransactionID)
			if herr != nil {
				return Outcome{}, herr
			}
			if !has {
				return r.markPaidAndProvision(ctx, updated, ev, outcome)
			}
			outcome.MarkPaid = ledger.MarkPaidResult{AlreadyPaid: true}
		}
		return outcome, nil
	}

	outcome.SessionStatus = updated.Status
	reconciliationsTotal.WithLabelValues(string(ev.source), "confirmed").Inc()
	return r.markPaidAndProvision(ctx, updated, ev, outcome)
}

func (r *Reconciler) markPaidAndProvision(ctx context.Context, sess session.PaymentSession, ev event, outcome Outcome) (Outcome, error) {
	module := sess.Gateway
	if ev.module != "" {
		module = ev.module
	}
	res, err := r.ledger.MarkPaid(ctx, sess.InvoiceID, sess.TransactionID, sess.Amount, sess.Currency, module, ev.note)
	if err != nil {
		// The session is Confirmed but the ledger call failed; the next
		// redelivery finds no ledger transaction and retries MarkPaid.
		reconciliationsTotal.WithLabelValues(string(ev.source), "ledger_error").Inc()
		return Outcome{}, err
	}
	outcome.MarkPaid = res

	wf, err := r.workflow.Run(ctx, workflow.Input{
		InvoiceID:     sess.InvoiceID,
		OrderID:       sess.OrderID,
		TransactionID: sess.TransactionID,
		Amount:        sess.Amount,
		Currency:      sess.Currency,
		Gateway:       sess.Gateway,
		MarkPaid:      res,
	})
	if err != nil {
		return Outcome{}, err
	}
	outcome.Workflow = &wf
	return outcome, nil
}

func (r *Reconciler) settle(ctx context.Context, sess session.PaymentSession, target session.Status, source Source, outcome Outcome) (Outcome, error) {
	if sess.Status == target {
		outcome.Duplicate = true
		duplicateNotificationsTotal.Inc()
		reconciliationsTotal.WithLabelValues(string(source), "duplicate").Inc()
		return outcome, nil
	}

	if sess.Status == session.StatusInitialized {
		if _, err := r.sessions.Transition(ctx, sess.TransactionID, session.StatusPending); err != nil &&
			!errors.Is(err, session.ErrInvalidStateTransition) {
			return Outcome{}, err
		}
	}

	updated, err := r.sessions.Transition(ctx, sess.TransactionID, target)
	if err != nil {
		if errors.Is(err, session.ErrInvalidStateTransition) && updated.Status.Terminal() {
			// Out-of-order notification against a settled session; the
			// existing state stands. The ledger is never touched here.
			outcome.SessionStatus = updated.Status
			outcome.Duplicate = true
			duplicateNotificationsTotal.Inc()
			reconciliationsTotal.WithLabelValues(string(source), "duplicate").Inc()
			return outcome, nil
		}
		return Outcome{}, err
	}

	outcome.SessionStatus = updated.Status
	reconciliationsTotal.WithLabelValues(string(source), string(target)).Inc()
	return outcome, nil
}
