// Package ledger is the single authority for turning "payment confirmed"
// into durable billing-system state. MarkPaid enforces the at-most-once
// guarantee: a local append-only transaction table with a unique constraint
// on the transaction id, plus a per-invoice lock around the check-then-act,
// means only one of any number of racing reconciliations applies the payment
// while the rest observe alreadyPaid.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	"github.com/yourorg/payment-lifecycle/internal/keymutex"
	"github.com/yourorg/payment-lifecycle/internal/retry"
)

// AmountTolerance is the rounding slack allowed between a caller-supplied
// amount and the invoice's authoritative amount.
const AmountTolerance = 0.01

var (
	// ErrMissingTransactionID rejects empty transaction ids. No synthetic
	// ids are ever generated: a fabricated id would defeat the idempotency
	// and audit guarantees.
	ErrMissingTransactionID = errors.New("ledger: missing transaction id")
	// ErrMissingInvoiceID rejects empty invoice ids.
	ErrMissingInvoiceID = errors.New("ledger: missing invoice id")
	// ErrUnavailable wraps transient billing-system failures.
	ErrUnavailable = errors.New("ledger: billing system unavailable")
	// ErrInvoiceNotPayable means the invoice is cancelled and cannot accept
	// a payment.
	ErrInvoiceNotPayable = errors.New("ledger: invoice not payable")
)

// Transaction is one accepted payment applied to an invoice. Append-only,
// never deleted; the unique index on TransactionID survives restarts and
// multiple instances.
type Transaction struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	TransactionID string    `gorm:"uniqueIndex;size:64;not null" json:"transactionId"`
	InvoiceID     string    `gorm:"index;size:64;not null" json:"invoiceId"`
	Amount        float64   `gorm:"not null" json:"amount"`
	Currency      string    `gorm:"size:8;not null" json:"currency"`
	GatewayModule string    `gorm:"size:32;not null" json:"gatewayModule"`
	Note          string    `gorm:"size:255" json:"note,omitempty"`
	AppliedAt     time.Time `gorm:"not null" json:"appliedAt"`
}

// MarkPaidResult reports what MarkPaid did. Reconciling is set when the
// payment was recorded but the invoice status update is still outstanding.
type MarkPaidResult struct {
	AlreadyPaid bool `json:"alreadyPaid"`
	Applied     bool `json:"applied"`
	Reconciling bool `json:"reconciling"`
}

// InvoiceState is the ledger's view of an invoice. MissingTransaction flags
// the invalid legacy state of a Paid invoice with no recorded transaction.
type InvoiceState struct {
	Status             billing.InvoiceStatus `json:"status"`
	Amount             float64               `json:"amount"`
	Currency           string                `json:"currency"`
	DatePaid           *time.Time            `json:"datePaid,omitempty"`
	Reconciling        bool                  `json:"reconciling,omitempty"`
	MissingTransaction bool                  `json:"missingTransaction,omitempty"`
}

// Ledger wraps the billing system with the at-most-once payment-marking
// invariant.
type Ledger struct {
	db      *gorm.DB
	billing billing.Client
	locks   *keymutex.KeyMutex
	retry   retry.Policy

	// invoices whose payment is recorded but whose status update has not
	// succeeded yet (the Reconciling pseudo-state).
	reconcilingMu sync.Mutex
	reconciling   map[string]struct{}
}

// New creates a Ledger.
func New(db *gorm.DB, billingClient billing.Client) *Ledger {
	return &Ledger{
		db:          db,
		billing:     billingClient,
		locks:       keymutex.New(),
		retry:       retry.DefaultPolicy(),
		reconciling: make(map[string]struct{}),
	}
}

func transientBilling(err error) bool {
	return errors.Is(err, billing.ErrUnavailable)
}

// MarkPaid applies a confirmed payment to an invoice exactly once. The
// caller-supplied amount is advisory: when it differs from the invoice's
// outstanding amount beyond the tolerance, the authoritative amount is
// recorded and the discrepancy logged. Repeated calls for the same invoice
// or transaction return alreadyPaid without touching the billing system.
// note is free-form operator text carried along with manual captures.
func (l *Ledger) MarkPaid(ctx context.Context, invoiceID, transactionID string, amount float64, currency, gatewayModule, note string) (MarkPaidResult, error) {
	if transactionID == "" {
		return MarkPaidResult{}, ErrMissingTransactionID
	}
	if invoiceID == "" {
		return MarkPaidResult{}, ErrMissingInvoiceID
	}

	unlock := l.locks.Lock("invoice:" + invoiceID)
	defer unlock()

	// A transaction row means this payment was already applied; replayed
	// callbacks stop here without another billing-system round trip.
	applied, err := l.HasTransaction(ctx, transactionID)
	if err != nil {
		return MarkPaidResult{}, err
	}
	if applied {
		return MarkPaidResult{AlreadyPaid: true, Reconciling: l.isReconciling(invoiceID)}, nil
	}

	inv, err := l.getInvoice(ctx, invoiceID)
	if err != nil {
		return MarkPaidResult{}, err
	}

	switch inv.Status {
	case billing.StatusPaid:
		if len(inv.Transactions) == 0 {
			// Legacy auto-paid-without-transaction state; invalid here.
			log.Printf("ledger: invoice %s is Paid with zero transactions, refusing to add payment %s", invoiceID, transactionID)
		}
		return MarkPaidResult{AlreadyPaid: true}, nil
	case billing.StatusCancelled:
		return MarkPaidResult{}, fmt.Errorf("%w: invoice %s is cancelled", ErrInvoiceNotPayable, invoiceID)
	}

	// Record the invoice's outstanding amount, never the gateway-claimed
	// one: a forged or buggy callback must not cause under/over-payment.
	recorded := inv.Amount
	if diff := amount - inv.Amount; diff > AmountTolerance || diff < -AmountTolerance {
		log.Printf("ledger: amount mismatch for invoice %s: claimed %.2f, authoritative %.2f (recording authoritative)",
			invoiceID, amount, inv.Amount)
	}
	if currency == "" {
		currency = inv.Currency
	}

	// The local insert and the remote add-payment commit or roll back
	// together; the unique constraint on transaction_id is the cross-
	// instance serialization point.
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Transaction{
			TransactionID: transactionID,
			InvoiceID:     invoiceID,
			Amount:        recorded,
			Currency:      currency,
			GatewayModule: gatewayModule,
			Note:          note,
			AppliedAt:     time.Now(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		payment := billing.Payment{
			InvoiceID:     invoiceID,
			TransactionID: transactionID,
			Amount:        recorded,
			Currency:      currency,
			GatewayModule: gatewayModule,
			Note:          note,
		}
		addErr := retry.Do(ctx, l.retry, func(ctx context.Context) error {
			return l.billing.AddInvoicePayment(ctx, payment)
		}, transientBilling)
		if addErr != nil {
			if transientBilling(addErr) {
				return fmt.Errorf("%w: add payment: %v", ErrUnavailable, addErr)
			}
			return fmt.Errorf("ledger: add payment for invoice %s: %w", invoiceID, addErr)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent reconciliation won the unique insert.
			return MarkPaidResult{AlreadyPaid: true}, nil
		}
		return MarkPaidResult{}, err
	}

	// The payment record is authoritative. If the status update fails the
	// invoice enters the Reconciling pseudo-state; it is retried here and
	// later by the capture workflow, never reversed.
	statusErr := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.billing.SetInvoiceStatus(ctx, invoiceID, billing.StatusPaid)
	}, transientBilling)
	if statusErr != nil {
		log.Printf("ledger: payment %s recorded but status update failed for invoice %s: %v (reconciling)",
			transactionID, invoiceID, statusErr)
		l.setReconciling(invoiceID, true)
		return MarkPaidResult{Applied: true, Reconciling: true}, nil
	}
	l.setReconciling(invoiceID, false)

	return MarkPaidResult{Applied: true}, nil
}

// EnsureSettled retries the invoice status update for an invoice whose
// payment is recorded. Used by the capture workflow and safe to call
// repeatedly: a Paid invoice is a no-op.
func (l *Ledger) EnsureSettled(ctx context.Context, invoiceID string) error {
	if invoiceID == "" {
		return ErrMissingInvoiceID
	}

	unlock := l.locks.Lock("invoice:" + invoiceID)
	defer unlock()

	inv, err := l.getInvoice(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.Status == billing.StatusPaid {
		l.setReconciling(invoiceID, false)
		return nil
	}
	if inv.Status == billing.StatusCancelled {
		return fmt.Errorf("%w: invoice %s is cancelled", ErrInvoiceNotPayable, invoiceID)
	}

	err = retry.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.billing.SetInvoiceStatus(ctx, invoiceID, billing.StatusPaid)
	}, transientBilling)
	if err != nil {
		if transientBilling(err) {
			return fmt.Errorf("%w: set status: %v", ErrUnavailable, err)
		}
		return err
	}
	l.setReconciling(invoiceID, false)
	return nil
}

// GetStatus is a read-through to the billing system; no caching beyond the
// request scope, the billing system is the source of truth.
func (l *Ledger) GetStatus(ctx context.Context, invoiceID string) (InvoiceState, error) {
	if invoiceID == "" {
		return InvoiceState{}, ErrMissingInvoiceID
	}

	inv, err := l.getInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceState{}, err
	}

	state := InvoiceState{
		Status:      inv.Status,
		Amount:      inv.Amount,
		Currency:    inv.Currency,
		DatePaid:    inv.DatePaid,
		Reconciling: l.isReconciling(invoiceID),
	}

	if inv.Status == billing.StatusPaid && len(inv.Transactions) == 0 {
		var count int64
		if err := l.db.WithContext(ctx).Model(&Transaction{}).Where("invoice_id = ?", invoiceID).Count(&count).Error; err == nil && count == 0 {
			log.Printf("ledger: invoice %s reports Paid with zero transactions", invoiceID)
			state.MissingTransaction = true
		}
	}
	return state, nil
}

// HasTransaction reports whether a ledger transaction exists for the id.
func (l *Ledger) HasTransaction(ctx context.Context, transactionID string) (bool, error) {
	if transactionID == "" {
		return false, ErrMissingTransactionID
	}
	var count int64
	err := l.db.WithContext(ctx).Model(&Transaction{}).Where("transaction_id = ?", transactionID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: looking up transaction %s: %w", transactionID, err)
	}
	return count > 0, nil
}

func (l *Ledger) getInvoice(ctx context.Context, invoiceID string) (billing.Invoice, error) {
	var inv billing.Invoice
	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		var opErr error
		inv, opErr = l.billing.GetInvoiceDetails(ctx, invoiceID)
		return opErr
	}, transientBilling)
	if err != nil {
		if transientBilling(err) {
			return billing.Invoice{}, fmt.Errorf("%w: get invoice %s: %v", ErrUnavailable, invoiceID, err)
		}
		return billing.Invoice{}, err
	}
	return inv, nil
}

func (l *Ledger) isReconciling(invoiceID string) bool {
	l.reconcilingMu.Lock()
	defer l.reconcilingMu.Unlock()
	_, ok := l.reconciling[invoiceID]
	return ok
}

func (l *Ledger) setReconciling(invoiceID string, on bool) {
	l.reconcilingMu.Lock()
	defer l.reconcilingMu.Unlock()
	if on {
		l.reconciling[invoiceID] = struct{}{}
	} else {
		delete(l.reconciling, invoiceID)
	}
}
