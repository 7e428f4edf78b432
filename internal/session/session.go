// Package session owns the short-lived PaymentSession records that correlate
// a gateway transaction to an order and invoice while payment is pending.
// Sessions are created by the initializer, mutated only by the reconciler,
// and expired after a TTL if never confirmed.
package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a payment session.
type Status string

const (
	StatusInitialized Status = "Initialized"
	StatusPending     Status = "Pending"
	StatusConfirmed   Status = "Confirmed"
	StatusFailed      Status = "Failed"
	StatusCancelled   Status = "Cancelled"
	StatusExpired     Status = "Expired"
)

var (
	// ErrNotFound means no session exists for the transaction id.
	ErrNotFound = errors.New("session: not found")
	// ErrDuplicateTransaction means a session already exists for the
	// transaction id.
	ErrDuplicateTransaction = errors.New("session: duplicate transaction id")
	// ErrInvalidStateTransition means the requested transition is not in the
	// legal transition table. Duplicate or out-of-order gateway
	// notifications surface here instead of corrupting state.
	ErrInvalidStateTransition = errors.New("session: invalid state transition")
	// ErrEmptyTransactionID means the caller supplied no transaction id.
	// Synthetic ids are never generated here.
	ErrEmptyTransactionID = errors.New("session: empty transaction id")
)

// PaymentSession is the persisted correlation record. The unique index on
// TransactionID is what makes a second callback for the same transaction
// detectable across restarts and instances.
type PaymentSession struct {
	ID            uint       `gorm:"primaryKey" json:"-"`
	TransactionID string     `gorm:"uniqueIndex;size:64;not null" json:"transactionId"`
	OrderID       string     `gorm:"index;size:64;not null" json:"orderId"`
	InvoiceID     string     `gorm:"index;size:64;not null" json:"invoiceId"`
	Gateway       string     `gorm:"size:32;not null" json:"gateway"`
	Amount        float64    `gorm:"not null" json:"amount"`
	Currency      string     `gorm:"size:8;not null" json:"currency"`
	Status        Status     `gorm:"size:16;not null;index" json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
}

// legalTransitions is the state machine table. Expiry is handled separately
// because it applies to any non-terminal state after the TTL.
var legalTransitions = map[Status][]Status{
	StatusInitialized: {StatusPending},
	StatusPending:     {StatusConfirmed, StatusFailed, StatusCancelled},
}

func transitionAllowed(from, to Status) bool {
	if to == StatusExpired {
		return from == StatusInitialized || from == StatusPending
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions for billing
// purposes.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}
