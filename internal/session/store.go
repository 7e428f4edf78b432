package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/yourorg/payment-lifecycle/internal/keymutex"
)

// DefaultTTL is how long an unconfirmed session stays alive.
const DefaultTTL = 24 * time.Hour

// Store persists payment sessions and enforces the transition table.
type Store struct {
	db    *gorm.DB
	locks *keymutex.KeyMutex
	ttl   time.Duration
	now   func() time.Time // overridable in tests
}

// NewStore creates a Store. A non-positive ttl falls back to DefaultTTL.
func NewStore(db *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{db: db, locks: keymutex.New(), ttl: ttl, now: time.Now}
}

// CreateParams are the inputs to Create. The transaction id comes from the
// gateway adapter (or its local generation for in-band gateways); the store
// never fabricates one.
type CreateParams struct {
	TransactionID string
	OrderID       string
	InvoiceID     string
	Gateway       string
	Amount        float64
	Currency      string
}

// Create inserts a new session in Initialized state.
func (s *Store) Create(ctx context.Context, p CreateParams) (PaymentSession, error) {
	if p.TransactionID == "" {
		return PaymentSession{}, ErrEmptyTransactionID
	}

	sess := PaymentSession{
		TransactionID: p.TransactionID,
		OrderID:       p.OrderID,
		InvoiceID:     p.InvoiceID,
		Gateway:       p.Gateway,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Status:        StatusInitialized,
		CreatedAt:     s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrDuplicateTransaction, p.TransactionID)
		}
		return PaymentSession{}, fmt.Errorf("session: creating %s: %w", p.TransactionID, err)
	}
	return sess, nil
}

// Find returns the session for transactionID, lazily expiring it when the
// TTL has elapsed and the session never reached a terminal state.
func (s *Store) Find(ctx context.Context, transactionID string) (PaymentSession, error) {
	if transactionID == "" {
		return PaymentSession{}, ErrEmptyTransactionID
	}

	var sess PaymentSession
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrNotFound, transactionID)
		}
		return PaymentSession{}, fmt.Errorf("session: finding %s: %w", transactionID, err)
	}

	if !sess.Status.Terminal() && s.now().Sub(sess.CreatedAt) > s.ttl {
		expired, err := s.Transition(ctx, transactionID, StatusExpired)
		if err == nil {
			return expired, nil
		}
		// A concurrent transition beat the lazy expiry; re-read.
		if errors.Is(err, ErrInvalidStateTransition) {
			return s.Find(ctx, transactionID)
		}
		return PaymentSession{}, err
	}
	return sess, nil
}

// Transition moves the session to newStatus if the transition table allows
// it. The per-transaction lock plus a conditional update keyed on the old
// status make the check-then-act safe under concurrent reconciliations.
// Illegal transitions are logged, never silently ignored.
func (s *Store) Transition(ctx context.Context, transactionID string, newStatus Status) (PaymentSession, error) {
	if transactionID == "" {
		return PaymentSession{}, ErrEmptyTransactionID
	}

	unlock := s.locks.Lock("session:" + transactionID)
	defer unlock()

	var sess PaymentSession
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&sess).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrNotFound, transactionID)
		}
		return PaymentSession{}, fmt.Errorf("session: finding %s: %w", transactionID, err)
	}

	if !transitionAllowed(sess.Status, newStatus) {
		log.Printf("session: illegal transition %s -> %s for transaction %s", sess.Status, newStatus, transactionID)
		return sess, fmt.Errorf("%w: %s -> %s for transaction %s",
			ErrInvalidStateTransition, sess.Status, newStatus, transactionID)
	}

	updates := map[string]interface{}{"status": newStatus}
	if newStatus == StatusConfirmed {
		now := s.now()
		updates["confirmed_at"] = &now
	}

	res := s.db.WithContext(ctx).Model(&PaymentSession{}).
		Where("transaction_id = ? AND status = ?", transactionID, sess.Status).
		Updates(updates)
	if res.Error != nil {
		return PaymentSession{}, fmt.Errorf("session: updating %s: %w", transactionID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a race with another instance; report it as an illegal
		// transition from whatever state won.
		current, ferr := s.Find(ctx, transactionID)
		if ferr != nil {
			return PaymentSession{}, ferr
		}
		return current, fmt.Errorf("%w: %s -> %s for transaction %s (state changed concurrently)",
			ErrInvalidStateTransition, current.Status, newStatus, transactionID)
	}

	sess.Status = newStatus
	if v, ok := updates["confirmed_at"].(*time.Time); ok {
		sess.ConfirmedAt = v
	}
	return sess, nil
}

// ExpireStale marks sessions older than the TTL that are still Initialized
// or Pending as Expired. Returns how many rows were affected.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	res := s.db.WithContext(ctx).Model(&PaymentSession{}).
		Where("status IN ? AND created_at < ?", []Status{StatusInitialized, StatusPending}, cutoff).
		Update("status", StatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("session: expiry sweep: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Printf("session: expired %d stale sessions", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// StartSweeper runs ExpireStale on the given interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ExpireStale(ctx); err != nil {
					log.Printf("session: sweeper error: %v", err)
				}
			}
		}
	}()
}

// SetNow overrides the store clock. Test hook.
func (s *Store) SetNow(now func() time.Time) { s.now = now }
