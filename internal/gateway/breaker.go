package gateway

import (
	"context"
	"fmt"

	"github.com/yourorg/payment-lifecycle/internal/circuitbreaker"
)

// breakerAdapter wraps an Adapter with a circuit breaker. Outbound calls are
// refused while the circuit is open; outcomes are recorded so a persistently
// failing gateway stops receiving traffic. ParseCallback is purely local and
// bypasses the breaker.
type breakerAdapter struct {
	inner   Adapter
	breaker *circuitbreaker.CircuitBreaker
}

// WithBreaker decorates adapter with the given circuit breaker.
func WithBreaker(adapter Adapter, cb *circuitbreaker.CircuitBreaker) Adapter {
	return &breakerAdapter{inner: adapter, breaker: cb}
}

func (b *breakerAdapter) Name() string                { return b.inner.Name() }
func (b *breakerAdapter) CallbackAuthoritative() bool { return b.inner.CallbackAuthoritative() }

func (b *breakerAdapter) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	if !b.breaker.Allow(b.inner.Name()) {
		return InitializeResult{}, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, b.inner.Name())
	}
	res, err := b.inner.Initialize(ctx, req)
	b.record(err)
	return res, err
}

func (b *breakerAdapter) ParseCallback(raw []byte) (Notification, error) {
	return b.inner.ParseCallback(raw)
}

func (b *breakerAdapter) QueryStatus(ctx context.Context, transactionID string) (Status, error) {
	if !b.breaker.Allow(b.inner.Name()) {
		return Status{}, fmt.Errorf("%w: circuit open for %s", ErrUnavailable, b.inner.Name())
	}
	st, err := b.inner.QueryStatus(ctx, transactionID)
	b.record(err)
	return st, err
}

// record only counts availability failures against the circuit; a rejected
// request means the gateway is up and answering.
func (b *breakerAdapter) record(err error) {
	if err == nil {
		b.breaker.RecordSuccess(b.inner.Name())
		return
	}
	if isUnavailable(err) {
		b.breaker.RecordFailure(b.inner.Name())
	} else {
		b.breaker.RecordSuccess(b.inner.Name())
	}
}
