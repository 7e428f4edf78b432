package gateway

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-lifecycle/internal/circuitbreaker"
)

type stubAdapter struct {
	name          string
	initializeErr error
	queryErr      error
	calls         int
}

func (s *stubAdapter) Name() string                { return s.name }
func (s *stubAdapter) CallbackAuthoritative() bool { return true }

func (s *stubAdapter) Initialize(ctx context.Context, req InitializeRequest) (InitializeResult, error) {
	s.calls++
	if s.initializeErr != nil {
		return InitializeResult{}, s.initializeErr
	}
	return InitializeResult{TransactionID: "TX-1", RedirectURL: "https://pay.example.test"}, nil
}

func (s *stubAdapter) ParseCallback(raw []byte) (Notification, error) {
	return Notification{TransactionID: "TX-1", Status: StatusPaid, SignatureValid: true}, nil
}

func (s *stubAdapter) QueryStatus(ctx context.Context, transactionID string) (Status, error) {
	s.calls++
	if s.queryErr != nil {
		return Status{}, s.queryErr
	}
	return Status{TransactionID: transactionID, Status: StatusPending}, nil
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(&stubAdapter{name: "comgate"}, &stubAdapter{name: "payu"})

	a, err := reg.Get("comgate")
	require.NoError(t, err)
	assert.Equal(t, "comgate", a.Name())

	_, err = reg.Get("stripe")
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry(&stubAdapter{name: "payu"}, &stubAdapter{name: "banktransfer"}, &stubAdapter{name: "comgate"})
	assert.Equal(t, []string{"banktransfer", "comgate", "payu"}, reg.Names())
}

func TestBreakerOpensOnRepeatedUnavailability(t *testing.T) {
	stub := &stubAdapter{name: "comgate", initializeErr: fmt.Errorf("%w: connection refused", ErrUnavailable)}
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 3, OpenStateTimeout: time.Minute})
	wrapped := WithBreaker(stub, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wrapped.Initialize(ctx, InitializeRequest{})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, circuitbreaker.Open, cb.GetState("comgate"))

	// Circuit open: the adapter is no longer called.
	calls := stub.calls
	_, err := wrapped.Initialize(ctx, InitializeRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, calls, stub.calls)
}

func TestBreakerIgnoresRejections(t *testing.T) {
	stub := &stubAdapter{name: "comgate", initializeErr: fmt.Errorf("%w: bad currency", ErrRejected)}
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, OpenStateTimeout: time.Minute})
	wrapped := WithBreaker(stub, cb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := wrapped.Initialize(ctx, InitializeRequest{})
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, circuitbreaker.Closed, cb.GetState("comgate"))
}

func TestBreakerDoesNotGateParseCallback(t *testing.T) {
	stub := &stubAdapter{name: "comgate", queryErr: fmt.Errorf("%w: down", ErrUnavailable)}
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, OpenStateTimeout: time.Minute})
	wrapped := WithBreaker(stub, cb)

	_, err := wrapped.QueryStatus(context.Background(), "TX-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, circuitbreaker.Open, cb.GetState("comgate"))

	// Callback parsing is local and must keep working while the circuit is
	// open.
	n, err := wrapped.ParseCallback([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, n.Status)
}
