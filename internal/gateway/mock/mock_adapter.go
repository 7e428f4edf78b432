// Package mock provides a configurable gateway adapter for tests and local
// wiring. Behaviour is overridden per test through the exported function
// fields; unset fields fall back to a happy-path default.
package mock

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yourorg/payment-lifecycle/internal/gateway"
)

// Adapter is a test double for gateway.Adapter.
type Adapter struct {
	GatewayName   string
	Authoritative bool

	InitializeFunc    func(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error)
	ParseCallbackFunc func(raw []byte) (gateway.Notification, error)
	QueryStatusFunc   func(ctx context.Context, transactionID string) (gateway.Status, error)

	InitializeCalls    int
	ParseCallbackCalls int
	QueryStatusCalls   int
}

// New creates a mock adapter with the given name and an authoritative
// callback channel.
func New(name string) *Adapter {
	return &Adapter{GatewayName: name, Authoritative: true}
}

func (m *Adapter) Name() string                { return m.GatewayName }
func (m *Adapter) CallbackAuthoritative() bool { return m.Authoritative }

func (m *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
	m.InitializeCalls++
	if m.InitializeFunc != nil {
		return m.InitializeFunc(ctx, req)
	}
	return gateway.InitializeResult{
		TransactionID: m.GatewayName + "-" + uuid.NewString(),
		RedirectURL:   "https://pay.example.test/redirect",
	}, nil
}

func (m *Adapter) ParseCallback(raw []byte) (gateway.Notification, error) {
	m.ParseCallbackCalls++
	if m.ParseCallbackFunc != nil {
		return m.ParseCallbackFunc(raw)
	}
	return gateway.Notification{}, fmt.Errorf("%w: mock adapter has no default callback parser", gateway.ErrRejected)
}

func (m *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.Status, error) {
	m.QueryStatusCalls++
	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, transactionID)
	}
	return gateway.Status{TransactionID: transactionID, Status: gateway.StatusPending}, nil
}
