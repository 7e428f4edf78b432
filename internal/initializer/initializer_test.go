package initializer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	billingmock "github.com/yourorg/payment-lifecycle/internal/billing/mock"
	"github.com/yourorg/payment-lifecycle/internal/gateway"
	gatewaymock "github.com/yourorg/payment-lifecycle/internal/gateway/mock"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/session"
)

type fixture struct {
	init     *Initializer
	sessions *session.Store
	billing  *billingmock.Client
	adapter  *gatewaymock.Adapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&ledger.Transaction{}, &session.PaymentSession{}))

	bc := billingmock.NewClient()
	ldg := ledger.New(gdb, bc)
	sessions := session.NewStore(gdb, time.Hour)
	adapter := gatewaymock.New("comgate")

	init := New(gateway.NewRegistry(adapter), sessions, ldg,
		"https://shop.example.test/payments/return", "https://pay.example.test")
	return &fixture{init: init, sessions: sessions, billing: bc, adapter: adapter}
}

func validRequest() Request {
	return Request{
		OrderID:   "ord-1",
		InvoiceID: "100",
		Gateway:   "comgate",
		Amount:    299,
		Currency:  "CZK",
		Customer:  gateway.CustomerData{Email: "jan@example.test", Country: "CZ"},
	}
}

func TestInitializeHappyPath(t *testing.T) {
	f := newFixture(t)
	f.billing.SeedInvoice("100", "ord-1", 299, "CZK")
	f.adapter.InitializeFunc = func(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
		assert.Equal(t, 299.0, req.Amount)
		assert.Equal(t, "https://pay.example.test/payments/comgate/callback", req.CallbackURL)
		assert.Equal(t, "https://shop.example.test/payments/return", req.ReturnURL)
		return gateway.InitializeResult{TransactionID: "X1", RedirectURL: "https://pay.comgate.cz/X1"}, nil
	}

	res, err := f.init.Initialize(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "X1", res.TransactionID)
	assert.True(t, res.RedirectRequired)
	assert.Equal(t, "https://pay.comgate.cz/X1", res.RedirectURL)
	assert.Equal(t, "comgate", res.Gateway)

	// Redirect-flow sessions are Pending once the URL is handed out.
	sess, err := f.sessions.Find(context.Background(), "X1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPending, sess.Status)
	assert.Equal(t, "100", sess.InvoiceID)
	assert.Equal(t, 299.0, sess.Amount)
}

func TestInitializeInBandGatewayStaysInitialized(t *testing.T) {
	f := newFixture(t)
	f.billing.SeedInvoice("100", "ord-1", 299, "CZK")
	f.adapter.InitializeFunc = func(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
		return gateway.InitializeResult{TransactionID: "BT-1", Instructions: "wire the money"}, nil
	}

	res, err := f.init.Initialize(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.RedirectRequired)
	assert.Empty(t, res.RedirectURL)
	assert.Equal(t, "wire the money", res.Instructions)

	sess, err := f.sessions.Find(context.Background(), "BT-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusInitialized, sess.Status)
}

func TestInitializeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing order id", func(r *Request) { r.OrderID = "" }},
		{"missing invoice id", func(r *Request) { r.InvoiceID = "" }},
		{"missing method", func(r *Request) { r.Gateway = "" }},
		{"zero amount", func(r *Request) { r.Amount = 0 }},
		{"negative amount", func(r *Request) { r.Amount = -5 }},
		{"bad currency", func(r *Request) { r.Currency = "CZKK" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := f.init.Initialize(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, f.adapter.InitializeCalls)
}

func TestInitializeUnknownGateway(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Gateway = "stripe"

	_, err := f.init.Initialize(context.Background(), req)
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
}

func TestInitializeAmountMismatchRejected(t *testing.T) {
	f := newFixture(t)
	f.billing.SeedInvoice("100", "ord-1", 500, "CZK")

	_, err := f.init.Initialize(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, 0, f.adapter.InitializeCalls)
}

func TestInitializePaidInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	f.billing.SeedInvoice("100", "ord-1", 299, "CZK")
	f.billing.SetStatus("100", billing.StatusPaid)

	_, err := f.init.Initialize(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestInitializeCancelledInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	f.billing.SeedInvoice("100", "ord-1", 299, "CZK")
	f.billing.SetStatus("100", billing.StatusCancelled)

	_, err := f.init.Initialize(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrInvoiceNotPayable)
}

func TestInitializeUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	_, err := f.init.Initialize(context.Background(), validRequest())
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestInitializeGatewayFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.billing.SeedInvoice("100", "ord-1", 299, "CZK")
	f.adapter.InitializeFunc = func(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
		return gateway.InitializeResult{}, fmt.Errorf("%w: down", gateway.ErrUnavailable)
	}

	_, err := f.init.Initialize(context.Background(), validRequest())
	assert.ErrorIs(t, err, gateway.ErrUnavailable)

	// No orphaned session.
	_, err = f.sessions.Find(context.Background(), "X1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
