package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	billingmock "github.com/yourorg/payment-lifecycle/internal/billing/mock"
	"github.com/yourorg/payment-lifecycle/internal/events"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
)

type capturingPublisher struct {
	published  []events.InvoicePaid
	publishErr error
}

func (p *capturingPublisher) PublishInvoicePaid(ctx context.Context, event events.InvoicePaid) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, event)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func newTestWorkflow(t *testing.T) (*Workflow, *billingmock.Client, *ledger.Ledger, *capturingPublisher) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&ledger.Transaction{}))

	bc := billingmock.NewClient()
	ldg := ledger.New(gdb, bc)
	pub := &capturingPublisher{}
	wf := New(bc, ldg, pub, nil)
	wf.SetBackoffDelays(0, 0)
	return wf, bc, ldg, pub
}

func paidInput(res ledger.MarkPaidResult) Input {
	return Input{
		InvoiceID:     "100",
		OrderID:       "ord-1",
		TransactionID: "X1",
		Amount:        299,
		Currency:      "CZK",
		Gateway:       "comgate",
		MarkPaid:      res,
	}
}

func TestRunHappyPath(t *testing.T) {
	wf, bc, ldg, pub := newTestWorkflow(t)
	bc.SeedInvoice("100", "ord-1", 299, "CZK")
	ctx := context.Background()

	res, err := ldg.MarkPaid(ctx, "100", "X1", 299, "CZK", "comgate", "")
	require.NoError(t, err)

	result, err := wf.Run(ctx, paidInput(res))
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, result.AuthorizePayment)
	assert.Equal(t, StepCompleted, result.CapturePayment)
	assert.Equal(t, StepCompleted, result.Provision)
	assert.False(t, result.CaptureAborted)

	require.Len(t, pub.published, 1)
	assert.Equal(t, "100", pub.published[0].InvoiceID)
	assert.Equal(t, "X1", pub.published[0].TransactionID)
}

func TestRunSkipsWhenPaymentNotApplied(t *testing.T) {
	wf, _, _, pub := newTestWorkflow(t)

	result, err := wf.Run(context.Background(), paidInput(ledger.MarkPaidResult{}))
	require.NoError(t, err)
	assert.Equal(t, StepFailed, result.AuthorizePayment)
	assert.Equal(t, StepSkipped, result.CapturePayment)
	assert.Equal(t, StepSkipped, result.Provision)
	assert.Empty(t, pub.published)
}

func TestRunReentrantOnAlreadyPaid(t *testing.T) {
	wf, bc, _, pub := newTestWorkflow(t)
	bc.SeedInvoice("100", "ord-1", 299, "CZK")
	bc.SetStatus("100", billing.StatusPaid)

	result, err := wf.Run(context.Background(), paidInput(ledger.MarkPaidResult{AlreadyPaid: true}))
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, result.AuthorizePayment)
	assert.Equal(t, StepCompleted, result.CapturePayment)
	assert.Equal(t, StepCompleted, result.Provision)
	assert.Len(t, pub.published, 1)
}

func TestCaptureAbortsOnCancelledInvoice(t *testing.T) {
	wf, bc, _, pub := newTestWorkflow(t)
	bc.SeedInvoice("100", "ord-1", 299, "CZK")
	// Cancelled between confirmation and capture.
	bc.SetStatus("100", billing.StatusCancelled)

	result, err := wf.Run(context.Background(), paidInput(ledger.MarkPaidResult{Applied: true, Reconciling: true}))
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, result.AuthorizePayment)
	assert.Equal(t, StepFailed, result.CapturePayment)
	assert.True(t, result.CaptureAborted)
	assert.Equal(t, StepSkipped, result.Provision)
	assert.NotEmpty(t, result.FailureReason)
	assert.Empty(t, pub.published)
}

func TestCaptureRetriesTransientThenSucceeds(t *testing.T) {
	wf, bc, _, pub := newTestWorkflow(t)
	bc.SeedInvoice("100", "ord-1", 299, "CZK")
	// The first EnsureSettled exhausts its inner retries, the next capture
	// attempt finds the outage over.
	for i := 0; i < 3; i++ {
		bc.SetStatusErrs = append(bc.SetStatusErrs, fmt.Errorf("%w: outage", billing.ErrUnavailable))
	}

	result, err := wf.Run(context.Background(), paidInput(ledger.MarkPaidResult{Applied: true, Reconciling: true}))
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, result.CapturePayment)
	assert.Equal(t, StepCompleted, result.Provision)
	assert.Len(t, pub.published, 1)

	inv, _ := bc.Invoice("100")
	assert.Equal(t, billing.StatusPaid, inv.Status)
}

func TestProvisionFailureIsPendingNotFatal(t *testing.T) {
	wf, bc, ldg, pub := newTestWorkflow(t)
	bc.SeedInvoice("100", "ord-1", 299, "CZK")
	pub.publishErr = errors.New("broker down")
	ctx := context.Background()

	res, err := ldg.MarkPaid(ctx, "100", "X1", 299, "CZK", "comgate", "")
	require.NoError(t, err)

	result, err := wf.Run(ctx, paidInput(res))
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, result.CapturePayment)
	assert.Equal(t, StepFailed, result.Provision)
	assert.True(t, result.ProvisionPending)

	// The payment itself stays settled.
	inv, _ := bc.Invoice("100")
	assert.Equal(t, billing.StatusPaid, inv.Status)
}
