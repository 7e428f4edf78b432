// Package banktransfer implements the gateway adapter for manual bank
// transfers. There is no remote API: initialization generates a local
// transaction identifier and returns in-band payment instructions, and there
// is no callback channel. Confirmation arrives through the manual capture
// endpoint once the transfer shows up on the account statement.
package banktransfer

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yourorg/payment-lifecycle/internal/gateway"
)

// Config holds the receiving account details shown to the customer.
type Config struct {
	AccountNumber string
	IBAN          string
	BankName      string
}

// Adapter issues bank transfer instructions.
type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return "banktransfer" }

// CallbackAuthoritative is false: the gateway never calls back, so a browser
// return carries no weight either way and the session stays pending until a
// manual capture.
func (a *Adapter) CallbackAuthoritative() bool { return false }

// Initialize assigns a local transaction identifier and returns wire
// instructions. The invoice ID doubles as the variable symbol so the
// incoming transfer can be matched to the invoice.
func (a *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (gateway.InitializeResult, error) {
	if a.cfg.AccountNumber == "" && a.cfg.IBAN == "" {
		return gateway.InitializeResult{}, fmt.Errorf("%w: no receiving account configured", gateway.ErrMisconfigured)
	}

	transID := "BT-" + uuid.NewString()
	instructions := fmt.Sprintf(
		"Transfer %.2f %s to account %s (IBAN %s, %s), variable symbol %s.",
		req.Amount, req.Currency, a.cfg.AccountNumber, a.cfg.IBAN, a.cfg.BankName, req.InvoiceID,
	)

	return gateway.InitializeResult{TransactionID: transID, Instructions: instructions}, nil
}

// ParseCallback always fails: bank transfers have no callback channel.
func (a *Adapter) ParseCallback(raw []byte) (gateway.Notification, error) {
	return gateway.Notification{}, fmt.Errorf("%w: bank transfer has no callback channel", gateway.ErrRejected)
}

// QueryStatus reports pending; the bank cannot be queried programmatically.
func (a *Adapter) QueryStatus(ctx context.Context, transactionID string) (gateway.Status, error) {
	return gateway.Status{TransactionID: transactionID, Status: gateway.StatusPending}, nil
}
