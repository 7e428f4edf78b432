// Package httpapi exposes the payment lifecycle over HTTP: initialization,
// gateway callbacks, browser returns, status queries, and manual capture.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/payment-lifecycle/internal/billing"
	"github.com/yourorg/payment-lifecycle/internal/gateway"
	"github.com/yourorg/payment-lifecycle/internal/initializer"
	"github.com/yourorg/payment-lifecycle/internal/ledger"
	"github.com/yourorg/payment-lifecycle/internal/monitor"
	"github.com/yourorg/payment-lifecycle/internal/reconciler"
	"github.com/yourorg/payment-lifecycle/internal/session"
)

// Server wires the HTTP surface to the payment components.
type Server struct {
	engine        *gin.Engine
	initializer   *initializer.Initializer
	reconciler    *reconciler.Reconciler
	ledger        *ledger.Ledger
	sessions      *session.Store
	gateways      *gateway.Registry
	monitor       *monitor.ContractMonitor
	statusPageURL string
}

// New creates a Server with all routes registered.
func New(init *initializer.Initializer, rec *reconciler.Reconciler, ldg *ledger.Ledger, sessions *session.Store, gateways *gateway.Registry, mon *monitor.ContractMonitor, statusPageURL string) *Server {
	s := &Server{
		engine:        gin.Default(),
		initializer:   init,
		reconciler:    rec,
		ledger:        ldg,
		sessions:      sessions,
		gateways:      gateways,
		monitor:       mon,
		statusPageURL: statusPageURL,
	}
	s.engine.Use(otelgin.Middleware("payment-lifecycle"))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.POST("/payments/initialize", s.handleInitialize)
	s.engine.POST("/payments/:gateway/callback", s.handleCallback)
	s.engine.GET("/payments/return", s.handleReturn)
	s.engine.POST("/payments/return", s.handleReturn)
	s.engine.GET("/payments/:gateway/status", s.handleGatewayStatus)
	s.engine.POST("/invoices/:invoiceId/capture", s.handleCapture)
	s.engine.GET("/invoices/:invoiceId/status", s.handleInvoiceStatus)
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run starts the HTTP server on addr.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleInitialize(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading request body: " + err.Error()})
		return
	}

	valid, validationErrors, err := s.monitor.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(validationErrors)})
		return
	}

	var req initializer.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	result, err := s.initializer.Initialize(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCallback(c *gin.Context) {
	gatewayName := c.Param("gateway")
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading callback body: " + err.Error()})
		return
	}

	outcome, err := s.reconciler.HandleCallback(c.Request.Context(), gatewayName, raw)
	if err != nil {
		s.renderError(c, err)
		return
	}
	// Duplicates acknowledge with 200 so the gateway stops redelivering.
	c.JSON(http.StatusOK, outcome)
}

// handleReturn lands the customer's browser after the gateway flow. The
// response is always a redirect to the storefront status page; errors show
// up there as status=error, never as raw API errors in the browser.
func (s *Server) handleReturn(c *gin.Context) {
	transactionID := c.Query("transactionId")
	if transactionID == "" {
		// Comgate appends its own parameter names.
		transactionID = c.Query("transId")
	}
	if transactionID == "" {
		transactionID = c.Query("refId")
	}

	outcome, err := s.reconciler.HandleReturn(c.Request.Context(), transactionID)
	if err != nil {
		log.Printf("httpapi: browser return for transaction %q failed: %v", transactionID, err)
		s.redirectToStatusPage(c, "error", "", "", transactionID)
		return
	}

	s.redirectToStatusPage(c, displayStatus(outcome.SessionStatus), outcome.OrderID, outcome.InvoiceID, outcome.TransactionID)
}

func (s *Server) handleGatewayStatus(c *gin.Context) {
	gatewayName := c.Param("gateway")
	transactionID := c.Query("transactionId")
	if transactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed: transactionId is required"})
		return
	}

	adapter, err := s.gateways.Get(gatewayName)
	if err != nil {
		s.renderError(c, err)
		return
	}

	st, err := adapter.QueryStatus(c.Request.Context(), transactionID)
	if err != nil {
		s.renderError(c, err)
		return
	}

	resp := gin.H{
		"transactionId": transactionID,
		"status":        st.Status,
		"paid":          st.Status == gateway.StatusPaid,
		"amount":        st.Amount,
		"currency":      st.Currency,
	}
	if sess, err := s.sessions.Find(c.Request.Context(), transactionID); err == nil {
		resp["sessionStatus"] = sess.Status
		resp["invoiceId"] = sess.InvoiceID
		resp["orderId"] = sess.OrderID
	}
	c.JSON(http.StatusOK, resp)
}

type captureRequest struct {
	TransactionID string  `json:"transactionId" binding:"required"`
	Amount        float64 `json:"amount"`
	Module        string  `json:"module"`
	Note          string  `json:"note"`
}

// handleCapture applies a manually observed payment, typically a bank
// transfer an operator matched against a statement. It runs the same
// reconciliation path as a gateway callback so the at-most-once and
// state-machine guarantees hold.
func (s *Server) handleCapture(c *gin.Context) {
	invoiceID := c.Param("invoiceId")

	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}

	sess, err := s.sessions.Find(c.Request.Context(), req.TransactionID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if sess.InvoiceID != invoiceID {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("transaction %s belongs to invoice %s, not %s", req.TransactionID, sess.InvoiceID, invoiceID)})
		return
	}

	outcome, err := s.reconciler.Capture(c.Request.Context(), req.TransactionID, req.Amount, req.Module, req.Note)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleInvoiceStatus(c *gin.Context) {
	state, err := s.ledger.GetStatus(c.Request.Context(), c.Param("invoiceId"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) redirectToStatusPage(c *gin.Context, status, orderID, invoiceID, transactionID string) {
	q := url.Values{}
	q.Set("status", status)
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	if invoiceID != "" {
		q.Set("invoiceId", invoiceID)
	}
	if transactionID != "" {
		q.Set("transactionId", transactionID)
	}
	c.Redirect(http.StatusFound, s.statusPageURL+"?"+q.Encode())
}

func displayStatus(st session.Status) string {
	switch st {
	case session.StatusConfirmed:
		return "success"
	case session.StatusFailed:
		return "failed"
	case session.StatusCancelled:
		return "cancelled"
	case session.StatusExpired:
		return "expired"
	default:
		return "pending"
	}
}

// renderError maps component errors onto HTTP statuses.
func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, initializer.ErrInvalidRequest),
		errors.Is(err, gateway.ErrRejected),
		errors.Is(err, ledger.ErrMissingTransactionID),
		errors.Is(err, ledger.ErrMissingInvoiceID):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, gateway.ErrUnknownGateway),
		errors.Is(err, reconciler.ErrUnknownTransaction),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, billing.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, initializer.ErrAmountMismatch),
		errors.Is(err, reconciler.ErrAmountMismatch),
		errors.Is(err, initializer.ErrInvoiceNotPayable),
		errors.Is(err, ledger.ErrInvoiceNotPayable),
		errors.Is(err, session.ErrDuplicateTransaction),
		errors.Is(err, session.ErrInvalidStateTransition):
		status = http.StatusConflict
	case errors.Is(err, gateway.ErrUnavailable),
		errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, billing.ErrUnavailable):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		log.Printf("httpapi: request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
