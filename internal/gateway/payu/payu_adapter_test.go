package payu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/payment-lifecycle/internal/gateway"
)

const testSecret = "payu-secret"

func newTestAdapter(serverURL string) *Adapter {
	a := New(Config{PosID: "pos-1", Secret: testSecret, APIBaseURL: serverURL}, nil)
	a.retry.InitialDelay = time.Millisecond
	a.retry.MaxDelay = time.Millisecond
	return a
}

func notificationPayload(t *testing.T, orderID, extOrderID string, totalAmount int64, currency, status, signature string) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"order": map[string]interface{}{
			"orderId":      orderID,
			"extOrderId":   extOrderID,
			"status":       status,
			"currencyCode": currency,
			"totalAmount":  totalAmount,
		},
		"signature": signature,
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func TestInitializeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "Bearer "+testSecret, r.Header.Get("Authorization"))

		var req createOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pos-1", req.MerchantPosID)
		assert.Equal(t, "100", req.ExtOrderID)
		assert.Equal(t, int64(29900), req.TotalAmount)
		assert.Equal(t, "CZK", req.CurrencyCode)

		fmt.Fprint(w, `{"status":{"statusCode":"SUCCESS"},"orderId":"PU-1","redirectUri":"https://secure.payu.com/pay/PU-1"}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	res, err := a.Initialize(context.Background(), gateway.InitializeRequest{
		OrderID:   "ord-1",
		InvoiceID: "100",
		Amount:    299,
		Currency:  "CZK",
	})
	require.NoError(t, err)
	assert.Equal(t, "PU-1", res.TransactionID)
	assert.Equal(t, "https://secure.payu.com/pay/PU-1", res.RedirectURL)
}

func TestInitializeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":{"statusCode":"ERROR_VALUE_INVALID"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Initialize(context.Background(), gateway.InitializeRequest{InvoiceID: "100", Amount: 299, Currency: "CZK"})
	assert.ErrorIs(t, err, gateway.ErrRejected)
}

func TestInitializeServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Initialize(context.Background(), gateway.InitializeRequest{InvoiceID: "100", Amount: 299, Currency: "CZK"})
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
}

func TestParseCallbackValidSignature(t *testing.T) {
	a := newTestAdapter("http://unused")
	sig := Sign(testSecret, "PU-1", "100", 29900, "CZK", "COMPLETED")
	raw := notificationPayload(t, "PU-1", "100", 29900, "CZK", "COMPLETED", sig)

	n, err := a.ParseCallback(raw)
	require.NoError(t, err)
	assert.True(t, n.SignatureValid)
	assert.Equal(t, "PU-1", n.TransactionID)
	assert.Equal(t, "100", n.OrderRef)
	assert.Equal(t, 299.0, n.Amount)
	assert.Equal(t, gateway.StatusPaid, n.Status)
}

func TestParseCallbackInvalidSignature(t *testing.T) {
	a := newTestAdapter("http://unused")
	raw := notificationPayload(t, "PU-1", "100", 29900, "CZK", "COMPLETED", "forged")

	n, err := a.ParseCallback(raw)
	require.NoError(t, err)
	assert.False(t, n.SignatureValid)
}

func TestParseCallbackMalformed(t *testing.T) {
	a := newTestAdapter("http://unused")
	_, err := a.ParseCallback([]byte("not json"))
	assert.ErrorIs(t, err, gateway.ErrRejected)

	_, err = a.ParseCallback([]byte(`{"order":{}}`))
	assert.ErrorIs(t, err, gateway.ErrRejected)
}

func TestParseCallbackStatusMapping(t *testing.T) {
	a := newTestAdapter("http://unused")
	cases := map[string]gateway.PaymentStatus{
		"COMPLETED":                gateway.StatusPaid,
		"PENDING":                  gateway.StatusPending,
		"WAITING_FOR_CONFIRMATION": gateway.StatusPending,
		"NEW":                      gateway.StatusPending,
		"CANCELED":                 gateway.StatusCancelled,
		"REJECTED":                 gateway.StatusFailed,
	}
	for raw, want := range cases {
		sig := Sign(testSecret, "PU-1", "100", 29900, "CZK", raw)
		n, err := a.ParseCallback(notificationPayload(t, "PU-1", "100", 29900, "CZK", raw, sig))
		require.NoError(t, err)
		assert.Equal(t, want, n.Status, "status %s", raw)
	}
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/orders/PU-1", r.URL.Path)
		fmt.Fprint(w, `{"orders":[{"orderId":"PU-1","status":"COMPLETED","currencyCode":"CZK","totalAmount":29900}],"status":{"statusCode":"SUCCESS"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	st, err := a.QueryStatus(context.Background(), "PU-1")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPaid, st.Status)
	assert.Equal(t, 299.0, st.Amount)
	assert.Equal(t, "CZK", st.Currency)
}

func TestQueryStatusUnknownOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"orders":[],"status":{"statusCode":"SUCCESS"}}`)
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.QueryStatus(context.Background(), "PU-1")
	assert.ErrorIs(t, err, gateway.ErrRejected)
}
