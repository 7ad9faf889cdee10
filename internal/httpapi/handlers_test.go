package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/service"
	"zaiko/backend/internal/store/memory"
)

type testServer struct {
	handler http.Handler
	auth    *AuthManager
}

// newTestServer wires a real Service over the in-memory store so handler
// tests exercise the complete request path.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	repo := memory.New()
	ctx := context.Background()
	require.NoError(t, repo.SetStock(ctx, "b1", "p-coffee", 5))
	require.NoError(t, repo.SetStock(ctx, "b1", "p-last", 1))

	reg := prometheus.NewRegistry()
	m := metrics.NewServer(reg)
	svc := service.New(repo, service.WithMetrics(m))
	auth := NewAuthManager(testSecret, time.Hour)
	api := New(svc, auth, "*", WithMetrics(m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return &testServer{handler: api.Handler(), auth: auth}
}

func (s *testServer) token(t *testing.T, userID, branchID string) string {
	t.Helper()
	token, _, err := s.auth.Sign(domain.Actor{UserID: userID, BranchID: branchID})
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		payload, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func coffeeSale(externalID string, qty int) domain.SaleRequest {
	price := decimal.NewFromInt(3)
	return domain.SaleRequest{
		ExternalID: externalID,
		Items:      []domain.SaleItemInput{{ProductID: "p-coffee", Quantity: qty, Price: price}},
		Payments:   []domain.PaymentInput{{Method: domain.PaymentCash, Amount: price.Mul(decimal.NewFromInt(int64(qty)))}},
	}
}

func TestHandleHealthSetsSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/healthz", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["ok"])
}

func TestSalesRequireBearerToken(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/sales", "", coffeeSale("", 1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/sales", "not-a-jwt", coffeeSale("", 1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSalesValidationErrorsListFields(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")

	body := `{"items":[{"productId":"p-coffee","quantity":0,"price":3}],"payments":[{"method":"BARTER","amount":3}]}`
	rec := srv.do(t, http.MethodPost, "/api/v1/sales", token, body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[domain.ErrorResponse](t, rec)
	assert.Equal(t, domain.CodeValidation, resp.Code)
	assert.Equal(t, "gt", resp.Fields["items[0].quantity"])
	assert.Equal(t, "oneof", resp.Fields["payments[0].method"])
}

func TestSalesRejectUnknownFields(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")

	rec := srv.do(t, http.MethodPost, "/api/v1/sales", token, `{"items":[],"payments":[],"discount":5}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaleFlowThroughCashSession(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")

	rec := srv.do(t, http.MethodPost, "/api/v1/sales", token, coffeeSale("", 1))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeNoOpenSession, decodeBody[domain.ErrorResponse](t, rec).Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/cash/current", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/open", token, domain.CashOpenRequest{InitialCash: decimal.NewFromInt(100)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decodeBody[domain.CashSession](t, rec)
	assert.Equal(t, domain.CashSessionOpen, session.Status)

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/open", srv.token(t, "u2", "b1"), domain.CashOpenRequest{})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeSessionAlreadyOpen, decodeBody[domain.ErrorResponse](t, rec).Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/sales", token, coffeeSale("local-1", 2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[domain.Sale](t, rec)
	assert.Empty(t, rec.Header().Get("X-Idempotent-Replay"))

	rec = srv.do(t, http.MethodPost, "/api/v1/sales", token, coffeeSale("local-1", 2))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, first.ID, decodeBody[domain.Sale](t, rec).ID)

	rec = srv.do(t, http.MethodGet, "/api/v1/sales/"+first.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(t, http.MethodGet, "/api/v1/sales/external/local-1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decodeBody[domain.Sale](t, rec).ID)

	rec = srv.do(t, http.MethodGet, "/api/v1/stock/p-coffee", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeBody[domain.StockEntry](t, rec).Quantity)

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/close", srv.token(t, "u2", "b1"), domain.CashCloseRequest{CashSessionID: session.ID, FinalCash: decimal.NewFromInt(106)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/close", token, domain.CashCloseRequest{CashSessionID: session.ID, FinalCash: decimal.NewFromInt(100)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decodeBody[domain.CashCloseResponse](t, rec)
	assert.True(t, closed.Difference.Equal(decimal.NewFromInt(-6)), "difference %s", closed.Difference)

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/close", token, domain.CashCloseRequest{CashSessionID: session.ID, FinalCash: decimal.NewFromInt(100)})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeAlreadyClosed, decodeBody[domain.ErrorResponse](t, rec).Code)
}

func TestSaleConflictBodies(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")
	rec := srv.do(t, http.MethodPost, "/api/v1/cash/open", token, domain.CashOpenRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	lastUnit := domain.SaleRequest{
		Items:    []domain.SaleItemInput{{ProductID: "p-last", Quantity: 2, Price: decimal.NewFromInt(1)}},
		Payments: []domain.PaymentInput{{Method: domain.PaymentWalletA, Amount: decimal.NewFromInt(2)}},
	}
	rec = srv.do(t, http.MethodPost, "/api/v1/sales", token, lastUnit)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decodeBody[domain.ErrorResponse](t, rec)
	assert.Equal(t, domain.CodeConflict, conflict.Code)
	assert.Equal(t, "p-last", conflict.ProductID)

	short := coffeeSale("", 1)
	short.Payments[0].Amount = decimal.RequireFromString("2.50")
	rec = srv.do(t, http.MethodPost, "/api/v1/sales", token, short)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodePaymentMismatch, decodeBody[domain.ErrorResponse](t, rec).Code)
}

func TestCashExpenseEndpoint(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")
	rec := srv.do(t, http.MethodPost, "/api/v1/cash/open", token, domain.CashOpenRequest{InitialCash: decimal.NewFromInt(50)})
	require.Equal(t, http.StatusOK, rec.Code)
	session := decodeBody[domain.CashSession](t, rec)

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/expenses", token, domain.CashExpenseRequest{
		CashSessionID: session.ID,
		Amount:        decimal.NewFromInt(12),
		Description:   "ice delivery",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[domain.CashSession](t, rec)
	assert.True(t, updated.Expense.Equal(decimal.NewFromInt(12)))

	rec = srv.do(t, http.MethodPost, "/api/v1/cash/expenses", token, domain.CashExpenseRequest{CashSessionID: session.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")

	rec := srv.do(t, http.MethodGet, "/api/v1/sales", token, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")
	body := fmt.Sprintf(`{"externalId":"%s","items":[],"payments":[]}`, strings.Repeat("a", (1<<20)+1024))

	rec := srv.do(t, http.MethodPost, "/api/v1/sales", token, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointExposesSaleCounters(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")
	srv.do(t, http.MethodPost, "/api/v1/sales", token, coffeeSale("", 1))

	rec := srv.do(t, http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `zaiko_sales_total{outcome="no_session"} 1`)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/sales/:id", routeLabel("/api/v1/sales/sale_123"))
	assert.Equal(t, "/api/v1/sales/external/:id", routeLabel("/api/v1/sales/external/abc"))
	assert.Equal(t, "/api/v1/sales", routeLabel("/api/v1/sales"))
	assert.Equal(t, "other", routeLabel("/wp-login.php"))
}

func TestMoneyFieldsLimitedToCents(t *testing.T) {
	srv := newTestServer(t)
	token := srv.token(t, "u1", "b1")

	rec := srv.do(t, http.MethodPost, "/api/v1/cash/open", token, `{"initialCash":10.001}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cents", decodeBody[domain.ErrorResponse](t, rec).Fields["initialCash"])

	body := `{"items":[{"productId":"p-coffee","quantity":3,"price":0.333}],"payments":[{"method":"CASH","amount":0.999}]}`
	rec = srv.do(t, http.MethodPost, "/api/v1/sales", token, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[domain.ErrorResponse](t, rec)
	assert.Equal(t, "cents", resp.Fields["items[0].price"])
	assert.Equal(t, "cents", resp.Fields["payments[0].amount"])
}

func TestForeignReplayIsConflict(t *testing.T) {
	srv := newTestServer(t)
	owner := srv.token(t, "u1", "b1")
	other := srv.token(t, "u2", "b2")
	for _, token := range []string{owner, other} {
		rec := srv.do(t, http.MethodPost, "/api/v1/cash/open", token, domain.CashOpenRequest{})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/sales", owner, coffeeSale("till-1-0009", 1))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/sales", other, coffeeSale("till-1-0009", 1))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeIdempotency, decodeBody[domain.ErrorResponse](t, rec).Code)
}
