package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/service"
	"zaiko/backend/internal/store"
)

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigin  string
	log            zerolog.Logger
	metrics        *metrics.Server
	metricsHandler http.Handler
}

type Option func(*API)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *API) {
		a.log = logger
	}
}

// WithMetrics records request metrics into m and serves handler on /metrics.
func WithMetrics(m *metrics.Server, handler http.Handler) Option {
	return func(a *API) {
		a.metrics = m
		a.metricsHandler = handler
	}
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts ...Option) *API {
	a := &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("component", "httpapi").Logger()
	return a
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	if a.metricsHandler != nil {
		mux.Handle("/metrics", a.metricsHandler)
	}

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleLookup))
	mux.HandleFunc("/api/v1/stock/", a.requireAuth(a.handleStock))

	mux.HandleFunc("/api/v1/cash/open", a.requireAuth(a.handleCashOpen))
	mux.HandleFunc("/api/v1/cash/close", a.requireAuth(a.handleCashClose))
	mux.HandleFunc("/api/v1/cash/current", a.requireAuth(a.handleCashCurrent))
	mux.HandleFunc("/api/v1/cash/expenses", a.requireAuth(a.handleCashExpense))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SaleRequest
	if !bindAndValidate(w, r, &req) {
		return
	}

	res, err := a.service.SubmitSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	if res.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	writeJSON(w, http.StatusCreated, res.Sale)
}

func (a *API) handleSaleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	var (
		sale domain.Sale
		err  error
	)
	switch {
	case rest == "":
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	case strings.HasPrefix(rest, "external/"):
		sale, err = a.service.LookupSaleByExternalID(r.Context(), strings.TrimPrefix(rest, "external/"))
	case strings.Contains(rest, "/"):
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	default:
		sale, err = a.service.GetSale(r.Context(), rest)
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	productID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/stock/"), "/")
	if productID == "" || strings.Contains(productID, "/") {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	entry, err := a.service.StockLevel(r.Context(), productID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleCashOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CashOpenRequest
	if !bindAndValidate(w, r, &req) {
		return
	}

	session, err := a.service.OpenCashSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCashClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CashCloseRequest
	if !bindAndValidate(w, r, &req) {
		return
	}

	resp, err := a.service.CloseCashSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCashCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	session, err := a.service.CurrentCashSession(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) handleCashExpense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CashExpenseRequest
	if !bindAndValidate(w, r, &req) {
		return
	}

	session, err := a.service.RecordExpense(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *store.StockConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, domain.ErrorResponse{
			Error:     err.Error(),
			Code:      domain.CodeConflict,
			ProductID: conflict.ProductID,
		})
	case errors.Is(err, service.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, service.ErrInvalidInput):
		writeCodedError(w, http.StatusBadRequest, domain.CodeValidation, err)
	case errors.Is(err, service.ErrPaymentMismatch):
		writeCodedError(w, http.StatusConflict, domain.CodePaymentMismatch, err)
	case errors.Is(err, service.ErrNoOpenSession):
		writeCodedError(w, http.StatusConflict, domain.CodeNoOpenSession, err)
	case errors.Is(err, service.ErrSessionAlreadyOpen):
		writeCodedError(w, http.StatusConflict, domain.CodeSessionAlreadyOpen, err)
	case errors.Is(err, service.ErrAlreadyClosed):
		writeCodedError(w, http.StatusConflict, domain.CodeAlreadyClosed, err)
	case errors.Is(err, service.ErrIdempotencyConflict):
		writeCodedError(w, http.StatusConflict, domain.CodeIdempotency, err)
	case errors.Is(err, service.ErrForbidden):
		writeCodedError(w, http.StatusForbidden, domain.CodeForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		a.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Expose-Headers", "X-Idempotent-Replay")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		took := time.Since(startedAt)

		a.metrics.ObserveRequest(r.Method, routeLabel(r.URL.Path), rec.status, took)
		a.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", took).
			Msg("request")
	})
}

// routeLabel collapses ids out of the path to keep metric cardinality flat.
func routeLabel(path string) string {
	for _, prefix := range []string{"/api/v1/sales/external/", "/api/v1/sales/", "/api/v1/stock/"} {
		if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
			return prefix + ":id"
		}
	}
	switch path {
	case "/healthz", "/metrics", "/api/v1/sales", "/api/v1/cash/open", "/api/v1/cash/close",
		"/api/v1/cash/current", "/api/v1/cash/expenses":
		return path
	}
	return "other"
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeCodedError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, domain.ErrorResponse{Error: err.Error(), Code: code})
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

// WriteError writes an ErrorResponse; 5xx messages are replaced.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
