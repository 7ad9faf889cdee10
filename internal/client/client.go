// Package client submits queued sales to the server over HTTP and turns
// the server's replies back into the service error values.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/httpapi"
	"zaiko/backend/internal/service"
	"zaiko/backend/internal/store"
)

// TransientError is a failure worth retrying later: the network, a 5xx,
// a 429 or a rejected token.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: status %d: %v", e.Status, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

type Client struct {
	baseURL string
	http    *http.Client
	auth    *httpapi.AuthManager
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

func New(baseURL string, auth *httpapi.AuthManager, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		auth:    auth,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "client").Logger()
	return c
}

// SubmitSale posts the entry's payload as the entry's actor. The localId is
// the idempotency key, so resubmitting after a lost reply is safe.
func (c *Client) SubmitSale(ctx context.Context, entry domain.QueuedSale) (domain.SaleResult, error) {
	payload := entry.Payload
	payload.ExternalID = entry.LocalID

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SaleResult{}, fmt.Errorf("%w: encode payload: %v", service.ErrInvalidSale, err)
	}

	token, _, err := c.auth.Sign(domain.Actor{UserID: entry.Context.ActorID, BranchID: entry.Context.BranchID})
	if err != nil {
		return domain.SaleResult{}, fmt.Errorf("%w: %v", service.ErrUnauthenticated, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sales", bytes.NewReader(body))
	if err != nil {
		return domain.SaleResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SaleResult{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.SaleResult{}, &TransientError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK {
		var sale domain.Sale
		if err := json.Unmarshal(raw, &sale); err != nil {
			return domain.SaleResult{}, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("decode sale: %w", err)}
		}
		return domain.SaleResult{
			Sale:     sale,
			Replayed: resp.Header.Get("X-Idempotent-Replay") == "true",
		}, nil
	}

	err = statusError(resp.StatusCode, raw)
	c.log.Debug().Str("local_id", entry.LocalID).Int("status", resp.StatusCode).Err(err).Msg("sale refused")
	return domain.SaleResult{}, err
}

// Ping calls the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func statusError(status int, raw []byte) error {
	var body domain.ErrorResponse
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusUnauthorized, status >= 500:
		return &TransientError{Status: status, Err: errors.New(msg)}
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", service.ErrInvalidSale, msg)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", service.ErrForbidden, msg)
	case status == http.StatusConflict:
		switch body.Code {
		case domain.CodeConflict:
			return &store.StockConflictError{ProductID: body.ProductID}
		case domain.CodePaymentMismatch:
			return service.ErrPaymentMismatch
		case domain.CodeNoOpenSession:
			return service.ErrNoOpenSession
		case domain.CodeForbidden:
			return service.ErrForbidden
		case domain.CodeIdempotency:
			return fmt.Errorf("%w: %s", service.ErrIdempotencyConflict, msg)
		}
	}
	return &TransientError{Status: status, Err: fmt.Errorf("unexpected response: %s", msg)}
}
