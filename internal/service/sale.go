package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/store"
	"zaiko/backend/internal/xid"
)

// SubmitSale records a sale for the actor in ctx. Checks run in this order
// and the first failure wins: open cash session, idempotent replay of
// req.ExternalID (same actor and branch only), payment total, stock for
// every line. Stock and accounting
// effects are applied as one unit by the repository.
func (s *Service) SubmitSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResult, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.SaleResult{}, err
	}

	items, err := normalizeItems(req.Items)
	if err != nil {
		s.metrics.SaleOutcome("invalid")
		return domain.SaleResult{}, err
	}
	payments, err := normalizePayments(req.Payments)
	if err != nil {
		s.metrics.SaleOutcome("invalid")
		return domain.SaleResult{}, err
	}
	externalID := strings.TrimSpace(req.ExternalID)

	if _, err := s.repo.GetOpenCashSession(ctx, actor.UserID, actor.BranchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.SaleOutcome("no_session")
			return domain.SaleResult{}, ErrNoOpenSession
		}
		return domain.SaleResult{}, err
	}

	if externalID != "" {
		if existing, ok := s.findReplay(ctx, externalID); ok {
			if !ownedBy(existing, actor) {
				s.metrics.SaleOutcome("idempotency_conflict")
				return domain.SaleResult{}, s.foreignReplay(existing, actor)
			}
			s.metrics.SaleOutcome("replayed")
			return domain.SaleResult{Sale: *existing, Replayed: true}, nil
		}
	}

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Subtotal)
	}
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	if paid.Sub(subtotal).Abs().GreaterThan(domain.PaymentTolerance) {
		s.metrics.SaleOutcome("payment_mismatch")
		return domain.SaleResult{}, fmt.Errorf("%w: total %s, paid %s", ErrPaymentMismatch, subtotal.StringFixed(2), paid.StringFixed(2))
	}

	sale := domain.Sale{
		ID:         xid.New("sale"),
		ExternalID: externalID,
		BranchID:   actor.BranchID,
		UserID:     actor.UserID,
		CustomerID: strings.TrimSpace(req.CustomerID),
		Subtotal:   subtotal,
		Total:      subtotal,
		Status:     domain.SaleStatusCompleted,
		CreatedAt:  s.now(),
		Items:      items,
		Payments:   payments,
	}

	// Once started the commit runs to completion even if the caller goes away.
	created, replayed, err := s.repo.CommitSale(context.WithoutCancel(ctx), sale)
	if err != nil {
		var conflict *store.StockConflictError
		switch {
		case errors.As(err, &conflict):
			s.metrics.SaleOutcome("stock_conflict")
			s.log.Warn().Str("branch", actor.BranchID).Str("product", conflict.ProductID).Str("external_id", externalID).Msg("sale rejected: insufficient stock")
		case errors.Is(err, store.ErrNoOpenSession):
			s.metrics.SaleOutcome("no_session")
		case errors.Is(err, store.ErrInvalidTransaction):
			s.metrics.SaleOutcome("invalid")
			return domain.SaleResult{}, fmt.Errorf("%w: %v", ErrInvalidSale, err)
		default:
			s.metrics.SaleOutcome("error")
		}
		return domain.SaleResult{}, err
	}
	if replayed && !ownedBy(created, actor) {
		s.metrics.SaleOutcome("idempotency_conflict")
		return domain.SaleResult{}, s.foreignReplay(created, actor)
	}

	if externalID != "" {
		if err := s.sales.Set(ctx, externalID, created, s.saleCacheTTL); err != nil {
			s.log.Warn().Err(err).Str("external_id", externalID).Msg("sale cache write failed")
		}
	}

	if replayed {
		s.metrics.SaleOutcome("replayed")
	} else {
		s.metrics.SaleOutcome("created")
		s.log.Info().
			Str("sale", created.ID).
			Str("branch", created.BranchID).
			Str("user", created.UserID).
			Str("total", created.Total.StringFixed(2)).
			Int("lines", len(created.Items)).
			Msg("sale committed")
	}

	return domain.SaleResult{Sale: *created, Replayed: replayed}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	if _, err := s.actor(ctx); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.FindSaleByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) LookupSaleByExternalID(ctx context.Context, externalID string) (domain.Sale, error) {
	if _, err := s.actor(ctx); err != nil {
		return domain.Sale{}, err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.Sale{}, ErrInvalidInput
	}
	if sale, ok := s.findReplay(ctx, externalID); ok {
		return *sale, nil
	}
	return domain.Sale{}, store.ErrNotFound
}

// findReplay looks up a committed sale by external id, cache first. Lookup
// errors are logged and treated as a miss; the commit still refuses to
// apply a duplicate.
func (s *Service) findReplay(ctx context.Context, externalID string) (*domain.Sale, bool) {
	if cached, ok, err := s.sales.Get(ctx, externalID); err != nil {
		s.log.Warn().Err(err).Str("external_id", externalID).Msg("sale cache read failed")
	} else if ok {
		return cached, true
	}

	existing, err := s.repo.FindSaleByExternalID(ctx, externalID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn().Err(err).Str("external_id", externalID).Msg("sale lookup failed")
		}
		return nil, false
	}
	if err := s.sales.Set(ctx, externalID, existing, s.saleCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("external_id", externalID).Msg("sale cache write failed")
	}
	return existing, true
}

func ownedBy(sale *domain.Sale, actor domain.Actor) bool {
	return sale.UserID == actor.UserID && sale.BranchID == actor.BranchID
}

func (s *Service) foreignReplay(sale *domain.Sale, actor domain.Actor) error {
	s.log.Warn().
		Str("external_id", sale.ExternalID).
		Str("owner_branch", sale.BranchID).
		Str("owner_user", sale.UserID).
		Str("branch", actor.BranchID).
		Str("user", actor.UserID).
		Msg("externalId replayed by another actor")
	return fmt.Errorf("%w: %s", ErrIdempotencyConflict, sale.ExternalID)
}

// normalizeItems merges repeated products so each stock entry is touched
// once per sale. Repeated lines must agree on price.
func normalizeItems(items []domain.SaleItemInput) ([]domain.SaleItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item required", ErrInvalidSale)
	}

	merged := make([]domain.SaleItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: productId required", ErrInvalidSale)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be positive for %s", ErrInvalidSale, productID)
		}
		if item.Price.IsNegative() {
			return nil, fmt.Errorf("%w: price must not be negative for %s", ErrInvalidSale, productID)
		}
		if !domain.ValidMoney(item.Price) {
			return nil, fmt.Errorf("%w: price for %s has more than 2 decimal places", ErrInvalidSale, productID)
		}

		if i, ok := index[productID]; ok {
			if !merged[i].UnitPrice.Equal(item.Price) {
				return nil, fmt.Errorf("%w: conflicting prices for %s", ErrInvalidSale, productID)
			}
			merged[i].Quantity += item.Quantity
			merged[i].Subtotal = merged[i].UnitPrice.Mul(decimal.NewFromInt(int64(merged[i].Quantity)))
			continue
		}
		index[productID] = len(merged)
		merged = append(merged, domain.SaleItem{
			ProductID: productID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
			Subtotal:  item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return merged, nil
}

func normalizePayments(payments []domain.PaymentInput) ([]domain.SalePayment, error) {
	if len(payments) == 0 {
		return nil, fmt.Errorf("%w: at least one payment required", ErrInvalidSale)
	}

	out := make([]domain.SalePayment, 0, len(payments))
	for _, p := range payments {
		if !p.Method.Valid() {
			return nil, fmt.Errorf("%w: unsupported payment method %q", ErrInvalidSale, p.Method)
		}
		if !p.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: payment amount must be positive", ErrInvalidSale)
		}
		if !domain.ValidMoney(p.Amount) {
			return nil, fmt.Errorf("%w: payment amount has more than 2 decimal places", ErrInvalidSale)
		}
		out = append(out, domain.SalePayment{
			Method:    p.Method,
			Amount:    p.Amount,
			Reference: strings.TrimSpace(p.Reference),
		})
	}
	return out, nil
}
