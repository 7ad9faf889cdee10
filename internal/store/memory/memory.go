package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/store"
	"zaiko/backend/internal/xid"
)

// Store keeps everything in process memory. A single mutex serializes every
// mutation, which makes CommitSale atomic with respect to other callers.
type Store struct {
	mu              sync.RWMutex
	stock           map[string]map[string]int
	salesByID       map[string]*domain.Sale
	salesByExternal map[string]string
	sessionsByID    map[string]*domain.CashSession
	movements       []domain.CashMovement
}

func New() *Store {
	return &Store{
		stock:           make(map[string]map[string]int),
		salesByID:       make(map[string]*domain.Sale),
		salesByExternal: make(map[string]string),
		sessionsByID:    make(map[string]*domain.CashSession),
	}
}

// NewSeeded returns a store with demo stock for branch "main" so the server
// can run without a database.
func NewSeeded() *Store {
	s := New()
	for productID, qty := range map[string]int{
		"prod-coffee-250g": 40,
		"prod-milk-1l":     60,
		"prod-bread":       25,
		"prod-eggs-12":     30,
		"prod-rice-5kg":    12,
		"prod-water-600ml": 120,
	} {
		_ = s.SetStock(context.Background(), "main", productID, qty)
	}
	return s
}

func (s *Store) SetStock(_ context.Context, branchID string, productID string, qty int) error {
	if strings.TrimSpace(branchID) == "" || strings.TrimSpace(productID) == "" || qty < 0 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.branchStock(branchID)[productID] = qty
	return nil
}

func (s *Store) IncreaseStock(_ context.Context, branchID string, productID string, qty int) error {
	if strings.TrimSpace(branchID) == "" || strings.TrimSpace(productID) == "" || qty < 1 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.branchStock(branchID)[productID] += qty
	return nil
}

func (s *Store) StockQuantity(_ context.Context, branchID string, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qty, ok := s.stock[branchID][productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return qty, nil
}

func (s *Store) DecrementIfAvailable(_ context.Context, branchID string, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.decrementLocked(branchID, productID, qty)
}

func (s *Store) FindSaleByExternalID(_ context.Context, externalID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.salesByExternal[externalID]
	if !ok || externalID == "" {
		return nil, store.ErrNotFound
	}
	return cloneSale(s.salesByID[id]), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, false, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ExternalID != "" {
		if id, ok := s.salesByExternal[sale.ExternalID]; ok {
			return cloneSale(s.salesByID[id]), true, nil
		}
	}

	session := s.openSessionLocked(sale.UserID, sale.BranchID)
	if session == nil {
		return nil, false, store.ErrNoOpenSession
	}

	// Check every line before touching the ledger so a late shortage leaves
	// earlier lines untouched.
	for _, item := range sale.Items {
		if item.Quantity < 1 {
			return nil, false, store.ErrInvalidTransaction
		}
		if available, ok := s.stock[sale.BranchID][item.ProductID]; !ok || available < item.Quantity {
			return nil, false, &store.StockConflictError{ProductID: item.ProductID}
		}
	}
	for _, item := range sale.Items {
		if err := s.decrementLocked(sale.BranchID, item.ProductID, item.Quantity); err != nil {
			return nil, false, err
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleStatusCompleted
	sale.CashSessionID = session.ID

	saved := cloneSale(&sale)
	s.salesByID[saved.ID] = saved
	if saved.ExternalID != "" {
		s.salesByExternal[saved.ExternalID] = saved.ID
	}
	session.Income = session.Income.Add(sale.CashIncome())

	return cloneSale(saved), false, nil
}

func (s *Store) CreateCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.BranchID) == "" || strings.TrimSpace(session.UserID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if session.InitialCash.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessionsByID {
		if existing.Status != domain.CashSessionOpen {
			continue
		}
		if existing.BranchID == session.BranchID || existing.UserID == session.UserID {
			return nil, store.ErrSessionAlreadyOpen
		}
	}

	if session.ID == "" {
		session.ID = xid.New("cash")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionOpen
	session.Income = decimal.Zero
	session.Expense = decimal.Zero
	session.FinalCash = nil
	session.Difference = nil
	session.ClosedAt = nil

	saved := session
	s.sessionsByID[saved.ID] = &saved
	out := saved
	return &out, nil
}

func (s *Store) GetCashSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSession(*session)
	return &out, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, userID string, branchID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session := s.openSessionLocked(userID, branchID)
	if session == nil {
		return nil, store.ErrNotFound
	}
	out := cloneSession(*session)
	return &out, nil
}

func (s *Store) CloseCashSession(_ context.Context, id string, userID string, finalCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	if finalCash.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashSessionOpen {
		return nil, store.ErrSessionClosed
	}
	if session.UserID != userID {
		return nil, store.ErrNotSessionOwner
	}

	difference := finalCash.Sub(session.Expected())
	session.Status = domain.CashSessionClosed
	session.FinalCash = &finalCash
	session.Difference = &difference
	session.ClosedAt = &closedAt

	out := cloneSession(*session)
	return &out, nil
}

func (s *Store) RecordCashMovement(_ context.Context, movement domain.CashMovement, userID string) (*domain.CashSession, error) {
	if !movement.Amount.IsPositive() || movement.Kind != domain.CashMovementExpense {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[movement.CashSessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.CashSessionOpen {
		return nil, store.ErrSessionClosed
	}
	if session.UserID != userID {
		return nil, store.ErrNotSessionOwner
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.movements = append(s.movements, movement)
	session.Expense = session.Expense.Add(movement.Amount)

	out := cloneSession(*session)
	return &out, nil
}

func (s *Store) branchStock(branchID string) map[string]int {
	entries, ok := s.stock[branchID]
	if !ok {
		entries = make(map[string]int)
		s.stock[branchID] = entries
	}
	return entries
}

func (s *Store) decrementLocked(branchID string, productID string, qty int) error {
	available, ok := s.stock[branchID][productID]
	if !ok || available < qty {
		return &store.StockConflictError{ProductID: productID}
	}
	s.stock[branchID][productID] = available - qty
	return nil
}

func (s *Store) openSessionLocked(userID string, branchID string) *domain.CashSession {
	for _, session := range s.sessionsByID {
		if session.Status == domain.CashSessionOpen && session.UserID == userID && session.BranchID == branchID {
			return session
		}
	}
	return nil
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	out := *src
	out.Items = slices.Clone(src.Items)
	out.Payments = slices.Clone(src.Payments)
	return &out
}

func cloneSession(src domain.CashSession) domain.CashSession {
	out := src
	if src.FinalCash != nil {
		v := *src.FinalCash
		out.FinalCash = &v
	}
	if src.Difference != nil {
		v := *src.Difference
		out.Difference = &v
	}
	if src.ClosedAt != nil {
		v := *src.ClosedAt
		out.ClosedAt = &v
	}
	return out
}
