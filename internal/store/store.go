package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"zaiko/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrNoOpenSession      = errors.New("no open cash session")
	ErrSessionAlreadyOpen = errors.New("cash session already open")
	ErrSessionClosed      = errors.New("cash session already closed")
	ErrNotSessionOwner    = errors.New("cash session belongs to another user")
)

// StockConflictError names the product whose stock could not cover a sale.
type StockConflictError struct {
	ProductID string
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s", e.ProductID)
}

func (e *StockConflictError) Unwrap() error {
	return ErrInsufficientStock
}

// StockLedger holds the authoritative quantity per (branch, product).
type StockLedger interface {
	SetStock(ctx context.Context, branchID string, productID string, qty int) error
	IncreaseStock(ctx context.Context, branchID string, productID string, qty int) error
	StockQuantity(ctx context.Context, branchID string, productID string) (int, error)
	// DecrementIfAvailable returns a *StockConflictError when the entry is
	// missing or holds less than qty. Concurrent callers serialize.
	DecrementIfAvailable(ctx context.Context, branchID string, productID string, qty int) error
}

type Repository interface {
	StockLedger

	FindSaleByExternalID(ctx context.Context, externalID string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	// CommitSale applies the sale as one unit: it requires an OPEN session
	// for (sale.UserID, sale.BranchID), decrements stock for every line,
	// stores the sale and adds its cash payments to the session income.
	// A sale whose ExternalID already exists is returned with replayed=true
	// and no effects.
	CommitSale(ctx context.Context, sale domain.Sale) (created *domain.Sale, replayed bool, err error)

	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, userID string, branchID string) (*domain.CashSession, error)
	CloseCashSession(ctx context.Context, id string, userID string, finalCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error)
	RecordCashMovement(ctx context.Context, movement domain.CashMovement, userID string) (*domain.CashSession, error)
}
