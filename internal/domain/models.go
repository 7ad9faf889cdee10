package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// PaymentTolerance is the largest accepted gap between the sum of payments
// and the computed sale total.
var PaymentTolerance = decimal.RequireFromString("0.01")

// MoneyPlaces is the scale every stored amount is kept at.
const MoneyPlaces = 2

// ValidMoney reports whether d fits the stored scale without rounding.
func ValidMoney(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(MoneyPlaces))
}

type Actor struct {
	UserID   string `json:"userId"`
	BranchID string `json:"branchId"`
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentCard     PaymentMethod = "CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
	PaymentWalletA  PaymentMethod = "WALLET_A"
	PaymentWalletB  PaymentMethod = "WALLET_B"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentWalletA, PaymentWalletB:
		return true
	}
	return false
}

const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusVoid      = "VOID"

	CashSessionOpen   = "OPEN"
	CashSessionClosed = "CLOSED"

	CashMovementExpense = "EXPENSE"
)

type StockEntry struct {
	BranchID  string    `json:"branchId"`
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Sale struct {
	ID            string          `json:"id"`
	ExternalID    string          `json:"externalId,omitempty"`
	BranchID      string          `json:"branchId"`
	UserID        string          `json:"userId"`
	CashSessionID string          `json:"cashSessionId"`
	CustomerID    string          `json:"customerId,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Total         decimal.Decimal `json:"total"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	Items         []SaleItem      `json:"items"`
	Payments      []SalePayment   `json:"payments"`
}

// CashIncome is the part of the sale paid in cash.
func (s Sale) CashIncome() decimal.Decimal {
	income := decimal.Zero
	for _, p := range s.Payments {
		if p.Method == PaymentCash {
			income = income.Add(p.Amount)
		}
	}
	return income
}

type SaleItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type SalePayment struct {
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type SaleItemInput struct {
	ProductID string          `json:"productId" validate:"required,max=64"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price" validate:"gte=0,cents"`
}

type PaymentInput struct {
	Method    PaymentMethod   `json:"method" validate:"required,oneof=CASH CARD TRANSFER WALLET_A WALLET_B"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0,cents"`
	Reference string          `json:"reference,omitempty" validate:"max=128"`
}

type SaleRequest struct {
	ExternalID string          `json:"externalId,omitempty" validate:"max=64"`
	CustomerID string          `json:"customerId,omitempty" validate:"max=64"`
	Items      []SaleItemInput `json:"items" validate:"required,min=1,dive"`
	Payments   []PaymentInput  `json:"payments" validate:"required,min=1,dive"`
}

type SaleResult struct {
	Sale     Sale
	Replayed bool
}

type CashSession struct {
	ID          string           `json:"id"`
	BranchID    string           `json:"branchId"`
	UserID      string           `json:"userId"`
	InitialCash decimal.Decimal  `json:"initialCash"`
	Income      decimal.Decimal  `json:"income"`
	Expense     decimal.Decimal  `json:"expense"`
	Status      string           `json:"status"`
	OpenedAt    time.Time        `json:"openedAt"`
	FinalCash   *decimal.Decimal `json:"finalCash,omitempty"`
	Difference  *decimal.Decimal `json:"difference,omitempty"`
	ClosedAt    *time.Time       `json:"closedAt,omitempty"`
}

// Expected is the cash the drawer should hold: initial + income - expense.
func (c CashSession) Expected() decimal.Decimal {
	return c.InitialCash.Add(c.Income).Sub(c.Expense)
}

type CashMovement struct {
	ID            string          `json:"id"`
	CashSessionID string          `json:"cashSessionId"`
	Kind          string          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type CashOpenRequest struct {
	BranchID    string          `json:"branchId,omitempty" validate:"max=64"`
	InitialCash decimal.Decimal `json:"initialCash" validate:"gte=0,cents"`
}

type CashCloseRequest struct {
	CashSessionID string          `json:"cashSessionId" validate:"required"`
	FinalCash     decimal.Decimal `json:"finalCash" validate:"gte=0,cents"`
}

type CashCloseResponse struct {
	Expected   decimal.Decimal `json:"expected"`
	Difference decimal.Decimal `json:"difference"`
	Session    CashSession     `json:"session"`
}

type CashExpenseRequest struct {
	CashSessionID string          `json:"cashSessionId" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gt=0,cents"`
	Description   string          `json:"description" validate:"required,max=200"`
}

// ErrorResponse is the JSON body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	ProductID string            `json:"productId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

const (
	CodeConflict           = "CONFLICT"
	CodePaymentMismatch    = "PAYMENT_MISMATCH"
	CodeNoOpenSession      = "NO_OPEN_SESSION"
	CodeSessionAlreadyOpen = "SESSION_ALREADY_OPEN"
	CodeAlreadyClosed      = "ALREADY_CLOSED"
	CodeValidation         = "VALIDATION"
	CodeForbidden          = "FORBIDDEN"
	CodeIdempotency        = "IDEMPOTENCY_CONFLICT"
)

// SubmissionContext identifies who rang up a queued sale and where.
type SubmissionContext struct {
	ActorID  string `json:"actorId" validate:"required,max=64"`
	BranchID string `json:"branchId" validate:"required,max=64"`
}

type QueuedSale struct {
	LocalID    string            `json:"localId"`
	Payload    SaleRequest       `json:"payload"`
	Context    SubmissionContext `json:"context"`
	EnqueuedAt int64             `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
	LastError  string            `json:"lastError,omitempty"`
}

// Conflict is a queued sale the server refused on business grounds and
// that needs manual reconciliation.
type Conflict struct {
	LocalID    string     `json:"localId"`
	ProductID  string     `json:"productId,omitempty"`
	Code       string     `json:"code"`
	Reason     string     `json:"reason"`
	RecordedAt time.Time  `json:"recordedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

type Discard struct {
	LocalID string      `json:"localId"`
	Payload SaleRequest `json:"payload"`
	// RawPayload holds the stored payload when it no longer decodes.
	RawPayload string    `json:"rawPayload,omitempty"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recordedAt"`
}
