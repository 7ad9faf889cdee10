package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/store"
	"zaiko/backend/internal/xid"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates missing tables and indexes. Safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SetStock(ctx context.Context, branchID string, productID string, qty int) error {
	if strings.TrimSpace(branchID) == "" || strings.TrimSpace(productID) == "" || qty < 0 {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_entries (branch_id, product_id, quantity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (branch_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()
	`, branchID, productID, qty)
	return err
}

func (s *Store) IncreaseStock(ctx context.Context, branchID string, productID string, qty int) error {
	if strings.TrimSpace(branchID) == "" || strings.TrimSpace(productID) == "" || qty < 1 {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_entries (branch_id, product_id, quantity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (branch_id, product_id)
		DO UPDATE SET quantity = stock_entries.quantity + EXCLUDED.quantity, updated_at = now()
	`, branchID, productID, qty)
	return err
}

func (s *Store) StockQuantity(ctx context.Context, branchID string, productID string) (int, error) {
	var qty int
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity FROM stock_entries WHERE branch_id = $1 AND product_id = $2
	`, branchID, productID).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return qty, nil
}

func (s *Store) DecrementIfAvailable(ctx context.Context, branchID string, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidTransaction
	}
	res, err := s.db.ExecContext(ctx, decrementStockSQL, qty, branchID, productID)
	if err != nil {
		return err
	}
	return checkDecrement(res, productID)
}

// The row lock taken by the UPDATE makes concurrent decrements of the same
// entry wait, and the WHERE clause is re-checked against the committed value.
const decrementStockSQL = `
	UPDATE stock_entries
	SET quantity = quantity - $1, updated_at = now()
	WHERE branch_id = $2 AND product_id = $3 AND quantity >= $1
`

func checkDecrement(res sql.Result, productID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &store.StockConflictError{ProductID: productID}
	}
	return nil
}

func (s *Store) FindSaleByExternalID(ctx context.Context, externalID string) (*domain.Sale, error) {
	if externalID == "" {
		return nil, store.ErrNotFound
	}
	return findSale(ctx, s.db, "external_id", externalID)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return findSale(ctx, s.db, "id", id)
}

func findSale(ctx context.Context, q queryer, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "external_id" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var externalID sql.NullString
	var customerID sql.NullString
	query := fmt.Sprintf(`
		SELECT id, external_id, branch_id, user_id, cash_session_id, customer_id,
			subtotal, total, status, created_at
		FROM sales
		WHERE %s = $1
	`, column)
	err := q.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&externalID,
		&sale.BranchID,
		&sale.UserID,
		&sale.CashSessionID,
		&customerID,
		&sale.Subtotal,
		&sale.Total,
		&sale.Status,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.ExternalID = externalID.String
	sale.CustomerID = customerID.String
	sale.CreatedAt = sale.CreatedAt.UTC()

	itemRows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price, subtotal
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	sale.Items = make([]domain.SaleItem, 0, 8)
	for itemRows.Next() {
		var item domain.SaleItem
		if err := itemRows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		sale.Items = append(sale.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	paymentRows, err := q.QueryContext(ctx, `
		SELECT method, amount, reference
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer paymentRows.Close()

	sale.Payments = make([]domain.SalePayment, 0, 2)
	for paymentRows.Next() {
		var payment domain.SalePayment
		var reference sql.NullString
		if err := paymentRows.Scan(&payment.Method, &payment.Amount, &reference); err != nil {
			return nil, err
		}
		payment.Reference = reference.String
		sale.Payments = append(sale.Payments, payment)
	}
	if err := paymentRows.Err(); err != nil {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) CommitSale(ctx context.Context, sale domain.Sale) (*domain.Sale, bool, error) {
	if len(sale.Items) == 0 || len(sale.Payments) == 0 {
		return nil, false, store.ErrInvalidTransaction
	}

	if sale.ExternalID != "" {
		existing, err := s.FindSaleByExternalID(ctx, sale.ExternalID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Locking the session row orders this sale against a concurrent close.
	var sessionID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM cash_sessions
		WHERE user_id = $1 AND branch_id = $2 AND status = 'OPEN'
		FOR UPDATE
	`, sale.UserID, sale.BranchID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, store.ErrNoOpenSession
		}
		return nil, false, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	// timestamptz keeps microseconds; match it so a replay reads back the
	// same value this call returns.
	sale.CreatedAt = sale.CreatedAt.Truncate(time.Microsecond)
	sale.Status = domain.SaleStatusCompleted
	sale.CashSessionID = sessionID

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (
			id, external_id, branch_id, user_id, cash_session_id, customer_id,
			subtotal, total, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sale.ID, nullIfEmpty(sale.ExternalID), sale.BranchID, sale.UserID, sale.CashSessionID,
		nullIfEmpty(sale.CustomerID), sale.Subtotal, sale.Total, sale.Status, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.ExternalID != "" {
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindSaleByExternalID(ctx, sale.ExternalID)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	// Decrement in product order so two sales never wait on each other's rows.
	for _, item := range itemsByProduct(sale.Items) {
		if item.Quantity < 1 {
			return nil, false, store.ErrInvalidTransaction
		}
		res, err := pgTx.ExecContext(ctx, decrementStockSQL, item.Quantity, sale.BranchID, item.ProductID)
		if err != nil {
			return nil, false, err
		}
		if err := checkDecrement(res, item.ProductID); err != nil {
			return nil, false, err
		}
	}

	for _, item := range sale.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return nil, false, err
		}
	}

	for _, payment := range sale.Payments {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sale_payments (sale_id, method, amount, reference)
			VALUES ($1,$2,$3,$4)
		`, sale.ID, string(payment.Method), payment.Amount, nullIfEmpty(payment.Reference))
		if err != nil {
			return nil, false, err
		}
	}

	if income := sale.CashIncome(); income.IsPositive() {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE cash_sessions SET income = income + $1 WHERE id = $2
		`, income, sessionID)
		if err != nil {
			return nil, false, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, false, err
	}
	return &sale, false, nil
}

const cashSessionColumns = `id, branch_id, user_id, initial_cash, income, expense, status,
	opened_at, final_cash, difference, closed_at`

func scanCashSession(row interface{ Scan(dest ...any) error }) (*domain.CashSession, error) {
	var session domain.CashSession
	var finalCash, difference decimal.NullDecimal
	var closedAt sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.BranchID,
		&session.UserID,
		&session.InitialCash,
		&session.Income,
		&session.Expense,
		&session.Status,
		&session.OpenedAt,
		&finalCash,
		&difference,
		&closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if finalCash.Valid {
		v := finalCash.Decimal
		session.FinalCash = &v
	}
	if difference.Valid {
		v := difference.Decimal
		session.Difference = &v
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	return &session, nil
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.BranchID) == "" || strings.TrimSpace(session.UserID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if session.InitialCash.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if session.ID == "" {
		session.ID = xid.New("cash")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}

	// The partial unique indexes on OPEN rows enforce one open session per
	// branch and per user.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO cash_sessions (id, branch_id, user_id, initial_cash, income, expense, status, opened_at)
		VALUES ($1,$2,$3,$4,0,0,'OPEN',$5)
		RETURNING `+cashSessionColumns,
		session.ID, session.BranchID, session.UserID, session.InitialCash, session.OpenedAt)
	created, err := scanCashSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrSessionAlreadyOpen
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	return scanCashSession(s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+` FROM cash_sessions WHERE id = $1
	`, id))
}

func (s *Store) GetOpenCashSession(ctx context.Context, userID string, branchID string) (*domain.CashSession, error) {
	return scanCashSession(s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE user_id = $1 AND branch_id = $2 AND status = 'OPEN'
	`, userID, branchID))
}

func (s *Store) CloseCashSession(ctx context.Context, id string, userID string, finalCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	if finalCash.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	session, err := lockOwnedOpenSession(ctx, pgTx, id, userID)
	if err != nil {
		return nil, err
	}

	difference := finalCash.Sub(session.Expected())
	closed, err := scanCashSession(pgTx.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET status = 'CLOSED', final_cash = $2, difference = $3, closed_at = $4
		WHERE id = $1
		RETURNING `+cashSessionColumns,
		id, finalCash, difference, closedAt))
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return closed, nil
}

func (s *Store) RecordCashMovement(ctx context.Context, movement domain.CashMovement, userID string) (*domain.CashSession, error) {
	if !movement.Amount.IsPositive() || movement.Kind != domain.CashMovementExpense {
		return nil, store.ErrInvalidTransaction
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if _, err := lockOwnedOpenSession(ctx, pgTx, movement.CashSessionID, userID); err != nil {
		return nil, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO cash_movements (id, cash_session_id, kind, amount, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, movement.ID, movement.CashSessionID, movement.Kind, movement.Amount, movement.Description, movement.CreatedAt)
	if err != nil {
		return nil, err
	}

	updated, err := scanCashSession(pgTx.QueryRowContext(ctx, `
		UPDATE cash_sessions SET expense = expense + $2
		WHERE id = $1
		RETURNING `+cashSessionColumns,
		movement.CashSessionID, movement.Amount))
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func lockOwnedOpenSession(ctx context.Context, pgTx *sql.Tx, id string, userID string) (*domain.CashSession, error) {
	session, err := scanCashSession(pgTx.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return nil, err
	}
	if session.Status != domain.CashSessionOpen {
		return nil, store.ErrSessionClosed
	}
	if session.UserID != userID {
		return nil, store.ErrNotSessionOwner
	}
	return session, nil
}

func itemsByProduct(items []domain.SaleItem) []domain.SaleItem {
	sorted := make([]domain.SaleItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ProductID < sorted[j].ProductID
	})
	return sorted
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
