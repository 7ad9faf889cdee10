// Package queue is the terminal's durable store of sales the server has not
// confirmed yet. It also keeps the conflict and discard lists the sync
// engine fills, so no queued sale disappears without a record.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"zaiko/backend/internal/domain"
)

var ErrNotFound = errors.New("queued sale not found")

const schema = `
CREATE TABLE IF NOT EXISTS queued_sales (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	local_id    TEXT    NOT NULL UNIQUE,
	payload     TEXT    NOT NULL,
	actor_id    TEXT    NOT NULL,
	branch_id   TEXT    NOT NULL,
	enqueued_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sync_conflicts (
	local_id    TEXT    PRIMARY KEY,
	product_id  TEXT    NOT NULL DEFAULT '',
	code        TEXT    NOT NULL,
	reason      TEXT    NOT NULL,
	recorded_at INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE TABLE IF NOT EXISTS sync_discards (
	local_id    TEXT    PRIMARY KEY,
	payload     TEXT    NOT NULL,
	reason      TEXT    NOT NULL,
	recorded_at INTEGER NOT NULL
);
`

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writers from racing each other for the file lock.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}
	return &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue stores a sale under a fresh localId and returns its entry.
func (q *Queue) Enqueue(ctx context.Context, payload domain.SaleRequest, sc domain.SubmissionContext) (domain.QueuedSale, error) {
	return q.EnqueueWithID(ctx, uuid.NewString(), payload, sc)
}

// EnqueueWithID stores a sale under a localId the caller already used, for
// example on a direct submission that failed in transit. The localId is also
// written into the payload as its externalId so server retries are
// idempotent.
func (q *Queue) EnqueueWithID(ctx context.Context, localID string, payload domain.SaleRequest, sc domain.SubmissionContext) (domain.QueuedSale, error) {
	if strings.TrimSpace(localID) == "" {
		return domain.QueuedSale{}, fmt.Errorf("local id is required")
	}
	if strings.TrimSpace(sc.ActorID) == "" || strings.TrimSpace(sc.BranchID) == "" {
		return domain.QueuedSale{}, fmt.Errorf("submission context requires actor and branch")
	}
	if len(payload.Items) == 0 {
		return domain.QueuedSale{}, fmt.Errorf("sale has no items")
	}

	entry := domain.QueuedSale{
		LocalID:    localID,
		Context:    sc,
		EnqueuedAt: q.now().UnixMilli(),
	}
	payload.ExternalID = entry.LocalID
	entry.Payload = payload

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.QueuedSale{}, fmt.Errorf("encode payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO queued_sales (local_id, payload, actor_id, branch_id, enqueued_at)
VALUES (?, ?, ?, ?, ?)
`, entry.LocalID, string(raw), sc.ActorID, sc.BranchID, entry.EnqueuedAt)
	if err != nil {
		return domain.QueuedSale{}, fmt.Errorf("enqueue sale: %w", err)
	}
	return entry, nil
}

// PeekBatchInOrder returns up to limit entries in insertion order without
// removing them. limit <= 0 returns every entry. Order follows the row
// sequence, not enqueued_at, so a clock step never reorders the queue.
func (q *Queue) PeekBatchInOrder(ctx context.Context, limit int) ([]domain.QueuedSale, error) {
	query := `
SELECT local_id, payload, actor_id, branch_id, enqueued_at, retry_count, last_error
FROM queued_sales
ORDER BY seq ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.QueuedSale, 0, 16)
	for rows.Next() {
		var entry domain.QueuedSale
		var raw string
		if err := rows.Scan(&entry.LocalID, &raw, &entry.Context.ActorID, &entry.Context.BranchID,
			&entry.EnqueuedAt, &entry.RetryCount, &entry.LastError); err != nil {
			return nil, fmt.Errorf("scan queued sale: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &entry.Payload); err != nil {
			// A corrupt payload is still returned so the engine can discard it.
			entry.LastError = "corrupt payload: " + err.Error()
			entry.Payload = domain.SaleRequest{ExternalID: entry.LocalID}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (q *Queue) Remove(ctx context.Context, localID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queued_sales WHERE local_id = ?`, localID)
	if err != nil {
		return fmt.Errorf("remove queued sale: %w", err)
	}
	return nil
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_sales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// MarkAttempt records a failed delivery attempt; the entry stays queued.
func (q *Queue) MarkAttempt(ctx context.Context, localID string, lastError string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE queued_sales SET retry_count = retry_count + 1, last_error = ? WHERE local_id = ?
`, lastError, localID)
	if err != nil {
		return fmt.Errorf("mark attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SettleConflict removes the entry and records the conflict in one
// transaction.
func (q *Queue) SettleConflict(ctx context.Context, localID string, conflict domain.Conflict) error {
	if conflict.RecordedAt.IsZero() {
		conflict.RecordedAt = q.now()
	}
	return q.settle(ctx, localID, func(tx *sql.Tx, _ string) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO sync_conflicts (local_id, product_id, code, reason, recorded_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (local_id) DO UPDATE SET
	product_id = excluded.product_id, code = excluded.code,
	reason = excluded.reason, recorded_at = excluded.recorded_at, resolved_at = NULL
`, localID, conflict.ProductID, conflict.Code, conflict.Reason, conflict.RecordedAt.UnixMilli())
		return err
	})
}

// SettleDiscard removes the entry and keeps its payload in the discard list.
func (q *Queue) SettleDiscard(ctx context.Context, localID string, reason string) error {
	return q.settle(ctx, localID, func(tx *sql.Tx, payload string) error {
		_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO sync_discards (local_id, payload, reason, recorded_at)
VALUES (?, ?, ?, ?)
`, localID, payload, reason, q.now().UnixMilli())
		return err
	})
}

func (q *Queue) settle(ctx context.Context, localID string, record func(tx *sql.Tx, payload string) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var payload string
	err = tx.QueryRowContext(ctx, `SELECT payload FROM queued_sales WHERE local_id = ?`, localID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := record(tx, payload); err != nil {
		return fmt.Errorf("record settlement: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_sales WHERE local_id = ?`, localID); err != nil {
		return err
	}
	return tx.Commit()
}

// Conflicts lists recorded conflicts, oldest first.
func (q *Queue) Conflicts(ctx context.Context, includeResolved bool) ([]domain.Conflict, error) {
	query := `SELECT local_id, product_id, code, reason, recorded_at, resolved_at FROM sync_conflicts`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY recorded_at ASC, local_id ASC`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Conflict, 0, 8)
	for rows.Next() {
		var c domain.Conflict
		var recordedAt int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&c.LocalID, &c.ProductID, &c.Code, &c.Reason, &recordedAt, &resolvedAt); err != nil {
			return nil, err
		}
		c.RecordedAt = time.UnixMilli(recordedAt).UTC()
		if resolvedAt.Valid {
			at := time.UnixMilli(resolvedAt.Int64).UTC()
			c.ResolvedAt = &at
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *Queue) ResolveConflict(ctx context.Context, localID string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE sync_conflicts SET resolved_at = ? WHERE local_id = ? AND resolved_at IS NULL
`, q.now().UnixMilli(), localID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queue) Discards(ctx context.Context) ([]domain.Discard, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT local_id, payload, reason, recorded_at FROM sync_discards ORDER BY recorded_at ASC, local_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list discards: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Discard, 0, 8)
	for rows.Next() {
		var d domain.Discard
		var raw string
		var recordedAt int64
		if err := rows.Scan(&d.LocalID, &raw, &d.Reason, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &d.Payload); err != nil {
			// Keep the stored text so the operator still sees what was refused.
			d.RawPayload = raw
		}
		d.RecordedAt = time.UnixMilli(recordedAt).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}
