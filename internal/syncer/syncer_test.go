package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaiko/backend/internal/client"
	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/queue"
	"zaiko/backend/internal/service"
	"zaiko/backend/internal/store"
	"zaiko/backend/internal/store/memory"
)

var cashier = domain.SubmissionContext{ActorID: "cashier-1", BranchID: "main"}

func openQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func sale(productID string, qty int) domain.SaleRequest {
	total := decimal.NewFromInt(int64(qty) * 5)
	return domain.SaleRequest{
		Items:    []domain.SaleItemInput{{ProductID: productID, Quantity: qty, Price: decimal.NewFromInt(5)}},
		Payments: []domain.PaymentInput{{Method: domain.PaymentCash, Amount: total}},
	}
}

func enqueue(t *testing.T, q *queue.Queue, productID string, qty int) domain.QueuedSale {
	t.Helper()
	entry, err := q.Enqueue(context.Background(), sale(productID, qty), cashier)
	require.NoError(t, err)
	return entry
}

// scriptedSubmitter answers by product id; products without a script succeed.
type scriptedSubmitter struct {
	mu     sync.Mutex
	errs   map[string]error
	replay map[string]bool
	calls  []string
	onCall func(entry domain.QueuedSale)
}

func (s *scriptedSubmitter) SubmitSale(_ context.Context, entry domain.QueuedSale) (domain.SaleResult, error) {
	if s.onCall != nil {
		s.onCall(entry)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	productID := entry.Payload.Items[0].ProductID
	s.calls = append(s.calls, productID)
	if err := s.errs[productID]; err != nil {
		return domain.SaleResult{}, err
	}
	return domain.SaleResult{
		Sale:     domain.Sale{ID: "sale_" + entry.LocalID, ExternalID: entry.LocalID},
		Replayed: s.replay[productID],
	}, nil
}

func (s *scriptedSubmitter) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestDrainStopsAtTransientAndKeepsOrder(t *testing.T) {
	q := openQueue(t)
	enqueue(t, q, "A", 1)
	b := enqueue(t, q, "B", 1)
	c := enqueue(t, q, "C", 1)

	sub := &scriptedSubmitter{errs: map[string]error{
		"B": &client.TransientError{Status: 503, Err: errors.New("maintenance")},
	}}
	report, err := New(q, sub).Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 2, report.Remaining)
	assert.Error(t, report.StoppedBy)
	assert.Equal(t, []string{"A", "B"}, sub.Calls())

	left, err := q.PeekBatchInOrder(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, b.LocalID, left[0].LocalID)
	assert.Equal(t, 1, left[0].RetryCount)
	assert.Contains(t, left[0].LastError, "maintenance")
	assert.Equal(t, c.LocalID, left[1].LocalID)

	// The next drain resumes at B.
	delete(sub.errs, "B")
	report, err = New(q, sub).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)
	assert.Zero(t, report.Remaining)
	assert.Nil(t, report.StoppedBy)
	assert.Equal(t, []string{"A", "B", "B", "C"}, sub.Calls())
}

func TestDrainSoldOutRecordsSingleConflict(t *testing.T) {
	repo := memory.New()
	require.NoError(t, repo.SetStock(context.Background(), "main", "last-one", 1))
	svc := service.New(repo)
	actorCtx := service.WithActor(context.Background(), domain.Actor{UserID: cashier.ActorID, BranchID: cashier.BranchID})
	_, err := svc.OpenCashSession(actorCtx, domain.CashOpenRequest{InitialCash: decimal.NewFromInt(50)})
	require.NoError(t, err)

	q := openQueue(t)
	entry := enqueue(t, q, "last-one", 1)

	// Another till sells the last unit while this terminal is offline.
	_, err = svc.SubmitSale(actorCtx, sale("last-one", 1))
	require.NoError(t, err)

	report, err := New(q, NewDirect(svc)).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Zero(t, report.Remaining)

	conflicts, err := q.Conflicts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, entry.LocalID, conflicts[0].LocalID)
	assert.Equal(t, "last-one", conflicts[0].ProductID)
	assert.Equal(t, domain.CodeConflict, conflicts[0].Code)

	qty, err := repo.StockQuantity(context.Background(), "main", "last-one")
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestDrainReplayCountsAsSynced(t *testing.T) {
	repo := memory.NewSeeded()
	svc := service.New(repo)
	actorCtx := service.WithActor(context.Background(), domain.Actor{UserID: cashier.ActorID, BranchID: cashier.BranchID})
	_, err := svc.OpenCashSession(actorCtx, domain.CashOpenRequest{InitialCash: decimal.Zero})
	require.NoError(t, err)

	q := openQueue(t)
	entry := enqueue(t, q, "prod-bread", 2)

	// The first delivery committed but its reply was lost.
	_, err = NewDirect(svc).SubmitSale(context.Background(), entry)
	require.NoError(t, err)

	report, err := New(q, NewDirect(svc)).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Replayed)

	qty, err := repo.StockQuantity(context.Background(), "main", "prod-bread")
	require.NoError(t, err)
	assert.Equal(t, 23, qty)
}

func TestDrainDiscardsClientInputErrors(t *testing.T) {
	q := openQueue(t)
	mismatch := enqueue(t, q, "P", 1)
	invalid := enqueue(t, q, "V", 1)
	enqueue(t, q, "OK", 1)

	sub := &scriptedSubmitter{errs: map[string]error{
		"P": service.ErrPaymentMismatch,
		"V": fmt.Errorf("%w: quantity", service.ErrInvalidSale),
	}}
	report, err := New(q, sub).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Discarded)
	assert.Equal(t, 1, report.Synced)
	assert.Zero(t, report.Remaining)

	discards, err := q.Discards(context.Background())
	require.NoError(t, err)
	ids := []string{}
	for _, d := range discards {
		ids = append(ids, d.LocalID)
	}
	assert.ElementsMatch(t, []string{mismatch.LocalID, invalid.LocalID}, ids)
}

func TestDrainBusinessConflictWithoutProduct(t *testing.T) {
	q := openQueue(t)
	enqueue(t, q, "N", 1)

	sub := &scriptedSubmitter{errs: map[string]error{"N": service.ErrNoOpenSession}}
	report, err := New(q, sub).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)

	conflicts, err := q.Conflicts(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Empty(t, conflicts[0].ProductID)
	assert.Equal(t, domain.CodeNoOpenSession, conflicts[0].Code)
}

func TestConcurrentDrainIsRefused(t *testing.T) {
	q := openQueue(t)
	enqueue(t, q, "A", 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &scriptedSubmitter{onCall: func(domain.QueuedSale) {
		close(entered)
		<-release
	}}
	engine := New(q, sub)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Drain(context.Background())
		done <- err
	}()

	<-entered
	_, err := engine.Drain(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	require.NoError(t, <-done)

	report, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Synced)
}

func TestDrainStopsBetweenEntriesOnCancel(t *testing.T) {
	q := openQueue(t)
	enqueue(t, q, "A", 1)
	enqueue(t, q, "B", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := &scriptedSubmitter{onCall: func(domain.QueuedSale) { cancel() }}

	report, err := New(q, sub).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Remaining)
	assert.ErrorIs(t, report.StoppedBy, context.Canceled)
}

func TestDrainRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sm := metrics.NewSync(reg)
	q := openQueue(t)
	enqueue(t, q, "A", 1)
	enqueue(t, q, "B", 1)

	sub := &scriptedSubmitter{errs: map[string]error{"B": &store.StockConflictError{ProductID: "B"}}}
	_, err := New(q, sub, WithMetrics(sm)).Drain(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "zaiko_sync_entries_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

type fakeReach struct {
	changes chan bool
}

func (f *fakeReach) Online() bool         { return true }
func (f *fakeReach) Changes() <-chan bool { return f.changes }

func TestRunDrainsOnReconnectAndTrigger(t *testing.T) {
	q := openQueue(t)
	sub := &scriptedSubmitter{}
	reach := &fakeReach{changes: make(chan bool, 1)}
	engine := New(q, sub, WithReachability(reach), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	enqueue(t, q, "A", 1)
	reach.changes <- true
	require.Eventually(t, func() bool { return len(sub.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	enqueue(t, q, "B", 1)
	engine.Trigger()
	require.Eventually(t, func() bool { return len(sub.Calls()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	n, err := q.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome Outcome
		code    string
	}{
		{"success", nil, OutcomeSynced, ""},
		{"stock", fmt.Errorf("commit: %w", &store.StockConflictError{ProductID: "p1"}), OutcomeConflict, domain.CodeConflict},
		{"no session", service.ErrNoOpenSession, OutcomeConflict, domain.CodeNoOpenSession},
		{"forbidden", service.ErrForbidden, OutcomeConflict, domain.CodeForbidden},
		{"foreign replay", fmt.Errorf("%w: x", service.ErrIdempotencyConflict), OutcomeConflict, domain.CodeIdempotency},
		{"mismatch", service.ErrPaymentMismatch, OutcomeDiscard, domain.CodePaymentMismatch},
		{"invalid", service.ErrInvalidSale, OutcomeDiscard, domain.CodeValidation},
		{"network", &client.TransientError{Err: errors.New("refused")}, OutcomeTransient, ""},
		{"unauthenticated", service.ErrUnauthenticated, OutcomeTransient, ""},
		{"deadline", context.DeadlineExceeded, OutcomeTransient, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			assert.Equal(t, tc.outcome, got.Outcome)
			assert.Equal(t, tc.code, got.Code)
		})
	}
	assert.Equal(t, "p1", Classify(&store.StockConflictError{ProductID: "p1"}).ProductID)
}
