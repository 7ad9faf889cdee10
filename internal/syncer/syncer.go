// Package syncer drains the local queue into the server, one entry at a
// time and in enqueue order.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/service"
)

var ErrDrainInProgress = errors.New("drain already in progress")

// Queue is the part of the durable queue the engine needs.
type Queue interface {
	PeekBatchInOrder(ctx context.Context, limit int) ([]domain.QueuedSale, error)
	Remove(ctx context.Context, localID string) error
	Count(ctx context.Context) (int, error)
	MarkAttempt(ctx context.Context, localID string, lastError string) error
	SettleConflict(ctx context.Context, localID string, conflict domain.Conflict) error
	SettleDiscard(ctx context.Context, localID string, reason string) error
}

type Submitter interface {
	SubmitSale(ctx context.Context, entry domain.QueuedSale) (domain.SaleResult, error)
}

// Reachability reports server availability; netmon.Monitor satisfies it.
type Reachability interface {
	Online() bool
	Changes() <-chan bool
}

type Report struct {
	Synced    int
	Replayed  int
	Conflicts int
	Discarded int
	Remaining int
	// StoppedBy is the transient error or cancellation that ended the
	// drain early. Nil when the queue was emptied.
	StoppedBy error
}

type Engine struct {
	queue     Queue
	submitter Submitter
	reach     Reachability
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
	metrics   *metrics.Sync

	draining atomic.Bool
	trigger  chan struct{}
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = logger
	}
}

func WithMetrics(m *metrics.Sync) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithReachability drains on every offline to online transition and skips
// periodic drains while the server is unreachable.
func WithReachability(r Reachability) Option {
	return func(e *Engine) {
		e.reach = r
	}
}

// WithInterval sets the periodic drain interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

func New(queue Queue, submitter Submitter, opts ...Option) *Engine {
	e := &Engine{
		queue:     queue,
		submitter: submitter,
		interval:  30 * time.Second,
		batchSize: 25,
		log:       zerolog.Nop(),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "syncer").Logger()
	return e
}

// Drain delivers queued sales until the queue is empty, a transient failure
// occurs or ctx is cancelled. Only one drain runs at a time.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Report{}, ErrDrainInProgress
	}
	defer e.draining.Store(false)

	report, err := e.drain(ctx)

	// Bookkeeping outlives the caller's cancellation.
	bg := context.WithoutCancel(ctx)
	if n, cerr := e.queue.Count(bg); cerr == nil {
		report.Remaining = n
		e.metrics.QueueDepth(n)
	}

	switch {
	case err != nil:
		e.metrics.Drain("error")
	case report.StoppedBy != nil:
		e.metrics.Drain("stopped")
	default:
		e.metrics.Drain("completed")
	}
	e.log.Info().
		Int("synced", report.Synced).
		Int("replayed", report.Replayed).
		Int("conflicts", report.Conflicts).
		Int("discarded", report.Discarded).
		Int("remaining", report.Remaining).
		AnErr("stopped_by", report.StoppedBy).
		Msg("drain finished")
	return report, err
}

func (e *Engine) drain(ctx context.Context) (Report, error) {
	var report Report
	bg := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			report.StoppedBy = err
			return report, nil
		}

		batch, err := e.queue.PeekBatchInOrder(ctx, e.batchSize)
		if err != nil {
			return report, fmt.Errorf("peek queue: %w", err)
		}
		if len(batch) == 0 {
			return report, nil
		}

		for _, entry := range batch {
			if err := ctx.Err(); err != nil {
				report.StoppedBy = err
				return report, nil
			}

			stop, err := e.deliver(ctx, bg, entry, &report)
			if err != nil {
				return report, err
			}
			if stop {
				return report, nil
			}
		}
	}
}

// deliver submits one entry and settles it. It reports stop=true when the
// drain must end with this entry still queued.
func (e *Engine) deliver(ctx, bg context.Context, entry domain.QueuedSale, report *Report) (bool, error) {
	log := e.log.With().Str("local_id", entry.LocalID).Logger()

	// Enqueue never stores a sale without items, so this is a payload that
	// no longer decodes.
	if len(entry.Payload.Items) == 0 {
		if err := e.queue.SettleDiscard(bg, entry.LocalID, "corrupt payload"); err != nil {
			return false, fmt.Errorf("discard %s: %w", entry.LocalID, err)
		}
		report.Discarded++
		e.metrics.Entry(OutcomeDiscard.String())
		log.Warn().Msg("queued sale discarded: corrupt payload")
		return false, nil
	}

	res, submitErr := e.submitter.SubmitSale(ctx, entry)
	class := Classify(submitErr)
	e.metrics.Entry(class.Outcome.String())

	switch class.Outcome {
	case OutcomeSynced:
		if err := e.queue.Remove(bg, entry.LocalID); err != nil {
			return false, fmt.Errorf("remove %s: %w", entry.LocalID, err)
		}
		report.Synced++
		if res.Replayed {
			report.Replayed++
		}
		log.Debug().Str("sale_id", res.Sale.ID).Bool("replayed", res.Replayed).Msg("queued sale synced")

	case OutcomeConflict:
		conflict := domain.Conflict{
			LocalID:   entry.LocalID,
			ProductID: class.ProductID,
			Code:      class.Code,
			Reason:    submitErr.Error(),
		}
		if err := e.queue.SettleConflict(bg, entry.LocalID, conflict); err != nil {
			return false, fmt.Errorf("record conflict %s: %w", entry.LocalID, err)
		}
		report.Conflicts++
		log.Warn().Str("code", class.Code).Str("product_id", class.ProductID).Msg("queued sale needs reconciliation")

	case OutcomeDiscard:
		if err := e.queue.SettleDiscard(bg, entry.LocalID, submitErr.Error()); err != nil {
			return false, fmt.Errorf("discard %s: %w", entry.LocalID, err)
		}
		report.Discarded++
		log.Warn().Str("code", class.Code).Err(submitErr).Msg("queued sale discarded")

	default:
		if err := e.queue.MarkAttempt(bg, entry.LocalID, submitErr.Error()); err != nil {
			log.Error().Err(err).Msg("mark attempt failed")
		}
		report.StoppedBy = submitErr
		log.Info().Err(submitErr).Msg("drain paused")
		return true, nil
	}
	return false, nil
}

// Trigger asks a running Run loop to drain now. Calls made while a request
// is already pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drains on reconnect, on Trigger and on every interval until ctx is
// cancelled. After a drain stops on a transient failure the next periodic
// attempt waits for an exponential backoff.
func (e *Engine) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var changes <-chan bool
	if e.reach != nil {
		changes = e.reach.Changes()
	}

	var (
		retryTimer *time.Timer
		retry      <-chan time.Time
	)
	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
		retryTimer, retry = nil, nil
	}
	defer stopRetry()

	attempt := func(reason string) {
		report, err := e.Drain(ctx)
		if errors.Is(err, ErrDrainInProgress) || ctx.Err() != nil {
			return
		}
		if err == nil && report.StoppedBy == nil {
			bo.Reset()
			stopRetry()
			return
		}
		if err != nil {
			e.log.Error().Err(err).Str("trigger", reason).Msg("drain failed")
		}
		stopRetry()
		wait := bo.NextBackOff()
		retryTimer = time.NewTimer(wait)
		retry = retryTimer.C
		e.log.Debug().Dur("wait", wait).Msg("drain retry scheduled")
	}

	attempt("startup")
	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				bo.Reset()
				attempt("reconnect")
			}
		case <-e.trigger:
			attempt("manual")
		case <-retry:
			retryTimer, retry = nil, nil
			attempt("backoff")
		case <-ticker.C:
			if retry != nil || !e.online() {
				continue
			}
			attempt("interval")
		}
	}
}

func (e *Engine) online() bool {
	return e.reach == nil || e.reach.Online()
}

// Direct submits entries straight to an in-process Service, acting as the
// entry's recorded actor.
type Direct struct {
	svc *service.Service
}

func NewDirect(svc *service.Service) *Direct {
	return &Direct{svc: svc}
}

func (d *Direct) SubmitSale(ctx context.Context, entry domain.QueuedSale) (domain.SaleResult, error) {
	payload := entry.Payload
	payload.ExternalID = entry.LocalID
	actorCtx := service.WithActor(ctx, domain.Actor{UserID: entry.Context.ActorID, BranchID: entry.Context.BranchID})
	return d.svc.SubmitSale(actorCtx, payload)
}
