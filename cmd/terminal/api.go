package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/httpapi"
	"zaiko/backend/internal/metrics"
	"zaiko/backend/internal/queue"
	"zaiko/backend/internal/syncer"
)

const (
	statusSynced = "synced"
	statusQueued = "queued"
)

type onlineChecker interface {
	Online() bool
}

// localAPI is what the till talks to. Sales go straight to the server when
// it answers and nothing older is waiting; otherwise they are queued.
type localAPI struct {
	queue     *queue.Queue
	submitter syncer.Submitter
	net       onlineChecker
	engine    *syncer.Engine
	metrics   *metrics.Sync
	log       zerolog.Logger
}

type saleSubmission struct {
	Context domain.SubmissionContext `json:"context"`
	Sale    domain.SaleRequest       `json:"sale"`
}

type submissionResult struct {
	Status   string       `json:"status"`
	LocalID  string       `json:"localId"`
	Sale     *domain.Sale `json:"sale,omitempty"`
	Replayed bool         `json:"replayed,omitempty"`
}

type queueStatus struct {
	Pending int                 `json:"pending"`
	Online  bool                `json:"online"`
	Entries []domain.QueuedSale `json:"entries"`
}

// handler serves the till API next to /metrics and the manual /sync trigger.
func (a *localAPI) handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/sync", a.handleSync)
	mux.HandleFunc("/sales", a.handleSales)
	mux.HandleFunc("/queue", a.handleQueue)
	mux.HandleFunc("/conflicts", a.handleConflicts)
	mux.HandleFunc("/conflicts/", a.handleResolveConflict)
	mux.HandleFunc("/discards", a.handleDiscards)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		mux.ServeHTTP(w, r)
	})
}

func (a *localAPI) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.engine.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (a *localAPI) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req saleSubmission
	if !httpapi.BindAndValidate(w, r, &req) {
		return
	}

	localID := uuid.NewString()
	// The queue outlives the request; a till that hangs up must not lose the sale.
	ctx := context.WithoutCancel(r.Context())

	if a.direct(ctx) {
		entry := domain.QueuedSale{
			LocalID:    localID,
			Context:    req.Context,
			Payload:    req.Sale,
			EnqueuedAt: time.Now().UnixMilli(),
		}
		entry.Payload.ExternalID = localID

		res, err := a.submitter.SubmitSale(ctx, entry)
		if err == nil {
			a.metrics.Entry(syncer.OutcomeSynced.String())
			httpapi.WriteJSON(w, http.StatusCreated, submissionResult{
				Status:   statusSynced,
				LocalID:  localID,
				Sale:     &res.Sale,
				Replayed: res.Replayed,
			})
			return
		}

		c := syncer.Classify(err)
		if c.Outcome != syncer.OutcomeTransient {
			a.metrics.Entry(c.Outcome.String())
			writeRefusal(w, c, err)
			return
		}
		// Same localId, so a commit that landed before the failure replays.
		a.log.Warn().Err(err).Str("local_id", localID).Msg("direct submit failed, queueing sale")
	}

	if _, err := a.queue.EnqueueWithID(ctx, localID, req.Sale, req.Context); err != nil {
		a.log.Error().Err(err).Str("local_id", localID).Msg("enqueue failed")
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	if n, err := a.queue.Count(ctx); err == nil {
		a.metrics.QueueDepth(n)
	}
	a.engine.Trigger()

	httpapi.WriteJSON(w, http.StatusAccepted, submissionResult{Status: statusQueued, LocalID: localID})
}

// direct reports whether a sale may bypass the queue. Anything already
// queued goes first so stock is taken in the order sales were rung up.
func (a *localAPI) direct(ctx context.Context) bool {
	if !a.net.Online() {
		return false
	}
	n, err := a.queue.Count(ctx)
	return err == nil && n == 0
}

func (a *localAPI) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	entries, err := a.queue.PeekBatchInOrder(r.Context(), 0)
	if err != nil {
		a.internalError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, queueStatus{
		Pending: len(entries),
		Online:  a.net.Online(),
		Entries: entries,
	})
}

// handleConflicts lists open conflicts; ?all=true includes resolved ones.
func (a *localAPI) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	all := r.URL.Query().Get("all") == "true"
	conflicts, err := a.queue.Conflicts(r.Context(), all)
	if err != nil {
		a.internalError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, conflicts)
}

// handleResolveConflict serves POST /conflicts/{localId}/resolve.
func (a *localAPI) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/conflicts/")
	localID, ok := strings.CutSuffix(rest, "/resolve")
	if !ok || localID == "" || strings.Contains(localID, "/") {
		httpapi.WriteError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	if err := a.queue.ResolveConflict(r.Context(), localID); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			httpapi.WriteError(w, http.StatusNotFound, errors.New("no open conflict for "+localID))
			return
		}
		a.internalError(w, err)
		return
	}
	a.log.Info().Str("local_id", localID).Msg("conflict resolved")
	w.WriteHeader(http.StatusNoContent)
}

func (a *localAPI) handleDiscards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	discards, err := a.queue.Discards(r.Context())
	if err != nil {
		a.internalError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, discards)
}

func (a *localAPI) internalError(w http.ResponseWriter, err error) {
	a.log.Error().Err(err).Msg("terminal request failed")
	httpapi.WriteError(w, http.StatusInternalServerError, err)
}

// writeRefusal reports a sale the server will not take. Nothing is queued
// for it, so the till shows the reason right away.
func writeRefusal(w http.ResponseWriter, c syncer.Classification, err error) {
	status := http.StatusConflict
	if c.Code == domain.CodeValidation {
		status = http.StatusBadRequest
	}
	httpapi.WriteJSON(w, status, domain.ErrorResponse{
		Error:     err.Error(),
		Code:      c.Code,
		ProductID: c.ProductID,
	})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	httpapi.WriteError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}
