// Package metrics holds the Prometheus collectors of both binaries. Every
// method is safe on a nil receiver so components can run without metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	sales        *prometheus.CounterVec
	cashSessions *prometheus.CounterVec
}

func NewServer(reg prometheus.Registerer) *Server {
	m := &Server{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		sales: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaiko_sales_total",
				Help: "Sale submissions by outcome",
			},
			[]string{"outcome"},
		),
		cashSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaiko_cash_session_transitions_total",
				Help: "Cash session opens and closes",
			},
			[]string{"transition"},
		),
	}
	reg.MustRegister(m.httpRequests, m.httpDuration, m.sales, m.cashSessions)
	return m
}

func (m *Server) ObserveRequest(method, path string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(path).Observe(took.Seconds())
}

func (m *Server) SaleOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(outcome).Inc()
}

func (m *Server) CashTransition(transition string) {
	if m == nil {
		return
	}
	m.cashSessions.WithLabelValues(transition).Inc()
}

type Sync struct {
	entries    *prometheus.CounterVec
	drains     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	online     prometheus.Gauge
}

func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaiko_sync_entries_total",
				Help: "Queued sales processed by the sync engine, by outcome",
			},
			[]string{"outcome"},
		),
		drains: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaiko_sync_drains_total",
				Help: "Drain cycles by how they ended",
			},
			[]string{"result"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zaiko_queue_depth",
			Help: "Sales waiting in the local queue",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zaiko_server_reachable",
			Help: "1 when the server answered the last health check",
		}),
	}
	reg.MustRegister(m.entries, m.drains, m.queueDepth, m.online)
	return m
}

func (m *Sync) Entry(outcome string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(outcome).Inc()
}

func (m *Sync) Drain(result string) {
	if m == nil {
		return
	}
	m.drains.WithLabelValues(result).Inc()
}

func (m *Sync) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Sync) Reachable(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
