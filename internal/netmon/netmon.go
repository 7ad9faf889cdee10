// Package netmon tracks whether the server is reachable by probing it on an
// interval and reports online/offline transitions.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"zaiko/backend/internal/metrics"
)

// Pinger is anything that can tell whether the server answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
	metrics  *metrics.Sync

	mu      sync.RWMutex
	online  bool
	known   bool
	changes chan bool
}

type Option func(*Monitor)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.log = logger
	}
}

func WithMetrics(sm *metrics.Sync) Option {
	return func(m *Monitor) {
		m.metrics = sm
	}
}

// WithCheckTimeout bounds a single check. It defaults to the interval.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.timeout = d
	}
}

func New(pinger Pinger, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  interval,
		log:      zerolog.Nop(),
		changes:  make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("component", "netmon").Logger()
	return m
}

// Changes delivers the new state on each transition. Only the latest
// undelivered state is kept, so a slow reader never blocks the monitor.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Check pings once and records the result. The first check always counts
// as a transition.
func (m *Monitor) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(checkCtx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	m.metrics.Reachable(online)
	if changed {
		if online {
			m.log.Info().Msg("server reachable")
		} else {
			m.log.Warn().Err(err).Msg("server unreachable")
		}
		m.publish(online)
	}
	return online
}

func (m *Monitor) publish(online bool) {
	for {
		select {
		case m.changes <- online:
			return
		default:
		}
		select {
		case <-m.changes:
		default:
		}
	}
}

// Run checks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
