package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestServerCounters(t *testing.T) {
	m := NewServer(prometheus.NewRegistry())

	m.SaleOutcome("created")
	m.SaleOutcome("created")
	m.SaleOutcome("conflict")
	m.ObserveRequest("POST", "/api/v1/sales", 201, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sales.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sales.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/sales", "201")))
}

func TestSyncGauges(t *testing.T) {
	m := NewSync(prometheus.NewRegistry())

	m.QueueDepth(3)
	m.Reachable(true)
	m.Entry("synced")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entries.WithLabelValues("synced")))
}

func TestNilReceiversAreNoops(t *testing.T) {
	var s *Server
	var y *Sync

	assert.NotPanics(t, func() {
		s.SaleOutcome("created")
		s.CashTransition("open")
		s.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
		y.Entry("synced")
		y.Drain("complete")
		y.QueueDepth(1)
		y.Reachable(false)
	})
}
