package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "api")

	m.Reservation("ok")
	m.Reservation("ok")
	m.Reservation("OUT_OF_STOCK")
	m.Transfer("channelCommission", "ok")
	m.ObserveRequest("claim", http.StatusConflict, 12*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reservations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reservations.WithLabelValues("OUT_OF_STOCK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transfers.WithLabelValues("channelCommission", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("claim", "Conflict")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Claim("ok")
		m.Delivery("auto", "ok")
		m.ObserveRequest("claim", http.StatusOK, time.Millisecond)
	})
}
