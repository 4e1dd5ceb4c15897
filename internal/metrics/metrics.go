package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nftbook"

// Metrics groups the commerce collectors. A nil *Metrics records nothing,
// which keeps collaborators usable without a registry.
type Metrics struct {
	Checkouts    *prometheus.CounterVec
	Reservations *prometheus.CounterVec
	Claims       *prometheus.CounterVec
	Deliveries   *prometheus.CounterVec
	Transfers    *prometheus.CounterVec
	Relayed      *prometheus.CounterVec
	Requests     *prometheus.CounterVec
	LatencyMS    *prometheus.HistogramVec
}

func New(reg prometheus.Registerer, service string) *Metrics {
	m := &Metrics{
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions by listing kind and outcome.",
		}, []string{"kind", "outcome"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reserve-and-mark-paid transactions by outcome code.",
		}, []string{"outcome"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome code.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "NFT deliveries by mode and outcome.",
		}, []string{"mode", "outcome"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_transfers_total",
			Help:      "Settlement transfers by commission type and outcome.",
		}, []string{"type", "outcome"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "Outbox records handled by topic and outcome.",
		}, []string{"topic", "outcome"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}
	reg.MustRegister(
		m.Checkouts,
		m.Reservations,
		m.Claims,
		m.Deliveries,
		m.Transfers,
		m.Relayed,
		m.Requests,
		m.LatencyMS,
	)
	return m
}

func (m *Metrics) Checkout(kind, outcome string) {
	if m != nil {
		m.Checkouts.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) Reservation(outcome string) {
	if m != nil {
		m.Reservations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Claim(outcome string) {
	if m != nil {
		m.Claims.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Delivery(mode, outcome string) {
	if m != nil {
		m.Deliveries.WithLabelValues(mode, outcome).Inc()
	}
}

func (m *Metrics) Transfer(kind, outcome string) {
	if m != nil {
		m.Transfers.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) Relay(topic, outcome string) {
	if m != nil {
		m.Relayed.WithLabelValues(topic, outcome).Inc()
	}
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, http.StatusText(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
