package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for chat turns and the HTTP surface. A nil *Metrics records nothing
type Metrics struct {
	TurnsTotal           *prometheus.CounterVec
	TurnDuration         prometheus.Histogram
	TurnsInFlight        prometheus.Gauge
	FragmentsTotal       prometheus.Counter
	CommitsTotal         prometheus.Counter
	PersistFailuresTotal prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesmith_turns_total",
				Help: "Chat turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "codesmith_turn_duration_seconds",
			Help:    "Duration of chat turns in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		TurnsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codesmith_turns_in_flight",
			Help: "Chat turns currently streaming",
		}),
		FragmentsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "codesmith_fragments_total",
			Help: "Model output fragments received",
		}),
		CommitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "codesmith_code_commits_total",
			Help: "Extracted code blocks committed to the code store",
		}),
		PersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "codesmith_persist_failures_total",
			Help: "Failed writes to the persistent code backend",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codesmith_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "status"},
		),
	}
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.TurnsInFlight.Inc()
}

func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsInFlight.Dec()
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

func (m *Metrics) Fragment() {
	if m == nil {
		return
	}
	m.FragmentsTotal.Inc()
}

func (m *Metrics) Commit() {
	if m == nil {
		return
	}
	m.CommitsTotal.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailuresTotal.Inc()
}

func (m *Metrics) HTTPRequest(route string, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}
