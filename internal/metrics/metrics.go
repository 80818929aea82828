package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wakala/settlement/internal/domain"
)

const namespace = "settlement"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ordersSubmitted  *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	gatewayRequests  *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	webhookReplies   *prometheus.CounterVec
	discrepancies    *prometheus.CounterVec
	ordersByState    *prometheus.GaugeVec
	sweepRuns        *prometheus.CounterVec
	sweepLastRunUnix prometheus.Gauge
}

// New registers all collectors with reg. Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ordersSubmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "submitted_total",
				Help:      "Orders submitted to the aggregator partitioned by transaction type.",
			},
			[]string{"type"},
		),
		settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "settled_total",
				Help:      "Orders reaching a terminal state partitioned by outcome and the path that settled them.",
			},
			[]string{"outcome", "source"},
		),
		gatewayRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Aggregator requests partitioned by endpoint and result.",
			},
			[]string{"endpoint", "result"},
		),
		gatewayLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Aggregator request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		webhookReplies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "notifications_total",
				Help:      "Payment notifications partitioned by reply and disposition.",
			},
			[]string{"reply", "disposition"},
		),
		discrepancies: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciliation",
				Name:      "discrepancies_total",
				Help:      "Discrepancies raised partitioned by type.",
			},
			[]string{"type"},
		),
		ordersByState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "orders",
				Name:      "by_state",
				Help:      "Current order count per state.",
			},
			[]string{"state"},
		),
		sweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciliation",
				Name:      "sweep_runs_total",
				Help:      "Reconciliation sweeps partitioned by result.",
			},
			[]string{"result"},
		),
		sweepLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconciliation",
				Name:      "sweep_last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSubmitted(t domain.TransactionType) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) ObserveSettlement(outcome domain.Outcome, source string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome.String(), source).Inc()
}

func (m *Metrics) ObserveGateway(endpoint string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayRequests.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) ObserveWebhook(reply, disposition string) {
	if m == nil {
		return
	}
	m.webhookReplies.WithLabelValues(reply, disposition).Inc()
}

func (m *Metrics) ObserveDiscrepancy(t domain.DiscrepancyType) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) ObserveSweep(err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("success").Inc()
}

// SetOrderStates replaces the per-state gauges.
func (m *Metrics) SetOrderStates(counts map[domain.OrderState]int) {
	if m == nil {
		return
	}
	m.ordersByState.Reset()
	for state, n := range counts {
		m.ordersByState.WithLabelValues(string(state)).Set(float64(n))
	}
}
