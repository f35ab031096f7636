package icap

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	connsActive     prometheus.Gauge
	parseErrors     prometheus.Counter
	rejections      *prometheus.CounterVec
	upgrades        prometheus.Counter
	timeouts        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icap",
				Name:      "requests_total",
				Help:      "ICAP requests answered, by method and ICAP status.",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "icap",
				Name:      "request_duration_seconds",
				Help:      "Time from request parsed to response written.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "icap",
			Name:      "connections_active",
			Help:      "Open client connections.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "icap",
			Name:      "parse_errors_total",
			Help:      "Requests rejected as malformed.",
		}),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icap",
				Name:      "admission_rejections_total",
				Help:      "Requests refused because the per-peer connection limit was reached.",
			},
			[]string{"service"},
		),
		upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "icap",
			Name:      "tls_upgrades_total",
			Help:      "Connections upgraded to TLS in-band.",
		}),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "icap",
				Name:      "processing_timeouts_total",
				Help:      "Service calls aborted by their timeout.",
			},
			[]string{"service"},
		),
	}
	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.connsActive,
		m.parseErrors,
		m.rejections,
		m.upgrades,
		m.timeouts,
	)
	return m
}

func (m *Metrics) observeRequest(method Method, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method.String(), strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method.String()).Observe(d.Seconds())
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connsActive.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connsActive.Dec()
	}
}

func (m *Metrics) parseError() {
	if m != nil {
		m.parseErrors.Inc()
	}
}

func (m *Metrics) admissionRejected(service string) {
	if m != nil {
		m.rejections.WithLabelValues(service).Inc()
	}
}

func (m *Metrics) upgraded() {
	if m != nil {
		m.upgrades.Inc()
	}
}

func (m *Metrics) timedOut(service string) {
	if m != nil {
		m.timeouts.WithLabelValues(service).Inc()
	}
}
