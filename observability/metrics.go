package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics exposes the payment gateway's Prometheus collectors.
type GatewayMetrics struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	scanHeight     prometheus.Gauge
	unconsumed     prometheus.Gauge
	unpriced       prometheus.Gauge
	paid           *prometheus.CounterVec
	collisions     *prometheus.CounterVec
	daemonFailures *prometheus.CounterVec
	transfers      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Gateway returns the lazily-initialised gateway registry. Collectors
// are registered with the default Prometheus registerer exactly once.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xun",
				Subsystem: "recon",
				Name:      "cycles_total",
				Help:      "Reconciliation cycles segmented by outcome.",
			}, []string{"outcome"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "xun",
				Subsystem: "recon",
				Name:      "cycle_duration_seconds",
				Help:      "Wall-clock duration of reconciliation cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			scanHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xun",
				Subsystem: "recon",
				Name:      "scan_height",
				Help:      "Block height up to which transactions have been retrieved.",
			}),
			unconsumed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xun",
				Subsystem: "recon",
				Name:      "unconsumed_amounts",
				Help:      "Observed payment amounts not yet attributed to an order.",
			}),
			unpriced: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xun",
				Subsystem: "orders",
				Name:      "unpriced",
				Help:      "Orders awaiting payment without an expected amount.",
			}),
			paid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xun",
				Subsystem: "orders",
				Name:      "paid_total",
				Help:      "Orders transitioned to paid, segmented by how the payment was attributed.",
			}, []string{"source"}),
			collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xun",
				Subsystem: "orders",
				Name:      "amount_collisions_total",
				Help:      "Expected amount collisions detected between pending orders.",
			}, []string{"stage"}),
			daemonFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xun",
				Subsystem: "daemon",
				Name:      "failures_total",
				Help:      "Coin daemon calls that failed, segmented by method.",
			}, []string{"method"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xun",
				Subsystem: "wallet",
				Name:      "transfers_total",
				Help:      "Manual wallet transfers segmented by outcome.",
			}, []string{"outcome"}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xun",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests served by the gateway API.",
			}, []string{"route", "method", "status"}),
			httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xun",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of gateway API requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.cycles,
			gatewayRegistry.cycleDuration,
			gatewayRegistry.scanHeight,
			gatewayRegistry.unconsumed,
			gatewayRegistry.unpriced,
			gatewayRegistry.paid,
			gatewayRegistry.collisions,
			gatewayRegistry.daemonFailures,
			gatewayRegistry.transfers,
			gatewayRegistry.httpRequests,
			gatewayRegistry.httpDuration,
		)
	})
	return gatewayRegistry
}

// ObserveCycle records a finished reconciliation cycle.
func (m *GatewayMetrics) ObserveCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

// SetScanState publishes the persisted scan progress.
func (m *GatewayMetrics) SetScanState(height uint64, unconsumed int) {
	if m == nil {
		return
	}
	m.scanHeight.Set(float64(height))
	m.unconsumed.Set(float64(unconsumed))
}

// SetUnpriced publishes the number of orders still lacking an expected amount.
func (m *GatewayMetrics) SetUnpriced(count int) {
	if m == nil {
		return
	}
	m.unpriced.Set(float64(count))
}

// RecordPaid counts an order transition to paid.
func (m *GatewayMetrics) RecordPaid(source string) {
	if m == nil {
		return
	}
	m.paid.WithLabelValues(source).Inc()
}

// RecordCollision counts a detected expected amount collision.
func (m *GatewayMetrics) RecordCollision(stage string) {
	if m == nil {
		return
	}
	m.collisions.WithLabelValues(stage).Inc()
}

// RecordDaemonFailure counts a failed daemon call.
func (m *GatewayMetrics) RecordDaemonFailure(method string) {
	if m == nil {
		return
	}
	m.daemonFailures.WithLabelValues(method).Inc()
}

// RecordTransfer counts a manual wallet transfer attempt.
func (m *GatewayMetrics) RecordTransfer(outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records an API request.
func (m *GatewayMetrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
