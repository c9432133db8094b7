package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilityaccess_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facilityaccess_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	accessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilityaccess_decisions_total",
		Help: "Access decisions by outcome and deny code",
	}, []string{"granted", "code"})

	decisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facilityaccess_decision_duration_seconds",
		Help:    "Time spent evaluating a single access request",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	auditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilityaccess_audit_writes_total",
		Help: "Access log appends by result",
	}, []string{"result"})

	suspiciousFlagged = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "facilityaccess_suspicious_flagged",
		Help: "Entities flagged by the most recent suspicious activity scan",
	}, []string{"kind"})

	hardwareOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilityaccess_hardware_operations_total",
		Help: "Door hardware calls by operation and result",
	}, []string{"operation", "result"})

	retentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilityaccess_retention_deleted_total",
		Help: "Access log entries removed by the retention worker",
	}, []string{"result"})

	streamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facilityaccess_stream_subscribers",
		Help: "Open live access log websocket connections",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveDecision counts a decision and records how long it took.
func ObserveDecision(granted bool, code string, duration time.Duration) {
	if code == "" {
		code = "none"
	}
	accessDecisions.WithLabelValues(strconv.FormatBool(granted), code).Inc()
	decisionDuration.Observe(duration.Seconds())
}

func ObserveAuditWrite(result string) {
	auditWrites.WithLabelValues(result).Inc()
}

// ObserveSuspicious sets the flagged count for "user" or "ip".
func ObserveSuspicious(kind string, count int) {
	suspiciousFlagged.WithLabelValues(kind).Set(float64(count))
}

func ObserveHardware(operation, result string) {
	hardwareOperations.WithLabelValues(operation, result).Inc()
}

// ObserveRetention adds n removed entries under the given result label.
func ObserveRetention(result string, n int64) {
	if n < 0 {
		n = 0
	}
	retentionDeleted.WithLabelValues(result).Add(float64(n))
}

func IncrementSubscribers() { streamSubscribers.Inc() }

func DecrementSubscribers() { streamSubscribers.Dec() }
