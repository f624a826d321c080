package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "espmctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests to the daemon status server.",
		},
		[]string{"port", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "espmctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"port", "method", "path", "status"},
	)
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "espmctl",
			Subsystem: "port",
			Name:      "exchanges_total",
			Help:      "Request/reply exchanges with the target.",
		},
		[]string{"port", "type", "result"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "espmctl",
			Subsystem: "port",
			Name:      "exchange_duration_seconds",
			Help:      "Exchange duration in seconds, queue wait excluded.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"port", "type", "result"},
	)
	framingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "espmctl",
			Subsystem: "port",
			Name:      "framing_errors_total",
			Help:      "Framing errors recovered by resynchronization.",
		},
		[]string{"port"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "espmctl",
			Subsystem: "port",
			Name:      "queue_depth",
			Help:      "Requests waiting for the port.",
		},
		[]string{"port"},
	)
	clients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "espmctl",
			Subsystem: "port",
			Name:      "clients",
			Help:      "Connected IPC clients.",
		},
		[]string{"port"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, exchanges, exchangeDuration, framingErrors, queueDepth, clients)
	})
}

func RecordHTTPRequest(port, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(port, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(port, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordExchange records one finished exchange. result is an error kind or "ok".
func RecordExchange(port, messageType, result string, duration time.Duration) {
	RegisterMetrics()
	exchanges.WithLabelValues(port, messageType, result).Inc()
	exchangeDuration.WithLabelValues(port, messageType, result).Observe(duration.Seconds())
}

func AddFramingErrors(port string, n uint64) {
	if n == 0 {
		return
	}
	RegisterMetrics()
	framingErrors.WithLabelValues(port).Add(float64(n))
}

func SetQueueDepth(port string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(port).Set(float64(depth))
}

func SetClients(port string, n int64) {
	RegisterMetrics()
	clients.WithLabelValues(port).Set(float64(n))
}
