package kilat

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and channel management. It is safe for concurrent use and may be shared
// by several factories.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	channelsDialed *prometheus.CounterVec
	channelsReused *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilat_requests_total",
				Help: "Total number of requests by method and outcome",
			},
			[]string{"method", "status"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kilat_request_duration_seconds",
				Help:    "Request duration from admission to terminal state",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		requestsInFlight: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "kilat_requests_in_flight",
				Help: "Requests currently between admission and completion",
			},
		),
		channelsDialed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilat_channels_dialed_total",
				Help: "New connections dialed by scheme",
			},
			[]string{"scheme"},
		),
		channelsReused: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilat_channels_reused_total",
				Help: "Connections reused from the idle pool by scheme",
			},
			[]string{"scheme"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilat_errors_total",
				Help: "Terminal request failures by error type",
			},
			[]string{"type"},
		),
	}
}

func (mc *MetricsCollector) recordRequestStarted() {
	mc.requestsInFlight.Inc()
}

func (mc *MetricsCollector) recordRequestFinished(method string, resp *Response, err error, elapsed time.Duration) {
	mc.requestsInFlight.Dec()
	mc.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())

	if err != nil {
		mc.requestsTotal.WithLabelValues(method, "error").Inc()
		mc.errorsTotal.WithLabelValues(errorTypeLabel(err)).Inc()
		return
	}
	mc.requestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
}

func (mc *MetricsCollector) recordChannelDialed(scheme string) {
	mc.channelsDialed.WithLabelValues(scheme).Inc()
}

func (mc *MetricsCollector) recordChannelReused(scheme string) {
	mc.channelsReused.WithLabelValues(scheme).Inc()
}

func errorTypeLabel(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return "unknown"
}
