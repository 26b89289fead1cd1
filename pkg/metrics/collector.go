package metrics

// Prometheus instrumentation for the ASAP runtime. The collector is one of
// the three process-wide singletons (with the breaker registry and the nonce
// store); Default() initialises it lazily and tests build their own via
// NewCollector so assertions never race each other's counters.
//
// Label cardinality is the caller's contract: payload_type labels must come
// from the registered handler set, with everything else bucketed as "other".

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	clientSendsTotal   *prometheus.CounterVec
	clientSendDuration prometheus.Histogram
	clientRetriesTotal prometheus.Counter
	batchSize          prometheus.Histogram
	batchDuration      prometheus.Histogram

	breakerState  *prometheus.GaugeVec
	wsConnections prometheus.Gauge
	usageEvents   prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asap_requests_total",
			Help: "Envelope requests handled, by payload type and outcome.",
		}, []string{"payload_type", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asap_request_duration_seconds",
			Help:    "Server-side envelope handling duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"payload_type"}),

		clientSendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asap_client_sends_total",
			Help: "Client sends, by outcome.",
		}, []string{"status"}),

		clientSendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asap_client_send_duration_seconds",
			Help:    "End-to-end client send duration including retries.",
			Buckets: prometheus.DefBuckets,
		}),

		clientRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "asap_client_retries_total",
			Help: "Retry attempts performed by the client.",
		}),

		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asap_client_batch_size",
			Help:    "Envelope count per batch send.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "asap_client_batch_duration_seconds",
			Help:    "Total duration of batch fan-outs.",
			Buckets: prometheus.DefBuckets,
		}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asap_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open).",
		}, []string{"endpoint"}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asap_websocket_connections",
			Help: "Currently active WebSocket connections.",
		}),

		usageEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "asap_usage_events_recorded_total",
			Help: "Usage events written to the metering store.",
		}),
	}
}

// Handler serves the collector in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRequest(payloadType, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(payloadType, status).Inc()
	c.requestDuration.WithLabelValues(payloadType).Observe(duration.Seconds())
}

func (c *Collector) RecordClientSend(status string, duration time.Duration) {
	c.clientSendsTotal.WithLabelValues(status).Inc()
	c.clientSendDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordRetry() {
	c.clientRetriesTotal.Inc()
}

func (c *Collector) RecordBatch(size int, duration time.Duration) {
	c.batchSize.Observe(float64(size))
	c.batchDuration.Observe(duration.Seconds())
}

func (c *Collector) SetBreakerState(endpoint string, state int) {
	c.breakerState.WithLabelValues(endpoint).Set(float64(state))
}

func (c *Collector) WSConnected()    { c.wsConnections.Inc() }
func (c *Collector) WSDisconnected() { c.wsConnections.Dec() }

func (c *Collector) RecordUsageEvent() { c.usageEvents.Inc() }

var (
	defaultCollector     *Collector
	defaultCollectorOnce sync.Once
)

// Default returns the process-wide collector.
func Default() *Collector {
	defaultCollectorOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}
