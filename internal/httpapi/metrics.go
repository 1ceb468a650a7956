package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediamail"

// Metrics owns a private registry so several servers can live in one
// process. All methods are no-ops on a nil receiver.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	subscribers *prometheus.GaugeVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	throttled   prometheus.Counter
	storeErrors prometheus.Counter
	ingested    *prometheus.CounterVec
}

func newMetrics(stored func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Live message subscribers by transport",
		}, []string{"transport"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_delivered_total",
			Help:      "Stored messages pushed to live subscribers",
		}, []string{"transport"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_total",
			Help:      "Messages skipped because a subscriber's queue was full",
		}, []string{"transport"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests refused by the per-client rate limit",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_errors_total",
			Help:      "Failed writes to the search store",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_posts_total",
			Help:      "Posts received by the ingest endpoint, by outcome",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.requests, m.latency, m.subscribers, m.delivered,
		m.dropped, m.throttled, m.storeErrors, m.ingested,
	)
	if stored != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_messages",
			Help:      "Messages currently held in the search store",
		}, stored))
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(dur.Seconds())
}

// AddSubscribers moves the subscriber gauge for transport by delta.
func (m *Metrics) AddSubscribers(transport string, delta float64) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Add(delta)
}

func (m *Metrics) Delivered(transport string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(transport).Inc()
}

func (m *Metrics) Dropped(transport string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(transport).Inc()
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

func (m *Metrics) StoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// Ingested counts one ingest outcome: stored, rejected, invalid or failed.
func (m *Metrics) Ingested(result string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(result).Inc()
}
