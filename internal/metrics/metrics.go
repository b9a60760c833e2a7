// Package metrics holds the Prometheus collectors shared by the feed, hub and HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "project_feed"

// Metrics groups every collector the service exports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	EventsReceived   prometheus.Counter
	EventsMalformed  prometheus.Counter
	EventsRejected   prometheus.Counter
	FeedReconnects   prometheus.Counter
	Observers        prometheus.Gauge
	Deliveries       prometheus.Counter
	DeliveryFailures prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers the collectors with reg
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "events_total",
			Help: "Change events parsed from the change capture channel.",
		}),
		EventsMalformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "malformed_total",
			Help: "Notifications dropped because they could not be parsed.",
		}),
		EventsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "rejected_total",
			Help: "Change events suppressed by the processor script.",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "reconnects_total",
			Help: "Times the change capture subscription was lost.",
		}),
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "hub", Name: "observers",
			Help: "Currently live observer connections.",
		}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "deliveries_total",
			Help: "Frames queued to observers.",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "delivery_failures_total",
			Help: "Observers dropped because delivery failed.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Counter helpers are safe on a nil receiver.

func (m *Metrics) FeedEvent() {
	if m != nil {
		m.EventsReceived.Inc()
	}
}

func (m *Metrics) FeedMalformed() {
	if m != nil {
		m.EventsMalformed.Inc()
	}
}

func (m *Metrics) FeedRejected() {
	if m != nil {
		m.EventsRejected.Inc()
	}
}

func (m *Metrics) FeedReconnect() {
	if m != nil {
		m.FeedReconnects.Inc()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.Deliveries.Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.DeliveryFailures.Inc()
	}
}

// SetObservers records the live observer count
func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

// ObserveHTTP records one finished request
func (m *Metrics) ObserveHTTP(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
