// Package metrics exposes delivery counters and latencies in the Prometheus
// text format.
//
// Delivery outcomes and retries arrive synchronously through the dispatcher's
// Observer hook and are exact. Everything else is fed from the event bus,
// which drops events for a full subscriber, so those counters are
// best-effort under bursts.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iacnotify/internal/eventbus"
	"iacnotify/internal/model"
	logx "iacnotify/pkg/logx"
)

const namespace = "iacnotify"

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	deliveries   *prometheus.CounterVec
	retries      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	events       *prometheus.CounterVec
	storeFailed  prometheus.Counter
	toggles      *prometheus.CounterVec
	reloads      prometheus.Counter
	unmatched    prometheus.Counter
	httpRequests *prometheus.CounterVec
}

// Gauges are sampled at scrape time.
type Gauges struct {
	EnabledChannels func() float64
	OpenCircuits    func() float64
	HistorySize     func() float64
	Goroutines      func() float64
}

// New registers every collector on a private registry.
func New(log logx.Logger, g Gauges) *Metrics {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		log: log,
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery outcomes by channel and status.",
		}, []string{"channel", "channel_type", "status"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Retried delivery attempts by channel.",
		}, []string{"channel"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent delivering to one channel, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"channel_type"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Recorded events by type and severity.",
		}, []string{"type", "severity"}),
		storeFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_store_failures_total",
			Help:      "Events that could not be persisted.",
		}),
		toggles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_toggles_total",
			Help:      "Administrative channel enable/disable actions.",
		}, []string{"channel"}),
		reloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Applied configuration reloads.",
		}),
		unmatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unrouted_total",
			Help:      "Events that matched no routing rule.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "method", "code"}),
	}

	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		f.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
	}
	gauge("channels_enabled", "Channels currently enabled.", g.EnabledChannels)
	gauge("circuits_open", "Channels whose circuit breaker is open.", g.OpenCircuits)
	gauge("history_records", "Records held in delivery history.", g.HistorySize)
	gauge("supervised_goroutines", "Goroutines running under the app supervisor.", g.Goroutines)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveHTTP counts one API request. route is the matched pattern, not the
// raw path.
func (m *Metrics) ObserveHTTP(route, method, code string) {
	m.httpRequests.WithLabelValues(route, method, code).Inc()
}

// ObserveDelivery counts one final delivery outcome.
func (m *Metrics) ObserveDelivery(channelID, channelType string, status model.DeliveryStatus, took time.Duration) {
	m.deliveries.WithLabelValues(channelID, channelType, string(status)).Inc()
	if status != model.StatusSkipped && took > 0 {
		m.latency.WithLabelValues(channelType).Observe(took.Seconds())
	}
}

func (m *Metrics) ObserveRetry(channelID string) {
	m.retries.WithLabelValues(channelID).Inc()
}

// Observe folds one bus event into the collectors. Delivery topics are
// ignored; they are counted through ObserveDelivery.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TopicRecorded:
		d, ok := e.Data.(eventbus.RecordedData)
		if !ok {
			return
		}
		m.events.WithLabelValues(d.EventType, d.Severity).Inc()
		if d.Matched == 0 {
			m.unmatched.Inc()
		}
	case eventbus.TopicStoreFailed:
		m.storeFailed.Inc()
	case eventbus.TopicChannelToggle:
		if id, ok := e.Data.(string); ok {
			m.toggles.WithLabelValues(id).Inc()
		}
	case eventbus.TopicReloaded:
		m.reloads.Inc()
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
