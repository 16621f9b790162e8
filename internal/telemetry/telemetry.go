// Package telemetry exposes poll activity and the latest readings as
// Prometheus metrics.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/HerbHall/procwatch/internal/engine"
	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procwatch"

// Compile-time interface guard.
var _ engine.Recorder = (*Metrics)(nil)

// Metrics owns a private registry with the Go runtime and process
// collectors plus procwatch's own series.
type Metrics struct {
	registry    *prometheus.Registry
	polls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	unavailable *prometheus.CounterVec
	readings    *prometheus.GaugeVec
}

// New registers every series on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Polls run, by target kind and result (ok or error kind).",
		}, []string{"kind", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Wall time of a poll including resolution and sampling.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_unavailable_total",
			Help:      "Readings reported as unavailable, by target kind and metric.",
		}, []string{"kind", "metric"}),
		readings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reading",
			Help:      "Latest available reading per poll source and metric.",
		}, []string{"source", "target", "metric"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.duration, m.unavailable, m.readings,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) PollFinished(kind models.TargetKind, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = string(models.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.polls.WithLabelValues(kind.String(), result).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) MetricUnavailable(kind models.TargetKind, key string) {
	m.unavailable.WithLabelValues(kind.String(), key).Inc()
}

// Observe publishes the readings of res under source. Unavailable readings
// remove the series so stale values are not scraped.
func (m *Metrics) Observe(source string, res *models.PollResult) {
	if res == nil {
		return
	}
	target := res.Target.String()
	for key, r := range res.Values {
		if r.Available {
			m.readings.WithLabelValues(source, target, key).Set(r.Value)
		} else {
			m.readings.DeleteLabelValues(source, target, key)
		}
	}
}

// Forget removes every reading series of source.
func (m *Metrics) Forget(source string) int {
	return m.readings.DeletePartialMatch(prometheus.Labels{"source": source})
}

// Subscribe mirrors completed polls into the reading gauges and drops the
// series of released observers. The returned function removes both
// subscriptions.
func (m *Metrics) Subscribe(bus event.Subscriber) func() {
	unsubCompleted := bus.Subscribe(event.TopicPollCompleted, func(_ context.Context, e event.Event) {
		if pc, ok := e.Payload.(event.PollCompleted); ok {
			m.Observe(e.Source, pc.Result)
		}
	})
	unsubReleased := bus.Subscribe(event.TopicObserverReleased, func(_ context.Context, e event.Event) {
		m.Forget(e.Source)
	})
	return func() {
		unsubCompleted()
		unsubReleased()
	}
}
