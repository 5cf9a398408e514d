// Package telemetry exposes Prometheus metrics for the consumer engine, the
// stream admin and the pebble stores.
package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rzbill/flowstream/internal/consumer"
	"github.com/rzbill/flowstream/internal/streamadmin"
	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
)

const namespace = "flowstream"

// Metrics owns a registry and the collectors registered in it.
type Metrics struct {
	registry *prometheus.Registry

	polls          *prometheus.CounterVec
	pollLatency    *prometheus.HistogramVec
	delivered      *prometheus.CounterVec
	commits        *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	reconfigures   *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
	storageBytes   *prometheus.CounterVec
	batchOps       prometheus.Histogram
}

var (
	_ consumer.Metrics        = (*Metrics)(nil)
	_ streamadmin.Metrics     = (*Metrics)(nil)
	_ pebblestore.MetricsHook = (*Metrics)(nil)
)

// New registers the collectors in a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "polls_total",
			Help: "Consumer polls by outcome.",
		}, []string{"stream", "group", "result"}),
		pollLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "poll_seconds",
			Help:    "Consumer poll latency, including time spent waiting for appends.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stream", "group"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "delivered_events_total",
			Help: "Events returned by polls.",
		}, []string{"stream", "group"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "commits_total",
			Help: "Consumer commits by outcome.",
		}, []string{"stream", "group", "result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consumer", Name: "rollbacks_total",
			Help: "Consumer transaction rollbacks.",
		}, []string{"stream", "group"}),
		reconfigures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "admin", Name: "group_reconfigurations_total",
			Help: "Consumer group reconfigurations.",
		}, []string{"stream", "group"}),
		storageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "op_seconds",
			Help:    "Pebble operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"op"}),
		storageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "storage", Name: "bytes_total",
			Help: "Bytes read and written through pebble.",
		}, []string{"op"}),
		batchOps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "storage", Name: "batch_ops",
			Help:    "Operations per committed pebble batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls, m.pollLatency, m.delivered, m.commits, m.rollbacks,
		m.reconfigures, m.storageLatency, m.storageBytes, m.batchOps,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, consumer.ErrStaleGeneration):
		return "stale"
	case errors.Is(err, consumer.ErrConsistency):
		return "conflict"
	default:
		return "error"
	}
}

func (m *Metrics) ObservePoll(stream, group string, events int, elapsed time.Duration, err error) {
	m.polls.WithLabelValues(stream, group, result(err)).Inc()
	m.pollLatency.WithLabelValues(stream, group).Observe(elapsed.Seconds())
	if events > 0 {
		m.delivered.WithLabelValues(stream, group).Add(float64(events))
	}
}

func (m *Metrics) ObserveCommit(stream, group string, _ int, err error) {
	m.commits.WithLabelValues(stream, group, result(err)).Inc()
}

func (m *Metrics) ObserveRollback(stream, group string) {
	m.rollbacks.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) ObserveReconfigure(stream, group string, _ int) {
	m.reconfigures.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) ObserveWrite(elapsed time.Duration, bytes int) {
	m.storageLatency.WithLabelValues("write").Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("write").Add(float64(bytes))
}

func (m *Metrics) ObserveRead(elapsed time.Duration, bytes int) {
	m.storageLatency.WithLabelValues("read").Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("read").Add(float64(bytes))
}

func (m *Metrics) ObserveBatchCommit(elapsed time.Duration, ops int, bytes int) {
	m.storageLatency.WithLabelValues("batch_commit").Observe(elapsed.Seconds())
	m.storageBytes.WithLabelValues("write").Add(float64(bytes))
	m.batchOps.Observe(float64(ops))
}
