// Package metrics provides a collab.MetricsSink backed by
// github.com/prometheus/client_golang, pre-registering every metric name
// listed in spec.md §6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaycore/feedrelay/collab"
)

// PrometheusSink implements collab.MetricsSink, routing Observe calls to a
// fixed set of counters, gauges, and histograms keyed by metric name.
type PrometheusSink struct {
	registry *prometheus.Registry

	itemsAdmitted  *prometheus.CounterVec
	itemsRejected  *prometheus.CounterVec
	overflow       *prometheus.CounterVec
	sends          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	breakerTrans   *prometheus.CounterVec

	queueSize       *prometheus.GaugeVec
	activeWorkers   prometheus.Gauge
	currentBatch    prometheus.Gauge
	rateLimitWait   *prometheus.GaugeVec

	sendDuration     *prometheus.HistogramVec
	enqueueToSend    prometheus.Histogram
	batchSizeObs     prometheus.Histogram
}

var _ collab.MetricsSink = (*PrometheusSink)(nil)

// NewPrometheusSink constructs a sink and registers its collectors with reg.
// If reg is nil, prometheus.NewRegistry() is used.
func NewPrometheusSink(reg *prometheus.Registry) *PrometheusSink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &PrometheusSink{
		registry: reg,
		itemsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "items_admitted_total", Help: "Items admitted to the queue.",
		}, []string{"priority"}),
		itemsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "items_rejected_total", Help: "Items rejected at admission.",
		}, []string{"reason"}),
		overflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overflow_total", Help: "Displacement/rejection events due to queue overflow.",
		}, []string{"lane"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sends_total", Help: "Webhook send attempts by final outcome.",
		}, []string{"endpoint", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retries_total", Help: "Retry attempts by attempt number.",
		}, []string{"endpoint", "attempt"}),
		breakerTrans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total", Help: "Circuit breaker state transitions.",
		}, []string{"endpoint", "to_state"}),
		queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_size", Help: "Current queue size by lane.",
		}, []string{"lane"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_workers", Help: "Current number of active dispatcher workers.",
		}),
		currentBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_batch_size", Help: "Current adaptive batch size.",
		}),
		rateLimitWait: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limit_wait_seconds", Help: "Most recent rate limiter wait, in seconds.",
		}, []string{"endpoint"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "send_duration_seconds", Help: "Webhook send duration, in seconds.",
		}, []string{"endpoint"}),
		enqueueToSend: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "enqueue_to_send_seconds", Help: "Time from Enqueue to dispatch, in seconds.",
		}),
		batchSizeObs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "batch_size_observed", Help: "Observed dispatch batch sizes.",
		}),
	}

	reg.MustRegister(
		s.itemsAdmitted, s.itemsRejected, s.overflow, s.sends, s.retries, s.breakerTrans,
		s.queueSize, s.activeWorkers, s.currentBatch, s.rateLimitWait,
		s.sendDuration, s.enqueueToSend, s.batchSizeObs,
	)

	return s
}

// Registry returns the prometheus registry the sink's collectors were
// registered with, for wiring into a scrape endpoint (out of scope here).
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Observe routes a (name, labels, value) triple from collab.MetricsSink to
// the matching prometheus collector. Unknown metric names are ignored:
// this sink only serves the fixed set named in spec.md §6.
func (s *PrometheusSink) Observe(name string, labels map[string]string, value float64) {
	switch name {
	case "items_admitted_total":
		s.itemsAdmitted.With(prometheus.Labels{"priority": labels["priority"]}).Add(value)
	case "items_rejected_total":
		s.itemsRejected.With(prometheus.Labels{"reason": labels["reason"]}).Add(value)
	case "overflow_total":
		s.overflow.With(prometheus.Labels{"lane": labels["lane"]}).Add(value)
	case "sends_total":
		s.sends.With(prometheus.Labels{"endpoint": labels["endpoint"], "outcome": labels["outcome"]}).Add(value)
	case "retries_total":
		s.retries.With(prometheus.Labels{"endpoint": labels["endpoint"], "attempt": labels["attempt"]}).Add(value)
	case "breaker_transitions_total":
		s.breakerTrans.With(prometheus.Labels{"endpoint": labels["endpoint"], "to_state": labels["to_state"]}).Add(value)
	case "queue_size":
		s.queueSize.With(prometheus.Labels{"lane": labels["lane"]}).Set(value)
	case "active_workers":
		s.activeWorkers.Set(value)
	case "current_batch_size":
		s.currentBatch.Set(value)
	case "rate_limit_wait_seconds":
		s.rateLimitWait.With(prometheus.Labels{"endpoint": labels["endpoint"]}).Set(value)
	case "send_duration_seconds":
		s.sendDuration.With(prometheus.Labels{"endpoint": labels["endpoint"]}).Observe(value)
	case "enqueue_to_send_seconds":
		s.enqueueToSend.Observe(value)
	case "batch_size_observed":
		s.batchSizeObs.Observe(value)
	}
}
