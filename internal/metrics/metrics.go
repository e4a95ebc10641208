// Package metrics holds the Prometheus collectors exported by the master.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"titangrid/pkg/model"
)

// Metrics groups the scheduler and registry collectors. A nil *Metrics is
// valid and records nothing, so components can take it unconditionally.
type Metrics struct {
	transitions  *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	nodes        *prometheus.GaugeVec
	dispatchWait prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titan",
			Subsystem: "scheduler",
			Name:      "task_transitions_total",
			Help:      "Task status transitions, by resulting status.",
		}, []string{"status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titan",
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "Tasks handed to a node, by load balancing strategy.",
		}, []string{"strategy"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a node after the last scheduling pass.",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "titan",
			Subsystem: "registry",
			Name:      "nodes",
			Help:      "Known compute nodes, by status.",
		}, []string{"status"}),
		dispatchWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "titan",
			Subsystem: "scheduler",
			Name:      "dispatch_wait_seconds",
			Help:      "Time between a task becoming queued and being dispatched.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	reg.MustRegister(m.transitions, m.dispatches, m.queueDepth, m.nodes, m.dispatchWait)
	return m
}

func (m *Metrics) TaskTransition(status model.TaskStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) Dispatched(strategy string, waited time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(strategy).Inc()
	m.dispatchWait.Observe(waited.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// NodeCounts replaces the per-status node gauge.
func (m *Metrics) NodeCounts(counts map[model.NodeStatus]int) {
	if m == nil {
		return
	}
	m.nodes.Reset()
	for status, n := range counts {
		m.nodes.WithLabelValues(string(status)).Set(float64(n))
	}
}
