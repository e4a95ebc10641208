package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"titangrid/pkg/model"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TaskTransition(model.TaskRunning)
	m.TaskTransition(model.TaskRunning)
	m.Dispatched("round_robin", 20*time.Millisecond)
	m.QueueDepth(3)
	m.NodeCounts(map[model.NodeStatus]int{model.NodeAvailable: 2})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("round_robin")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.nodes.WithLabelValues("AVAILABLE")))

	n, err := testutil.GatherAndCount(reg, "titan_scheduler_dispatch_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskTransition(model.TaskFailed)
		m.Dispatched("adaptive", time.Second)
		m.QueueDepth(1)
		m.NodeCounts(nil)
	})
}
