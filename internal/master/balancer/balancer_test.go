package balancer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"titangrid/pkg/model"
)

func node(id string, seq uint64, cpu float64, assigned int) model.Node {
	return model.Node{
		ID:            id,
		Seq:           seq,
		Status:        model.NodeAvailable,
		Capabilities:  model.Resources{model.ResourceCPU: cpu, model.ResourceMaxTasks: 4},
		Allocated:     model.Resources{},
		AssignedTasks: assigned,
	}
}

func newBalancer(t *testing.T, s Strategy) *Balancer {
	return New(Config{Strategy: s}, WithLogger(zaptest.NewLogger(t)))
}

func pick(t *testing.T, b *Balancer, task model.Task, nodes []model.Node) string {
	t.Helper()
	n, err := b.Select(task, nodes)
	require.NoError(t, err)
	return n.ID
}

func TestSelectEmpty(t *testing.T) {
	for _, s := range []Strategy{RoundRobin, LeastLoaded, ResourceBased, Adaptive} {
		t.Run(s.String(), func(t *testing.T) {
			_, err := newBalancer(t, s).Select(model.Task{ID: "t"}, nil)
			assert.ErrorIs(t, err, ErrNoEligibleNode)
		})
	}
}

func TestSelectRejectsNodesWithoutCapacity(t *testing.T) {
	task := model.Task{ID: "t", Requirements: model.Resources{model.ResourceCPU: 4}}
	full := node("full", 1, 8, 4)
	small := node("small", 2, 2, 0)

	for _, s := range []Strategy{RoundRobin, LeastLoaded, ResourceBased, Adaptive} {
		t.Run(s.String(), func(t *testing.T) {
			_, err := newBalancer(t, s).Select(task, []model.Node{full, small})
			assert.ErrorIs(t, err, ErrNoEligibleNode)
		})
	}
}

func TestRoundRobinOneEach(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	// order handed in is not registration order
	nodes := []model.Node{node("c", 3, 4, 0), node("a", 1, 4, 0), node("b", 2, 4, 0)}

	seen := map[string]int{}
	for i := 0; i < len(nodes); i++ {
		seen[pick(t, b, model.Task{ID: "t"}, nodes)]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)

	assert.Equal(t, "a", pick(t, b, model.Task{ID: "t"}, nodes), "wraps around")
}

func TestRoundRobinSurvivesShrinkingCandidates(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	a, bb, c := node("a", 1, 4, 0), node("b", 2, 4, 0), node("c", 3, 4, 0)

	assert.Equal(t, "a", pick(t, b, model.Task{}, []model.Node{a, bb, c}))
	assert.Equal(t, "b", pick(t, b, model.Task{}, []model.Node{bb, c}))
	assert.Equal(t, "c", pick(t, b, model.Task{}, []model.Node{c}))
}

func TestLeastLoadedTiesByRoundRobin(t *testing.T) {
	b := newBalancer(t, LeastLoaded)
	nodes := []model.Node{node("a", 1, 4, 2), node("b", 2, 4, 1), node("c", 3, 4, 1)}

	assert.Equal(t, "b", pick(t, b, model.Task{}, nodes))
	assert.Equal(t, "c", pick(t, b, model.Task{}, nodes))
	assert.Equal(t, "b", pick(t, b, model.Task{}, nodes))
}

func TestResourceBasedPrefersSpareCapacity(t *testing.T) {
	b := newBalancer(t, ResourceBased)
	task := model.Task{Requirements: model.Resources{model.ResourceCPU: 1}}

	busy := node("busy", 1, 8, 0)
	busy.Allocated = model.Resources{model.ResourceCPU: 6}
	idle := node("idle", 2, 8, 0)
	assert.Equal(t, "idle", pick(t, b, task, []model.Node{busy, idle}))

	// reported usage counts even when the scheduler allocated nothing
	hot := node("hot", 3, 8, 0)
	hot.Usage = model.Resources{model.ResourceCPU: 7}
	assert.Equal(t, "idle", pick(t, b, task, []model.Node{hot, idle}))
}

func TestResourceBasedTieGoesToLowerLoad(t *testing.T) {
	b := newBalancer(t, ResourceBased)
	task := model.Task{Requirements: model.Resources{model.ResourceCPU: 1}}

	x := node("x", 1, 8, 0)
	x.Capabilities = model.Resources{model.ResourceCPU: 8}
	x.AssignedTasks = 3
	y := node("y", 2, 8, 0)
	y.Capabilities = model.Resources{model.ResourceCPU: 8}
	y.AssignedTasks = 1

	assert.Equal(t, "y", pick(t, b, task, []model.Node{x, y}))
}

func TestAdaptive(t *testing.T) {
	b := newBalancer(t, Adaptive)
	fast, slow, flaky := node("fast", 1, 4, 0), node("slow", 2, 4, 0), node("flaky", 3, 4, 0)
	nodes := []model.Node{fast, slow, flaky}

	b.Observe("fast", 100*time.Millisecond, true)
	b.Observe("slow", 2*time.Second, true)
	// flaky has no history yet, so it is tried first
	assert.Equal(t, "flaky", pick(t, b, model.Task{}, nodes))

	b.Observe("flaky", 50*time.Millisecond, false)
	b.Observe("flaky", 50*time.Millisecond, false)
	assert.Equal(t, "fast", pick(t, b, model.Task{}, nodes))

	b.Forget("fast")
	assert.Equal(t, "fast", pick(t, b, model.Task{}, nodes), "forgotten nodes are fresh again")
}

func TestAdaptiveZeroConfigPenalizesFailures(t *testing.T) {
	b := New(Config{Strategy: Adaptive})
	nodes := []model.Node{node("failing", 1, 4, 0), node("reliable", 2, 4, 0)}

	for i := 0; i < 5; i++ {
		b.Observe("failing", 50*time.Millisecond, false)
		b.Observe("reliable", 100*time.Millisecond, true)
	}
	assert.Equal(t, "reliable", pick(t, b, model.Task{}, nodes))
}

func TestAdaptiveFallsBackToResourceScoring(t *testing.T) {
	b := newBalancer(t, Adaptive)
	loaded := node("loaded", 1, 8, 0)
	loaded.Allocated = model.Resources{model.ResourceCPU: 7}
	empty := node("empty", 2, 8, 0)

	assert.Equal(t, "empty", pick(t, b, model.Task{}, []model.Node{loaded, empty}))
}

func TestSetStrategyKeepsState(t *testing.T) {
	b := newBalancer(t, RoundRobin)
	nodes := []model.Node{node("a", 1, 4, 0), node("b", 2, 4, 0)}

	assert.Equal(t, "a", pick(t, b, model.Task{}, nodes))
	b.SetStrategy(ResourceBased)
	assert.Equal(t, ResourceBased, b.Strategy())
	b.SetStrategy(RoundRobin)
	assert.Equal(t, "b", pick(t, b, model.Task{}, nodes))
}

func TestSelectIsDeterministic(t *testing.T) {
	nodes := []model.Node{node("a", 1, 4, 1), node("b", 2, 8, 2), node("c", 3, 6, 0)}
	for _, s := range []Strategy{RoundRobin, LeastLoaded, ResourceBased, Adaptive} {
		t.Run(s.String(), func(t *testing.T) {
			b1, b2 := newBalancer(t, s), newBalancer(t, s)
			for i := 0; i < 5; i++ {
				assert.Equal(t, pick(t, b1, model.Task{}, nodes), pick(t, b2, model.Task{}, nodes))
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{RoundRobin, LeastLoaded, ResourceBased, Adaptive} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseStrategy("least_connections")
	require.NoError(t, err)
	assert.Equal(t, LeastLoaded, got)

	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
