package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"titangrid/internal/master/balancer"
	"titangrid/internal/master/registry"
	"titangrid/internal/metrics"
	"titangrid/pkg/aggregator"
	"titangrid/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeExecutor records dispatches and aborts. failNext makes the next
// Execute call return an error.
type fakeExecutor struct {
	mu         sync.Mutex
	dispatched []string // "<task>@<node>"
	aborted    []string
	calls      []string // "execute <task>@<node>" and "abort <task>@<node>" in call order
	failNext   error
}

func (e *fakeExecutor) Execute(_ context.Context, node model.Node, task model.Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext != nil {
		err := e.failNext
		e.failNext = nil
		return err
	}
	e.dispatched = append(e.dispatched, task.ID+"@"+node.ID)
	e.calls = append(e.calls, "execute "+task.ID+"@"+node.ID)
	return nil
}

func (e *fakeExecutor) Abort(_ context.Context, node model.Node, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = append(e.aborted, taskID)
	e.calls = append(e.calls, "abort "+taskID+"@"+node.ID)
	return nil
}

func (e *fakeExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeExecutor) Dispatched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.dispatched...)
}

func (e *fakeExecutor) Aborted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.aborted...)
}

type harness struct {
	s     *Scheduler
	reg   *registry.Registry
	exec  *fakeExecutor
	clock *fakeClock
	ctx   context.Context
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := zaptest.NewLogger(t)
	reg := registry.New(registry.Config{HeartbeatTimeout: 10 * time.Second},
		registry.WithLogger(log), registry.WithClock(clock.Now))
	bal := balancer.New(balancer.Config{Strategy: balancer.RoundRobin}, balancer.WithLogger(log))
	exec := &fakeExecutor{}
	opts = append([]Option{WithLogger(log), WithClock(clock.Now)}, opts...)
	return &harness{
		s:     New(reg, bal, exec, cfg, opts...),
		reg:   reg,
		exec:  exec,
		clock: clock,
		ctx:   context.Background(),
	}
}

// addNode registers an AVAILABLE node with the given cpu and slot count.
func (h *harness) addNode(t *testing.T, host string, cpu, slots float64) string {
	t.Helper()
	id, err := h.reg.Register(host, "10.0.0.1", 7000, model.Resources{
		model.ResourceCPU:      cpu,
		model.ResourceMemory:   8192,
		model.ResourceMaxTasks: slots,
	})
	require.NoError(t, err)
	require.True(t, h.reg.UpdateStatus(id, model.NodeAvailable, nil, nil))
	return id
}

func (h *harness) submit(t *testing.T, task model.Task) string {
	t.Helper()
	if task.Requirements == nil {
		task.Requirements = model.Resources{model.ResourceCPU: 1}
	}
	id, err := h.s.Submit(task)
	require.NoError(t, err)
	return id
}

func (h *harness) status(t *testing.T, id string) model.TaskStatus {
	t.Helper()
	task, ok := h.s.Status(id)
	require.True(t, ok, "task %s", id)
	return task.Status
}

func (h *harness) succeed(t *testing.T, id string, metrics map[string]float64) {
	t.Helper()
	require.NoError(t, h.s.ReportResult(id, model.Result{Metrics: metrics}, true))
}

func (h *harness) fail(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.s.ReportResult(id, model.Result{Error: "exit status 1"}, false))
}

func TestTwoSlotsThreeTasks(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "a", 4, 1)
	h.addNode(t, "b", 4, 1)

	t1 := h.submit(t, model.Task{ID: "t1"})
	t2 := h.submit(t, model.Task{ID: "t2"})
	t3 := h.submit(t, model.Task{ID: "t3"})
	h.s.schedule(h.ctx)

	assert.Equal(t, model.TaskRunning, h.status(t, t1))
	assert.Equal(t, model.TaskRunning, h.status(t, t2))
	assert.Equal(t, model.TaskQueued, h.status(t, t3))

	h.clock.Advance(time.Second)
	h.succeed(t, t1, nil)
	h.s.schedule(h.ctx)

	assert.Equal(t, model.TaskCompleted, h.status(t, t1))
	assert.Equal(t, model.TaskRunning, h.status(t, t3))
	assert.Len(t, h.exec.Dispatched(), 3)

	task, _ := h.s.Status(t1)
	require.NotNil(t, task.Result)
	assert.Equal(t, time.Second, task.Result.ExecutionTime)
}

func TestRoundRobinSpreadsTasks(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	nodes := map[string]bool{}
	for _, host := range []string{"a", "b", "c", "d"} {
		nodes[h.addNode(t, host, 8, 8)] = true
	}
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		h.submit(t, model.Task{ID: id})
	}
	h.s.schedule(h.ctx)

	used := map[string]int{}
	for _, task := range h.s.Tasks() {
		require.Equal(t, model.TaskRunning, task.Status)
		used[task.NodeID]++
	}
	assert.Len(t, used, 4)
	for id, n := range used {
		assert.True(t, nodes[id])
		assert.Equal(t, 1, n)
	}
}

func TestDependencies(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "a", 4, 4)

	a := h.submit(t, model.Task{ID: "a"})
	b := h.submit(t, model.Task{ID: "b", Dependencies: []string{a}})
	assert.Equal(t, model.TaskPending, h.status(t, b))

	h.s.schedule(h.ctx)
	assert.Equal(t, model.TaskRunning, h.status(t, a))
	assert.Equal(t, model.TaskPending, h.status(t, b))

	h.succeed(t, a, nil)
	h.s.schedule(h.ctx)
	assert.Equal(t, model.TaskRunning, h.status(t, b))

	// dependencies that already completed do not hold a task back
	c := h.submit(t, model.Task{ID: "c", Dependencies: []string{a}})
	assert.Equal(t, model.TaskQueued, h.status(t, c))
}

func TestDependencyValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.s.Submit(model.Task{ID: "x", Dependencies: []string{"missing"}})
	var unknown *UnknownDependencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Dependency)
	assert.ErrorIs(t, err, ErrUnknownDependency)

	_, err = h.s.Submit(model.Task{ID: "self", Dependencies: []string{"self"}})
	var cycle *DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"self", "self"}, cycle.Path)

	h.submit(t, model.Task{ID: "x"})
	_, err = h.s.Submit(model.Task{ID: "x"})
	assert.ErrorIs(t, err, ErrDuplicateTask)

	_, ok := h.s.Status("self")
	assert.False(t, ok, "rejected tasks are not stored")
}

func TestGeneratedID(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	id, err := h.s.Submit(model.Task{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, model.TaskQueued, h.status(t, id))
}

func TestRetriesThenFails(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	node := h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "flaky", MaxRetries: 2})

	for attempt := 0; attempt < 2; attempt++ {
		h.s.schedule(h.ctx)
		require.Equal(t, model.TaskRunning, h.status(t, id))
		h.fail(t, id)
		require.Equal(t, model.TaskRetrying, h.status(t, id))
	}
	h.s.schedule(h.ctx)
	h.fail(t, id)

	task, _ := h.s.Status(id)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "exit status 1", task.Error)

	// terminal states stay terminal
	assert.ErrorIs(t, h.s.ReportResult(id, model.Result{}, true), ErrTaskNotRunning)
	h.s.schedule(h.ctx)
	assert.Equal(t, model.TaskFailed, h.status(t, id))
	assert.False(t, h.s.Cancel(id))

	n, _ := h.reg.Get(node)
	assert.Equal(t, 0, n.AssignedTasks, "slot released")
	assert.Equal(t, 3, n.Performance.FailedTasks)
}

func TestRetryLowersPriority(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "r", Priority: 5, MaxRetries: 1})
	h.s.schedule(h.ctx)
	h.fail(t, id)

	// same priority as the retried task originally had
	other := h.submit(t, model.Task{ID: "o", Priority: 5})
	h.s.schedule(h.ctx)
	assert.Equal(t, model.TaskRunning, h.status(t, other))
	assert.Equal(t, model.TaskQueued, h.status(t, id))
}

func TestPriorityThenFIFO(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "a", 4, 1)

	low := h.submit(t, model.Task{ID: "low", Priority: 1})
	first := h.submit(t, model.Task{ID: "first", Priority: 5})
	second := h.submit(t, model.Task{ID: "second", Priority: 5})

	var order []string
	for i := 0; i < 3; i++ {
		h.s.schedule(h.ctx)
		for _, task := range h.s.Tasks() {
			if task.Status == model.TaskRunning {
				order = append(order, task.ID)
				h.succeed(t, task.ID, nil)
			}
		}
	}
	assert.Equal(t, []string{first, second, low}, order)
}

func TestTimeoutRetries(t *testing.T) {
	var seen []model.TaskStatus
	var mu sync.Mutex
	h := newHarness(t, DefaultConfig(), WithObserver(func(task model.Task) {
		mu.Lock()
		seen = append(seen, task.Status)
		mu.Unlock()
	}))
	node := h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "slow", EstimatedDuration: time.Second, MaxRetries: 1})
	h.s.schedule(h.ctx)

	h.clock.Advance(2 * time.Second)
	h.s.schedule(h.ctx)
	task, _ := h.s.Status(id)
	assert.Equal(t, 0, task.RetryCount, "within 3x estimate")

	h.clock.Advance(2 * time.Second)
	h.s.schedule(h.ctx)

	task, _ = h.s.Status(id)
	assert.Equal(t, model.TaskRunning, task.Status, "redispatched in the same pass")
	assert.Equal(t, 1, task.RetryCount)
	assert.Contains(t, task.Error, "timed out")
	assert.Len(t, h.exec.Dispatched(), 2)

	mu.Lock()
	assert.Equal(t, []model.TaskStatus{
		model.TaskQueued, model.TaskRunning, model.TaskRetrying, model.TaskQueued, model.TaskRunning,
	}, seen)
	mu.Unlock()

	n, _ := h.reg.Get(node)
	assert.Equal(t, 1, n.Performance.TimedOutTasks)
}

func TestTimeoutAbortsAbandonedAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	node := h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "t1", EstimatedDuration: time.Second, MaxRetries: 1})
	h.s.schedule(h.ctx)

	h.clock.Advance(10 * time.Second)
	h.s.schedule(h.ctx)

	task, _ := h.s.Status(id)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, []string{"t1"}, h.exec.Aborted())
	assert.Equal(t, []string{
		"execute t1@" + node,
		"abort t1@" + node,
		"execute t1@" + node,
	}, h.exec.Calls(), "old attempt withdrawn before the retry is sent")

	n, _ := h.reg.Get(node)
	assert.Equal(t, 1, n.AssignedTasks)
}

func TestUnreachableNodeRequeuesTasks(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	a := h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "t", MaxRetries: 3})
	h.s.schedule(h.ctx)
	require.Equal(t, model.TaskRunning, h.status(t, id))

	h.clock.Advance(11 * time.Second)
	assert.Equal(t, []string{a}, h.reg.Sweep(h.clock.Now()))

	task, _ := h.s.Status(id)
	assert.Equal(t, model.TaskRetrying, task.Status)
	assert.Empty(t, task.NodeID)
	assert.Equal(t, 1, task.RetryCount)
	assert.Eventually(t, func() bool {
		aborted := h.exec.Aborted()
		return len(aborted) == 1 && aborted[0] == id
	}, time.Second, 5*time.Millisecond)

	b := h.addNode(t, "b", 4, 1)
	h.s.schedule(h.ctx)
	task, _ = h.s.Status(id)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, b, task.NodeID)
}

func TestDispatchErrorCountsAsFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "a", 4, 1)
	h.exec.failNext = errors.New("connection refused")
	id := h.submit(t, model.Task{ID: "t", MaxRetries: 1})

	h.s.schedule(h.ctx)
	task, _ := h.s.Status(id)
	assert.Equal(t, model.TaskRetrying, task.Status)
	assert.Contains(t, task.Error, "connection refused")

	h.s.schedule(h.ctx)
	assert.Equal(t, model.TaskRunning, h.status(t, id))
}

func TestCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CancelGracePeriod = 5 * time.Second
	h := newHarness(t, cfg)
	node := h.addNode(t, "a", 4, 1)

	running := h.submit(t, model.Task{ID: "running"})
	waiting := h.submit(t, model.Task{ID: "waiting"})
	h.s.schedule(h.ctx)

	assert.True(t, h.s.Cancel(waiting))
	assert.Equal(t, model.TaskCancelled, h.status(t, waiting))

	assert.True(t, h.s.Cancel(running))
	assert.Equal(t, model.TaskCancelled, h.status(t, running))
	assert.Eventually(t, func() bool { return len(h.exec.Aborted()) == 1 }, time.Second, 5*time.Millisecond)

	n, _ := h.reg.Get(node)
	assert.Equal(t, 1, n.AssignedTasks, "slot held during grace period")

	h.clock.Advance(6 * time.Second)
	h.s.schedule(h.ctx)
	n, _ = h.reg.Get(node)
	assert.Equal(t, 0, n.AssignedTasks)

	assert.False(t, h.s.Cancel(running), "already cancelled")
	assert.False(t, h.s.Cancel("nope"))
}

func TestCancelConfirmedByReport(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	node := h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "t"})
	h.s.schedule(h.ctx)
	require.True(t, h.s.Cancel(id))

	require.NoError(t, h.s.ReportResult(id, model.Result{Error: "killed"}, false))
	assert.Equal(t, model.TaskCancelled, h.status(t, id))
	n, _ := h.reg.Get(node)
	assert.Equal(t, 0, n.AssignedTasks)
}

func TestReportUnknownTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.ErrorIs(t, h.s.ReportResult("ghost", model.Result{}, true), ErrUnknownTask)
}

func TestFailurePropagatesToDependents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addNode(t, "a", 4, 4)
	a := h.submit(t, model.Task{ID: "a"})
	b := h.submit(t, model.Task{ID: "b", Dependencies: []string{a}})
	c := h.submit(t, model.Task{ID: "c", Dependencies: []string{b}})

	h.s.schedule(h.ctx)
	h.fail(t, a)
	h.s.schedule(h.ctx)

	assert.Equal(t, model.TaskFailed, h.status(t, a))
	assert.Equal(t, model.TaskFailed, h.status(t, b))
	assert.Equal(t, model.TaskFailed, h.status(t, c))
	task, _ := h.s.Status(c)
	assert.Contains(t, task.Error, "dependency b")
}

func TestResourceExhaustionAtSubmit(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	// no nodes known yet: the task waits
	early := h.submit(t, model.Task{ID: "early", Requirements: model.Resources{model.ResourceGPU: 1}})
	assert.Equal(t, model.TaskQueued, h.status(t, early))

	h.addNode(t, "a", 4, 2)
	_, err := h.s.Submit(model.Task{ID: "big", Requirements: model.Resources{model.ResourceCPU: 16}})
	var exhausted *ResourceExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "big", exhausted.TaskID)
	assert.ErrorIs(t, err, ErrResourceExhaustion)
}

func TestStarvation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StarvationBound = time.Minute
	h := newHarness(t, cfg)
	h.addNode(t, "a", 4, 1)

	busy := h.submit(t, model.Task{ID: "busy"})
	starved := h.submit(t, model.Task{ID: "starved"})
	h.s.schedule(h.ctx)
	assert.Equal(t, model.TaskQueued, h.status(t, starved))

	h.clock.Advance(2 * time.Minute)
	h.s.schedule(h.ctx)

	task, _ := h.s.Status(starved)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Contains(t, task.Error, ErrResourceExhaustion.Error())
	assert.Equal(t, model.TaskRunning, h.status(t, busy))
}

func TestStarvationSparesTaskWhoseNodeFreesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StarvationBound = time.Minute
	h := newHarness(t, cfg)
	node := h.addNode(t, "a", 4, 1)

	busy := h.submit(t, model.Task{ID: "busy"})
	waiting := h.submit(t, model.Task{ID: "waiting"})
	h.s.schedule(h.ctx)
	require.Equal(t, model.TaskQueued, h.status(t, waiting))

	h.clock.Advance(2 * time.Minute)
	h.succeed(t, busy, nil)
	h.s.schedule(h.ctx)

	task, _ := h.s.Status(waiting)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, node, task.NodeID)
}

func TestRedundantExecutionAndAggregate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for _, host := range []string{"a", "b", "c"} {
		h.addNode(t, host, 4, 1)
	}

	ids, err := h.s.SubmitRedundant(model.Task{ID: "train", Requirements: model.Resources{model.ResourceCPU: 1}}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"train-r0", "train-r1", "train-r2"}, ids)

	h.s.schedule(h.ctx)
	used := map[string]bool{}
	for i, id := range ids {
		task, _ := h.s.Status(id)
		require.Equal(t, model.TaskRunning, task.Status)
		assert.Equal(t, "train", task.Group)
		used[task.NodeID] = true
		h.succeed(t, id, map[string]float64{"accuracy": []float64{0.85, 0.88, 0.83}[i]})
	}
	assert.Len(t, used, 3, "replicas land on distinct nodes")

	out, err := h.s.Aggregate("train", aggregator.Mean, aggregator.Options{})
	require.NoError(t, err)
	v, _ := out.Value("accuracy")
	assert.InDelta(t, 0.8533, v, 0.001)
	assert.Greater(t, out.Confidence, 0.8)

	// every node has a perfect record, so ensemble equals the mean
	ens, err := h.s.Aggregate("train", aggregator.Ensemble, aggregator.Options{})
	require.NoError(t, err)
	ev, _ := ens.Value("accuracy")
	assert.InDelta(t, v, ev, 1e-9)

	_, err = h.s.Aggregate("nothing", aggregator.Mean, aggregator.Options{})
	assert.ErrorIs(t, err, aggregator.ErrNoResults)
}

func TestSubmitRedundantRollsBack(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.submit(t, model.Task{ID: "job-r1"})

	_, err := h.s.SubmitRedundant(model.Task{ID: "job"}, 2)
	assert.ErrorIs(t, err, ErrDuplicateTask)
	assert.Equal(t, model.TaskCancelled, h.status(t, "job-r0"))

	_, err = h.s.SubmitRedundant(model.Task{}, 0)
	assert.Error(t, err)
}

func TestMetricsFollowTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t, DefaultConfig(), WithMetrics(m))
	h.addNode(t, "a", 4, 1)
	id := h.submit(t, model.Task{ID: "t"})
	h.submit(t, model.Task{ID: "u"})
	h.s.schedule(h.ctx)
	h.succeed(t, id, nil)

	expected := `
# HELP titan_scheduler_task_transitions_total Task status transitions, by resulting status.
# TYPE titan_scheduler_task_transitions_total counter
titan_scheduler_task_transitions_total{status="COMPLETED"} 1
titan_scheduler_task_transitions_total{status="QUEUED"} 2
titan_scheduler_task_transitions_total{status="RUNNING"} 1
# HELP titan_scheduler_queue_depth Tasks waiting for a node after the last scheduling pass.
# TYPE titan_scheduler_queue_depth gauge
titan_scheduler_queue_depth 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"titan_scheduler_task_transitions_total", "titan_scheduler_queue_depth"))
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.addNode(t, "a", 4, 2)

	require.NoError(t, h.s.Start(context.Background()))
	assert.Error(t, h.s.Start(context.Background()))

	id := h.submit(t, model.Task{ID: "t"})
	assert.Eventually(t, func() bool {
		task, _ := h.s.Status(id)
		return task.Status == model.TaskRunning
	}, time.Second, 5*time.Millisecond)

	h.succeed(t, id, nil)
	h.s.Stop()
	h.s.Stop()
	assert.Equal(t, model.TaskCompleted, h.status(t, id))
}
