// Package scheduler owns the task queue and the dependency graph, and drives
// tasks through PENDING -> QUEUED -> RUNNING -> COMPLETED | FAILED | CANCELLED,
// with RETRYING looping back to QUEUED.
//
// A single background loop makes every dispatch decision. It wakes on
// submissions, result reports and node status changes, and polls on a fixed
// interval so timeouts are noticed even when nothing else happens.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"titangrid/internal/logging"
	"titangrid/internal/master/balancer"
	"titangrid/internal/master/registry"
	"titangrid/internal/metrics"
	"titangrid/pkg/model"
)

// Executor ships a task to a node. Execute hands the task off and returns;
// completion comes back through Scheduler.ReportResult. Abort is a best-effort
// request to stop a running task.
type Executor interface {
	Execute(ctx context.Context, node model.Node, task model.Task) error
	Abort(ctx context.Context, node model.Node, taskID string) error
}

// Config holds the retry, timeout and starvation policy.
type Config struct {
	// PollInterval bounds how late a timeout can be noticed.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// A running task times out after EstimatedDuration * TimeoutMultiplier.
	TimeoutMultiplier float64 `yaml:"timeout_multiplier" json:"timeout_multiplier"`
	// DefaultTimeout applies to tasks without an estimate. Zero disables it.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// StarvationBound is how long a task may stay QUEUED without a node.
	// Zero waits forever.
	StarvationBound time.Duration `yaml:"starvation_bound" json:"starvation_bound"`
	// CancelGracePeriod is how long a cancelled running task keeps its node
	// slot while waiting for the executor to confirm.
	CancelGracePeriod time.Duration `yaml:"cancel_grace_period" json:"cancel_grace_period"`
	// RetryPriorityPenalty is subtracted from a task's priority on each retry.
	RetryPriorityPenalty int `yaml:"retry_priority_penalty" json:"retry_priority_penalty"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         500 * time.Millisecond,
		TimeoutMultiplier:    3,
		StarvationBound:      10 * time.Minute,
		CancelGracePeriod:    30 * time.Second,
		RetryPriorityPenalty: 1,
	}
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = logging.OrNop(l).Named("scheduler") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver registers fn to receive a snapshot after every status
// transition. Calls happen outside the scheduler lock.
func WithObserver(fn func(model.Task)) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, fn) }
}

type taskRecord struct {
	task     model.Task
	seq      uint64 // submission order, FIFO tie-break
	priority int    // effective priority after retry penalties
	queuedAt time.Time
	attempt  int

	// node slot held by this task
	reserved     bool
	reservedNode string
	reservedReq  model.Resources

	cancelledAt time.Time
}

// abandoned is an attempt the scheduler gave up on while it may still be
// running on its node.
type abandoned struct {
	nodeID string
	taskID string
}

type dispatch struct {
	node    model.Node
	task    model.Task
	attempt int
}

type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*taskRecord
	seq   uint64
	notes []model.Task // transitions waiting to be delivered to observers
	stale []abandoned  // attempts to abort before the next dispatch

	reg      *registry.Registry
	balancer *balancer.Balancer
	exec     Executor

	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	observers []func(model.Task)

	wake    chan struct{}
	runMu   sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(reg *registry.Registry, bal *balancer.Balancer, exec Executor, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.TimeoutMultiplier <= 0 {
		cfg.TimeoutMultiplier = def.TimeoutMultiplier
	}

	s := &Scheduler{
		tasks:    make(map[string]*taskRecord),
		reg:      reg,
		balancer: bal,
		exec:     exec,
		cfg:      cfg,
		log:      zap.NewNop(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	reg.Subscribe(s.onNodeEvent)
	return s
}

var errAlreadyStarted = errors.New("scheduler already started")

// Start launches the scheduling loop. It runs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return errAlreadyStarted
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	go s.run(s.runCtx, s.stopped)
	return nil
}

// Stop ends the loop and waits for it to exit. Task state is kept.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Scheduler) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("started", zap.Stringer("strategy", s.balancer.Strategy()), zap.Duration("poll", s.cfg.PollInterval))
	for {
		s.schedule(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("stopped")
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) baseContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// schedule runs one pass of the loop.
func (s *Scheduler) schedule(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	s.checkTimeoutsLocked(now)
	s.expireCancelsLocked(now)
	s.promoteLocked(now)
	batch := s.dispatchLocked(now)
	notes := s.takeNotesLocked()
	stale := s.takeAbandonedLocked()
	s.mu.Unlock()

	s.deliver(notes)
	// a retry may be bound to the node still running the old attempt, so the
	// old one is withdrawn first
	for _, a := range stale {
		s.abort(a.nodeID, a.taskID)
	}
	for _, d := range batch {
		s.execute(ctx, d)
	}
}

func (s *Scheduler) execute(ctx context.Context, d dispatch) {
	err := s.exec.Execute(ctx, d.node, d.task)
	if err == nil {
		return
	}
	s.log.Warn("dispatch failed", zap.String("task", d.task.ID), zap.String("node", d.node.ID), zap.Error(err))

	s.mu.Lock()
	rec, ok := s.tasks[d.task.ID]
	if ok && rec.attempt == d.attempt && rec.task.Status == model.TaskRunning {
		s.failLocked(rec, s.now(), "dispatch failed: "+err.Error(), registry.OutcomeFailed)
	}
	notes := s.takeNotesLocked()
	s.mu.Unlock()

	s.deliver(notes)
	s.signal()
}

// sortedLocked returns the records in submission order.
func (s *Scheduler) sortedLocked() []*taskRecord {
	out := make([]*taskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// checkTimeoutsLocked fails running tasks that exceeded their deadline.
func (s *Scheduler) checkTimeoutsLocked(now time.Time) {
	for _, rec := range s.sortedLocked() {
		if rec.task.Status != model.TaskRunning {
			continue
		}
		limit := s.timeoutFor(rec.task)
		if limit <= 0 || now.Sub(rec.task.StartedAt) <= limit {
			continue
		}
		s.log.Warn("task timed out",
			zap.String("task", rec.task.ID), zap.String("node", rec.task.NodeID), zap.Duration("limit", limit))
		s.stale = append(s.stale, abandoned{nodeID: rec.task.NodeID, taskID: rec.task.ID})
		s.failLocked(rec, now, "timed out after "+limit.String(), registry.OutcomeTimedOut)
	}
}

func (s *Scheduler) timeoutFor(task model.Task) time.Duration {
	if task.EstimatedDuration > 0 {
		return time.Duration(float64(task.EstimatedDuration) * s.cfg.TimeoutMultiplier)
	}
	return s.cfg.DefaultTimeout
}

// expireCancelsLocked frees the slots of cancelled tasks whose executor never
// confirmed within the grace period.
func (s *Scheduler) expireCancelsLocked(now time.Time) {
	for _, rec := range s.tasks {
		if rec.task.Status != model.TaskCancelled || !rec.reserved {
			continue
		}
		if now.Sub(rec.cancelledAt) < s.cfg.CancelGracePeriod {
			continue
		}
		s.log.Info("cancel grace period elapsed, releasing slot",
			zap.String("task", rec.task.ID), zap.String("node", rec.reservedNode))
		s.releaseLocked(rec)
	}
}

// promoteLocked moves RETRYING tasks back to QUEUED, PENDING tasks whose
// dependencies completed to QUEUED, and fails tasks whose dependencies can
// never complete. Failures cascade within the same pass.
func (s *Scheduler) promoteLocked(now time.Time) {
	for changed := true; changed; {
		changed = false
		for _, rec := range s.sortedLocked() {
			switch rec.task.Status {
			case model.TaskRetrying:
				rec.queuedAt = now
				s.transitionLocked(rec, model.TaskQueued)
				changed = true
			case model.TaskPending:
				ready, broken := s.dependencyState(rec)
				if broken != "" {
					rec.task.Error = "dependency " + broken + " did not complete"
					rec.task.FinishedAt = now
					s.transitionLocked(rec, model.TaskFailed)
					changed = true
				} else if ready {
					rec.queuedAt = now
					s.transitionLocked(rec, model.TaskQueued)
					changed = true
				}
			}
		}
	}
}

// dispatchLocked walks QUEUED tasks by priority then submission order and
// binds each to a node when one is eligible.
func (s *Scheduler) dispatchLocked(now time.Time) []dispatch {
	var queue []*taskRecord
	for _, rec := range s.tasks {
		if rec.task.Status == model.TaskQueued {
			queue = append(queue, rec)
		}
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].priority != queue[j].priority {
			return queue[i].priority > queue[j].priority
		}
		return queue[i].seq < queue[j].seq
	})

	var batch []dispatch
	waiting := 0
	for _, rec := range queue {
		// dependencies are re-checked at bind time
		if ready, _ := s.dependencyState(rec); !ready {
			s.transitionLocked(rec, model.TaskPending)
			continue
		}

		node, err := s.bindLocked(rec)
		if err != nil {
			if !s.starveLocked(rec, now) {
				waiting++
			}
			continue
		}

		rec.reserved = true
		rec.reservedNode = node.ID
		rec.reservedReq = rec.task.Requirements.Clone()
		rec.attempt++
		rec.task.NodeID = node.ID
		rec.task.ScheduledAt = now
		rec.task.StartedAt = now
		s.transitionLocked(rec, model.TaskRunning)
		s.metrics.Dispatched(s.balancer.Strategy().String(), now.Sub(rec.queuedAt))

		s.log.Info("task scheduled", zap.String("task", rec.task.ID), zap.String("node", node.ID),
			zap.Int("priority", rec.priority), zap.Int("retry", rec.task.RetryCount))
		batch = append(batch, dispatch{node: node, task: rec.task.Clone(), attempt: rec.attempt})
	}
	s.metrics.QueueDepth(waiting)
	return batch
}

// bindLocked selects a node for rec and reserves its resources there.
func (s *Scheduler) bindLocked(rec *taskRecord) (model.Node, error) {
	candidates := s.reg.AvailableNodes(rec.task.Requirements)
	node, err := s.balancer.Select(rec.task, candidates)
	if err != nil {
		return model.Node{}, err
	}
	if err := s.reg.Reserve(node.ID, rec.task.Requirements); err != nil {
		s.log.Debug("reservation lost", zap.String("task", rec.task.ID), zap.String("node", node.ID), zap.Error(err))
		return model.Node{}, err
	}
	return node, nil
}

// starveLocked fails a task that found no node for longer than the
// starvation bound. It reports whether the task was failed.
func (s *Scheduler) starveLocked(rec *taskRecord, now time.Time) bool {
	if s.cfg.StarvationBound <= 0 || now.Sub(rec.queuedAt) <= s.cfg.StarvationBound {
		return false
	}
	err := &ResourceExhaustionError{
		TaskID:       rec.task.ID,
		Requirements: rec.task.Requirements,
		Reason:       "no eligible node within " + s.cfg.StarvationBound.String(),
	}
	s.log.Warn("task starved", zap.String("task", rec.task.ID), zap.Error(err))
	rec.task.Error = err.Error()
	rec.task.FinishedAt = now
	s.transitionLocked(rec, model.TaskFailed)
	return true
}

// failLocked handles a failed execution attempt: the slot is released, the
// node is penalized, and the task either retries or fails for good.
func (s *Scheduler) failLocked(rec *taskRecord, now time.Time, reason string, outcome registry.Outcome) {
	nodeID := rec.task.NodeID
	if nodeID != "" {
		took := now.Sub(rec.task.StartedAt)
		s.reg.RecordOutcome(nodeID, took, outcome)
		s.balancer.Observe(nodeID, took, false)
	}
	s.releaseLocked(rec)
	rec.task.Error = reason

	if rec.task.RetryCount < rec.task.MaxRetries {
		rec.task.RetryCount++
		rec.priority -= s.cfg.RetryPriorityPenalty
		rec.task.NodeID = ""
		s.log.Info("task will retry", zap.String("task", rec.task.ID), zap.String("reason", reason),
			zap.Int("retry", rec.task.RetryCount), zap.Int("max_retries", rec.task.MaxRetries))
		s.transitionLocked(rec, model.TaskRetrying)
		return
	}

	rec.task.FinishedAt = now
	s.log.Warn("task failed", zap.String("task", rec.task.ID), zap.String("reason", reason),
		zap.Int("retries", rec.task.RetryCount))
	s.transitionLocked(rec, model.TaskFailed)
}

func (s *Scheduler) releaseLocked(rec *taskRecord) {
	if !rec.reserved {
		return
	}
	s.reg.Release(rec.reservedNode, rec.reservedReq)
	rec.reserved = false
	rec.reservedNode = ""
	rec.reservedReq = nil
}

func (s *Scheduler) transitionLocked(rec *taskRecord, status model.TaskStatus) {
	rec.task.Status = status
	s.metrics.TaskTransition(status)
	if len(s.observers) > 0 {
		s.notes = append(s.notes, rec.task.Clone())
	}
}

func (s *Scheduler) takeNotesLocked() []model.Task {
	notes := s.notes
	s.notes = nil
	return notes
}

func (s *Scheduler) takeAbandonedLocked() []abandoned {
	stale := s.stale
	s.stale = nil
	return stale
}

func (s *Scheduler) deliver(notes []model.Task) {
	for _, t := range notes {
		for _, fn := range s.observers {
			fn(t)
		}
	}
}

// onNodeEvent reacts to registry changes: tasks on unreachable nodes are
// reconciled, and any change may unblock queued work.
func (s *Scheduler) onNodeEvent(ev registry.NodeEvent) {
	switch {
	case ev.Status == model.NodeUnreachable:
		s.reconcile(ev.NodeID)
	case ev.Type == registry.NodeDeregistered:
		s.balancer.Forget(ev.NodeID)
	}
	s.signal()
}

// reconcile requeues every task running on an unreachable node.
func (s *Scheduler) reconcile(nodeID string) {
	now := s.now()
	s.mu.Lock()
	var lost []string
	for _, rec := range s.sortedLocked() {
		switch {
		case rec.task.Status == model.TaskRunning && rec.task.NodeID == nodeID:
			lost = append(lost, rec.task.ID)
			s.failLocked(rec, now, "node "+nodeID+" unreachable", registry.OutcomeFailed)
		case rec.task.Status == model.TaskCancelled && rec.reserved && rec.reservedNode == nodeID:
			s.releaseLocked(rec)
		}
	}
	notes := s.takeNotesLocked()
	s.mu.Unlock()

	if len(lost) > 0 {
		s.log.Warn("reconciled tasks from unreachable node", zap.String("node", nodeID), zap.Int("tasks", len(lost)))
	}
	s.deliver(notes)
	// the node is out of rotation, so no retry can race these aborts
	for _, id := range lost {
		go s.abort(nodeID, id)
	}
}
