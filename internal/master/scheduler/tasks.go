package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"titangrid/internal/master/registry"
	"titangrid/pkg/aggregator"
	"titangrid/pkg/model"
)

// Submit validates and enqueues a task, returning its id. A missing id is
// generated. Unknown dependencies, dependency cycles and requirements no
// known node could ever satisfy are rejected here.
func (s *Scheduler) Submit(task model.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxRetries < 0 {
		task.MaxRetries = 0
	}

	if fits, known := s.reg.CouldEverFit(task.Requirements); known && !fits {
		return "", &ResourceExhaustionError{
			TaskID:       task.ID,
			Requirements: task.Requirements,
			Reason:       "no registered node has enough capacity",
		}
	}

	now := s.now()
	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	if err := s.checkDependenciesLocked(task); err != nil {
		s.mu.Unlock()
		return "", err
	}

	s.seq++
	rec := &taskRecord{
		task:     task.Clone(),
		seq:      s.seq,
		priority: task.Priority,
	}
	rec.task.NodeID = ""
	rec.task.RetryCount = 0
	rec.task.Result = nil
	rec.task.Error = ""
	rec.task.SubmittedAt = now
	rec.task.ScheduledAt, rec.task.StartedAt, rec.task.FinishedAt = time.Time{}, time.Time{}, time.Time{}
	s.tasks[task.ID] = rec

	status := model.TaskPending
	if ready, _ := s.dependencyState(rec); ready {
		status = model.TaskQueued
		rec.queuedAt = now
	}
	s.transitionLocked(rec, status)
	notes := s.takeNotesLocked()
	s.mu.Unlock()

	s.log.Info("task submitted", zap.String("task", task.ID), zap.String("status", string(status)),
		zap.Int("priority", task.Priority), zap.Strings("dependencies", task.Dependencies))
	s.deliver(notes)
	s.signal()
	return task.ID, nil
}

// SubmitRedundant submits replicas copies of task that share one group, so
// their results can later be combined with Aggregate. Replica ids are
// "<base>-r<n>". If any replica is rejected the ones already accepted are
// cancelled.
func (s *Scheduler) SubmitRedundant(task model.Task, replicas int) ([]string, error) {
	if replicas < 1 {
		return nil, fmt.Errorf("replicas must be positive, got %d", replicas)
	}
	base := task.ID
	if base == "" {
		base = uuid.NewString()
	}
	if task.Group == "" {
		task.Group = base
	}

	ids := make([]string, 0, replicas)
	for i := 0; i < replicas; i++ {
		replica := task.Clone()
		replica.ID = fmt.Sprintf("%s-r%d", base, i)
		id, err := s.Submit(replica)
		if err != nil {
			for _, done := range ids {
				s.Cancel(done)
			}
			return nil, fmt.Errorf("submit replica %d of %s: %w", i, base, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel stops a task. Waiting tasks are cancelled at once. A running task is
// marked CANCELLED immediately, the executor is asked to abort it, and its
// node slot is held until the executor confirms or the grace period passes.
// It returns false for unknown or already finished tasks.
func (s *Scheduler) Cancel(id string) bool {
	now := s.now()
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	var abortNode string
	switch rec.task.Status {
	case model.TaskPending, model.TaskQueued, model.TaskRetrying:
	case model.TaskRunning:
		abortNode = rec.task.NodeID
		rec.cancelledAt = now
	default:
		s.mu.Unlock()
		return false
	}
	rec.task.FinishedAt = now
	s.transitionLocked(rec, model.TaskCancelled)
	notes := s.takeNotesLocked()
	s.mu.Unlock()

	s.log.Info("task cancelled", zap.String("task", id))
	s.deliver(notes)
	if abortNode != "" {
		go s.abort(abortNode, id)
	}
	s.signal()
	return true
}

func (s *Scheduler) abort(nodeID, taskID string) {
	node, ok := s.reg.Get(nodeID)
	if !ok {
		return
	}
	ctx := s.baseContext()
	if s.cfg.CancelGracePeriod > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CancelGracePeriod)
		defer cancel()
	}
	if err := s.exec.Abort(ctx, node, taskID); err != nil {
		s.log.Warn("abort failed", zap.String("task", taskID), zap.String("node", nodeID), zap.Error(err))
	}
}

// ReportResult records the outcome of a running task. A success completes
// the task; a failure retries it while retries remain and fails it otherwise.
// For a cancelled task the report only confirms the abort and frees the slot.
func (s *Scheduler) ReportResult(id string, result model.Result, success bool) error {
	now := s.now()
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	if rec.task.Status == model.TaskCancelled {
		s.releaseLocked(rec)
		s.mu.Unlock()
		s.signal()
		return nil
	}
	if rec.task.Status != model.TaskRunning {
		status := rec.task.Status
		s.mu.Unlock()
		s.log.Debug("ignoring stale result", zap.String("task", id), zap.String("status", string(status)))
		return fmt.Errorf("%w: %s is %s", ErrTaskNotRunning, id, status)
	}

	took := now.Sub(rec.task.StartedAt)
	res := result.Clone()
	res.TaskID = id
	res.NodeID = rec.task.NodeID
	res.Success = success
	if res.ExecutionTime <= 0 {
		res.ExecutionTime = took
	}
	rec.task.Result = res

	if success {
		nodeID := rec.task.NodeID
		s.reg.RecordOutcome(nodeID, res.ExecutionTime, registry.OutcomeSucceeded)
		s.balancer.Observe(nodeID, res.ExecutionTime, true)
		s.releaseLocked(rec)
		rec.task.Error = ""
		rec.task.FinishedAt = now
		s.transitionLocked(rec, model.TaskCompleted)
		s.log.Info("task completed", zap.String("task", id), zap.String("node", nodeID), zap.Duration("took", took))
	} else {
		reason := result.Error
		if reason == "" {
			reason = "execution failed"
		}
		s.failLocked(rec, now, reason, registry.OutcomeFailed)
	}
	notes := s.takeNotesLocked()
	s.mu.Unlock()

	s.deliver(notes)
	s.signal()
	return nil
}

// Status returns a snapshot of one task.
func (s *Scheduler) Status(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return model.Task{}, false
	}
	return rec.task.Clone(), true
}

// Tasks returns snapshots of every task in submission order.
func (s *Scheduler) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.sortedLocked()
	out := make([]model.Task, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.task.Clone())
	}
	return out
}

// Aggregate combines the results of the completed tasks in group. For the
// ensemble method without explicit accuracy, each node's success ratio from
// the registry stands in for its historical accuracy.
func (s *Scheduler) Aggregate(group string, method aggregator.Method, opts aggregator.Options) (*aggregator.Outcome, error) {
	s.mu.Lock()
	var results []model.Result
	for _, rec := range s.sortedLocked() {
		if rec.task.Group != group || rec.task.Status != model.TaskCompleted || rec.task.Result == nil {
			continue
		}
		results = append(results, *rec.task.Result.Clone())
	}
	s.mu.Unlock()

	if len(results) == 0 {
		return nil, fmt.Errorf("group %s: %w", group, aggregator.ErrNoResults)
	}
	if method == aggregator.Ensemble && opts.Accuracy == nil {
		opts.Accuracy = s.nodeReliability(results)
	}

	out, err := aggregator.Aggregate(results, method, opts)
	if err != nil {
		return nil, fmt.Errorf("group %s (%d results): %w", group, len(results), err)
	}
	return out, nil
}

func (s *Scheduler) nodeReliability(results []model.Result) map[string]float64 {
	acc := make(map[string]float64)
	for _, r := range results {
		if _, done := acc[r.NodeID]; done {
			continue
		}
		node, ok := s.reg.Get(r.NodeID)
		if !ok {
			continue
		}
		total := node.Performance.CompletedTasks + node.Performance.FailedTasks
		if total == 0 {
			continue
		}
		acc[r.NodeID] = float64(node.Performance.CompletedTasks) / float64(total)
	}
	if len(acc) == 0 {
		return nil
	}
	return acc
}
