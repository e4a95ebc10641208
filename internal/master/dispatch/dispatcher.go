// Package dispatch connects the scheduler to the worker agents through the
// shared store. It is the scheduler's Executor: assignments are written where
// an agent watches for them, heartbeats become registry updates, and reports
// become task results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"titangrid/internal/logging"
	"titangrid/internal/master/registry"
	"titangrid/internal/master/scheduler"
	"titangrid/pkg/model"
	"titangrid/pkg/store"
)

// TaskSink is the part of the scheduler the dispatcher feeds.
type TaskSink interface {
	Submit(task model.Task) (string, error)
	ReportResult(id string, result model.Result, success bool) error
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = logging.OrNop(l).Named("dispatch") }
}

// WithMirrorBuffer sets how many status snapshots may wait to be written.
func WithMirrorBuffer(n int) Option {
	return func(d *Dispatcher) { d.mirror = make(chan model.Task, n) }
}

type placement struct {
	attempt int
	agent   string
}

type Dispatcher struct {
	store store.Store
	reg   *registry.Registry
	log   *zap.Logger

	mu       sync.Mutex
	nodes    map[string]string    // agent -> node id
	agents   map[string]string    // node id -> agent
	draining map[string]bool      // agents that announced DRAINING
	assigned map[string]placement // task id -> attempt and agent last assigned

	mirror chan model.Task
}

var _ scheduler.Executor = (*Dispatcher)(nil)

func New(st store.Store, reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		reg:      reg,
		log:      zap.NewNop(),
		nodes:    make(map[string]string),
		agents:   make(map[string]string),
		draining: make(map[string]bool),
		assigned: make(map[string]placement),
		mirror:   make(chan model.Task, 1024),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute writes the assignment the node's agent is watching for.
func (d *Dispatcher) Execute(ctx context.Context, node model.Node, task model.Task) error {
	d.mu.Lock()
	agent, ok := d.agents[node.ID]
	attempt := task.RetryCount + 1
	if ok {
		d.assigned[task.ID] = placement{attempt: attempt, agent: agent}
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no agent known for node %s", node.ID)
	}

	return d.store.Assign(ctx, &store.Assignment{
		TaskID:            task.ID,
		NodeID:            node.ID,
		Agent:             agent,
		Type:              task.Type,
		Payload:           task.Payload,
		Requirements:      task.Requirements,
		EstimatedDuration: task.EstimatedDuration,
		Attempt:           attempt,
	})
}

// Abort removes the assignment; the agent stops the task when it sees the
// deletion.
func (d *Dispatcher) Abort(ctx context.Context, node model.Node, taskID string) error {
	d.mu.Lock()
	agent, ok := d.agents[node.ID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no agent known for node %s", node.ID)
	}
	return d.store.Unassign(ctx, agent, taskID)
}

// Observe queues a task snapshot for the status mirror. Pass it to
// scheduler.WithObserver. It never blocks the scheduler: when the buffer is
// full the snapshot is dropped and the next transition overwrites it anyway.
func (d *Dispatcher) Observe(task model.Task) {
	select {
	case d.mirror <- task:
	default:
		d.log.Warn("status mirror full, dropping snapshot", zap.String("task", task.ID), zap.String("status", string(task.Status)))
	}
}

// Run follows submitted tasks, heartbeats and reports until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, sink TaskSink) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.followTasks(ctx, sink) })
	g.Go(func() error { return d.followHeartbeats(ctx) })
	g.Go(func() error { return d.followReports(ctx, sink) })
	g.Go(func() error { return d.writeStatus(ctx) })
	return g.Wait()
}

func (d *Dispatcher) followTasks(ctx context.Context, sink TaskSink) error {
	for ev := range d.store.WatchTasks(ctx) {
		if ev.Type != store.EventPut {
			continue
		}
		task := *ev.Value
		if task.ID == "" {
			task.ID = ev.ID
		}
		if _, err := sink.Submit(task); err != nil {
			d.log.Warn("task rejected", zap.String("task", task.ID), zap.Error(err))
			task.Status = model.TaskFailed
			task.Error = err.Error()
			task.FinishedAt = time.Now()
			if perr := d.store.PutStatus(ctx, &task); perr != nil {
				d.log.Error("failed to record rejection", zap.String("task", task.ID), zap.Error(perr))
			}
		}
		if err := d.store.DeleteTask(ctx, ev.ID); err != nil {
			d.log.Error("failed to consume task spec", zap.String("task", ev.ID), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) followHeartbeats(ctx context.Context) error {
	for ev := range d.store.WatchHeartbeats(ctx) {
		switch ev.Type {
		case store.EventPut:
			d.heartbeat(ev.Value)
		case store.EventDelete:
			d.agentGone(ev.ID)
		}
	}
	return nil
}

// heartbeat registers unknown agents and refreshes known ones.
func (d *Dispatcher) heartbeat(hb *store.Heartbeat) {
	status := hb.Status
	if status == "" || status == model.NodeRegistering {
		status = model.NodeAvailable
	}

	d.mu.Lock()
	nodeID, known := d.nodes[hb.Agent]
	d.draining[hb.Agent] = status == model.NodeDraining
	d.mu.Unlock()

	if known {
		if current, ok := d.reg.Get(nodeID); ok && !sameResources(current.Capabilities, hb.Capabilities) {
			if err := d.reg.UpdateCapabilities(nodeID, hb.Capabilities); err != nil {
				d.log.Warn("capability update failed", zap.String("agent", hb.Agent), zap.Error(err))
			}
		}
		if d.reg.UpdateStatus(nodeID, status, hb.Usage, nil) {
			return
		}
		// decommissioned or forgotten: start over as a new node
		d.forget(hb.Agent)
	}

	id, err := d.reg.Register(hb.Hostname, hb.Address, hb.Port, hb.Capabilities)
	if err != nil {
		d.log.Warn("agent registration failed", zap.String("agent", hb.Agent), zap.Error(err))
		return
	}
	d.mu.Lock()
	d.nodes[hb.Agent] = id
	d.agents[id] = hb.Agent
	d.mu.Unlock()
	d.log.Info("agent joined", zap.String("agent", hb.Agent), zap.String("node", id))
	d.reg.UpdateStatus(id, status, hb.Usage, nil)
}

// agentGone handles an expired or withdrawn heartbeat. A drained agent is
// decommissioned; anything else is unreachable and its tasks are reconciled.
func (d *Dispatcher) agentGone(agent string) {
	d.mu.Lock()
	nodeID, known := d.nodes[agent]
	draining := d.draining[agent]
	d.mu.Unlock()
	if !known {
		return
	}

	if draining {
		err := d.reg.Deregister(nodeID)
		if err == nil {
			d.forget(agent)
			d.log.Info("agent left", zap.String("agent", agent), zap.String("node", nodeID))
			return
		}
		if !errors.Is(err, registry.ErrNodeHasTasks) {
			d.log.Warn("deregistration failed", zap.String("agent", agent), zap.Error(err))
		}
	}
	d.log.Warn("agent heartbeat gone", zap.String("agent", agent), zap.String("node", nodeID))
	d.reg.UpdateStatus(nodeID, model.NodeUnreachable, nil, nil)
}

func (d *Dispatcher) forget(agent string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.nodes[agent]; ok {
		delete(d.agents, id)
	}
	delete(d.nodes, agent)
	delete(d.draining, agent)
}

func (d *Dispatcher) followReports(ctx context.Context, sink TaskSink) error {
	for ev := range d.store.WatchReports(ctx) {
		if ev.Type != store.EventPut {
			continue
		}
		r := ev.Value

		d.mu.Lock()
		current, ok := d.assigned[r.TaskID]
		stale := ok && r.Attempt != 0 && r.Attempt != current.attempt
		if !stale {
			delete(d.assigned, r.TaskID)
		}
		d.mu.Unlock()

		if err := d.store.DeleteReport(ctx, ev.ID); err != nil {
			d.log.Error("failed to consume report", zap.String("task", r.TaskID), zap.Error(err))
		}
		if stale {
			d.log.Debug("dropping report from an earlier attempt",
				zap.String("task", r.TaskID), zap.Int("attempt", r.Attempt), zap.Int("current", current.attempt))
			// the reporter's key would replay the old attempt when it restarts;
			// on the current agent the key already holds the new attempt
			if r.Agent != "" && r.Agent != current.agent {
				if err := d.store.Unassign(ctx, r.Agent, r.TaskID); err != nil {
					d.log.Warn("failed to clear stale assignment", zap.String("task", r.TaskID),
						zap.String("agent", r.Agent), zap.Error(err))
				}
			}
			continue
		}

		// clear the assignment before the scheduler can hand out a retry
		// under the same key
		if r.Agent != "" {
			if err := d.store.Unassign(ctx, r.Agent, r.TaskID); err != nil {
				d.log.Warn("failed to clear assignment", zap.String("task", r.TaskID), zap.Error(err))
			}
		}
		if err := sink.ReportResult(r.TaskID, r.Result, r.Result.Success); err != nil {
			d.log.Debug("report not applied", zap.String("task", r.TaskID), zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) writeStatus(ctx context.Context) error {
	for {
		select {
		case task := <-d.mirror:
			if err := d.store.PutStatus(ctx, &task); err != nil && ctx.Err() == nil {
				d.log.Warn("status mirror write failed", zap.String("task", task.ID), zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func sameResources(a, b model.Resources) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
