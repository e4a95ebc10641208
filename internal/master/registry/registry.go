// Package registry is the master's source of truth for compute nodes.
//
// Nodes announce themselves with Register and keep themselves alive with
// UpdateStatus. A periodic sweep marks silent nodes UNREACHABLE. The
// assignment counters on each node (Allocated, AssignedTasks) belong to the
// scheduler and only change through Reserve and Release.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"titangrid/internal/logging"
	"titangrid/internal/metrics"
	"titangrid/pkg/model"
)

// Config controls health detection.
type Config struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig mirrors a worker heartbeating every 3s.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 10 * time.Second,
		SweepInterval:    2 * time.Second,
	}
}

// EventType says what happened to a node.
type EventType int

const (
	NodeRegistered EventType = iota
	NodeStatusChanged
	NodeDeregistered
)

// NodeEvent is delivered to subscribers after the registry lock is released.
type NodeEvent struct {
	Type     EventType
	NodeID   string
	Previous model.NodeStatus
	Status   model.NodeStatus
}

// Outcome classifies a finished task for node health bookkeeping.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
)

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNop(l).Named("registry") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*model.Node
	seq   uint64

	subMu       sync.RWMutex
	subscribers []func(NodeEvent)

	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		nodes: make(map[string]*model.Node),
		cfg:   cfg,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for every node event. fn runs on the goroutine that
// caused the event and must not block for long.
func (r *Registry) Subscribe(fn func(NodeEvent)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *Registry) publish(events ...NodeEvent) {
	if len(events) == 0 {
		return
	}
	r.subMu.RLock()
	subs := append(([]func(NodeEvent))(nil), r.subscribers...)
	r.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Register adds a node and returns its generated id.
func (r *Registry) Register(hostname, address string, port int, caps model.Resources) (string, error) {
	r.mu.Lock()
	for _, n := range r.nodes {
		if n.Status != model.NodeDecommissioned && n.Hostname == hostname && n.Port == port {
			r.mu.Unlock()
			return "", fmt.Errorf("%w: %s:%d is node %s", ErrDuplicateNode, hostname, port, n.ID)
		}
	}

	now := r.now()
	r.seq++
	node := &model.Node{
		ID:            uuid.NewString(),
		Hostname:      hostname,
		Address:       address,
		Port:          port,
		Seq:           r.seq,
		Capabilities:  caps.Clone(),
		Allocated:     model.Resources{},
		Status:        model.NodeRegistering,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.nodes[node.ID] = node
	r.recordCountsLocked()
	r.mu.Unlock()

	r.log.Info("node registered",
		zap.String("node", node.ID), zap.String("hostname", hostname), zap.Int("port", port))
	r.publish(NodeEvent{Type: NodeRegistered, NodeID: node.ID, Status: node.Status})
	return node.ID, nil
}

// UpdateStatus records a heartbeat and the node's reported state. usage and
// perf are optional. It returns false for unknown or decommissioned nodes.
func (r *Registry) UpdateStatus(id string, status model.NodeStatus, usage model.Resources, perf *model.Performance) bool {
	if status == model.NodeDecommissioned {
		r.log.Warn("decommission requested through status update, use Deregister", zap.String("node", id))
		return false
	}

	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok || node.Status == model.NodeDecommissioned {
		r.mu.Unlock()
		return false
	}
	node.LastHeartbeat = r.now()
	if usage != nil {
		node.Usage = usage.Clone()
	}
	if perf != nil {
		node.Performance = *perf
	}
	prev := node.Status
	node.Status = status
	r.recordCountsLocked()
	r.mu.Unlock()

	if prev != status {
		r.log.Info("node status changed",
			zap.String("node", id), zap.String("from", string(prev)), zap.String("to", string(status)))
		r.publish(NodeEvent{Type: NodeStatusChanged, NodeID: id, Previous: prev, Status: status})
	}
	return true
}

// UpdateCapabilities replaces a node's capabilities.
func (r *Registry) UpdateCapabilities(id string, caps model.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok || node.Status == model.NodeDecommissioned {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	node.Capabilities = caps.Clone()
	return nil
}

// AvailableNodes returns AVAILABLE nodes with room for req and a free task
// slot. Order is unspecified.
func (r *Registry) AvailableNodes(req model.Resources) []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status != model.NodeAvailable {
			continue
		}
		if !n.Fits(req) {
			continue
		}
		out = append(out, n.Clone())
	}
	return out
}

// CouldEverFit reports whether any live node's full capacity covers req, and
// whether any live node is known at all.
func (r *Registry) CouldEverFit(req model.Resources) (fits bool, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.nodes {
		if n.Status == model.NodeDecommissioned {
			continue
		}
		known = true
		if n.CouldEverFit(req) {
			return true, true
		}
	}
	return false, known
}

// Deregister decommissions a node. The node must be drained first.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok || node.Status == model.NodeDecommissioned {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if node.AssignedTasks > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s has %d", ErrNodeHasTasks, id, node.AssignedTasks)
	}
	prev := node.Status
	node.Status = model.NodeDecommissioned
	r.recordCountsLocked()
	r.mu.Unlock()

	r.log.Info("node deregistered", zap.String("node", id))
	r.publish(NodeEvent{Type: NodeDeregistered, NodeID: id, Previous: prev, Status: model.NodeDecommissioned})
	return nil
}

// Get returns a snapshot of one node.
func (r *Registry) Get(id string) (model.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return model.Node{}, false
	}
	return n.Clone(), true
}

// List returns snapshots of every known node, decommissioned ones included.
func (r *Registry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Clone())
	}
	return out
}

// Reserve consumes req and one task slot on a node. The check and the
// consumption happen under one lock so concurrent reservations cannot
// overcommit the node.
func (r *Registry) Reserve(id string, req model.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok || node.Status == model.NodeDecommissioned {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if !node.Fits(req) {
		return fmt.Errorf("%w: %s", ErrInsufficientCapacity, id)
	}
	node.Allocated = node.Allocated.Add(req.Without(model.ResourceMaxTasks))
	node.AssignedTasks++
	return nil
}

// Release gives back what Reserve took. Unknown nodes are ignored.
func (r *Registry) Release(id string, req model.Resources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return
	}
	node.Allocated = node.Allocated.Sub(req.Without(model.ResourceMaxTasks))
	if node.AssignedTasks > 0 {
		node.AssignedTasks--
	}
}

// RecordOutcome folds a finished task into the node's rolling performance.
func (r *Registry) RecordOutcome(id string, took time.Duration, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return
	}
	p := &node.Performance
	switch outcome {
	case OutcomeSucceeded:
		p.CompletedTasks++
		// running mean over completed tasks
		p.MeanTaskDuration += (took - p.MeanTaskDuration) / time.Duration(p.CompletedTasks)
	case OutcomeFailed:
		p.FailedTasks++
	case OutcomeTimedOut:
		p.FailedTasks++
		p.TimedOutTasks++
	}
}

// Sweep marks every live node that has not heartbeated within the timeout as
// UNREACHABLE and returns their ids.
func (r *Registry) Sweep(now time.Time) []string {
	if r.cfg.HeartbeatTimeout <= 0 {
		return nil
	}

	r.mu.Lock()
	var (
		expired []string
		events  []NodeEvent
	)
	for _, n := range r.nodes {
		switch n.Status {
		case model.NodeUnreachable, model.NodeDecommissioned:
			continue
		}
		if now.Sub(n.LastHeartbeat) <= r.cfg.HeartbeatTimeout {
			continue
		}
		events = append(events, NodeEvent{
			Type: NodeStatusChanged, NodeID: n.ID, Previous: n.Status, Status: model.NodeUnreachable,
		})
		n.Status = model.NodeUnreachable
		expired = append(expired, n.ID)
	}
	if len(expired) > 0 {
		r.recordCountsLocked()
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.log.Warn("node heartbeat timed out", zap.String("node", id))
	}
	r.publish(events...)
	return expired
}

// Run sweeps on SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("health sweep started", zap.Duration("interval", interval), zap.Duration("timeout", r.cfg.HeartbeatTimeout))
	for {
		select {
		case <-ticker.C:
			r.Sweep(r.now())
		case <-ctx.Done():
			r.log.Info("health sweep stopped")
			return
		}
	}
}

func (r *Registry) recordCountsLocked() {
	if r.metrics == nil {
		return
	}
	counts := make(map[model.NodeStatus]int)
	for _, n := range r.nodes {
		counts[n.Status]++
	}
	r.metrics.NodeCounts(counts)
}
