// Package balancer picks one node out of a candidate list for a task.
//
// Selection is deterministic: candidates are put in registration order before
// any heuristic runs, and the only state is the round robin cursor and the
// adaptive latency history, both kept across strategy switches.
package balancer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"titangrid/internal/logging"
	"titangrid/pkg/model"
)

var ErrNoEligibleNode = errors.New("no eligible node")

// Config tunes the adaptive strategy.
type Config struct {
	Strategy       Strategy `yaml:"strategy" json:"strategy"`
	Alpha          float64  `yaml:"alpha" json:"alpha"`                     // EWMA smoothing factor in (0, 1]
	FailurePenalty float64  `yaml:"failure_penalty" json:"failure_penalty"` // multiplier on the failure rate, 0 means default
}

func DefaultConfig() Config {
	return Config{Strategy: RoundRobin, Alpha: 0.3, FailurePenalty: 2.0}
}

type Option func(*Balancer)

func WithLogger(l *zap.Logger) Option {
	return func(b *Balancer) { b.log = logging.OrNop(l).Named("balancer") }
}

type Balancer struct {
	mu       sync.Mutex
	strategy Strategy
	lastSeq  uint64 // round robin cursor: Seq of the last node picked
	history  map[string]*nodeHistory

	alpha          float64
	failurePenalty float64
	log            *zap.Logger
}

func New(cfg Config, opts ...Option) *Balancer {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.FailurePenalty <= 0 {
		cfg.FailurePenalty = def.FailurePenalty
	}
	b := &Balancer{
		strategy:       cfg.Strategy,
		history:        make(map[string]*nodeHistory),
		alpha:          cfg.Alpha,
		failurePenalty: cfg.FailurePenalty,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Balancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// SetStrategy switches heuristics without dropping cursor or history.
func (b *Balancer) SetStrategy(s Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s != b.strategy {
		b.log.Info("strategy changed", zap.Stringer("from", b.strategy), zap.Stringer("to", s))
	}
	b.strategy = s
}

// Select returns the node the task should run on.
func (b *Balancer) Select(task model.Task, nodes []model.Node) (model.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(nodes) == 0 {
		return model.Node{}, fmt.Errorf("%w: task %s: no candidates", ErrNoEligibleNode, task.ID)
	}
	candidates := b.filterNodes(task, nodes)
	if len(candidates) == 0 {
		return model.Node{}, fmt.Errorf("%w: task %s: %d candidates, none with capacity", ErrNoEligibleNode, task.ID, len(nodes))
	}

	var picked model.Node
	switch b.strategy {
	case RoundRobin:
		picked = b.nextInRing(candidates)
	case LeastLoaded:
		picked = b.nextInRing(leastLoaded(candidates))
	case ResourceBased:
		picked = b.scoreNodes(task, candidates)
	case Adaptive:
		picked = b.adaptiveSelect(task, candidates)
	default:
		return model.Node{}, fmt.Errorf("unknown load balancing strategy %d", int(b.strategy))
	}

	b.lastSeq = picked.Seq
	b.log.Debug("node selected",
		zap.String("task", task.ID), zap.String("node", picked.ID), zap.Stringer("strategy", b.strategy))
	return picked, nil
}

// Observe feeds one finished execution into the adaptive history.
func (b *Balancer) Observe(nodeID string, latency time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.history[nodeID]
	if !ok {
		h = &nodeHistory{}
		b.history[nodeID] = h
	}
	h.observe(b.alpha, latency, success)
}

// Forget drops a node's history, e.g. after it is deregistered.
func (b *Balancer) Forget(nodeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, nodeID)
}

// nextInRing returns the first node registered after the last pick,
// wrapping around. nodes must be in registration order.
func (b *Balancer) nextInRing(nodes []model.Node) model.Node {
	for _, n := range nodes {
		if n.Seq > b.lastSeq {
			return n
		}
	}
	return nodes[0]
}

func leastLoaded(nodes []model.Node) []model.Node {
	min := nodes[0].AssignedTasks
	for _, n := range nodes[1:] {
		if n.AssignedTasks < min {
			min = n.AssignedTasks
		}
	}
	out := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.AssignedTasks == min {
			out = append(out, n)
		}
	}
	return out
}
