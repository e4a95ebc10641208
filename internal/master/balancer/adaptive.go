package balancer

import (
	"time"

	"titangrid/pkg/model"
)

const minLatency = 0.001 // seconds

// nodeHistory is the exponentially weighted view of a node's recent tasks.
type nodeHistory struct {
	latency     float64 // seconds
	failureRate float64
	samples     int
}

func (h *nodeHistory) observe(alpha float64, latency time.Duration, success bool) {
	fail := 0.0
	if !success {
		fail = 1.0
	}
	if h.samples == 0 {
		h.latency = latency.Seconds()
		h.failureRate = fail
		h.samples = 1
		return
	}
	h.latency = alpha*latency.Seconds() + (1-alpha)*h.latency
	h.failureRate = alpha*fail + (1-alpha)*h.failureRate
	h.samples++
}

// cost is predicted_latency * (1 + penalty * failure_rate).
// Latency is floored so a node that fails instantly cannot look free.
func (h *nodeHistory) cost(penalty float64) float64 {
	latency := h.latency
	if latency < minLatency {
		latency = minLatency
	}
	return latency * (1 + penalty*h.failureRate)
}

// adaptiveSelect picks the node with the lowest predicted cost. Nodes with no
// history yet are scored by spare capacity instead, and are tried before any
// node with history so every node gets measured.
func (b *Balancer) adaptiveSelect(task model.Task, nodes []model.Node) model.Node {
	var fresh, known []model.Node
	for _, n := range nodes {
		if h, ok := b.history[n.ID]; ok && h.samples > 0 {
			known = append(known, n)
		} else {
			fresh = append(fresh, n)
		}
	}
	if len(fresh) > 0 {
		return b.scoreNodes(task, fresh)
	}

	best := 0
	bestCost := b.history[known[0].ID].cost(b.failurePenalty)
	for i := 1; i < len(known); i++ {
		c := b.history[known[i].ID].cost(b.failurePenalty)
		if c < bestCost || (c == bestCost && known[i].AssignedTasks < known[best].AssignedTasks) {
			best = i
			bestCost = c
		}
	}
	return known[best]
}
