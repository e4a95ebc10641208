package balancer

import (
	"sort"

	"go.uber.org/zap"

	"titangrid/pkg/model"
)

// filterNodes returns the candidates that satisfy the task's hard resource
// constraints, in registration order.
func (b *Balancer) filterNodes(task model.Task, nodes []model.Node) []model.Node {
	candidates := make([]model.Node, 0, len(nodes))
	for _, node := range nodes {
		if b.checkNode(task, node) {
			candidates = append(candidates, node)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Seq != candidates[j].Seq {
			return candidates[i].Seq < candidates[j].Seq
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

// checkNode is the predicate: a free slot and room for every requested dimension.
func (b *Balancer) checkNode(task model.Task, node model.Node) bool {
	if !node.HasFreeSlot() {
		b.log.Debug("node filtered: no free task slot",
			zap.String("node", node.ID), zap.Int("assigned", node.AssignedTasks), zap.Int("max", node.MaxTasks()))
		return false
	}

	free := node.Free()
	for _, kind := range task.Requirements.Kinds() {
		if kind == model.ResourceMaxTasks {
			continue
		}
		need := task.Requirements[kind]
		if need > 0 && free[kind] < need {
			b.log.Debug("node filtered: insufficient resource",
				zap.String("node", node.ID), zap.String("resource", string(kind)),
				zap.Float64("free", free[kind]), zap.Float64("need", need))
			return false
		}
	}
	return true
}
