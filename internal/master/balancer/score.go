package balancer

import "titangrid/pkg/model"

// scoreNodes returns the candidate with the most normalized spare capacity.
// Ties go to the node with fewer assigned tasks, then to registration order.
func (b *Balancer) scoreNodes(task model.Task, nodes []model.Node) model.Node {
	best := 0
	bestScore := -1.0
	for i, node := range nodes {
		score := calculateScore(task, node)
		if score > bestScore || (score == bestScore && node.AssignedTasks < nodes[best].AssignedTasks) {
			best = i
			bestScore = score
		}
	}
	return nodes[best]
}

// calculateScore averages (capacity - used) / capacity over the requested
// dimensions, or over every capability when the task requests nothing.
// used is the larger of the scheduler's allocation and what the node reports.
// The result lies in [0, 1].
func calculateScore(task model.Task, node model.Node) float64 {
	dims := task.Requirements.Without(model.ResourceMaxTasks).Kinds()
	if len(dims) == 0 {
		dims = node.Capabilities.Without(model.ResourceMaxTasks).Kinds()
	}

	var sum float64
	var n int
	for _, kind := range dims {
		capacity := node.Capabilities[kind]
		if capacity <= 0 {
			continue
		}
		used := node.Allocated[kind]
		if reported := node.Usage[kind]; reported > used {
			used = reported
		}
		spare := (capacity - used) / capacity
		if spare < 0 {
			spare = 0
		}
		sum += spare
		n++
	}

	if max := node.MaxTasks(); max > 0 {
		sum += float64(max-node.AssignedTasks) / float64(max)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
