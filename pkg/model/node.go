package model

import "time"

// NodeStatus is the health state of a node.
type NodeStatus string

const (
	NodeRegistering    NodeStatus = "REGISTERING"
	NodeAvailable      NodeStatus = "AVAILABLE"
	NodeBusy           NodeStatus = "BUSY"
	NodeDraining       NodeStatus = "DRAINING"
	NodeUnreachable    NodeStatus = "UNREACHABLE" // heartbeat timed out
	NodeDecommissioned NodeStatus = "DECOMMISSIONED"
)

// Performance is the rolling view of how a node has been doing.
type Performance struct {
	MeanTaskDuration time.Duration `json:"mean_task_duration"`
	CompletedTasks   int           `json:"completed_tasks"`
	FailedTasks      int           `json:"failed_tasks"`
	TimedOutTasks    int           `json:"timed_out_tasks"`
}

// Node is a registered execution target.
//
// Capabilities is the total the node offers. Allocated and AssignedTasks are
// the scheduler's bookkeeping; Usage and Performance are what the node reports
// about itself.
type Node struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Seq      uint64 `json:"seq"` // registration order

	Capabilities  Resources `json:"capabilities"`
	Allocated     Resources `json:"allocated"`
	AssignedTasks int       `json:"assigned_tasks"`

	Status        NodeStatus  `json:"status"`
	Usage         Resources   `json:"usage,omitempty"`
	Performance   Performance `json:"performance"`
	RegisteredAt  time.Time   `json:"registered_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// MaxTasks returns the node's concurrent task limit, 0 meaning unlimited.
func (n *Node) MaxTasks() int {
	return int(n.Capabilities[ResourceMaxTasks])
}

// HasFreeSlot reports whether another task may be assigned.
func (n *Node) HasFreeSlot() bool {
	max := n.MaxTasks()
	return max <= 0 || n.AssignedTasks < max
}

// Free returns the remaining capacity: capabilities minus allocation.
// The max_tasks dimension reports the number of free slots.
func (n *Node) Free() Resources {
	free := n.Capabilities.Without(ResourceMaxTasks).Sub(n.Allocated)
	if max := n.MaxTasks(); max > 0 {
		free[ResourceMaxTasks] = float64(max - n.AssignedTasks)
	}
	return free
}

// Fits reports whether req can be placed on the node right now.
func (n *Node) Fits(req Resources) bool {
	if !n.HasFreeSlot() {
		return false
	}
	return req.Without(ResourceMaxTasks).LessThan(n.Free())
}

// CouldEverFit reports whether req fits into an idle node of this shape.
func (n *Node) CouldEverFit(req Resources) bool {
	return req.Without(ResourceMaxTasks).LessThan(n.Capabilities)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (n *Node) Clone() Node {
	c := *n
	c.Capabilities = n.Capabilities.Clone()
	c.Allocated = n.Allocated.Clone()
	c.Usage = n.Usage.Clone()
	return c
}
