package model

import "sort"

// ResourceKind names one dimension of a node's capacity or a task's request.
type ResourceKind string

const (
	ResourceCPU      ResourceKind = "cpu_cores"
	ResourceMemory   ResourceKind = "memory_mb"
	ResourceGPU      ResourceKind = "gpu_count"
	ResourceMaxTasks ResourceKind = "max_tasks" // concurrent task slots, capability only
)

// Resources maps a resource kind to a quantity.
// Node capabilities and task requirements share this shape.
type Resources map[ResourceKind]float64

// Kinds returns the kinds present in r in sorted order.
// Anything that walks a Resources map goes through here so results do not
// depend on map iteration order.
func (r Resources) Kinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Clone returns a copy that does not share storage with r.
func (r Resources) Clone() Resources {
	if r == nil {
		return nil
	}
	out := make(Resources, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// LessThan reports whether every dimension requested in r fits into other.
// A dimension missing from other counts as zero available.
func (r Resources) LessThan(other Resources) bool {
	for _, k := range r.Kinds() {
		need := r[k]
		if need <= 0 {
			continue
		}
		if need > other[k] {
			return false
		}
	}
	return true
}

// Add returns r + other per dimension.
func (r Resources) Add(other Resources) Resources {
	out := r.Clone()
	if out == nil {
		out = make(Resources, len(other))
	}
	for k, v := range other {
		out[k] += v
	}
	return out
}

// Sub returns r - other per dimension, never going below zero.
func (r Resources) Sub(other Resources) Resources {
	out := r.Clone()
	if out == nil {
		out = make(Resources, len(other))
	}
	for k, v := range other {
		left := out[k] - v
		if left < 0 {
			left = 0
		}
		out[k] = left
	}
	return out
}

// Without returns a copy of r with the given kind removed.
func (r Resources) Without(kind ResourceKind) Resources {
	out := r.Clone()
	delete(out, kind)
	return out
}
