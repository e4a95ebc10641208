package model

import "time"

// Result is what one execution of a task produced.
type Result struct {
	TaskID        string             `json:"task_id"`
	NodeID        string             `json:"node_id,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	ExecutionTime time.Duration      `json:"execution_time,omitempty"`
	Success       bool               `json:"success"`
	Error         string             `json:"error,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Metrics != nil {
		c.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			c.Metrics[k] = v
		}
	}
	return &c
}
