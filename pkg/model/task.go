package model

import "time"

// TaskStatus is a task's position in its lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"  // dependencies outstanding
	TaskQueued    TaskStatus = "QUEUED"   // ready, waiting for a node
	TaskRunning   TaskStatus = "RUNNING"  // assigned and dispatched
	TaskRetrying  TaskStatus = "RETRYING" // failed once, goes back to QUEUED
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions can happen.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of distributed work.
type Task struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload []byte `json:"payload,omitempty"` // opaque to the scheduler
	Group   string `json:"group,omitempty"`   // redundant executions of one logical unit share a group

	Priority          int           `json:"priority"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	Requirements      Resources     `json:"requirements,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	MaxRetries        int           `json:"max_retries"`

	Status      TaskStatus `json:"status"`
	NodeID      string     `json:"node_id,omitempty"`
	RetryCount  int        `json:"retry_count"`
	SubmittedAt time.Time  `json:"submitted_at"`
	ScheduledAt time.Time  `json:"scheduled_at,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	c.Requirements = t.Requirements.Clone()
	c.Result = t.Result.Clone()
	return c
}
