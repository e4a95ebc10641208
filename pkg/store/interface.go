package store

import (
	"context"
	"errors"
	"time"

	"titangrid/pkg/model"
)

// Key layout shared by every Store implementation.
const (
	TaskKeyPrefix       = "/titan/tasks/"       // submitted task specs, consumed by the master
	StatusKeyPrefix     = "/titan/status/"      // task snapshots mirrored by the master
	NodeKeyPrefix       = "/titan/nodes/"       // worker heartbeats, leased
	AssignmentKeyPrefix = "/titan/assignments/" // <agent>/<task>
	ReportKeyPrefix     = "/titan/reports/"     // execution outcomes written by workers
	LogKeyPrefix        = "/titan/logs/"
)

var ErrNotFound = errors.New("not found")

// EventType tells a watcher whether a key was written or removed.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Event is one change under a watched prefix. ID is the key with the prefix
// stripped. Value is nil for deletions.
type Event[T any] struct {
	Type  EventType
	ID    string
	Value *T
}

// Heartbeat is what a worker agent announces about itself.
type Heartbeat struct {
	Agent        string           `json:"agent"`
	Hostname     string           `json:"hostname"`
	Address      string           `json:"address"`
	Port         int              `json:"port"`
	Capabilities model.Resources  `json:"capabilities"`
	Usage        model.Resources  `json:"usage,omitempty"`
	Status       model.NodeStatus `json:"status"`
	Running      []string         `json:"running,omitempty"`
	Time         time.Time        `json:"time"`
}

// Assignment hands one task attempt to a worker agent. Deleting it asks the
// agent to abort.
type Assignment struct {
	TaskID            string          `json:"task_id"`
	NodeID            string          `json:"node_id"`
	Agent             string          `json:"agent"`
	Type              string          `json:"type"`
	Payload           []byte          `json:"payload,omitempty"`
	Requirements      model.Resources `json:"requirements,omitempty"`
	EstimatedDuration time.Duration   `json:"estimated_duration,omitempty"`
	Attempt           int             `json:"attempt"`
}

// Report is the outcome of one assignment.
type Report struct {
	TaskID  string       `json:"task_id"`
	Agent   string       `json:"agent"`
	Attempt int          `json:"attempt"`
	Result  model.Result `json:"result"`
	Time    time.Time    `json:"time"`
}

// Store is everything the master, the workers and the CLI exchange. The
// scheduling core never sees it; it only backs the processes around it.
type Store interface {
	// SubmitTask queues a task spec for the master to pick up.
	SubmitTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, id string) error
	// WatchTasks replays pending specs, then follows new ones.
	WatchTasks(ctx context.Context) <-chan Event[model.Task]

	PutStatus(ctx context.Context, task *model.Task) error
	GetStatus(ctx context.Context, id string) (*model.Task, error)
	ListStatus(ctx context.Context) ([]*model.Task, error)

	// Heartbeat writes hb under a lease of ttl; a silent agent's key expires.
	Heartbeat(ctx context.Context, hb *Heartbeat, ttl time.Duration) error
	// DeleteHeartbeat withdraws an agent before its lease runs out.
	DeleteHeartbeat(ctx context.Context, agent string) error
	ListHeartbeats(ctx context.Context) ([]*Heartbeat, error)
	WatchHeartbeats(ctx context.Context) <-chan Event[Heartbeat]

	Assign(ctx context.Context, a *Assignment) error
	Unassign(ctx context.Context, agent, taskID string) error
	WatchAssignments(ctx context.Context, agent string) <-chan Event[Assignment]

	PutReport(ctx context.Context, r *Report) error
	DeleteReport(ctx context.Context, taskID string) error
	WatchReports(ctx context.Context) <-chan Event[Report]

	SaveTaskLog(ctx context.Context, taskID string, logs string) error
	GetTaskLog(ctx context.Context, taskID string) (string, error)
}
