package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"titangrid/pkg/model"
)

type rawEvent struct {
	typ   EventType
	key   string
	value []byte
}

type rawKV struct {
	key   string
	value []byte
}

// backend is the raw key-value surface a Store is built on.
type backend interface {
	put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	get(ctx context.Context, key string) ([]byte, bool, error)
	// list returns the keys under prefix in key order, and the revision the
	// listing reflects.
	list(ctx context.Context, prefix string) ([]rawKV, int64, error)
	del(ctx context.Context, key string) error
	// watch streams changes under prefix starting at revision from. The
	// channel closes when ctx is done.
	watch(ctx context.Context, prefix string, from int64) <-chan rawEvent
}

// keyspace implements Store on top of a backend. Values are JSON.
type keyspace struct {
	b   backend
	log *zap.Logger
}

func (k *keyspace) putValue(ctx context.Context, key string, val any, ttl time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return k.b.put(ctx, key, data, ttl)
}

func (k *keyspace) getValue(ctx context.Context, key string, out any) error {
	data, ok, err := k.b.get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(data, out)
}

func listValues[T any](ctx context.Context, k *keyspace, prefix string) ([]*T, error) {
	kvs, _, err := k.b.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(kvs))
	for _, kv := range kvs {
		v := new(T)
		if err := json.Unmarshal(kv.value, v); err != nil {
			k.log.Warn("skipping undecodable value", zap.String("key", kv.key), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// watchValues replays what is under prefix as puts, then follows changes
// from the listing's revision on.
func watchValues[T any](ctx context.Context, k *keyspace, prefix string) <-chan Event[T] {
	out := make(chan Event[T])
	go func() {
		defer close(out)

		kvs, rev, err := k.b.list(ctx, prefix)
		if err != nil {
			k.log.Error("watch: initial listing failed", zap.String("prefix", prefix), zap.Error(err))
			return
		}
		emit := func(typ EventType, key string, value []byte) bool {
			ev := Event[T]{Type: typ, ID: strings.TrimPrefix(key, prefix)}
			if typ == EventPut {
				ev.Value = new(T)
				if err := json.Unmarshal(value, ev.Value); err != nil {
					k.log.Warn("watch: skipping undecodable value", zap.String("key", key), zap.Error(err))
					return true
				}
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, kv := range kvs {
			if !emit(EventPut, kv.key, kv.value) {
				return
			}
		}
		for ev := range k.b.watch(ctx, prefix, rev+1) {
			if !emit(ev.typ, ev.key, ev.value) {
				return
			}
		}
	}()
	return out
}

func (k *keyspace) SubmitTask(ctx context.Context, task *model.Task) error {
	return k.putValue(ctx, TaskKeyPrefix+task.ID, task, 0)
}

func (k *keyspace) DeleteTask(ctx context.Context, id string) error {
	return k.b.del(ctx, TaskKeyPrefix+id)
}

func (k *keyspace) WatchTasks(ctx context.Context) <-chan Event[model.Task] {
	return watchValues[model.Task](ctx, k, TaskKeyPrefix)
}

func (k *keyspace) PutStatus(ctx context.Context, task *model.Task) error {
	return k.putValue(ctx, StatusKeyPrefix+task.ID, task, 0)
}

func (k *keyspace) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	if err := k.getValue(ctx, StatusKeyPrefix+id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (k *keyspace) ListStatus(ctx context.Context) ([]*model.Task, error) {
	return listValues[model.Task](ctx, k, StatusKeyPrefix)
}

func (k *keyspace) Heartbeat(ctx context.Context, hb *Heartbeat, ttl time.Duration) error {
	return k.putValue(ctx, NodeKeyPrefix+hb.Agent, hb, ttl)
}

func (k *keyspace) DeleteHeartbeat(ctx context.Context, agent string) error {
	return k.b.del(ctx, NodeKeyPrefix+agent)
}

func (k *keyspace) ListHeartbeats(ctx context.Context) ([]*Heartbeat, error) {
	return listValues[Heartbeat](ctx, k, NodeKeyPrefix)
}

func (k *keyspace) WatchHeartbeats(ctx context.Context) <-chan Event[Heartbeat] {
	return watchValues[Heartbeat](ctx, k, NodeKeyPrefix)
}

func assignmentPrefix(agent string) string {
	return AssignmentKeyPrefix + agent + "/"
}

func (k *keyspace) Assign(ctx context.Context, a *Assignment) error {
	return k.putValue(ctx, assignmentPrefix(a.Agent)+a.TaskID, a, 0)
}

func (k *keyspace) Unassign(ctx context.Context, agent, taskID string) error {
	return k.b.del(ctx, assignmentPrefix(agent)+taskID)
}

func (k *keyspace) WatchAssignments(ctx context.Context, agent string) <-chan Event[Assignment] {
	return watchValues[Assignment](ctx, k, assignmentPrefix(agent))
}

func (k *keyspace) PutReport(ctx context.Context, r *Report) error {
	return k.putValue(ctx, ReportKeyPrefix+r.TaskID, r, 0)
}

func (k *keyspace) DeleteReport(ctx context.Context, taskID string) error {
	return k.b.del(ctx, ReportKeyPrefix+taskID)
}

func (k *keyspace) WatchReports(ctx context.Context) <-chan Event[Report] {
	return watchValues[Report](ctx, k, ReportKeyPrefix)
}

type taskLog struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

func (k *keyspace) SaveTaskLog(ctx context.Context, taskID string, logs string) error {
	return k.putValue(ctx, LogKeyPrefix+taskID, taskLog{TaskID: taskID, Content: logs}, 0)
}

func (k *keyspace) GetTaskLog(ctx context.Context, taskID string) (string, error) {
	var l taskLog
	if err := k.getValue(ctx, LogKeyPrefix+taskID, &l); err != nil {
		return "", fmt.Errorf("log for task %s: %w", taskID, err)
	}
	return l.Content, nil
}
