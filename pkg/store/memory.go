package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"titangrid/internal/logging"
)

// MemoryStore is an in-process Store for tests and single binary setups.
// Leases are not enforced: heartbeat keys never expire on their own.
type MemoryStore struct {
	keyspace
}

func NewMemoryStore(log *zap.Logger) *MemoryStore {
	log = logging.OrNop(log).Named("memstore")
	return &MemoryStore{keyspace: keyspace{b: newMemBackend(), log: log}}
}

// memBackend keeps every mutation in an append-only history so watchers can
// resume from any revision. Revision n is history[n-1].
type memBackend struct {
	mu      sync.Mutex
	data    map[string][]byte
	history []rawEvent
	changed chan struct{} // closed on every mutation
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte), changed: make(chan struct{})}
}

func (m *memBackend) record(ev rawEvent) {
	m.history = append(m.history, ev)
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *memBackend) put(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := append([]byte(nil), value...)
	m.data[key] = v
	m.record(rawEvent{typ: EventPut, key: key, value: v})
	return nil
}

func (m *memBackend) get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBackend) list(_ context.Context, prefix string) ([]rawKV, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rawKV
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, rawKV{key: k, value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, int64(len(m.history)), nil
}

func (m *memBackend) del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return nil
	}
	delete(m.data, key)
	m.record(rawEvent{typ: EventDelete, key: key})
	return nil
}

func (m *memBackend) watch(ctx context.Context, prefix string, from int64) <-chan rawEvent {
	out := make(chan rawEvent)
	go func() {
		defer close(out)
		pos := int(from - 1)
		if pos < 0 {
			pos = 0
		}
		for {
			m.mu.Lock()
			var pending []rawEvent
			if pos < len(m.history) {
				pending = m.history[pos:]
				pos = len(m.history)
			}
			changed := m.changed
			m.mu.Unlock()

			for _, ev := range pending {
				if !strings.HasPrefix(ev.key, prefix) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
