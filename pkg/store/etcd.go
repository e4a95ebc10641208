package store

import (
	"context"
	"math"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"titangrid/internal/logging"
)

// EtcdStore keeps the cluster's shared state in etcd.
type EtcdStore struct {
	keyspace
	client *clientv3.Client
}

// NewEtcdStore connects to etcd. The connection is lazy: an unreachable
// cluster shows up on the first request, not here.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*EtcdStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	log = logging.OrNop(log).Named("etcd")
	return &EtcdStore{
		keyspace: keyspace{b: &etcdBackend{client: cli, log: log, leases: make(map[string]clientv3.LeaseID)}, log: log},
		client:   cli,
	}, nil
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

type etcdBackend struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease backing it
}

func (e *etcdBackend) put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := e.client.Put(ctx, key, string(value))
		return err
	}
	lease, err := e.lease(ctx, key, ttl)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(value), clientv3.WithLease(lease))
	return err
}

// lease refreshes the lease already backing key, or grants a new one when
// there is none or it expired.
func (e *etcdBackend) lease(ctx context.Context, key string, ttl time.Duration) (clientv3.LeaseID, error) {
	e.mu.Lock()
	id, ok := e.leases[key]
	e.mu.Unlock()

	if ok {
		if _, err := e.client.KeepAliveOnce(ctx, id); err == nil {
			return id, nil
		}
		e.log.Debug("lease lost, granting a new one", zap.String("key", key))
	}

	resp, err := e.client.Grant(ctx, int64(math.Ceil(ttl.Seconds())))
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.leases[key] = resp.ID
	e.mu.Unlock()
	return resp.ID, nil
}

func (e *etcdBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (e *etcdBackend) list(ctx context.Context, prefix string) ([]rawKV, int64, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	out := make([]rawKV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, rawKV{key: string(kv.Key), value: kv.Value})
	}
	return out, resp.Header.Revision, nil
}

func (e *etcdBackend) del(ctx context.Context, key string) error {
	_, err := e.client.Delete(ctx, key)
	e.mu.Lock()
	delete(e.leases, key)
	e.mu.Unlock()
	return err
}

func (e *etcdBackend) watch(ctx context.Context, prefix string, from int64) <-chan rawEvent {
	out := make(chan rawEvent)
	go func() {
		defer close(out)
		watchChan := e.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(from))
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				e.log.Error("watch failed", zap.String("prefix", prefix), zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				raw := rawEvent{typ: EventPut, key: string(ev.Kv.Key), value: ev.Kv.Value}
				if ev.Type == clientv3.EventTypeDelete {
					raw.typ = EventDelete
					raw.value = nil
				}
				select {
				case out <- raw:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
