package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"hyper-rpc/internal/util"
)

const DefaultDialTimeout = 3 * time.Second

// EtcdRegistry implements Registry on etcd v3.
//
//	Key:   /hyper-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded Instance
//
// Entries carry a TTL lease kept alive in the background, so a crashed
// server disappears once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client // Safe for concurrent use

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // Key -> lease renewed for it
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: DefaultDialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Ping checks that at least the first endpoint answers.
func (r *EtcdRegistry) Ping(ctx context.Context) error {
	_, err := r.client.Status(ctx, r.client.Endpoints()[0])
	return err
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// Register puts instance under a lease of ttl seconds and renews the lease
// until Deregister or Close. Registering the same address again replaces
// the previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := serviceKey(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		r.client.Revoke(ctx, lease.ID)
		return err
	}

	// Renewal must outlive ctx, which usually only covers the registration.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		util.LogDebug("lease of %s at %s ended", serviceName, instance.Addr)
	}()

	r.mu.Lock()
	prev, ok := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if ok {
		r.revoke(ctx, prev)
	}
	return nil
}

// Deregister deletes the entry and revokes its lease, which stops renewal.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		return r.revoke(ctx, lease)
	}
	return nil
}

func (r *EtcdRegistry) revoke(ctx context.Context, lease clientv3.LeaseID) error {
	_, err := r.client.Revoke(ctx, lease)
	if err != nil {
		util.LogWarning("revoke lease %x: %v", int64(lease), err)
	}
	return err
}

// Watch re-reads the instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				util.LogWarning("discover %s: %v", serviceName, err)
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			util.LogWarning("skipping malformed entry %s", kv.Key)
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
