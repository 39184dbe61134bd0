// Package registry provides the etcd-based implementation of the Registry interface.
//
// etcd acts as a phonebook of running bridges:
//
//	Key:   /hwbridge/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the bridge dies, the lease expires and the
// entry disappears, so clients never probe a ghost.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/hwbridge/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines

	mu     sync.Mutex
	leases map[string]registration // by key
}

type registration struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return &EtcdRegistry{client: c, leases: make(map[string]registration)}, nil
}

func instanceKey(service, addr string) string {
	return keyPrefix + service + "/" + addr
}

// Register adds an instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease until Deregister or Close
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// The keepalive outlives the registering call, so it gets its own context.
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = registration{lease: lease.ID, stop: stop}
	r.mu.Unlock()
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := instanceKey(service, addr)

	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		reg.stop()
		if _, err := r.client.Revoke(ctx, reg.lease); err == nil {
			return nil
		}
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Discover returns all currently registered instances of service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", service, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops all keepalives and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
