package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry. TTLs are ignored.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{services: make(map[string]map[string]ServiceInstance)}
}

func (r *MemoryRegistry) Register(_ context.Context, service string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]ServiceInstance)
	}
	r.services[service][instance.Addr] = instance
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], addr)
	return nil
}

// Discover returns the instances of service ordered by address.
func (r *MemoryRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServiceInstance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out, nil
}

func (r *MemoryRegistry) Close() error { return nil }
