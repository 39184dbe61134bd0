package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEtcd connects to a local etcd, skipping the test when none is running.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()
	service := "hwtester-test-" + time.Now().Format("150405.000")

	inst1 := ServiceInstance{Addr: "127.0.0.1:8765", Name: "HardwareTester-MCU", Version: "1.0.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8766", Name: "HardwareTester-MCU", Version: "1.0.0"}
	require.NoError(t, reg.Register(ctx, service, inst1, 10))
	require.NoError(t, reg.Register(ctx, service, inst2, 10))

	instances, err := reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst1.Addr))

	instances, err = reg.Discover(ctx, service)
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, service, inst2.Addr))
}

func TestInstanceKey(t *testing.T) {
	assert.Equal(t, "/hwbridge/hwtester/10.0.0.5:8765", instanceKey("hwtester", "10.0.0.5:8765"))
}

func TestMemoryRegistry(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "b:1"}, 10))
	require.NoError(t, reg.Register(ctx, DefaultService, ServiceInstance{Addr: "a:1"}, 10))

	got, err := reg.Discover(ctx, DefaultService)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a:1", got[0].Addr)

	require.NoError(t, reg.Deregister(ctx, DefaultService, "a:1"))
	got, _ = reg.Discover(ctx, DefaultService)
	assert.Len(t, got, 1)
}
