package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "hwbridge/errors"
	"hwbridge/internal/testutil"
	"hwbridge/message"
)

func openSocket(t *testing.T, b *testutil.Backend) *SocketAdapter {
	t.Helper()
	a := NewSocketAdapter(SocketConfig{URL: b.URL()})
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSocketAdapterHandshakeAndRequest(t *testing.T) {
	b := testutil.NewBackend("HardwareTester")
	defer b.Close()
	a := openSocket(t, b)
	ctx := context.Background()

	hello, err := a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "HardwareTester", hello["serverName"])

	cmd := message.Execute("prefetch", map[string]any{"size_kb": 4})
	require.NoError(t, a.Send(ctx, &cmd))

	resp, err := a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "prefetch", resp["experiment"])
}

func TestSocketAdapterTimeoutKeepsConnection(t *testing.T) {
	b := testutil.NewBackend("HardwareTester")
	defer b.Close()
	a := openSocket(t, b)
	ctx := context.Background()

	_, err := a.Receive(ctx, time.Second) // welcome
	require.NoError(t, err)

	_, err = a.Receive(ctx, 50*time.Millisecond)
	assert.True(t, pkgerrors.IsTimeout(err), "got %v", err)

	info := message.Info()
	require.NoError(t, a.Send(ctx, &info))
	resp, err := a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "HardwareTester", resp["serverName"])
}

func TestSocketAdapterReceiveObservesCancel(t *testing.T) {
	b := testutil.NewBackend("HardwareTester")
	b.Silent = true
	defer b.Close()
	a := openSocket(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := a.Receive(ctx, 10*time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSocketAdapterOpenFailure(t *testing.T) {
	a := NewSocketAdapter(SocketConfig{URL: "ws://127.0.0.1:1/", DialTimeout: 200 * time.Millisecond})
	err := a.Open(context.Background())
	assert.True(t, pkgerrors.IsConnection(err), "got %v", err)
}

func TestSocketAdapterPeerGone(t *testing.T) {
	b := testutil.NewBackend("HardwareTester")
	a := openSocket(t, b)

	_, err := a.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	b.Close()
	_, err = a.Receive(context.Background(), 2*time.Second)
	assert.True(t, pkgerrors.IsTransport(err), "got %v", err)
}

func TestSocketAdapterCloseIdempotent(t *testing.T) {
	b := testutil.NewBackend("HardwareTester")
	defer b.Close()
	a := openSocket(t, b)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
