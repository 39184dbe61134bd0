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

func newSerial(t *testing.T, port *testutil.FakePort) *SerialAdapter {
	t.Helper()
	a := NewSerialAdapter(SerialConfig{
		Port:      "/dev/ttyFAKE",
		ReadSlice: 10 * time.Millisecond,
		Opener: func(string, int) (Port, error) {
			return port, nil
		},
	})
	require.NoError(t, a.Open(context.Background()))
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSerialAdapterFramesNoisyStream(t *testing.T) {
	port := testutil.NewFakePort()
	a := newSerial(t, port)
	ctx := context.Background()

	port.Inject([]byte(`boot...` + "\x00" + `{"a":1}garbage{"b":2}`))

	first, err := a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.Response{"a": float64(1)}, first)

	second, err := a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.Response{"b": float64(2)}, second)
}

func TestSerialAdapterOpenResetsInput(t *testing.T) {
	port := testutil.NewFakePort()
	port.Inject([]byte(`{"stale":true}`))
	a := newSerial(t, port)

	assert.Equal(t, 1, port.Resets())
	_, err := a.Receive(context.Background(), 50*time.Millisecond)
	assert.True(t, pkgerrors.IsTimeout(err), "got %v", err)
}

func TestSerialAdapterPartialFrameSurvivesTimeout(t *testing.T) {
	port := testutil.NewFakePort()
	a := newSerial(t, port)
	ctx := context.Background()

	port.Inject([]byte(`{"dataPoints":[{"st`))
	_, err := a.Receive(ctx, 30*time.Millisecond)
	require.True(t, pkgerrors.IsTimeout(err))

	port.Inject([]byte(`ep":1}]}`))
	resp, err := a.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp, "dataPoints")
}

func TestSerialAdapterSendEncodesCodes(t *testing.T) {
	port := testutil.NewFakePort()
	a := newSerial(t, port)
	ctx := context.Background()

	exec := message.Execute("cache_conflicts", nil)
	require.NoError(t, a.Send(ctx, &exec))
	cancel := message.Cancel()
	require.NoError(t, a.Send(ctx, &cancel))

	assert.Equal(t, []byte{'5', 0x03}, port.Written())

	unknown := message.Execute("nope", nil)
	err := a.Send(ctx, &unknown)
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownFunction)
	assert.Equal(t, []byte{'5', 0x03}, port.Written())
}

func TestSerialAdapterReadFailureCloses(t *testing.T) {
	port := testutil.NewFakePort()
	a := newSerial(t, port)

	port.FailReads(errors.New("device unplugged"))
	_, err := a.Receive(context.Background(), time.Second)

	assert.True(t, pkgerrors.IsTransport(err), "got %v", err)
	assert.False(t, a.IsOpen())
	assert.True(t, port.Closed())
}

func TestSerialAdapterWriteFailureCloses(t *testing.T) {
	port := testutil.NewFakePort()
	a := newSerial(t, port)

	port.FailWrites(errors.New("EIO"))
	cmd := message.Execute("prefetch", nil)
	err := a.Send(context.Background(), &cmd)

	assert.True(t, pkgerrors.IsTransport(err), "got %v", err)
	assert.False(t, a.IsOpen())
}

func TestSerialAdapterOpenErrors(t *testing.T) {
	a := NewSerialAdapter(SerialConfig{
		Port: "/dev/ttyNONE",
		Opener: func(string, int) (Port, error) {
			return nil, errors.New("no such device")
		},
	})
	err := a.Open(context.Background())
	assert.True(t, pkgerrors.IsConnection(err), "got %v", err)

	noPort := NewSerialAdapter(SerialConfig{})
	assert.True(t, pkgerrors.IsConnection(noPort.Open(context.Background())))
}

func TestSerialAdapterSettleHonoursContext(t *testing.T) {
	port := testutil.NewFakePort()
	a := NewSerialAdapter(SerialConfig{
		Port:        "/dev/ttyFAKE",
		SettleDelay: time.Hour,
		Opener: func(string, int) (Port, error) {
			return port, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Open(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, port.Closed())
}

func TestSerialAdapterWithMCU(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	a := NewSerialAdapter(SerialConfig{
		Port:      "/dev/ttyFAKE",
		ReadSlice: 10 * time.Millisecond,
		Opener: func(string, int) (Port, error) {
			return mcu.Connect(), nil
		},
	})
	require.NoError(t, a.Open(context.Background()))
	defer a.Close()

	cmd := message.Execute("prefetch", nil)
	require.NoError(t, a.Send(context.Background(), &cmd))

	resp, err := a.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "prefetch", resp["experiment"])
	assert.Equal(t, []byte("3"), mcu.Received())
}
