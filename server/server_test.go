package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "hwbridge/errors"
	"hwbridge/engine"
	"hwbridge/internal/testutil"
	"hwbridge/logging"
	"hwbridge/message"
	"hwbridge/registry"
	"hwbridge/transport"
)

func newTestDevice(t *testing.T, mcu *testutil.MCU) *Device {
	t.Helper()
	d := NewDevice(DeviceConfig{
		Serial: transport.SerialConfig{
			Port:      "/dev/ttyFAKE",
			BaudRate:  115200,
			ReadSlice: 10 * time.Millisecond,
			Opener: func(string, int) (transport.Port, error) {
				return mcu.Connect(), nil
			},
		},
		Engine:        engine.Config{PollInterval: 10 * time.Millisecond, CancelTimeout: 500 * time.Millisecond},
		ReopenTimeout: time.Second,
		Logger:        logging.NewNop(),
	})
	require.NoError(t, d.Open(context.Background()))
	return d
}

type bridge struct {
	srv  *Server
	mcu  *testutil.MCU
	addr string
	done chan error
}

func startBridge(t *testing.T, mcu *testutil.MCU, cfg Config) *bridge {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	srv := New(newTestDevice(t, mcu), cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &bridge{srv: srv, mcu: mcu, addr: ln.Addr().String(), done: make(chan error, 1)}
	go func() { b.done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Shutdown(time.Second)
		mcu.Wait()
	})
	return b
}

// dial connects and consumes the welcome message.
func (b *bridge) dial(t *testing.T) (*transport.SocketAdapter, message.Response) {
	t.Helper()
	sock := transport.NewSocketAdapter(transport.SocketConfig{URL: "ws://" + b.addr + "/", Logger: logging.NewNop()})
	require.NoError(t, sock.Open(context.Background()))
	t.Cleanup(func() { sock.Close() })

	welcome, err := sock.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	return sock, welcome
}

func roundTrip(t *testing.T, sock *transport.SocketAdapter, cmd message.Command, timeout time.Duration) message.Response {
	t.Helper()
	require.NoError(t, sock.WriteJSON(context.Background(), cmd))
	return next(t, sock, timeout)
}

func next(t *testing.T, sock *transport.SocketAdapter, timeout time.Duration) message.Response {
	t.Helper()
	resp, err := sock.Receive(context.Background(), timeout)
	require.NoError(t, err)
	return resp
}

func TestWelcome(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})

	_, welcome := b.dial(t)

	assert.Equal(t, "welcome", welcome["type"])
	assert.Equal(t, DefaultName, welcome["serverName"])
	assert.Equal(t, "1.0.0", welcome["version"])
	assert.Equal(t, "Connected to MCU via UART", welcome["message"])
	assert.Equal(t, "/dev/ttyFAKE", welcome["uart_port"])
	assert.EqualValues(t, 115200, welcome["baud_rate"])
}

func TestInfoAndList(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})
	sock, _ := b.dial(t)

	info := roundTrip(t, sock, message.Info(), time.Second)
	assert.Equal(t, DefaultName, info["serverName"])
	assert.Equal(t, true, info["connected"])

	list := roundTrip(t, sock, message.List(), time.Second)
	fns, err := list.Functions()
	require.NoError(t, err)
	require.Len(t, fns, 7)
	assert.Equal(t, "memory_stratification", fns[0].Name)
	assert.Contains(t, fns[0].Description, "Command: 1")

	// Neither touches the serial line.
	assert.Empty(t, b.mcu.Received())
}

func TestExecute(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.Execute("prefetch", map[string]any{"param1_kb": 64}), 2*time.Second)

	require.False(t, resp.IsError(), resp.Err())
	assert.Equal(t, "prefetch", resp["experiment"])
	assert.Equal(t, []byte{'3'}, b.mcu.Received())
}

func TestExecuteAll(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.Execute("all", nil), 2*time.Second)

	results, ok := resp["results"].([]any)
	require.True(t, ok, "got %v", resp)
	assert.Len(t, results, 6)
}

func TestCancelMidExperiment(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = 100 * time.Millisecond
	b := startBridge(t, mcu, Config{})
	sock, _ := b.dial(t)

	require.NoError(t, sock.WriteJSON(context.Background(), message.Execute("all", nil)))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, sock.WriteJSON(context.Background(), message.Cancel()))

	ack := next(t, sock, time.Second)
	assert.Equal(t, "cancelling", ack["status"])

	cancelled := next(t, sock, 2*time.Second)
	assert.Equal(t, "Experiment cancelled", cancelled.Err())
	assert.Equal(t, true, cancelled["cancelled"])

	// The device is usable again once the cancelled experiment drained.
	resp := roundTrip(t, sock, message.Execute("prefetch", nil), 3*time.Second)
	require.False(t, resp.IsError(), resp.Err())
	assert.Equal(t, "prefetch", resp["experiment"])
	assert.Equal(t, []byte{'a', 0x03, '3'}, mcu.Received())
}

func TestCancelWhenIdle(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.Cancel(), time.Second)

	assert.Equal(t, "idle", resp["status"])
	assert.Empty(t, b.mcu.Received())
}

func TestSecondRequestWhileBusy(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = 50 * time.Millisecond
	b := startBridge(t, mcu, Config{})
	sock, _ := b.dial(t)

	require.NoError(t, sock.WriteJSON(context.Background(), message.Execute("all", nil)))
	time.Sleep(20 * time.Millisecond)

	busy := roundTrip(t, sock, message.Execute("prefetch", nil), time.Second)
	assert.Equal(t, "Request already in progress", busy.Err())

	done := next(t, sock, 2*time.Second)
	results, ok := done["results"].([]any)
	require.True(t, ok, "got %v", done)
	assert.Len(t, results, 6)
	assert.Equal(t, []byte{'a'}, mcu.Received())
}

func TestRequestErrors(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.Execute("warp_drive", nil), time.Second)
	assert.Equal(t, "Unknown function: warp_drive", resp.Err())

	resp = roundTrip(t, sock, message.Command{Action: "reboot"}, time.Second)
	assert.Equal(t, "Unknown action: reboot", resp.Err())

	resp = roundTrip(t, sock, message.Command{Action: message.ActionRaw}, time.Second)
	assert.Equal(t, "No command specified", resp.Err())

	require.NoError(t, sock.WriteMessage(context.Background(), []byte("{not json")))
	resp = next(t, sock, time.Second)
	assert.Equal(t, "Invalid JSON", resp.Err())

	assert.Empty(t, b.mcu.Received())
}

func TestRawPassthrough(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.RawCommand("5"), 2*time.Second)

	assert.Equal(t, "cache_conflicts", resp["experiment"])
	assert.Equal(t, []byte{'5'}, b.mcu.Received())
}

func TestExecuteTimeout(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = time.Second
	b := startBridge(t, mcu, Config{})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.Execute("prefetch", map[string]any{"timeout": 0.2}), 2*time.Second)

	assert.Equal(t, "Timeout waiting for response", resp.Err())
}

func TestRateLimit(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{RateLimit: 0.001, Burst: 1})
	sock, _ := b.dial(t)

	first := roundTrip(t, sock, message.Info(), time.Second)
	assert.False(t, first.IsError())

	second := roundTrip(t, sock, message.Info(), time.Second)
	assert.Equal(t, "rate limit exceeded", second.Err())
}

func TestIdleSessionIsClosed(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{IdleTimeout: 100 * time.Millisecond})
	sock, _ := b.dial(t)

	_, err := sock.Receive(context.Background(), 2*time.Second)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTransport(err), "got %v", err)
}

func TestIdleTimeoutSparesRunningRequest(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = 400 * time.Millisecond
	b := startBridge(t, mcu, Config{IdleTimeout: 100 * time.Millisecond})
	sock, _ := b.dial(t)

	resp := roundTrip(t, sock, message.Execute("prefetch", map[string]any{"timeout": 5}), 2*time.Second)
	require.False(t, resp.IsError(), resp.Err())
	assert.Equal(t, "prefetch", resp["experiment"])
	assert.Equal(t, []byte{'3'}, mcu.Received())

	// Idle again once the reply is out.
	_, err := sock.Receive(context.Background(), 2*time.Second)
	assert.True(t, pkgerrors.IsTransport(err), "got %v", err)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	b := startBridge(t, testutil.NewMCU(nil), Config{Metrics: reg})
	sock, _ := b.dial(t)
	roundTrip(t, sock, message.Info(), time.Second)

	res, err := http.Get("http://" + b.addr + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `hwbridge_requests_total{action="info",outcome="ok"} 1`)
	assert.Contains(t, string(body), "hwbridge_sessions_active 1")
	assert.Contains(t, string(body), "hwbridge_device_reopens_total 0")
}

func TestRegistersAndDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBridge(t, testutil.NewMCU(nil), Config{Registry: reg, Advertise: "10.0.0.5:8765"})

	require.Eventually(t, func() bool {
		got, _ := reg.Discover(context.Background(), registry.DefaultService)
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	got, err := reg.Discover(context.Background(), registry.DefaultService)
	require.NoError(t, err)
	assert.Equal(t, registry.ServiceInstance{Addr: "10.0.0.5:8765", Name: DefaultName, Version: DefaultVersion}, got[0])

	require.NoError(t, b.srv.Shutdown(time.Second))
	got, err = reg.Discover(context.Background(), registry.DefaultService)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestShutdownWaitsForInflightRequest(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = 100 * time.Millisecond
	b := startBridge(t, mcu, Config{})
	sock, _ := b.dial(t)

	require.NoError(t, sock.WriteJSON(context.Background(), message.Execute("memory_stratification", nil)))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.srv.Shutdown(2*time.Second))

	resp := next(t, sock, time.Second)
	assert.Equal(t, "memory_stratification", resp["experiment"])
	assert.NoError(t, <-b.done)
	assert.False(t, b.srv.device.Connected())
}

func TestShutdownAbortsAfterTimeout(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = time.Second
	b := startBridge(t, mcu, Config{})
	sock, _ := b.dial(t)

	require.NoError(t, sock.WriteJSON(context.Background(), message.Execute("all", nil)))
	time.Sleep(20 * time.Millisecond)

	err := b.srv.Shutdown(100 * time.Millisecond)
	require.Error(t, err)

	resp := next(t, sock, time.Second)
	assert.Equal(t, true, resp["cancelled"])
}

func TestDeviceReopensAfterFailure(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	d := newTestDevice(t, mcu)
	t.Cleanup(func() { d.Close() })

	mcu.Port().FailReads(errors.New("cable pulled"))
	cmd := message.Execute("prefetch", nil)
	_, err := d.Do(context.Background(), &cmd, time.Second)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsTransport(err))
	assert.False(t, d.Connected())

	resp, err := d.Do(context.Background(), &cmd, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "prefetch", resp["experiment"])
	assert.Equal(t, 2, mcu.Opens())
	assert.EqualValues(t, 1, d.Reopens())
}

func TestDeviceQueuesUntilContextEnds(t *testing.T) {
	mcu := testutil.NewMCU(nil)
	mcu.Delay = 200 * time.Millisecond
	d := newTestDevice(t, mcu)
	t.Cleanup(func() {
		d.Close()
		mcu.Wait()
	})

	go func() {
		cmd := message.Execute("prefetch", nil)
		d.Do(context.Background(), &cmd, time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cmd := message.Execute("prefetch", nil)
	_, err := d.Do(ctx, &cmd, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestErrorReply(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", pkgerrors.Timeout("receive", errors.New("slow")), "Timeout waiting for response"},
		{"deadline", context.DeadlineExceeded, "Timeout waiting for response"},
		{"send", pkgerrors.Transport("send", io.ErrClosedPipe), "Failed to send command to MCU"},
		{"protocol", pkgerrors.Protocol("decode", errors.New("bad")), "Invalid response from MCU: "},
		{"other", pkgerrors.Connection("open", errors.New("no such port")), "MCU unavailable: "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, errorReply(tc.err).Err(), tc.want)
		})
	}

	cancelled := errorReply(context.Canceled)
	assert.Equal(t, "Experiment cancelled", cancelled.Err())
	assert.Equal(t, true, cancelled["cancelled"])
}

func TestWelcomeIsJSONObject(t *testing.T) {
	b := startBridge(t, testutil.NewMCU(nil), Config{Name: "Lab-7"})
	sock, _ := b.dial(t)
	require.NoError(t, sock.WriteJSON(context.Background(), message.Info()))

	data, err := sock.ReadMessage(context.Background(), time.Second)
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, "Lab-7", v["serverName"])
}
