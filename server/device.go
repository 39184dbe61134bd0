package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"hwbridge/codec"
	"hwbridge/engine"
	"hwbridge/message"
	"hwbridge/transport"
)

const DefaultReopenTimeout = 10 * time.Second

type DeviceConfig struct {
	Serial transport.SerialConfig
	Engine engine.Config
	// ReopenTimeout bounds the exponential backoff when the port has to be reopened.
	ReopenTimeout time.Duration
	Logger        *slog.Logger
}

// Device is the single owner of the serial link. Every session goes through Do, which
// holds the device for the whole send/receive exchange. After a transport failure the
// next Do reopens the port with exponential backoff.
type Device struct {
	cfg     DeviceConfig
	log     *slog.Logger
	adapter *transport.SerialAdapter

	lock   chan struct{} // context-aware mutex, guards engine
	engine *engine.Engine

	reopens atomic.Int64
}

func NewDevice(cfg DeviceConfig) *Device {
	if cfg.ReopenTimeout <= 0 {
		cfg.ReopenTimeout = DefaultReopenTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Serial.Logger == nil {
		cfg.Serial.Logger = cfg.Logger
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	return &Device{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "device", "port", cfg.Serial.Port),
		adapter: transport.NewSerialAdapter(cfg.Serial),
		lock:    make(chan struct{}, 1),
	}
}

// Open opens the serial port once, without retrying.
func (d *Device) Open(ctx context.Context) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.release()

	if err := d.adapter.Open(ctx); err != nil {
		return err
	}
	d.engine = engine.New(d.adapter, d.cfg.Engine)
	return nil
}

func (d *Device) acquire(ctx context.Context) error {
	select {
	case d.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) release() {
	<-d.lock
}

// Do runs cmd on the device. Callers queue for the device until ctx ends.
func (d *Device) Do(ctx context.Context, cmd *message.Command, timeout time.Duration) (message.Response, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	if d.engine == nil || d.engine.Closed() || !d.adapter.IsOpen() {
		if err := d.reopen(ctx); err != nil {
			return nil, err
		}
	}
	return d.engine.Do(ctx, cmd, timeout)
}

// reopen must be called with the lock held.
func (d *Device) reopen(ctx context.Context) error {
	d.adapter.Close()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = d.cfg.ReopenTimeout

	attempt := 0
	op := func() error {
		attempt++
		err := d.adapter.Open(ctx)
		if err != nil {
			d.log.Warn("reopen failed", "attempt", attempt, "err", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}

	d.engine = engine.New(d.adapter, d.cfg.Engine)
	d.reopens.Add(1)
	d.log.Info("device reopened", "attempts", attempt)
	return nil
}

// Connected reports whether the port is open.
func (d *Device) Connected() bool {
	return d.adapter.IsOpen()
}

// PortName returns the configured serial port.
func (d *Device) PortName() string {
	return d.cfg.Serial.Port
}

// BaudRate returns the effective baud rate.
func (d *Device) BaudRate() int {
	if d.cfg.Serial.BaudRate <= 0 {
		return transport.DefaultBaudRate
	}
	return d.cfg.Serial.BaudRate
}

// Functions returns the device's function table.
func (d *Device) Functions() *codec.FunctionTable {
	return d.adapter.Functions()
}

// Reopens returns how many times the port was reopened after a failure.
func (d *Device) Reopens() int64 {
	return d.reopens.Load()
}

// Dropped returns how many corrupt frames the device produced so far.
func (d *Device) Dropped() int {
	return d.adapter.Dropped()
}

func (d *Device) Close() error {
	return d.adapter.Close()
}
