package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"hwbridge/codec"
	pkgerrors "hwbridge/errors"
	"hwbridge/message"
	"hwbridge/protocol"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadSlice   = 100 * time.Millisecond
	DefaultSettleDelay = 2 * time.Second

	readBufSize = 1024
)

// Port is the part of a serial port the adapter uses. go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout makes Read return (0, nil) after t without data.
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Drain() error
}

// Opener opens a serial port. Tests substitute a fake.
type Opener func(name string, baudRate int) (Port, error)

// OpenSerialPort opens name as an 8N1 port.
func OpenSerialPort(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", name, err)
	}
	return port, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	return ports, nil
}

// SerialConfig configures a SerialAdapter.
type SerialConfig struct {
	Port         string
	BaudRate     int
	ReadSlice    time.Duration // single Read bound, also the cancellation granularity
	SettleDelay  time.Duration // wait after opening while the MCU reboots; 0 skips it
	MaxFrameSize int
	Table        *codec.FunctionTable
	Opener       Opener
	Logger       *slog.Logger
}

func (c *SerialConfig) setDefaults() {
	if c.BaudRate <= 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadSlice <= 0 {
		c.ReadSlice = DefaultReadSlice
	}
	if c.Table == nil {
		c.Table = codec.DefaultFunctionTable()
	}
	if c.Opener == nil {
		c.Opener = OpenSerialPort
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SerialAdapter speaks to a microcontroller over a UART. Outbound commands are single
// bytes from the function table; inbound JSON objects are cut out of the byte stream by
// a protocol.Assembler. Frames completed beyond the one a Receive returns are queued
// for the next Receive, and an expired Receive keeps partial frame state.
type SerialAdapter struct {
	cfg   SerialConfig
	codec *codec.UARTCodec
	log   *slog.Logger

	mu   sync.Mutex // guards port
	port Port

	writeMu sync.Mutex

	readMu  sync.Mutex // guards asm, pending and buf
	asm     *protocol.Assembler
	pending []json.RawMessage
	buf     []byte

	dropped atomic.Int64 // assembler drop count, readable without readMu
}

// NewSerialAdapter returns an unopened adapter.
func NewSerialAdapter(cfg SerialConfig) *SerialAdapter {
	cfg.setDefaults()
	return &SerialAdapter{
		cfg:   cfg,
		codec: codec.NewUARTCodec(cfg.Table),
		log:   cfg.Logger.With("component", "serial", "port", cfg.Port),
		asm:   protocol.NewAssembler(cfg.MaxFrameSize),
		buf:   make([]byte, readBufSize),
	}
}

// Open opens the port, waits SettleDelay for the device to boot and discards whatever
// it printed meanwhile. Opening an open adapter is a no-op.
func (a *SerialAdapter) Open(ctx context.Context) error {
	if a.current() != nil {
		return nil
	}
	if a.cfg.Port == "" {
		return pkgerrors.Connection("open", fmt.Errorf("serial port is required"))
	}

	// Step 1: open the device
	port, err := a.cfg.Opener(a.cfg.Port, a.cfg.BaudRate)
	if err != nil {
		return pkgerrors.Connection("open", err)
	}
	if err := port.SetReadTimeout(a.cfg.ReadSlice); err != nil {
		port.Close()
		return pkgerrors.Connection("open", err)
	}

	// Step 2: opening the port resets most boards; let the firmware come up
	if a.cfg.SettleDelay > 0 {
		timer := time.NewTimer(a.cfg.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			port.Close()
			return pkgerrors.Connection("open", ctx.Err())
		}
	}

	// Step 3: drop the boot banner
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return pkgerrors.Connection("open", err)
	}

	a.readMu.Lock()
	a.asm.Reset()
	a.pending = nil
	a.readMu.Unlock()

	a.mu.Lock()
	if a.port != nil {
		a.mu.Unlock()
		port.Close()
		return nil
	}
	a.port = port
	a.mu.Unlock()

	a.log.Info("serial port opened", "baud", a.cfg.BaudRate)
	return nil
}

func (a *SerialAdapter) current() Port {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port
}

// Send writes the device encoding of cmd.
func (a *SerialAdapter) Send(ctx context.Context, cmd *message.Command) error {
	data, err := a.codec.Encode(cmd)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.Write(data)
}

// Write puts data on the line as-is.
func (a *SerialAdapter) Write(data []byte) error {
	port := a.current()
	if port == nil {
		return pkgerrors.Connection("send", pkgerrors.ErrNotConnected)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	n, err := port.Write(data)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		a.fail(port)
		return pkgerrors.Transport("send", err)
	}
	if err := port.Drain(); err != nil {
		a.log.Debug("drain failed", "err", err)
	}
	return nil
}

// Receive returns the next complete frame. It reads in ReadSlice steps so ctx is
// observed within one slice.
func (a *SerialAdapter) Receive(ctx context.Context, timeout time.Duration) (message.Response, error) {
	a.readMu.Lock()
	defer a.readMu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if len(a.pending) > 0 {
			frame := a.pending[0]
			a.pending = a.pending[1:]
			return a.codec.Decode(frame)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, pkgerrors.Timeout("receive", fmt.Errorf("no complete frame within %s", timeout))
		}

		port := a.current()
		if port == nil {
			return nil, pkgerrors.Transport("receive", pkgerrors.ErrClosed)
		}
		n, err := port.Read(a.buf)
		if err != nil {
			a.fail(port)
			return nil, pkgerrors.Transport("receive", err)
		}
		if n == 0 {
			continue
		}

		a.pending = append(a.pending, a.asm.Feed(a.buf[:n])...)
		if d := int64(a.asm.Dropped()); d > a.dropped.Load() {
			a.log.Debug("discarded corrupt frames", "count", d-a.dropped.Load())
			a.dropped.Store(d)
		}
	}
}

// Dropped returns how many corrupt candidates the assembler discarded.
func (a *SerialAdapter) Dropped() int {
	return int(a.dropped.Load())
}

// Functions returns the function table of the device.
func (a *SerialAdapter) Functions() *codec.FunctionTable {
	return a.codec.Table()
}

func (a *SerialAdapter) Codec() codec.Codec {
	return a.codec
}

// IsOpen reports whether the port is open.
func (a *SerialAdapter) IsOpen() bool {
	return a.current() != nil
}

// fail closes port after an I/O error, unless it was already replaced.
func (a *SerialAdapter) fail(port Port) {
	a.mu.Lock()
	if a.port != port {
		a.mu.Unlock()
		return
	}
	a.port = nil
	a.mu.Unlock()

	port.Close()
	a.log.Warn("serial port closed after I/O error")
}

// Close closes the port. Safe to call more than once.
func (a *SerialAdapter) Close() error {
	a.mu.Lock()
	port := a.port
	a.port = nil
	a.mu.Unlock()

	if port == nil {
		return nil
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("closing serial port: %w", err)
	}
	a.log.Info("serial port closed")
	return nil
}
