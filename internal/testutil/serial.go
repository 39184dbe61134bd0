// Package testutil holds fakes shared by package tests: an in-memory serial port,
// a scripted microcontroller behind it, and a WebSocket backend.
package testutil

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"hwbridge/codec"
)

var ErrPortClosed = errors.New("fake port closed")

// FakePort is an in-memory serial port. Bytes passed to Inject are returned by Read;
// bytes passed to Write are recorded and handed to OnWrite.
type FakePort struct {
	mu          sync.Mutex
	rx          []byte
	written     []byte
	readTimeout time.Duration
	closed      bool
	readErr     error
	writeErr    error
	resets      int
	signal      chan struct{}

	// OnWrite, when set, sees every successful write.
	OnWrite func(p []byte)
}

func NewFakePort() *FakePort {
	return &FakePort{
		readTimeout: 100 * time.Millisecond,
		signal:      make(chan struct{}, 1),
	}
}

// Inject makes p readable, as if the device had sent it.
func (p *FakePort) Inject(b []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, b...)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *FakePort) Read(b []byte) (int, error) {
	timer := time.NewTimer(p.timeout())
	defer timer.Stop()
	for {
		p.mu.Lock()
		switch {
		case p.closed:
			p.mu.Unlock()
			return 0, ErrPortClosed
		case p.readErr != nil:
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		case len(p.rx) > 0:
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-timer.C:
			return 0, nil
		}
	}
}

func (p *FakePort) timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.written = append(p.written, b...)
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *FakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.readTimeout = t
	p.mu.Unlock()
	return nil
}

// ResetInputBuffer drops unread bytes.
func (p *FakePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.rx = nil
	p.resets++
	p.mu.Unlock()
	return nil
}

func (p *FakePort) Drain() error { return nil }

func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

// Written returns a copy of everything written so far.
func (p *FakePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Resets returns how many times the input buffer was reset.
func (p *FakePort) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// FailReads makes every following Read return err.
func (p *FakePort) FailReads(err error) {
	p.mu.Lock()
	p.readErr = err
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// FailWrites makes every following Write return err.
func (p *FakePort) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// MCU emulates the memory-lab firmware: a one-byte command starts an experiment that
// prints some log noise followed by JSON frames; ETX aborts the running experiment,
// which then prints a final frame marked "cancelled".
type MCU struct {
	Table *codec.FunctionTable
	// Delay is the time each frame takes to compute.
	Delay time.Duration
	// IgnoreCancel makes ETX a no-op, like the shipped firmware: a running experiment
	// prints all its frames regardless.
	IgnoreCancel bool

	mu       sync.Mutex
	port     *FakePort
	received []byte
	opens    int
	cancel   chan struct{}
	running  sync.WaitGroup
}

func NewMCU(table *codec.FunctionTable) *MCU {
	if table == nil {
		table = codec.DefaultFunctionTable()
	}
	return &MCU{Table: table}
}

// Connect returns a fresh port wired to the firmware, like plugging the cable in again.
func (m *MCU) Connect() *FakePort {
	port := NewFakePort()
	port.OnWrite = m.handle

	m.mu.Lock()
	m.port = port
	m.opens++
	m.mu.Unlock()

	port.Inject([]byte("=== Memory Lab ===\r\nready> "))
	return port
}

// Port returns the port of the last Connect.
func (m *MCU) Port() *FakePort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// Opens returns how many times Connect was called.
func (m *MCU) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Received returns every command byte the firmware saw.
func (m *MCU) Received() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.received...)
}

// Wait blocks until running experiments finish printing.
func (m *MCU) Wait() {
	m.running.Wait()
}

func (m *MCU) handle(p []byte) {
	for _, c := range p {
		m.mu.Lock()
		m.received = append(m.received, c)
		port := m.port
		m.mu.Unlock()

		if c == codec.CancelByte {
			m.mu.Lock()
			if m.cancel != nil && !m.IgnoreCancel {
				close(m.cancel)
				m.cancel = nil
			}
			m.mu.Unlock()
			continue
		}

		fn, ok := m.lookup(c)
		if !ok {
			port.Inject([]byte(fmt.Sprintf("Unknown command '%c'\r\nready> ", c)))
			continue
		}

		cancel := make(chan struct{})
		m.mu.Lock()
		m.cancel = cancel
		m.mu.Unlock()

		m.running.Add(1)
		go m.run(port, fn, cancel)
	}
}

func (m *MCU) lookup(c byte) (codec.Function, bool) {
	for _, fn := range m.Table.Functions() {
		if fn.Code[0] == c {
			return fn, true
		}
	}
	return codec.Function{}, false
}

func (m *MCU) run(port *FakePort, fn codec.Function, cancel <-chan struct{}) {
	defer m.running.Done()

	port.Inject([]byte("Running " + fn.Name + "...\r\n"))
	for i := 0; i < fn.Frames; i++ {
		select {
		case <-cancel:
			port.Inject([]byte(fmt.Sprintf(`{"experiment":%q,"dataPoints":[],"cancelled":true}`+"\r\n", fn.Name)))
			return
		case <-time.After(m.Delay):
		}
		port.Inject([]byte(fmt.Sprintf(`{"experiment":%q,"index":%d,"dataPoints":[{"step":64,"time_us":12.5}],"parameters":{"param1_kb":64}}`+"\r\n", fn.Name, i)))
	}
	port.Inject([]byte("ready> "))
}
