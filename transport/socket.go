package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hwbridge/codec"
	pkgerrors "hwbridge/errors"
	"hwbridge/message"
)

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultMaxMessageSize = 4 << 20
	defaultInboxSize      = 16
)

// SocketConfig configures a SocketAdapter.
type SocketConfig struct {
	URL            string        // ws://host:port/
	DialTimeout    time.Duration // bound on the WebSocket handshake
	WriteTimeout   time.Duration // bound on a single write when ctx has no deadline
	MaxMessageSize int64         // larger inbound messages fail the connection
	Logger         *slog.Logger
}

func (c *SocketConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SocketAdapter speaks the JSON protocol over a WebSocket.
//
// gorilla/websocket treats a read deadline as fatal for the connection, so reads never
// use one. A single recvLoop goroutine owns conn.ReadMessage and hands messages to a
// buffered inbox; Receive selects on the inbox, ctx and its own timer:
//
//	conn ──ReadMessage──→ recvLoop ──→ inbox ──→ Receive(ctx, timeout)
//	                          │
//	                          └─ read error → done (closed), err recorded
type SocketAdapter struct {
	cfg   SocketConfig
	codec codec.Codec
	log   *slog.Logger

	mu      sync.Mutex // guards conn and serializes writes
	conn    *websocket.Conn
	inbox   chan []byte
	done    chan struct{} // closed when recvLoop exits
	stop    chan struct{} // closed by Close
	readErr error         // valid once done is closed

	closeOnce sync.Once
}

// NewSocketAdapter returns an unopened adapter for cfg.URL.
func NewSocketAdapter(cfg SocketConfig) *SocketAdapter {
	cfg.setDefaults()
	return &SocketAdapter{
		cfg:   cfg,
		codec: &codec.JSONCodec{},
		log:   cfg.Logger.With("component", "socket", "url", cfg.URL),
		stop:  make(chan struct{}),
	}
}

// NewSocketAdapterFromConn wraps an already established connection, such as one accepted
// by a websocket.Upgrader. The adapter is open on return.
func NewSocketAdapterFromConn(conn *websocket.Conn, cfg SocketConfig) *SocketAdapter {
	a := NewSocketAdapter(cfg)
	a.log = a.cfg.Logger.With("component", "socket", "remote", conn.RemoteAddr().String())
	a.attach(conn)
	return a
}

// Open dials the configured URL.
func (a *SocketAdapter) Open(ctx context.Context) error {
	a.mu.Lock()
	opened := a.conn != nil
	a.mu.Unlock()
	if opened {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: a.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, a.cfg.URL, nil)
	if err != nil {
		return pkgerrors.Connection("open "+a.cfg.URL, err)
	}

	a.attach(conn)
	a.log.Debug("connected")
	return nil
}

func (a *SocketAdapter) attach(conn *websocket.Conn) {
	conn.SetReadLimit(a.cfg.MaxMessageSize)

	a.mu.Lock()
	a.conn = conn
	a.inbox = make(chan []byte, defaultInboxSize)
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.recvLoop(conn, a.inbox, a.done)
}

func (a *SocketAdapter) recvLoop(conn *websocket.Conn, inbox chan<- []byte, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.readErr = err
			return
		}
		select {
		case inbox <- data:
		case <-a.stop:
			a.readErr = pkgerrors.ErrClosed
			return
		}
	}
}

// ReadMessage returns the next raw message. timeout <= 0 waits until ctx is done.
func (a *SocketAdapter) ReadMessage(ctx context.Context, timeout time.Duration) ([]byte, error) {
	a.mu.Lock()
	inbox, done := a.inbox, a.done
	a.mu.Unlock()
	if inbox == nil {
		return nil, pkgerrors.Connection("receive", pkgerrors.ErrNotConnected)
	}

	// Messages read before the connection failed are still delivered.
	select {
	case data := <-inbox:
		return data, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case data := <-inbox:
		return data, nil
	case <-done:
		select {
		case data := <-inbox:
			return data, nil
		default:
		}
		return nil, pkgerrors.Transport("receive", a.readErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, pkgerrors.Timeout("receive", fmt.Errorf("no message within %s", timeout))
	}
}

// Receive returns the next message decoded as a Response.
func (a *SocketAdapter) Receive(ctx context.Context, timeout time.Duration) (message.Response, error) {
	data, err := a.ReadMessage(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return a.codec.Decode(data)
}

// WriteMessage writes data as one text message.
func (a *SocketAdapter) WriteMessage(ctx context.Context, data []byte) error {
	return a.write(ctx, func(conn *websocket.Conn) error {
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}

// WriteJSON writes v as one JSON text message.
func (a *SocketAdapter) WriteJSON(ctx context.Context, v any) error {
	return a.write(ctx, func(conn *websocket.Conn) error {
		return conn.WriteJSON(v)
	})
}

func (a *SocketAdapter) write(ctx context.Context, fn func(*websocket.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return pkgerrors.Connection("send", pkgerrors.ErrNotConnected)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(a.cfg.WriteTimeout)
	}
	_ = a.conn.SetWriteDeadline(deadline)
	if err := fn(a.conn); err != nil {
		return pkgerrors.Transport("send", err)
	}
	return nil
}

// Send encodes cmd and writes it.
func (a *SocketAdapter) Send(ctx context.Context, cmd *message.Command) error {
	data, err := a.codec.Encode(cmd)
	if err != nil {
		return err
	}
	return a.WriteMessage(ctx, data)
}

// Done is closed when the peer goes away or the adapter is closed.
func (a *SocketAdapter) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// RemoteAddr returns the peer address, or "" before Open.
func (a *SocketAdapter) RemoteAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ""
	}
	return a.conn.RemoteAddr().String()
}

func (a *SocketAdapter) Codec() codec.Codec {
	return a.codec
}

// Close sends a close frame and closes the connection. Safe to call more than once.
func (a *SocketAdapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.stop)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = a.conn.Close()
	})
	return nil
}
