// Package client connects to a measurement backend, desktop server or UART bridge, and
// runs commands on it one at a time.
//
//	Connect ──(no address)──→ discovery ──→ Endpoint
//	        ──→ SocketAdapter.Open ──→ handshake ──→ Engine
//	Execute/Info/List/Raw ──→ Engine.Do ──→ Response
//	ctx cancel or Cancel ──→ Engine sends {"action":"cancel"}, connection kept
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hwbridge/discovery"
	"hwbridge/engine"
	pkgerrors "hwbridge/errors"
	"hwbridge/message"
	"hwbridge/transport"
)

const (
	DefaultTimeout          = 60 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
)

// State is the lifecycle of a Client's connection.
type State int32

const (
	StateUnconnected State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	// Address and Port select the backend. Without an Address, Discovery finds one.
	Address   string
	Port      int
	Discovery *discovery.Service

	// Identity, when set, must match the handshake serverName (a "-MCU" bridge matches too).
	Identity string

	HandshakeTimeout time.Duration
	// Timeout bounds a request unless an execute carries params.timeout.
	Timeout time.Duration
	Engine  engine.Config
	Logger  *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = discovery.DefaultPort
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
}

// Client owns at most one connection to a backend.
type Client struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	endpoint  message.Endpoint
	handshake message.Handshake
	sock      *transport.SocketAdapter
	engine    *engine.Engine
	inflight  context.CancelFunc // set while a request runs
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg: cfg,
		log: cfg.Logger.With("component", "client"),
	}
}

// Connect resolves the endpoint, opens the WebSocket and reads the handshake. Calling
// Connect on an open client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateHandshaking, StateClosing:
		state := c.state
		c.mu.Unlock()
		return pkgerrors.Connection("connect", fmt.Errorf("client is %s", state))
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	ep, sock, hs, err := c.dial(ctx)
	if err != nil {
		c.setState(StateUnconnected)
		return err
	}

	c.mu.Lock()
	c.endpoint = ep
	c.handshake = hs
	c.sock = sock
	c.engine = engine.New(sock, c.cfg.Engine)
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info("connected", "endpoint", ep.HostPort(), "server", hs.ServerName, "version", hs.Version)
	return nil
}

func (c *Client) dial(ctx context.Context) (message.Endpoint, *transport.SocketAdapter, message.Handshake, error) {
	ep := message.Endpoint{Address: c.cfg.Address, Port: c.cfg.Port}
	if ep.Address == "" {
		if c.cfg.Discovery == nil {
			return ep, nil, message.Handshake{}, pkgerrors.Connection("connect", pkgerrors.ErrNoEndpoint)
		}
		found, err := c.cfg.Discovery.Discover(ctx)
		if err != nil {
			return ep, nil, message.Handshake{}, err
		}
		ep = found
	}

	sock := transport.NewSocketAdapter(transport.SocketConfig{URL: ep.URL(), Logger: c.cfg.Logger})
	if err := sock.Open(ctx); err != nil {
		return ep, nil, message.Handshake{}, err
	}

	hello, err := sock.Receive(ctx, c.cfg.HandshakeTimeout)
	if err != nil {
		sock.Close()
		return ep, nil, message.Handshake{}, pkgerrors.Connection("handshake "+ep.HostPort(), err)
	}
	hs, err := hello.Handshake()
	if err != nil {
		sock.Close()
		return ep, nil, message.Handshake{}, pkgerrors.Connection("handshake "+ep.HostPort(), err)
	}
	if c.cfg.Identity != "" && !discovery.MatchIdentity(hs.ServerName, c.cfg.Identity) {
		sock.Close()
		return ep, nil, message.Handshake{}, pkgerrors.Connection("handshake "+ep.HostPort(),
			fmt.Errorf("%w: %q", pkgerrors.ErrIdentity, hs.ServerName))
	}

	ep.Name = hs.ServerName
	ep.Version = hs.Version
	return ep, sock, hs, nil
}

// Do sends cmd and waits for its reply. An error reply from the backend is a Response,
// not an error. Cancelling ctx cancels the request on the backend too.
func (c *Client) Do(ctx context.Context, cmd message.Command) (message.Response, error) {
	if err := cmd.Validate(); err != nil {
		return nil, pkgerrors.Protocol("request", err)
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, pkgerrors.Connection("request", pkgerrors.ErrNotConnected)
	}
	if c.inflight != nil {
		c.mu.Unlock()
		return nil, pkgerrors.ErrRequestPending
	}
	eng := c.engine
	ctx, cancel := context.WithCancel(ctx)
	c.inflight = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
	}()

	resp, err := eng.Do(ctx, &cmd, c.timeoutFor(&cmd))
	if eng.Closed() {
		c.mu.Lock()
		current := c.engine == eng
		c.mu.Unlock()
		if current {
			c.log.Warn("connection lost", "endpoint", c.Endpoint().HostPort(), "err", err)
			c.teardown()
		}
	}
	return resp, err
}

func (c *Client) timeoutFor(cmd *message.Command) time.Duration {
	if cmd.Action == message.ActionExecute {
		return cmd.Timeout(c.cfg.Timeout)
	}
	return c.cfg.Timeout
}

// Info asks the backend to describe itself.
func (c *Client) Info(ctx context.Context) (message.Response, error) {
	return c.Do(ctx, message.Info())
}

// List returns the functions the backend can execute.
func (c *Client) List(ctx context.Context) ([]message.FunctionInfo, error) {
	resp, err := c.Do(ctx, message.List())
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("list: %s", resp.Err())
	}
	return resp.Functions()
}

// Execute runs function with params. params["timeout"] (seconds) overrides the
// configured timeout.
func (c *Client) Execute(ctx context.Context, function string, params map[string]any) (message.Response, error) {
	return c.Do(ctx, message.Execute(function, params))
}

// Raw passes command to the backend unchanged.
func (c *Client) Raw(ctx context.Context, command string) (message.Response, error) {
	return c.Do(ctx, message.RawCommand(command))
}

// Cancel aborts the request in flight, which then returns context.Canceled once the
// backend has been told. With nothing in flight the cancel is sent as a request of its
// own and the backend's acknowledgement is returned.
func (c *Client) Cancel(ctx context.Context) (message.Response, error) {
	c.mu.Lock()
	cancel := c.inflight
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		return message.Response{"status": "cancelling"}, nil
	}
	return c.Do(ctx, message.Cancel())
}

// Endpoint returns the backend of the current or last connection.
func (c *Client) Endpoint() message.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Handshake returns the greeting of the current or last connection.
func (c *Client) Handshake() message.Handshake {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshake
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close cancels any request in flight and closes the connection. A closed client can
// Connect again.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	if c.inflight != nil {
		c.inflight()
	}
	c.mu.Unlock()

	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.engine = nil
	c.state = StateClosed
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}
