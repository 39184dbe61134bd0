// Package server implements the UART bridge: a WebSocket server that exposes a serial
// microcontroller through the same JSON protocol the desktop backend speaks.
//
// Request processing pipeline:
//
//	HTTP upgrade → session (one goroutine reads messages)
//	  → for each request: go handle
//	    → Middleware Chain (logging, metrics, rate limit, timeout) → service
//	      → info/list answered locally
//	      → execute/raw: Device (exclusive) → Engine → SerialAdapter → MCU
//
// Only one session can use the device at a time; the others queue on the Device lock.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hwbridge/discovery"
	"hwbridge/message"
	"hwbridge/middleware"
	"hwbridge/registry"
	"hwbridge/transport"
)

const (
	DefaultName           = "HardwareTester-MCU"
	DefaultVersion        = "1.0.0"
	DefaultExecuteTimeout = 60 * time.Second
	DefaultRawTimeout     = 10 * time.Second
	DefaultIdleTimeout    = 10 * time.Minute
)

type Config struct {
	Name    string
	Version string

	ExecuteTimeout time.Duration // execute without params.timeout
	RawTimeout     time.Duration
	IdleTimeout    time.Duration

	// RateLimit is requests per second across all sessions; 0 disables limiting.
	RateLimit float64
	Burst     int

	// Metrics, when set, receives the bridge collectors and is served on /metrics.
	Metrics *prometheus.Registry

	// Registry, when set, publishes the bridge under Service at Advertise.
	Registry    registry.Registry
	Service     string
	Advertise   string
	RegistryTTL int64

	MDNS         bool
	MDNSService  string
	MDNSDomain   string
	MDNSInstance string

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = DefaultExecuteTimeout
	}
	if c.RawTimeout <= 0 {
		c.RawTimeout = DefaultRawTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Service == "" {
		c.Service = registry.DefaultService
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = 10
	}
	if c.MDNSService == "" {
		c.MDNSService = discovery.DefaultMDNSService
	}
	if c.MDNSDomain == "" {
		c.MDNSDomain = discovery.DefaultMDNSDomain
	}
	if c.MDNSInstance == "" {
		c.MDNSInstance = c.Name
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the UART bridge.
type Server struct {
	cfg     Config
	log     *slog.Logger
	device  *Device
	metrics *metrics

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(service.dispatch)))

	upgrader websocket.Upgrader

	mu       sync.Mutex // guards httpSrv, listener, port, mdns and registered
	httpSrv  *http.Server
	listener net.Listener
	port     int
	mdns     *zeroconf.Server

	readCtx    context.Context // cancelled when shutdown begins: sessions stop reading
	stopRead   context.CancelFunc
	reqCtx     context.Context // cancelled when shutdown gives up: in-flight requests abort
	abortReqs  context.CancelFunc
	wg         sync.WaitGroup // tracks sessions for graceful shutdown
	shutdown   atomic.Bool
	registered string // advertised address, set once registration succeeded
}

// New creates a bridge for device.
func New(device *Device, cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "bridge"),
		device:  device,
		metrics: newMetrics(cfg.Metrics, device),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.readCtx, s.stopRead = context.WithCancel(context.Background())
	s.reqCtx, s.abortReqs = context.WithCancel(context.Background())
	return s
}

// Use registers a middleware, applied after the built-in ones in the order added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts WebSocket clients on ln until Shutdown, which makes it return nil.
func (s *Server) Serve(ln net.Listener) error {
	port := 0
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	svc := newService(s.cfg.Name, s.cfg.Version, port, s.device, s.cfg.ExecuteTimeout, s.cfg.RawTimeout)

	// Build the middleware chain once at startup. The timeout is innermost so the
	// other middlewares see the final reply.
	chain := []middleware.Middleware{
		middleware.LoggingMiddleware(s.log),
		s.metrics.middleware(),
	}
	if s.cfg.RateLimit > 0 {
		chain = append(chain, middleware.RateLimitMiddleware(s.cfg.RateLimit, s.cfg.Burst))
	}
	chain = append(chain, s.middlewares...)
	chain = append(chain, middleware.TimeoutMiddleware(svc.timeoutFor))
	s.handler = middleware.Chain(chain...)(svc.dispatch)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics, promhttp.HandlerOpts{}))
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.httpSrv, s.listener, s.port = httpSrv, ln, port
	s.mu.Unlock()

	s.announce()
	s.log.Info("bridge listening", "addr", ln.Addr().String(), "uart_port", s.device.PortName(), "baud", s.device.BaudRate())

	err := httpSrv.Serve(ln)
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the listener address once Serve has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	// Counted before the upgrade hijacks the connection, while http.Server still tracks it.
	s.wg.Add(1)
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.sessionOpened()
	defer s.metrics.sessionClosed()

	sock := transport.NewSocketAdapterFromConn(conn, transport.SocketConfig{Logger: s.cfg.Logger})
	newSession(s, sock).run(s.readCtx, s.reqCtx)
}

func (s *Server) welcome() message.Response {
	return message.Response{
		"type":       "welcome",
		"serverName": s.cfg.Name,
		"version":    s.cfg.Version,
		"message":    "Connected to MCU via UART",
		"uart_port":  s.device.PortName(),
		"baud_rate":  s.device.BaudRate(),
	}
}

// announce registers the bridge in etcd and on mDNS. Failures are logged; the bridge
// stays reachable by scan.
func (s *Server) announce() {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if s.cfg.Registry != nil {
		addr := s.advertiseAddr(port)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.cfg.Registry.Register(ctx, s.cfg.Service, registry.ServiceInstance{
			Addr:    addr,
			Name:    s.cfg.Name,
			Version: s.cfg.Version,
		}, s.cfg.RegistryTTL)
		cancel()
		if err != nil {
			s.log.Warn("registry registration failed", "err", err)
		} else {
			s.mu.Lock()
			s.registered = addr
			s.mu.Unlock()
			s.log.Info("registered", "service", s.cfg.Service, "addr", addr)
		}
	}

	if s.cfg.MDNS {
		txt := []string{"name=" + s.cfg.Name, "version=" + s.cfg.Version}
		srv, err := zeroconf.Register(s.cfg.MDNSInstance, s.cfg.MDNSService, s.cfg.MDNSDomain, port, txt, nil)
		if err != nil {
			s.log.Warn("mdns register failed", "err", err)
		} else {
			s.mu.Lock()
			s.mdns = srv
			s.mu.Unlock()
			s.log.Info("mdns advertised", "service", s.cfg.MDNSService, "port", port)
		}
	}
}

// advertiseAddr is the configured address, or the listen port on the first local IPv4.
func (s *Server) advertiseAddr(port int) string {
	if s.cfg.Advertise != "" {
		return s.cfg.Advertise
	}
	host := "127.0.0.1"
	if subnets, err := discovery.LocalSubnets(); err == nil && len(subnets) > 0 {
		host = subnets[0].IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag, deregister from etcd and stop mDNS
//  2. Close the listener
//  3. Stop sessions from reading new requests
//  4. Wait for in-flight requests (with timeout), then abort the rest
//  5. Close the device
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	registered, mdns, httpSrv := s.registered, s.mdns, s.httpSrv
	// Set the flag before closing so Serve reports a clean exit
	s.shutdown.Store(true)
	s.mu.Unlock()

	// Step 1: disappear from discovery first
	if registered != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.cfg.Registry.Deregister(ctx, s.cfg.Service, registered); err != nil {
			s.log.Warn("deregister failed", "err", err)
		}
		cancel()
	}
	if mdns != nil {
		mdns.Shutdown()
	}

	// Step 2
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_ = httpSrv.Shutdown(ctx)
		cancel()
	}

	// Step 3
	s.stopRead()

	// Step 4
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		s.abortReqs()
		<-done
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
	s.abortReqs()

	// Step 5
	if cerr := s.device.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
