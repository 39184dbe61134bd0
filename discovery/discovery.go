// Package discovery locates a measurement backend on an unconfigured local network.
//
// Candidates are tried in a fixed order and the first backend that greets with the
// expected identity wins:
//
//	1. loopback        127.0.0.1:port
//	2. registry        bridges registered in etcd           (optional)
//	3. mDNS            _hwtester._tcp browse                 (optional)
//	4. subnet scan     every host of every local IPv4 net, BatchSize probes at a time
//
// A probe is a WebSocket dial plus a read of the handshake, each bounded by
// ProbeTimeout. Probe failures are expected and only logged at debug level.
// Discovery never touches an open client connection.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	pkgerrors "hwbridge/errors"
	"hwbridge/message"
	"hwbridge/registry"
	"hwbridge/transport"
)

const (
	DefaultPort         = 8765
	DefaultIdentity     = "HardwareTester"
	DefaultProbeTimeout = 500 * time.Millisecond
	DefaultBatchSize    = 50
	DefaultMDNSService  = "_hwtester._tcp"
	DefaultMDNSDomain   = "local."
	DefaultMDNSTimeout  = time.Second

	// MaxHostsPerSubnet caps the scan of one interface.
	MaxHostsPerSubnet = 254
)

// Prober checks whether a backend with the expected identity listens at address:port.
type Prober interface {
	Probe(ctx context.Context, address string, port int) (message.Endpoint, error)
}

// MatchIdentity reports whether serverName announces want: either exactly, or as
// want followed by a "-" qualifier ("HardwareTester-MCU" matches "HardwareTester").
func MatchIdentity(serverName, want string) bool {
	return serverName == want || strings.HasPrefix(serverName, want+"-")
}

// SocketProber probes over a real WebSocket.
type SocketProber struct {
	Identity    string
	OpenTimeout time.Duration
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

func (p *SocketProber) Probe(ctx context.Context, address string, port int) (message.Endpoint, error) {
	ep := message.Endpoint{Address: address, Port: port}

	a := transport.NewSocketAdapter(transport.SocketConfig{
		URL:         ep.URL(),
		DialTimeout: p.OpenTimeout,
		Logger:      p.Logger,
	})
	if err := a.Open(ctx); err != nil {
		return message.Endpoint{}, err
	}
	defer a.Close()

	hello, err := a.Receive(ctx, p.ReadTimeout)
	if err != nil {
		return message.Endpoint{}, pkgerrors.Connection("probe "+ep.HostPort(), err)
	}
	hs, err := hello.Handshake()
	if err != nil {
		return message.Endpoint{}, pkgerrors.Connection("probe "+ep.HostPort(), err)
	}
	if !MatchIdentity(hs.ServerName, p.Identity) {
		return message.Endpoint{}, pkgerrors.Connection("probe "+ep.HostPort(),
			fmt.Errorf("%w: %q", pkgerrors.ErrIdentity, hs.ServerName))
	}

	ep.Name = hs.ServerName
	ep.Version = hs.Version
	return ep, nil
}

type Config struct {
	Port         int
	Identity     string
	ProbeTimeout time.Duration
	BatchSize    int

	// Registry, when set, is consulted for registered bridges under Service.
	Registry registry.Registry
	Service  string

	MDNS        bool
	MDNSService string
	MDNSDomain  string
	MDNSTimeout time.Duration

	DisableScan bool
	// Subnets lists the networks to scan. Defaults to LocalSubnets.
	Subnets func() ([]*net.IPNet, error)
	// Prober defaults to a SocketProber for Identity.
	Prober Prober
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Identity == "" {
		c.Identity = DefaultIdentity
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Service == "" {
		c.Service = registry.DefaultService
	}
	if c.MDNSService == "" {
		c.MDNSService = DefaultMDNSService
	}
	if c.MDNSDomain == "" {
		c.MDNSDomain = DefaultMDNSDomain
	}
	if c.MDNSTimeout <= 0 {
		c.MDNSTimeout = DefaultMDNSTimeout
	}
	if c.Subnets == nil {
		c.Subnets = LocalSubnets
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Prober == nil {
		c.Prober = &SocketProber{
			Identity:    c.Identity,
			OpenTimeout: c.ProbeTimeout,
			ReadTimeout: c.ProbeTimeout,
			Logger:      c.Logger,
		}
	}
}

type Service struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Service {
	cfg.setDefaults()
	return &Service{cfg: cfg, log: cfg.Logger.With("component", "discovery")}
}

// Discover returns the first backend found. It fails with a ConnectionError wrapping
// ErrNoEndpoint when every source is exhausted, or with ctx.Err().
func (s *Service) Discover(ctx context.Context) (message.Endpoint, error) {
	// Step 1: this machine
	if ep, ok := s.probe(ctx, "127.0.0.1", s.cfg.Port); ok {
		return ep, nil
	}

	// Step 2: registered bridges
	if s.cfg.Registry != nil {
		if ep, ok := s.fromRegistry(ctx); ok {
			return ep, nil
		}
	}

	// Step 3: mDNS advertisements
	if s.cfg.MDNS {
		if ep, ok := s.fromMDNS(ctx); ok {
			return ep, nil
		}
	}

	// Step 4: brute force over local subnets
	if !s.cfg.DisableScan {
		if ep, ok := s.scan(ctx); ok {
			return ep, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return message.Endpoint{}, err
	}
	return message.Endpoint{}, pkgerrors.Connection("discover",
		fmt.Errorf("%w: no %s on port %d", pkgerrors.ErrNoEndpoint, s.cfg.Identity, s.cfg.Port))
}

func (s *Service) probe(ctx context.Context, address string, port int) (message.Endpoint, bool) {
	if ctx.Err() != nil {
		return message.Endpoint{}, false
	}
	ep, err := s.cfg.Prober.Probe(ctx, address, port)
	if err != nil {
		s.log.Debug("probe failed", "addr", address, "port", port, "err", err)
		return message.Endpoint{}, false
	}
	s.log.Info("backend found", "addr", ep.HostPort(), "name", ep.Name, "version", ep.Version)
	return ep, true
}

func (s *Service) fromRegistry(ctx context.Context) (message.Endpoint, bool) {
	instances, err := s.cfg.Registry.Discover(ctx, s.cfg.Service)
	if err != nil {
		s.log.Warn("registry lookup failed", "err", err)
		return message.Endpoint{}, false
	}
	for _, inst := range instances {
		host, portStr, err := net.SplitHostPort(inst.Addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if ep, ok := s.probe(ctx, host, port); ok {
			return ep, true
		}
	}
	return message.Endpoint{}, false
}

func (s *Service) fromMDNS(ctx context.Context) (message.Endpoint, bool) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.log.Warn("mdns resolver unavailable", "err", err)
		return message.Endpoint{}, false
	}

	bctx, cancel := context.WithTimeout(ctx, s.cfg.MDNSTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(bctx, s.cfg.MDNSService, s.cfg.MDNSDomain, entries); err != nil {
		s.log.Warn("mdns browse failed", "err", err)
		return message.Endpoint{}, false
	}

	var found []*zeroconf.ServiceEntry
collect:
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				break collect
			}
			found = append(found, e)
		case <-bctx.Done():
			break collect
		}
	}

	for _, e := range found {
		for _, ip := range e.AddrIPv4 {
			if ep, ok := s.probe(ctx, ip.String(), e.Port); ok {
				return ep, true
			}
		}
	}
	return message.Endpoint{}, false
}

func (s *Service) scan(ctx context.Context) (message.Endpoint, bool) {
	subnets, err := s.cfg.Subnets()
	if err != nil {
		s.log.Warn("listing interfaces failed", "err", err)
		return message.Endpoint{}, false
	}

	for _, subnet := range subnets {
		hosts := HostRange(subnet)
		s.log.Debug("scanning subnet", "subnet", subnet.String(), "hosts", len(hosts))
		for start := 0; start < len(hosts); start += s.cfg.BatchSize {
			if ctx.Err() != nil {
				return message.Endpoint{}, false
			}
			end := min(start+s.cfg.BatchSize, len(hosts))
			if ep, ok := s.scanBatch(ctx, hosts[start:end]); ok {
				return ep, true
			}
		}
	}
	return message.Endpoint{}, false
}

// scanBatch probes hosts concurrently. The first success cancels the rest.
func (s *Service) scanBatch(ctx context.Context, hosts []net.IP) (message.Endpoint, bool) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(bctx)

	var (
		once  sync.Once
		found message.Endpoint
		ok    bool
	)
	for _, ip := range hosts {
		ip := ip
		g.Go(func() error {
			ep, err := s.cfg.Prober.Probe(gctx, ip.String(), s.cfg.Port)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug("probe failed", "addr", ip.String(), "err", err)
				}
				return nil
			}
			once.Do(func() {
				found, ok = ep, true
				cancel()
			})
			return nil
		})
	}
	_ = g.Wait()

	if ok {
		s.log.Info("backend found", "addr", found.HostPort(), "name", found.Name, "version", found.Version)
	}
	return found, ok
}

// HostRange returns the usable IPv4 hosts of n: network+1 through broadcast-1, at most
// MaxHostsPerSubnet of them. Non-IPv4 networks yield nothing.
func HostRange(n *net.IPNet) []net.IP {
	ip4 := n.IP.To4()
	ones, bits := n.Mask.Size()
	if ip4 == nil || bits != 32 {
		return nil
	}

	network := ipToUint(ip4.Mask(n.Mask))
	broadcast := network | ^uint32(0)>>uint(ones)
	if ones == 32 {
		return nil
	}

	var hosts []net.IP
	for h := network + 1; h < broadcast && len(hosts) < MaxHostsPerSubnet; h++ {
		hosts = append(hosts, uintToIP(h))
	}
	return hosts
}

// LocalSubnets returns the IPv4 networks of every up, non-loopback interface.
func LocalSubnets() ([]*net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
				continue
			}
			out = append(out, ipnet)
		}
	}
	return out, nil
}

func ipToUint(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uintToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4()
}
