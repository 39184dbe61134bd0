// Package registry publishes running bridges so clients can find them without a scan.
package registry

import "context"

// DefaultService is the service name bridges register under.
const DefaultService = "hwtester"

// ServiceInstance describes one reachable bridge.
type ServiceInstance struct {
	Addr    string `json:"addr"` // host:port of the WebSocket listener
	Name    string `json:"name"` // serverName announced in the handshake
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	Close() error
}
