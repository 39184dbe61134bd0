package message

import (
	"fmt"
	"net"
	"strconv"

	"github.com/mitchellh/mapstructure"

	pkgerrors "hwbridge/errors"
)

// Response is one complete, parsed reply object. Experiment payload keys
// (dataPoints, parameters, conclusions, ...) are opaque here; an "error" key marks failure.
type Response map[string]any

// ErrorResponse builds a {"error": ...} reply.
func ErrorResponse(format string, args ...any) Response {
	return Response{"error": fmt.Sprintf(format, args...)}
}

// IsError reports whether the reply carries an "error" key.
func (r Response) IsError() bool {
	_, ok := r["error"]
	return ok
}

// Err returns the error text, or "" when the reply is a success.
func (r Response) Err() string {
	v, ok := r["error"]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Handshake is the first message a backend sends on every connection.
type Handshake struct {
	Type       string `mapstructure:"type"`
	ServerName string `mapstructure:"serverName"`
	Version    string `mapstructure:"version"`
	Message    string `mapstructure:"message"`
}

// Handshake decodes r as a handshake. A missing serverName is a malformed handshake.
func (r Response) Handshake() (Handshake, error) {
	var hs Handshake
	if err := mapstructure.Decode(map[string]any(r), &hs); err != nil {
		return Handshake{}, fmt.Errorf("%w: %v", pkgerrors.ErrHandshake, err)
	}
	if hs.ServerName == "" {
		return Handshake{}, fmt.Errorf("%w: missing serverName", pkgerrors.ErrHandshake)
	}
	return hs, nil
}

// FunctionInfo is one entry of a list reply.
type FunctionInfo struct {
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description" mapstructure:"description"`
}

// Functions decodes the "functions" array of a list reply.
func (r Response) Functions() ([]FunctionInfo, error) {
	var out struct {
		Functions []FunctionInfo `mapstructure:"functions"`
	}
	if err := mapstructure.Decode(map[string]any(r), &out); err != nil {
		return nil, fmt.Errorf("decode functions: %w", err)
	}
	return out.Functions, nil
}

// Endpoint identifies one reachable backend. Immutable once created.
type Endpoint struct {
	Address string
	Port    int
	Name    string
	Version string
}

// HostPort returns "address:port".
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// URL returns the WebSocket URL of the endpoint.
func (e Endpoint) URL() string {
	return "ws://" + e.HostPort() + "/"
}
