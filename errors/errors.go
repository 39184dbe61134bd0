// Package errors classifies the failures that cross component boundaries in the
// bridge: connection setup, timeouts, protocol violations and transport I/O.
//
// Every error produced by transport, engine, discovery and client code is either
// one of the sentinel values below or an *Error carrying a Kind, so callers can
// branch with errors.Is / IsTimeout / IsTransport without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind int

const (
	// KindConnection: endpoint unreachable, handshake malformed or identity absent.
	KindConnection Kind = iota
	// KindTimeout: no complete message within the caller's bound. Recoverable.
	KindTimeout
	// KindProtocol: unparseable message or a command the codec cannot represent.
	KindProtocol
	// KindTransport: channel read/write failed at the I/O level. Fatal for the connection.
	KindTransport
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Kind sentinels. An *Error matches the sentinel of its Kind under errors.Is.
var (
	ErrConnection = errors.New("connection error")
	ErrTimeout    = errors.New("timeout")
	ErrProtocol   = errors.New("protocol error")
	ErrTransport  = errors.New("transport error")
)

// Condition sentinels, usually wrapped inside an *Error.
var (
	ErrRequestPending    = errors.New("request already pending on connection")
	ErrNoEndpoint        = errors.New("no endpoint found")
	ErrNotConnected      = errors.New("not connected")
	ErrClosed            = errors.New("connection closed")
	ErrHandshake         = errors.New("malformed handshake")
	ErrIdentity          = errors.New("unexpected server identity")
	ErrUnknownFunction   = errors.New("unknown function")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrInvalidCommand    = errors.New("invalid command")
)

// Error wraps an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	return target == sentinel(e.Kind)
}

func sentinel(k Kind) error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindTimeout:
		return ErrTimeout
	case KindProtocol:
		return ErrProtocol
	case KindTransport:
		return ErrTransport
	}
	return nil
}

func newError(k Kind, op string, err error) error {
	if err == nil {
		err = sentinel(k)
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// Connection classifies err as a connection failure of op.
func Connection(op string, err error) error { return newError(KindConnection, op, err) }

// Timeout classifies err as a timeout of op.
func Timeout(op string, err error) error { return newError(KindTimeout, op, err) }

// Protocol classifies err as a protocol violation in op.
func Protocol(op string, err error) error { return newError(KindProtocol, op, err) }

// Transport classifies err as an I/O failure of op.
func Transport(op string, err error) error { return newError(KindTransport, op, err) }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsProtocol reports whether err is a protocol violation.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsTransport reports whether err is a transport I/O failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }
