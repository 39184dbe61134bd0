// Package transport moves Commands and Responses over a concrete channel.
//
// Two adapters implement the same contract:
//
//	SocketAdapter  ── WebSocket text frames, one JSON object per frame
//	SerialAdapter  ── raw UART bytes, framed by protocol.Assembler
//
// Neither adapter sequences requests; that is the engine's job. Receive always takes an
// explicit bound and never blocks past it or past ctx, and a Receive that runs out of
// time leaves the channel usable.
package transport

import (
	"context"
	"time"

	"hwbridge/codec"
	"hwbridge/message"
)

// Adapter is the capability set the engine needs from a channel.
//
// Error classes:
//   - Open: ConnectionError
//   - Send: ProtocolError (cannot encode), TransportError (write failed)
//   - Receive: TimeoutError, ProtocolError, TransportError, or ctx.Err()
//
// After a TransportError the adapter is closed.
type Adapter interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, cmd *message.Command) error
	Receive(ctx context.Context, timeout time.Duration) (message.Response, error)
	Close() error
	Codec() codec.Codec
}
