// Package middleware wraps the bridge's request dispatch with cross-cutting behaviour.
//
//	Chain(Logging, RateLimit, Timeout)(dispatch)
//	  → Logging → RateLimit → Timeout → dispatch
//
// The first middleware in the chain is the outermost.
package middleware

import (
	"context"

	"hwbridge/message"
)

// HandlerFunc answers one request. It always returns a reply; failures are error replies.
type HandlerFunc func(ctx context.Context, cmd *message.Command) message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, first argument outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
