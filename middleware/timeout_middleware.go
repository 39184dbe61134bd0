package middleware

import (
	"context"
	"time"

	"hwbridge/message"
)

// TimeoutMiddleware bounds each request by timeoutFor(cmd). The handler is expected to
// honour ctx; it is not abandoned, so the device is never left mid-exchange.
func TimeoutMiddleware(timeoutFor func(*message.Command) time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeoutFor(cmd))
			defer cancel()
			return next(ctx, cmd)
		}
	}
}
