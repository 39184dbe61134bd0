package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hwbridge/message"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket with burst).
// It protects the device, which can run only one experiment at a time anyway.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) message.Response {
			if !limiter.Allow() {
				return message.ErrorResponse("rate limit exceeded")
			}
			return next(ctx, cmd)
		}
	}
}
