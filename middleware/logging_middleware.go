package middleware

import (
	"context"
	"log/slog"
	"time"

	"hwbridge/message"
)

func LoggingMiddleware(log *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) message.Response {
			start := time.Now()
			resp := next(ctx, cmd)
			duration := time.Since(start)

			if resp.IsError() {
				log.Warn("request failed", "action", cmd.Action, "function", cmd.Function,
					"duration", duration, "err", resp.Err())
				return resp
			}
			log.Info("request done", "action", cmd.Action, "function", cmd.Function, "duration", duration)
			return resp
		}
	}
}
