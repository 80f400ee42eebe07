package middleware

import (
	"context"
	"log/slog"
	"time"

	"mushroom/protocol"
)

func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next protocol.Exchange) protocol.Exchange {
		return func(ctx context.Context, url string, body []byte) (*protocol.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, url, body)
			duration := time.Since(start)
			if err != nil {
				logger.Warn("exchange failed", "url", url, "duration", duration, "error", err)
				return reply, err
			}
			logger.Debug("exchange", "url", url, "status", reply.Status,
				"sent", len(body), "received", len(reply.Body), "duration", duration)
			return reply, nil
		}
	}
}
