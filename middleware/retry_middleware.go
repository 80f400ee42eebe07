package middleware

import (
	"context"
	"log/slog"
	"time"

	"mushroom/protocol"
)

// RetryMiddleware retries exchanges that produced no reply at all, with exponential backoff.
// Replies with a non-2xx status are returned as-is: a failed poll is a disconnect,
// not something to paper over.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next protocol.Exchange) protocol.Exchange {
		return func(ctx context.Context, url string, body []byte) (*protocol.Reply, error) {
			reply, err := next(ctx, url, body)
			for i := 0; i < maxRetries && err != nil; i++ {
				if ctx.Err() != nil {
					return reply, err
				}
				logger.Info("retrying exchange", "attempt", i+1, "url", url, "error", err)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				reply, err = next(ctx, url, body)
			}
			return reply, err
		}
	}
}
