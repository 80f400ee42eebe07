package middleware

import (
	"context"
	"time"

	"mushroom/protocol"
)

// TimeOutMiddleware bounds every exchange by timeout. The poll transport relies
// on the server holding a poll open, so timeout must exceed the server's hold time.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next protocol.Exchange) protocol.Exchange {
		return func(ctx context.Context, url string, body []byte) (*protocol.Reply, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, url, body)
		}
	}
}
