package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mushroom/protocol"
)

// RateLimitMiddleware limits exchanges with a token bucket. Exchanges wait for
// a token instead of failing, so out-of-band sends are delayed rather than lost.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next protocol.Exchange) protocol.Exchange {
		return func(ctx context.Context, url string, body []byte) (*protocol.Reply, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return next(ctx, url, body)
		}
	}
}
