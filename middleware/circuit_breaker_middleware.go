package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"mushroom/protocol"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures CircuitBreakerMiddleware. Zero fields use defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

// errServerStatus marks a 5xx reply inside the breaker so it counts as a failure.
type errServerStatus struct{ reply *protocol.Reply }

func (e errServerStatus) Error() string { return fmt.Sprintf("server status %d", e.reply.Status) }

// CircuitBreakerMiddleware fails fast with gobreaker.ErrOpenState once an endpoint
// keeps failing. Transport errors and 5xx replies count as failures; the 5xx reply
// itself is still handed back to the caller.
func CircuitBreakerMiddleware(name string, cfg BreakerConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*protocol.Reply](gobreaker.Settings{
		Name:        "exchange:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return func(next protocol.Exchange) protocol.Exchange {
		return func(ctx context.Context, url string, body []byte) (*protocol.Reply, error) {
			reply, err := cb.Execute(func() (*protocol.Reply, error) {
				reply, err := next(ctx, url, body)
				if err != nil {
					return nil, err
				}
				if reply.Status >= 500 {
					return reply, errServerStatus{reply: reply}
				}
				return reply, nil
			})
			if status, ok := err.(errServerStatus); ok {
				return status.reply, nil
			}
			return reply, err
		}
	}
}
