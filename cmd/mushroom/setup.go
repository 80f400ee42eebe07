package main

import (
	"context"
	"fmt"
	"log/slog"

	"mushroom/client"
	"mushroom/config"
	"mushroom/loadbalance"
	"mushroom/middleware"
	"mushroom/registry"
)

// newClient builds a client from cfg. The returned closer disconnects the
// client and releases the etcd connection, if any.
func newClient(cfg *config.Config, log *slog.Logger) (*client.Client, func(), error) {
	opts := []client.Option{
		client.WithLogger(log),
		client.WithTransports(cfg.Transports...),
		client.WithMaxLog(cfg.MaxLog),
		client.WithMiddleware(exchangeMiddlewares(cfg.HTTP, log)...),
		client.WithPingInterval(cfg.WebSocket.PingInterval),
		client.WithReadLimit(cfg.WebSocket.ReadLimit),
	}
	closers := []func(){}

	if cfg.Discovery.Enabled() {
		reg, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, cfg.Discovery.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { reg.Close() })

		bal, err := loadbalance.New(cfg.Discovery.Balancer)
		if err != nil {
			reg.Close()
			return nil, nil, fmt.Errorf("discovery: %w", err)
		}
		opts = append(opts, client.WithResolver(registry.NewResolver(reg, cfg.Discovery.Service, bal)))
		log.Debug("endpoint discovery enabled", "service", cfg.Discovery.Service, "balancer", bal.Name())
	}

	c := client.New(cfg.Endpoint, opts...)
	closers = append(closers, func() {
		c.Disconnect(context.Background())
		c.Close()
	})

	return c, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

// exchangeMiddlewares turns the http section into a middleware chain,
// outermost first: logging, circuit breaker, retry, rate limit, timeout.
func exchangeMiddlewares(h config.HTTPConfig, log *slog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if h.Breaker.MaxFailures > 0 {
		mws = append(mws, middleware.CircuitBreakerMiddleware("mushroom-exchange", middleware.BreakerConfig{
			MaxFailures: h.Breaker.MaxFailures,
			Timeout:     h.Breaker.Timeout,
			Interval:    h.Breaker.Interval,
		}, log))
	}
	if h.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(h.Retries, h.RetryDelay, log))
	}
	if h.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(h.RateLimit, h.RateBurst))
	}
	if h.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(h.Timeout))
	}
	return mws
}
