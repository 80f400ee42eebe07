package registry

import (
	"context"
	"errors"
)

// ErrNoEndpoints is returned when discovery finds nothing registered under a service.
var ErrNoEndpoints = errors.New("no endpoints registered")

// Endpoint is one mushroom server reachable at URL (the handshake endpoint).
type Endpoint struct {
	URL     string `json:"url"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, service string, url string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
