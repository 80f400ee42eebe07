package registry

import (
	"context"
	"fmt"
)

// Picker chooses one endpoint for key. loadbalance.Balancer satisfies it.
type Picker interface {
	Pick(key string, endpoints []Endpoint) (*Endpoint, error)
}

// Resolver turns a service name into one handshake URL per connect.
type Resolver struct {
	reg     Registry
	service string
	picker  Picker
}

func NewResolver(reg Registry, service string, picker Picker) *Resolver {
	return &Resolver{reg: reg, service: service, picker: picker}
}

// Resolve discovers the service's endpoints and picks one for key.
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	endpoints, err := r.reg.Discover(ctx, r.service)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", r.service, err)
	}
	if len(endpoints) == 0 {
		return "", fmt.Errorf("resolve %s: %w", r.service, ErrNoEndpoints)
	}
	ep, err := r.picker.Pick(key, endpoints)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", r.service, err)
	}
	return ep.URL, nil
}
