// Package loadbalance picks one discovered mushroom server for a connect.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  a session keeps landing on the same server
package loadbalance

import (
	"errors"
	"fmt"

	"mushroom/registry"
)

// ErrNoEndpoints is returned when Pick gets an empty list.
var ErrNoEndpoints = registry.ErrNoEndpoints

// Strategy names as they appear in configuration.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// Balancer is the interface for load balancing strategies.
// Every strategy receives the caller's key; only ConsistentHash uses it.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Must be goroutine-safe.
	Pick(key string, endpoints []registry.Endpoint) (*registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

var errUnknownStrategy = errors.New("unknown balancer")

// New returns the balancer configured under name. Empty means round robin.
func New(name string) (Balancer, error) {
	switch name {
	case "", StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownStrategy, name)
	}
}

// Valid reports whether name selects a known strategy.
func Valid(name string) bool {
	_, err := New(name)
	return err == nil
}
