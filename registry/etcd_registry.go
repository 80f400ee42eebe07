// Package registry finds mushroom servers through etcd.
//
// Servers publish themselves under a per-service prefix:
//
//	Key:   /mushroom/{service}/{url}
//	Value: JSON-encoded Endpoint
//
// Entries are attached to a TTL lease. A server that dies stops renewing the
// lease and its entry disappears without an explicit Deregister.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/mushroom/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints. A zero dialTimeout
// leaves the etcd client default in place.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdRegistry{client: c}, nil
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func servicePrefix(service string) string {
	return keyPrefix + service + "/"
}

// Register publishes ep under service with a TTL lease and keeps the lease
// alive until ctx is cancelled.
//
// The lease id stays local so one EtcdRegistry can register many endpoints.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, servicePrefix(service)+ep.URL, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}

	// Drain keep-alive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an endpoint right away instead of waiting for its lease to expire.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, url string) error {
	if _, err := r.client.Delete(ctx, servicePrefix(service)+url); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

// Watch emits the full endpoint list of service every time anything under
// its prefix changes. The channel is closed when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		for range watchChan {
			// Re-read everything rather than applying individual events.
			endpoints, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- endpoints:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every endpoint currently registered under service.
// Entries that do not parse are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}
