package config

import (
	"fmt"
	"strings"

	"mushroom/loadbalance"
	"mushroom/transport"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEndpoint(cfg, ve)
	validateTransports(cfg, ve)
	validateHTTP(cfg, ve)
	validateDiscovery(cfg, ve)
	if cfg.MaxLog < 0 {
		ve.Add("max_log must be >= 0")
	}
	if cfg.WebSocket.PingInterval < 0 {
		ve.Add("websocket.ping_interval must be >= 0")
	}
	if cfg.WebSocket.ReadLimit < 0 {
		ve.Add("websocket.read_limit must be >= 0")
	}
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEndpoint(cfg *Config, ve *ValidationError) {
	if cfg.Endpoint == "" && !cfg.Discovery.Enabled() {
		ve.Add("endpoint is required unless discovery.etcd_endpoints is set")
	}
}

func validateTransports(cfg *Config, ve *ValidationError) {
	if len(cfg.Transports) == 0 {
		ve.Add("transports must name at least one transport")
	}
	for _, name := range cfg.Transports {
		if !transport.Has(name) {
			ve.Add("transports: unknown transport %q (known: %s)", name, strings.Join(transport.Names(), ", "))
		}
	}
}

func validateHTTP(cfg *Config, ve *ValidationError) {
	h := cfg.HTTP
	if h.Timeout < 0 {
		ve.Add("http.timeout must be >= 0")
	}
	if h.Retries < 0 {
		ve.Add("http.retries must be >= 0")
	}
	if h.RetryDelay < 0 {
		ve.Add("http.retry_delay must be >= 0")
	}
	if h.RateLimit < 0 {
		ve.Add("http.rate_limit must be >= 0")
	}
	if h.RateLimit > 0 && h.RateBurst <= 0 {
		ve.Add("http.rate_burst must be > 0 when http.rate_limit is set")
	}
	if h.Breaker.Timeout < 0 || h.Breaker.Interval < 0 {
		ve.Add("http.breaker durations must be >= 0")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	d := cfg.Discovery
	if !d.Enabled() {
		return
	}
	if d.Service == "" {
		ve.Add("discovery.service is required when discovery is enabled")
	}
	if !loadbalance.Valid(d.Balancer) {
		ve.Add("discovery.balancer: unknown balancer %q", d.Balancer)
	}
	if d.DialTimeout < 0 {
		ve.Add("discovery.dial_timeout must be >= 0")
	}
}
