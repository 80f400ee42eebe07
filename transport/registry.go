package transport

import (
	"fmt"
	"sort"

	"mushroom/protocol"
)

// Transport names as they appear in the handshake.
const (
	NameWebSocket = "ws"
	NamePoll      = "poll"
)

// Factory builds a transport from the server's handshake reply.
type Factory func(h Handler, params protocol.TransportParams, opts Options) (Transport, error)

// factories is filled once here and never mutated.
var factories = map[string]Factory{
	NameWebSocket: newWebSocket,
	NamePoll:      newPoll,
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	f, ok := factories[name]
	return f, ok
}

// Has reports whether a transport is registered under name.
func Has(name string) bool {
	_, ok := factories[name]
	return ok
}

// Names returns the registered transport names, sorted.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New instantiates the transport the handshake reply names.
func New(h Handler, params protocol.TransportParams, opts Options) (Transport, error) {
	f, ok := Lookup(params.Transport)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedTransport, params.Transport)
	}
	return f(h, params, opts)
}

func newWebSocket(h Handler, params protocol.TransportParams, opts Options) (Transport, error) {
	t, err := NewWebSocket(h, params, opts)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newPoll(h Handler, params protocol.TransportParams, opts Options) (Transport, error) {
	t, err := NewPoll(h, params, opts)
	if err != nil {
		return nil, err
	}
	return t, nil
}
