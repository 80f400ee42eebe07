// Package signal provides a minimal multi-subscriber notification primitive.
//
// Handlers run synchronously, in registration order, with the same argument.
// There is no error isolation: the first handler that returns an error stops
// delivery to the handlers registered after it.
package signal

import "sync"

// Handler receives one value sent on a Signal.
type Handler[T any] func(T) error

// Handle identifies one registration on a Signal.
type Handle uint64

type registration[T any] struct {
	handle  Handle
	handler Handler[T]
}

// Signal is safe for concurrent use. The zero value is ready to use.
type Signal[T any] struct {
	mu       sync.Mutex
	handlers []registration[T]
	next     Handle
}

// New returns an empty signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Connect appends h to the handler list and returns its handle.
// The same function may be connected more than once.
func (s *Signal[T]) Connect(h Handler[T]) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.handlers = append(s.handlers, registration[T]{handle: s.next, handler: h})
	return s.next
}

// Disconnect removes the registration identified by h.
// It reports whether a registration was removed.
func (s *Signal[T]) Disconnect(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.handlers {
		if r.handle == h {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// DisconnectAll clears every registration.
func (s *Signal[T]) DisconnectAll() {
	s.mu.Lock()
	s.handlers = nil
	s.mu.Unlock()
}

// Len returns the number of registered handlers.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Send invokes every handler registered at the time of the call.
// It returns the first handler error; handlers after the failing one are not called.
// Handlers may connect or disconnect during delivery; changes apply to the next Send.
func (s *Signal[T]) Send(v T) error {
	s.mu.Lock()
	snapshot := make([]registration[T], len(s.handlers))
	copy(snapshot, s.handlers)
	s.mu.Unlock()

	for _, r := range snapshot {
		if err := r.handler(v); err != nil {
			return err
		}
	}
	return nil
}
