package transport

import (
	"sync"

	"mushroom/message"
)

// tracker remembers the highest message id received on one transport and
// rejects anything at or below it. Messages without an id always pass.
type tracker struct {
	mu   sync.Mutex
	last int64
	seen bool
}

func (t *tracker) accept(m message.Message) bool {
	id, ok := message.ID(m)
	if !ok {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen && id <= t.last {
		return false
	}
	t.last = id
	t.seen = true
	return true
}

// lastID returns the highest accepted id, or nil before the first one.
func (t *tracker) lastID() *int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.seen {
		return nil
	}
	last := t.last
	return &last
}
