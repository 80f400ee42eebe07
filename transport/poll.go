package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"mushroom/message"
	"mushroom/protocol"
)

// Poll is the HTTP long-polling transport.
//
// The loop keeps exactly one poll exchange outstanding: each cycle posts
// [[0, lastMessageId]], waits for the server to answer with a batch, delivers
// the batch in array order, and immediately starts the next cycle. The server
// is expected to hold a poll open until it has something to say.
//
//	Start → cycle → cycle → ... → (Stop requested) → loop ends
//	                    ↘ non-2xx / no reply → HandleDisconnect
type Poll struct {
	handler Handler
	url     string
	opts    Options
	logger  *slog.Logger
	tracker tracker

	mu        sync.Mutex
	running   bool
	stopping  bool
	connected bool
	done      chan struct{}

	sendMu sync.Mutex // out-of-band sends leave in call order
}

// NewPoll creates a poll transport for the URL named in the handshake reply.
func NewPoll(h Handler, params protocol.TransportParams, opts Options) (*Poll, error) {
	if params.URL == "" {
		return nil, fmt.Errorf("poll transport: handshake reply has no url")
	}
	opts = opts.withDefaults()
	return &Poll{
		handler: h,
		url:     params.URL,
		opts:    opts,
		logger:  opts.Logger.With("transport", NamePoll),
	}, nil
}

func (p *Poll) Name() string { return NamePoll }

// Start marks the transport running and connected, reports the connection,
// and starts the poll loop. The loop outlives ctx's cancellation but keeps its values.
func (p *Poll) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.running = true
	p.stopping = false
	p.connected = true
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.handler.HandleConnect(p)
	go p.loop(context.WithoutCancel(ctx), done)
	return nil
}

// Stop asks the loop to end after the cycle in flight completes.
func (p *Poll) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.stopping = true
	}
	return nil
}

// Done is closed when the poll loop has ended, for whatever reason.
// It returns nil before the first Start.
func (p *Poll) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Poll) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Running reports whether the poll loop is active.
func (p *Poll) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SendMessage posts [[code, ...]] as its own exchange. Delivery is fire and
// forget: a failed exchange is logged, never returned. Whether the message
// arrived shows up later as a correlated reply on the poll loop.
func (p *Poll) SendMessage(ctx context.Context, m message.Message) error {
	body, err := p.opts.Codec.EncodeBatch([]message.Message{m})
	if err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	reply, err := p.opts.Exchange(ctx, p.url, body)
	switch {
	case err != nil:
		p.logger.Warn("send exchange failed", "code", m.Code().String(), "error", err)
	case !reply.OK():
		p.logger.Warn("send exchange rejected", "code", m.Code().String(), "status", reply.Status)
	}
	return nil
}

func (p *Poll) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := p.cycle(ctx); err != nil {
			p.fail(err)
			return
		}

		p.mu.Lock()
		if p.stopping {
			p.running = false
			p.stopping = false
			p.connected = false
			p.mu.Unlock()
			p.logger.Debug("poll loop stopped")
			return
		}
		p.mu.Unlock()
	}
}

// cycle runs one poll exchange and delivers its batch.
// A returned error means the connection is gone.
func (p *Poll) cycle(ctx context.Context) error {
	body, err := p.opts.Codec.EncodeBatch([]message.Message{
		&message.Heartbeat{LastMessageID: p.tracker.lastID()},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	reply, err := p.opts.Exchange(ctx, p.url, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	if !reply.OK() {
		return fmt.Errorf("%w: poll status %d", ErrConnectionLost, reply.Status)
	}

	frames, err := p.opts.Codec.DecodeBatch(reply.Body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}
	for _, frame := range frames {
		p.deliver(frame)
	}
	return nil
}

func (p *Poll) deliver(frame json.RawMessage) {
	m, err := p.opts.Codec.Decode(frame)
	if err != nil {
		p.handler.HandleError(p, fmt.Errorf("poll frame %s: %w", frame, err))
		return
	}
	if !p.tracker.accept(m) {
		id, _ := message.ID(m)
		p.logger.Debug("dropping already processed message", "message_id", id)
		return
	}
	p.handler.HandleMessage(p, m)
}

func (p *Poll) fail(err error) {
	p.mu.Lock()
	p.running = false
	p.stopping = false
	p.connected = false
	p.mu.Unlock()

	p.logger.Info("poll transport disconnected", "error", err)
	p.handler.HandleDisconnect(p, err)
}
