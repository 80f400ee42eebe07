// Package client implements the mushroom client endpoint.
//
// A Client negotiates a transport with the server, numbers every message it
// sends, matches replies to outstanding requests, and dispatches inbound
// notifications and requests to registered handlers.
//
//	c := client.New("http://localhost:8080/")
//	c.Method("chat", onChat)
//	if err := c.Connect(ctx, token); err != nil { ... }
//	c.Request(ctx, "ping", nil, onPong, nil)
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"mushroom/message"
	"mushroom/middleware"
	"mushroom/protocol"
	"mushroom/signal"
	"mushroom/transport"
)

type pendingRequest struct {
	request    *message.Request
	onResponse ResponseFunc
	onError    ErrorFunc
}

// Client is safe for concurrent use. Handlers and callbacks run on the
// goroutine of the transport that delivered the message, outside any client lock.
type Client struct {
	url       string
	opts      options
	exchange  protocol.Exchange
	logger    *slog.Logger
	sessionID string

	Signals Signals

	mu        sync.Mutex
	state     State
	transport transport.Transport
	nextID    int64
	pending   map[int64]*pendingRequest
	methods   map[string]NotificationHandler
	handlers  map[string]RequestHandler
	log       []message.Message
}

// New creates a client for the handshake endpoint at url. Nothing is sent
// until Connect.
func New(url string, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		url:       url,
		opts:      o,
		exchange:  middleware.Chain(o.middlewares...)(o.exchange),
		sessionID: newSessionID(),
		Signals: Signals{
			Connected:    signal.New[ConnectedEvent](),
			Disconnected: signal.New[DisconnectedEvent](),
			Error:        signal.New[ErrorEvent](),
		},
		pending:  make(map[int64]*pendingRequest),
		methods:  make(map[string]NotificationHandler, len(o.methods)),
		handlers: make(map[string]RequestHandler),
	}
	for name, h := range o.methods {
		c.methods[name] = h
	}
	c.logger = o.logger.With("session", c.sessionID)
	return c
}

func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// SessionID identifies this client in logs and picks its server when a
// consistent-hash resolver is configured.
func (c *Client) SessionID() string { return c.sessionID }

// Connect performs the handshake, instantiates the transport the server
// chose, and starts it. The Connected signal fires once the transport is up.
func (c *Client) Connect(ctx context.Context, auth any) error {
	c.mu.Lock()
	if c.transport != nil || c.state == StateConnecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	t, err := c.connect(ctx, auth)
	if err != nil {
		c.mu.Lock()
		if c.transport == t {
			c.transport = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("connect failed", "error", err)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) connect(ctx context.Context, auth any) (transport.Transport, error) {
	endpoint := c.url
	if c.opts.resolver != nil {
		resolved, err := c.opts.resolver.Resolve(ctx, c.sessionID)
		if err != nil {
			return nil, err
		}
		endpoint = resolved
	}

	params, err := protocol.Handshake(ctx, c.exchange, endpoint, protocol.HandshakeRequest{
		Transports: c.opts.transports,
		Auth:       auth,
	})
	if err != nil {
		return nil, err
	}
	params.URL, err = resolveURL(endpoint, params.URL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("handshake complete", "transport", params.Transport, "url", params.URL)

	t, err := transport.New(c, params, transport.Options{
		Codec:        c.opts.codec,
		Exchange:     c.exchange,
		Logger:       c.logger,
		DialOptions:  c.opts.dialOptions,
		PingInterval: c.opts.pingInterval,
		ReadLimit:    c.opts.readLimit,
	})
	if err != nil {
		return nil, err
	}

	// Attach before Start: the transport reports its connection from inside Start.
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// resolveURL makes a transport URL from the handshake reply absolute
// relative to the handshake endpoint.
func resolveURL(endpoint, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse transport url: %w", err)
	}
	return base.ResolveReference(u).String(), nil
}

// Disconnect asks the server to end the session. Local state is torn down
// when the transport closes as a result.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.SendMessage(ctx, &message.Disconnect{})
}

// Close stops the active transport without telling the server and fires
// Disconnected with a nil error.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	if t != nil {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	err := t.Stop()
	c.fireDisconnected(t, nil)
	return err
}

// Method registers the handler for notifications named name, replacing any
// previous one. A nil handler removes the registration.
func (c *Client) Method(name string, h NotificationHandler) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.methods, name)
	} else {
		c.methods[name] = h
	}
	return c
}

// Handle registers the handler for server-initiated requests named name.
func (c *Client) Handle(name string, h RequestHandler) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, name)
	} else {
		c.handlers[name] = h
	}
	return c
}

// Notify sends a notification and returns its message id.
func (c *Client) Notify(ctx context.Context, method string, data any) (int64, error) {
	payload, err := message.Payload(data)
	if err != nil {
		return 0, err
	}
	n := &message.Notification{ID: c.allocID(), Method: method, Data: payload}
	return n.ID, c.SendMessage(ctx, n)
}

// Request sends a request and registers its callbacks. Exactly one of them
// runs when the reply arrives. A nil onError reports error replies on the
// Error signal instead.
func (c *Client) Request(ctx context.Context, method string, data any, onResponse ResponseFunc, onError ErrorFunc) (int64, error) {
	if onResponse == nil {
		return 0, ErrMissingCallback
	}
	payload, err := message.Payload(data)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	req := &message.Request{ID: c.nextID, Method: method, Data: payload}
	c.nextID++
	if onError == nil {
		onError = func(data json.RawMessage) {
			c.emitError(ErrorEvent{Request: req, Data: data, Err: ErrRequestFailed})
		}
	}
	c.pending[req.ID] = &pendingRequest{request: req, onResponse: onResponse, onError: onError}
	c.mu.Unlock()

	return req.ID, c.SendMessage(ctx, req)
}

// Call sends a request and waits for its reply, decoding a successful reply
// into reply when reply is non-nil. An error reply is returned as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, data any, reply any) error {
	type result struct {
		data   json.RawMessage
		failed bool
	}
	done := make(chan result, 1)

	payload, err := message.Payload(data)
	if err != nil {
		return err
	}
	// From here on an error from Request comes from the send, after the id was taken.
	id, err := c.Request(ctx, method, payload,
		func(d json.RawMessage) { done <- result{data: d} },
		func(d json.RawMessage) { done <- result{data: d, failed: true} },
	)
	if err != nil {
		c.forget(id)
		return err
	}

	select {
	case r := <-done:
		if r.failed {
			return &RemoteError{Method: method, RequestID: id, Data: r.data}
		}
		if reply == nil || len(r.data) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.data, reply); err != nil {
			return fmt.Errorf("decode %s reply: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) allocID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// SendMessage records m in the send log and forwards it if a connected
// transport is attached. Otherwise m waits in the log for the next
// websocket connection to replay it.
func (c *Client) SendMessage(ctx context.Context, m message.Message) error {
	c.mu.Lock()
	c.record(m)
	t := c.transport
	c.mu.Unlock()

	if t == nil || !t.Connected() {
		c.logger.Debug("queued message", "code", m.Code().String())
		return nil
	}
	if err := t.SendMessage(ctx, m); err != nil {
		return fmt.Errorf("send %s: %w", m.Code(), err)
	}
	return nil
}

// record appends m to the send log. Only messages with an id are kept,
// since only they are acknowledged and replayed. Callers hold c.mu.
func (c *Client) record(m message.Message) {
	if _, ok := message.ID(m); !ok {
		return
	}
	c.log = append(c.log, m)
	if max := c.opts.maxLog; max > 0 && len(c.log) > max {
		dropped := len(c.log) - max
		c.logger.Warn("send log full, dropping oldest messages", "dropped", dropped, "max_log", max)
		c.log = append([]message.Message(nil), c.log[dropped:]...)
	}
}

// Pending returns the number of requests still waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Log returns a copy of the messages sent and not yet acknowledged.
func (c *Client) Log() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Message(nil), c.log...)
}

// Transport returns the attached transport, or nil.
func (c *Client) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
