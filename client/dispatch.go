package client

import (
	"context"
	"encoding/json"
	"fmt"

	"mushroom/message"
	"mushroom/transport"
)

// The methods below make *Client a transport.Handler. Events from a
// transport that is no longer attached are ignored.

func (c *Client) attached(t transport.Transport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport == t
}

func (c *Client) HandleConnect(t transport.Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected", "transport", t.Name())
	if err := c.Signals.Connected.Send(ConnectedEvent{Transport: t}); err != nil {
		c.logger.Warn("connected handler failed", "error", err)
	}
}

// HandleDisconnect is the single path through which a transport going away
// detaches from the client.
func (c *Client) HandleDisconnect(t transport.Transport, err error) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.fireDisconnected(t, err)
}

func (c *Client) fireDisconnected(t transport.Transport, err error) {
	c.logger.Info("disconnected", "transport", t.Name(), "error", err)
	if serr := c.Signals.Disconnected.Send(DisconnectedEvent{Transport: t, Err: err}); serr != nil {
		c.logger.Warn("disconnected handler failed", "error", serr)
	}
}

func (c *Client) HandleError(t transport.Transport, err error) {
	if !c.attached(t) {
		return
	}
	c.emitError(ErrorEvent{Err: err})
}

// Replay hands a freshly opened websocket the messages it must resend.
func (c *Client) Replay() []message.Message {
	return c.Log()
}

func (c *Client) HandleMessage(t transport.Transport, m message.Message) {
	if !c.attached(t) {
		c.logger.Debug("message from detached transport", "transport", t.Name(), "code", m.Code().String())
		return
	}

	switch m := m.(type) {
	case *message.Notification:
		c.handleNotification(m)
	case *message.Request:
		c.handleRequest(m)
	case *message.Response:
		c.handleResponse(m)
	case *message.Error:
		c.handleErrorReply(m)
	case *message.Heartbeat:
		c.handleHeartbeat(m)
	case *message.Disconnect:
		// Sessions are only ever ended by the client.
		c.logger.Debug("ignoring inbound disconnect")
	}
}

func (c *Client) handleNotification(n *message.Notification) {
	c.mu.Lock()
	h := c.methods[n.Method]
	c.mu.Unlock()

	if h == nil {
		c.logger.Debug("no handler for notification", "method", n.Method, "message_id", n.ID)
		return
	}
	if err := h(c, n.Data); err != nil {
		c.emitError(ErrorEvent{Data: n.Data, Err: fmt.Errorf("notification %s: %w", n.Method, err)})
	}
}

var methodNotFound = json.RawMessage(`{"error":"method not found"}`)

func (c *Client) handleRequest(r *message.Request) {
	c.mu.Lock()
	h := c.handlers[r.Method]
	c.mu.Unlock()

	req := &InboundRequest{ID: r.ID, Method: r.Method, Data: r.Data, client: c}
	if h == nil {
		c.logger.Warn("no handler for request", "method", r.Method, "message_id", r.ID)
		c.emitError(ErrorEvent{Data: r.Data, Err: fmt.Errorf("request %s: %w", r.Method, message.ErrNotImplemented)})
		if err := req.Fail(context.Background(), methodNotFound); err != nil {
			c.logger.Warn("error reply failed", "method", r.Method, "error", err)
		}
		return
	}
	h(c, req)
}

func (c *Client) popPending(requestID int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[requestID]
	delete(c.pending, requestID)
	return p
}

func (c *Client) handleResponse(r *message.Response) {
	p := c.popPending(r.RequestID)
	if p == nil {
		c.emitError(ErrorEvent{Data: r.Data, Err: fmt.Errorf("%w %d", ErrUnknownRequestID, r.RequestID)})
		return
	}
	p.onResponse(r.Data)
}

func (c *Client) handleErrorReply(e *message.Error) {
	p := c.popPending(e.RequestID)
	if p == nil {
		c.emitError(ErrorEvent{Data: e.Data, Err: fmt.Errorf("%w %d", ErrUnknownRequestID, e.RequestID)})
		return
	}
	p.onError(e.Data)
}

// handleHeartbeat treats the server's last received id as an acknowledgement
// and prunes everything up to it from the send log.
func (c *Client) handleHeartbeat(h *message.Heartbeat) {
	if h.LastMessageID == nil {
		return
	}
	last := *h.LastMessageID

	c.mu.Lock()
	kept := c.log[:0]
	for _, m := range c.log {
		if id, _ := message.ID(m); id > last {
			kept = append(kept, m)
		}
	}
	pruned := len(c.log) - len(kept)
	for i := len(kept); i < len(c.log); i++ {
		c.log[i] = nil
	}
	c.log = kept
	c.mu.Unlock()

	if pruned > 0 {
		c.logger.Debug("acknowledged", "message_id", last, "pruned", pruned)
	}
}

func (c *Client) emitError(ev ErrorEvent) {
	if c.Signals.Error.Len() == 0 {
		c.logger.Warn("unhandled client error", "error", ev.Err)
		return
	}
	if err := c.Signals.Error.Send(ev); err != nil {
		c.logger.Warn("error handler failed", "error", err)
	}
}
