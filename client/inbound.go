package client

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"mushroom/message"
)

// InboundRequest is a request the server sent to this client. It must be
// answered once, with Respond or Fail; later answers are ignored.
type InboundRequest struct {
	ID     int64
	Method string
	Data   json.RawMessage

	client   *Client
	answered atomic.Bool
}

// Respond sends a Response carrying data.
func (r *InboundRequest) Respond(ctx context.Context, data any) error {
	return r.reply(ctx, data, false)
}

// Fail sends an Error carrying data.
func (r *InboundRequest) Fail(ctx context.Context, data any) error {
	return r.reply(ctx, data, true)
}

func (r *InboundRequest) reply(ctx context.Context, data any, failed bool) error {
	if !r.answered.CompareAndSwap(false, true) {
		return nil
	}
	payload, err := message.Payload(data)
	if err != nil {
		return err
	}
	id := r.client.allocID()
	if failed {
		return r.client.SendMessage(ctx, &message.Error{ID: id, RequestID: r.ID, Data: payload})
	}
	return r.client.SendMessage(ctx, &message.Response{ID: id, RequestID: r.ID, Data: payload})
}
