package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"mushroom/message"
	"mushroom/signal"
	"mushroom/transport"
)

var (
	ErrMissingCallback  = errors.New("request needs a response callback")
	ErrUnknownRequestID = errors.New("reply to unknown request id")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrRequestFailed    = errors.New("request failed")
)

// NotificationHandler handles inbound notifications for one method.
// A returned error is reported on the client's Error signal.
type NotificationHandler func(c *Client, data json.RawMessage) error

// RequestHandler answers server-initiated requests for one method through
// req.Respond or req.Fail.
type RequestHandler func(c *Client, req *InboundRequest)

// ResponseFunc receives the data of a successful reply.
type ResponseFunc func(data json.RawMessage)

// ErrorFunc receives the data of an error reply.
type ErrorFunc func(data json.RawMessage)

type ConnectedEvent struct {
	Transport transport.Transport
}

// DisconnectedEvent carries the transport that went away. Err is nil for a
// clean close.
type DisconnectedEvent struct {
	Transport transport.Transport
	Err       error
}

// ErrorEvent reports an asynchronous failure. Request is set when the
// failure belongs to a request this client sent.
type ErrorEvent struct {
	Request *message.Request
	Data    json.RawMessage
	Err     error
}

// Signals are the client's lifecycle signals.
type Signals struct {
	Connected    *signal.Signal[ConnectedEvent]
	Disconnected *signal.Signal[DisconnectedEvent]
	Error        *signal.Signal[ErrorEvent]
}

// RemoteError is returned by Call when the server answers with an Error message.
type RemoteError struct {
	Method    string
	RequestID int64
	Data      json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mushroom: %s (request %d) failed: %s", e.Method, e.RequestID, e.Data)
}

func (e *RemoteError) Unwrap() error { return ErrRequestFailed }

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
