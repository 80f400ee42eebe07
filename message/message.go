// Package message defines the messages exchanged between a mushroom client and server.
//
// Every message travels as a positional JSON array whose first element is the
// message code. Field order is fixed per kind; there are no named fields on the wire:
//
//	Heartbeat:     [0, lastMessageId|null]
//	Notification:  [1, messageId, method, data]
//	Request:       [2, messageId, method, data]
//	Response:      [3, messageId, requestMessageId, data]
//	Error:         [4, messageId, requestMessageId, data]
//	Disconnect:    [-1]
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies the kind of a message. It is always the first element of a frame.
type Code int

const (
	CodeDisconnect   Code = -1
	CodeHeartbeat    Code = 0
	CodeNotification Code = 1
	CodeRequest      Code = 2
	CodeResponse     Code = 3
	CodeError        Code = 4
)

func (c Code) String() string {
	switch c {
	case CodeDisconnect:
		return "Disconnect"
	case CodeHeartbeat:
		return "Heartbeat"
	case CodeNotification:
		return "Notification"
	case CodeRequest:
		return "Request"
	case CodeResponse:
		return "Response"
	case CodeError:
		return "Error"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

var (
	// ErrUnsupportedMessageKind is returned when a frame carries a code outside the known set.
	ErrUnsupportedMessageKind = errors.New("unsupported message kind")
	// ErrMalformedFrame is returned when a frame is not a well-formed positional array.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrNotImplemented is returned for a known message kind the receiver cannot route.
	ErrNotImplemented = errors.New("not implemented")
)

// Message is one of *Notification, *Request, *Response, *Error, *Disconnect or *Heartbeat.
// The set is closed: only types in this package implement it.
type Message interface {
	Code() Code
	// List returns the positional field sequence, code first.
	List() []any
	isMessage()
}

// Notification is a fire-and-forget invocation. No reply is expected.
type Notification struct {
	ID     int64
	Method string
	Data   json.RawMessage
}

// Request is an invocation expecting exactly one Response or Error whose
// RequestID equals ID.
type Request struct {
	ID     int64
	Method string
	Data   json.RawMessage
}

// Response is the success reply to a Request.
type Response struct {
	ID        int64
	RequestID int64
	Data      json.RawMessage
}

// Error is the failure reply to a Request.
type Error struct {
	ID        int64
	RequestID int64
	Data      json.RawMessage
}

// Disconnect signals intent to terminate the session. It carries no id.
type Disconnect struct{}

// Heartbeat acknowledges the newest message the sender has consumed.
// A nil LastMessageID means nothing has been consumed yet. The poll
// transport sends it as its polling directive; a server sends it to
// acknowledge messages the client has sent.
type Heartbeat struct {
	LastMessageID *int64
}

func (*Notification) Code() Code { return CodeNotification }
func (*Request) Code() Code      { return CodeRequest }
func (*Response) Code() Code     { return CodeResponse }
func (*Error) Code() Code        { return CodeError }
func (*Disconnect) Code() Code   { return CodeDisconnect }
func (*Heartbeat) Code() Code    { return CodeHeartbeat }

func (m *Notification) List() []any {
	return []any{CodeNotification, m.ID, m.Method, payload(m.Data)}
}

func (m *Request) List() []any {
	return []any{CodeRequest, m.ID, m.Method, payload(m.Data)}
}

func (m *Response) List() []any {
	return []any{CodeResponse, m.ID, m.RequestID, payload(m.Data)}
}

func (m *Error) List() []any {
	return []any{CodeError, m.ID, m.RequestID, payload(m.Data)}
}

func (*Disconnect) List() []any {
	return []any{CodeDisconnect}
}

func (m *Heartbeat) List() []any {
	if m.LastMessageID == nil {
		return []any{CodeHeartbeat, nil}
	}
	return []any{CodeHeartbeat, *m.LastMessageID}
}

func (*Notification) isMessage() {}
func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Error) isMessage()        {}
func (*Disconnect) isMessage()   {}
func (*Heartbeat) isMessage()    {}

// ID returns the message id of m, if its kind carries one.
// Disconnect and Heartbeat have no id.
func ID(m Message) (int64, bool) {
	switch v := m.(type) {
	case *Notification:
		return v.ID, true
	case *Request:
		return v.ID, true
	case *Response:
		return v.ID, true
	case *Error:
		return v.ID, true
	default:
		return 0, false
	}
}

// Method returns the method name for Notifications and Requests, "" otherwise.
func Method(m Message) string {
	switch v := m.(type) {
	case *Notification:
		return v.Method
	case *Request:
		return v.Method
	default:
		return ""
	}
}

// Payload marshals v into the raw data carried by a message.
// json.RawMessage values pass through untouched.
func Payload(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}

func payload(d json.RawMessage) json.RawMessage {
	if len(d) == 0 {
		return json.RawMessage("null")
	}
	return d
}
