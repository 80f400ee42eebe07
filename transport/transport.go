// Package transport carries encoded messages between a mushroom client and server.
//
// Two variants exist behind one interface:
//
//	ws    a persistent websocket; one message per text frame, both directions
//	poll  a loop of HTTP exchanges; each poll returns a batch of messages,
//	      and every outbound message is its own out-of-band exchange
//
// A transport never routes messages itself. It decodes frames, drops
// duplicates, and hands each accepted message to its Handler (the client)
// in the order it arrived.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"nhooyr.io/websocket"

	"mushroom/codec"
	"mushroom/message"
	"mushroom/protocol"
)

var (
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrAlreadyStarted       = errors.New("transport already started")
	ErrConnectionLost       = errors.New("connection lost")
	ErrNotConnected         = errors.New("transport not connected")
)

// Transport is one live channel to the server.
type Transport interface {
	// Name is the registry name, "ws" or "poll".
	Name() string
	Start(ctx context.Context) error
	// Stop ends the transport. It does not abort I/O already in flight.
	Stop() error
	SendMessage(ctx context.Context, m message.Message) error
	Connected() bool
}

// Handler receives everything a transport produces. The client implements it;
// a transport holds it as a non-owning back-reference.
type Handler interface {
	HandleConnect(t Transport)
	HandleMessage(t Transport, m message.Message)
	// HandleDisconnect is called at most once per transport. err is nil for a
	// clean close and wraps ErrConnectionLost otherwise.
	HandleDisconnect(t Transport, err error)
	// HandleError reports a frame that could not be decoded. The transport
	// keeps running.
	HandleError(t Transport, err error)
	// Replay returns the messages a freshly opened persistent transport re-sends.
	Replay() []message.Message
}

// Options are shared by every transport a client creates.
type Options struct {
	Codec codec.Codec
	// Exchange performs the poll transport's HTTP exchanges.
	Exchange protocol.Exchange
	Logger   *slog.Logger
	// DialOptions are passed to websocket.Dial.
	DialOptions *websocket.DialOptions
	// PingInterval enables websocket pings when positive.
	PingInterval time.Duration
	// ReadLimit caps the size of one websocket frame when positive.
	ReadLimit int64
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if o.Exchange == nil {
		o.Exchange = protocol.HTTPExchange(nil)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
