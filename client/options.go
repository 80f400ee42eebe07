package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"mushroom/codec"
	"mushroom/middleware"
	"mushroom/protocol"
	"mushroom/transport"
)

// DefaultMaxLog bounds the send log when no WithMaxLog option is given.
const DefaultMaxLog = 1024

// Resolver picks the handshake URL for a connect, e.g. from service discovery.
// key is the client's session id.
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

type options struct {
	transports   []string
	logger       *slog.Logger
	exchange     protocol.Exchange
	middlewares  []middleware.Middleware
	codec        codec.Codec
	methods      map[string]NotificationHandler
	maxLog       int
	dialOptions  *websocket.DialOptions
	pingInterval time.Duration
	readLimit    int64
	resolver     Resolver
}

// Option configures a Client.
type Option func(*options)

func defaultOptions() options {
	return options{
		transports: []string{transport.NameWebSocket, transport.NamePoll},
		logger:     slog.Default(),
		exchange:   protocol.HTTPExchange(http.DefaultClient),
		codec:      codec.GetCodec(codec.CodecTypeJSON),
		maxLog:     DefaultMaxLog,
	}
}

// WithTransports sets the transport names offered in the handshake, most preferred first.
func WithTransports(names ...string) Option {
	return func(o *options) { o.transports = append([]string(nil), names...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithExchange replaces the HTTP exchange used for the handshake and the poll transport.
func WithExchange(ex protocol.Exchange) Option {
	return func(o *options) {
		if ex != nil {
			o.exchange = ex
		}
	}
}

// WithHTTPClient sends every exchange through hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.exchange = protocol.HTTPExchange(hc) }
}

// WithMiddleware wraps the exchange, first middleware outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithMethods registers notification handlers up front, as Method does.
func WithMethods(methods map[string]NotificationHandler) Option {
	return func(o *options) {
		if o.methods == nil {
			o.methods = make(map[string]NotificationHandler, len(methods))
		}
		for name, h := range methods {
			o.methods[name] = h
		}
	}
}

// WithMaxLog bounds the send log. n <= 0 keeps every unacknowledged message.
func WithMaxLog(n int) Option {
	return func(o *options) { o.maxLog = n }
}

func WithDialOptions(d *websocket.DialOptions) Option {
	return func(o *options) { o.dialOptions = d }
}

// WithPingInterval makes the websocket transport ping the server every d.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

// WithReadLimit caps the size of one websocket frame.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithResolver looks the endpoint up on every Connect instead of using the URL given to New.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}
