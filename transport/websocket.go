package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"mushroom/message"
	"mushroom/protocol"
)

// WebSocket is the persistent transport: one encoded message per text frame.
//
// A single goroutine (readLoop) reads frames, because a websocket read must be
// sequential; writes may come from any goroutine.
type WebSocket struct {
	handler Handler
	url     string
	opts    Options
	logger  *slog.Logger
	tracker tracker

	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool
	connected bool
	stopping  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocket creates a websocket transport for the URL named in the handshake reply.
func NewWebSocket(h Handler, params protocol.TransportParams, opts Options) (*WebSocket, error) {
	if params.URL == "" {
		return nil, fmt.Errorf("ws transport: handshake reply has no url")
	}
	opts = opts.withDefaults()
	return &WebSocket{
		handler: h,
		url:     params.URL,
		opts:    opts,
		logger:  opts.Logger.With("transport", NameWebSocket),
		done:    make(chan struct{}),
	}, nil
}

func (w *WebSocket) Name() string { return NameWebSocket }

// Start dials the server. Once the connection is open it reports the
// connection and re-sends every message from the handler's replay log, so
// writes made while no transport was connected are not lost.
func (w *WebSocket) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, w.url, w.opts.DialOptions)
	if err != nil {
		return fmt.Errorf("ws dial %s: %w", w.url, err)
	}
	if w.opts.ReadLimit > 0 {
		conn.SetReadLimit(w.opts.ReadLimit)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	w.handler.HandleConnect(w)

	for _, m := range w.handler.Replay() {
		if err := w.write(ctx, conn, m); err != nil {
			w.logger.Warn("replay failed", "code", m.Code().String(), "error", err)
			break
		}
	}

	go w.readLoop(conn)
	if w.opts.PingInterval > 0 {
		go w.pingLoop(conn, w.opts.PingInterval)
	}
	return nil
}

// Stop closes the connection with a normal closure. The read loop then
// reports the disconnect.
func (w *WebSocket) Stop() error {
	w.mu.Lock()
	conn := w.conn
	w.stopping = true
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		w.logger.Debug("close handshake incomplete", "error", err)
	}
	return nil
}

// Done is closed after the connection has gone away and the disconnect was reported.
func (w *WebSocket) Done() <-chan struct{} { return w.done }

func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *WebSocket) SendMessage(ctx context.Context, m message.Message) error {
	w.mu.Lock()
	conn, connected := w.conn, w.connected
	w.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return w.write(ctx, conn, m)
}

func (w *WebSocket) write(ctx context.Context, conn *websocket.Conn, m message.Message) error {
	frame, err := w.opts.Codec.Encode(m)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			w.finish(conn, err)
			return
		}

		m, err := w.opts.Codec.Decode(frame)
		if err != nil {
			w.handler.HandleError(w, fmt.Errorf("ws frame %s: %w", frame, err))
			continue
		}
		if !w.tracker.accept(m) {
			id, _ := message.ID(m)
			w.logger.Debug("dropping already processed message", "message_id", id)
			continue
		}
		w.handler.HandleMessage(w, m)
	}
}

func (w *WebSocket) pingLoop(conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				w.logger.Warn("ping failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// finish reports the disconnect exactly once. Stop or a normal closure from
// the server is a clean close; anything else is a lost connection.
func (w *WebSocket) finish(conn *websocket.Conn, cause error) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.connected = false
		stopping := w.stopping
		w.mu.Unlock()

		var err error
		if !stopping && websocket.CloseStatus(cause) != websocket.StatusNormalClosure {
			err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		}
		conn.Close(websocket.StatusNormalClosure, "")

		w.logger.Info("ws transport disconnected", "error", err)
		w.handler.HandleDisconnect(w, err)
		close(w.done)
	})
}
