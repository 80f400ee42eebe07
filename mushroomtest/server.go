// Package mushroomtest provides an in-process mushroom server for tests.
//
// The server speaks the whole client-facing protocol:
//
//	POST /      handshake  {transports, auth} → {transport, url}
//	POST /poll  poll       [[0, lastId]] → batch of queued messages
//	            send       [[code, ...]] → []
//	GET  /ws    websocket  one message per text frame
//
// Messages the server sends are queued with Push (or Notify, Ack) and
// handed out once, to the next poll or the open websocket. Requests from
// the client are answered by receivers added with Register.
package mushroomtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"mushroom/codec"
	"mushroom/message"
	"mushroom/protocol"
)

const (
	transportWS   = "ws"
	transportPoll = "poll"
)

// Server is a fake mushroom server backed by httptest.
type Server struct {
	URL string

	http     *httptest.Server
	codec    codec.Codec
	force    string
	pollHold time.Duration

	mu         sync.Mutex
	services   map[string]*service
	handshakes []protocol.HandshakeRequest
	received   []message.Message
	arrived    chan struct{} // closed and replaced whenever received grows
	outbox     []message.Message
	queued     chan struct{} // closed and replaced whenever outbox grows
	nextID     int64
	lastID     *int64 // highest client message id received
	lastPolled []*int64
	failNext   int
	ended      bool
	conns      map[*websocket.Conn]struct{}
}

type Option func(*Server)

// WithTransport makes the handshake pick name whatever the client offers.
// A name the client does not know tests its rejection.
func WithTransport(name string) Option {
	return func(s *Server) { s.force = name }
}

// WithPollHold sets how long an empty poll is held open before answering [].
func WithPollHold(d time.Duration) Option {
	return func(s *Server) { s.pollHold = d }
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s := &Server{
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		pollHold: 50 * time.Millisecond,
		services: make(map[string]*service),
		arrived:  make(chan struct{}),
		queued:   make(chan struct{}),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHandshake)
	mux.HandleFunc("/poll", s.servePoll)
	mux.HandleFunc("/ws", s.serveWS)
	s.http = httptest.NewServer(mux)
	s.URL = s.http.URL + "/"

	tb.Cleanup(s.Close)
	return s
}

// Close drops every websocket and stops the HTTP server.
func (s *Server) Close() {
	s.CloseWebSockets(websocket.StatusGoingAway)
	s.http.CloseClientConnections()
	s.http.Close()
}

// Register exposes rcvr's methods of the form Method(*Args, *Reply) error
// as request handlers named "Type.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.services[svc.name] = svc
	s.mu.Unlock()
	return nil
}

// Push queues m as is. Ids are not checked, so duplicates can be sent on purpose.
func (s *Server) Push(msgs ...message.Message) {
	s.mu.Lock()
	for _, m := range msgs {
		if id, ok := message.ID(m); ok && id >= s.nextID {
			s.nextID = id + 1
		}
	}
	conns := s.openConns()
	if len(conns) == 0 {
		s.outbox = append(s.outbox, msgs...)
		close(s.queued)
		s.queued = make(chan struct{})
	}
	s.mu.Unlock()

	for _, conn := range conns {
		for _, m := range msgs {
			s.write(conn, m)
		}
	}
}

// Notify pushes a notification with the next server message id and returns the id.
func (s *Server) Notify(method string, data any) int64 {
	payload, err := message.Payload(data)
	if err != nil {
		panic(fmt.Sprintf("mushroomtest: notify payload: %v", err))
	}
	id := s.allocID()
	s.Push(&message.Notification{ID: id, Method: method, Data: payload})
	return id
}

// Ack pushes a heartbeat acknowledging every client message received so far.
func (s *Server) Ack() {
	s.mu.Lock()
	var last *int64
	if s.lastID != nil {
		v := *s.lastID
		last = &v
	}
	s.mu.Unlock()
	s.Push(&message.Heartbeat{LastMessageID: last})
}

// Fail answers the next poll with status instead of a batch.
func (s *Server) Fail(status int) {
	s.mu.Lock()
	s.failNext = status
	s.mu.Unlock()
}

// CloseWebSockets closes every open websocket with code.
func (s *Server) CloseWebSockets(code websocket.StatusCode) {
	s.mu.Lock()
	conns := s.openConns()
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close(code, "server closing")
	}
}

// Handshakes returns every handshake body received, oldest first.
func (s *Server) Handshakes() []protocol.HandshakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.HandshakeRequest(nil), s.handshakes...)
}

// Received returns every message the client sent, in arrival order.
func (s *Server) Received() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.Message(nil), s.received...)
}

// LastPolled returns the lastMessageId of every poll directive received.
func (s *Server) LastPolled() []*int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*int64(nil), s.lastPolled...)
}

// WaitReceived blocks until at least n client messages have arrived.
func (s *Server) WaitReceived(ctx context.Context, n int) ([]message.Message, error) {
	for {
		s.mu.Lock()
		if len(s.received) >= n {
			msgs := append([]message.Message(nil), s.received...)
			s.mu.Unlock()
			return msgs, nil
		}
		arrived := s.arrived
		s.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return s.Received(), fmt.Errorf("mushroomtest: waiting for %d messages: %w", n, ctx.Err())
		}
	}
}

func (s *Server) allocID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// openConns returns the open websockets. Callers hold s.mu.
func (s *Server) openConns() []*websocket.Conn {
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// --- handshake ---

func (s *Server) serveHandshake(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req protocol.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad handshake", http.StatusBadRequest)
		return
	}

	name := s.force
	if name == "" {
		for _, offered := range req.Transports {
			if offered == transportWS || offered == transportPoll {
				name = offered
				break
			}
		}
	}
	if name == "" {
		http.Error(w, "no common transport", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.handshakes = append(s.handshakes, req)
	s.ended = false
	s.mu.Unlock()

	url := "/poll"
	if name == transportWS {
		url = "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	}
	w.Header().Set("Content-Type", protocol.ContentType)
	json.NewEncoder(w).Encode(map[string]string{"transport": name, "url": url})
}

// --- poll ---

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frames, err := s.codec.DecodeBatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	poll := false
	for _, frame := range frames {
		m, err := s.codec.Decode(frame)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if hb, ok := m.(*message.Heartbeat); ok {
			poll = true
			s.mu.Lock()
			s.lastPolled = append(s.lastPolled, hb.LastMessageID)
			s.mu.Unlock()
			continue
		}
		s.receive(m, nil)
	}

	w.Header().Set("Content-Type", protocol.ContentType)
	if !poll {
		io.WriteString(w, "[]")
		return
	}

	s.mu.Lock()
	status, ended := s.failNext, s.ended
	s.failNext = 0
	s.mu.Unlock()
	switch {
	case status != 0:
		http.Error(w, http.StatusText(status), status)
		return
	case ended:
		http.Error(w, "session ended", http.StatusGone)
		return
	}

	batch, err := s.codec.EncodeBatch(s.waitOutbox(r.Context()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(batch)
}

// waitOutbox holds the poll until something is queued or the hold time passes,
// then drains the queue.
func (s *Server) waitOutbox(ctx context.Context) []message.Message {
	timer := time.NewTimer(s.pollHold)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if len(s.outbox) > 0 {
			msgs := s.outbox
			s.outbox = nil
			s.mu.Unlock()
			return msgs
		}
		queued := s.queued
		s.mu.Unlock()

		select {
		case <-queued:
		case <-timer.C:
			return []message.Message{}
		case <-ctx.Done():
			return []message.Message{}
		}
	}
}

// --- websocket ---

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	backlog := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for _, m := range backlog {
		s.write(conn, m)
	}

	ctx := r.Context()
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		m, err := s.codec.Decode(frame)
		if err != nil {
			conn.Close(websocket.StatusInvalidFramePayloadData, err.Error())
			return
		}
		s.receive(m, conn)
	}
}

func (s *Server) write(conn *websocket.Conn, m message.Message) {
	frame, err := s.codec.Encode(m)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Write(ctx, websocket.MessageText, frame)
}

// --- client messages ---

// receive records m and reacts to it. conn is the websocket it came on, or nil for poll.
func (s *Server) receive(m message.Message, conn *websocket.Conn) {
	s.mu.Lock()
	s.received = append(s.received, m)
	if id, ok := message.ID(m); ok && (s.lastID == nil || id > *s.lastID) {
		s.lastID = &id
	}
	close(s.arrived)
	s.arrived = make(chan struct{})
	s.mu.Unlock()

	switch m := m.(type) {
	case *message.Request:
		s.answer(m)
	case *message.Disconnect:
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "disconnect")
		}
	}
}

// answer runs the registered "Type.Method" for req. Requests for unknown
// methods stay unanswered so tests can reply with Push.
func (s *Server) answer(req *message.Request) {
	split := strings.Split(req.Method, ".")
	if len(split) != 2 {
		return
	}
	s.mu.Lock()
	svc := s.services[split[0]]
	s.mu.Unlock()
	if svc == nil {
		return
	}
	method := svc.method[split[1]]
	if method == nil {
		s.fail(req, "method not found")
		return
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, argv.Interface()); err != nil {
			s.fail(req, err.Error())
			return
		}
	}
	if err := svc.call(method, argv, replyv); err != nil {
		s.fail(req, err.Error())
		return
	}

	data, err := json.Marshal(replyv.Interface())
	if err != nil {
		s.fail(req, err.Error())
		return
	}
	s.Push(&message.Response{ID: s.allocID(), RequestID: req.ID, Data: data})
}

func (s *Server) fail(req *message.Request, reason string) {
	data, _ := json.Marshal(map[string]string{"error": reason})
	s.Push(&message.Error{ID: s.allocID(), RequestID: req.ID, Data: data})
}
