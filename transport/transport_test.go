package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"mushroom/message"
	"mushroom/protocol"
)

// --- test doubles ---

type recordingHandler struct {
	mu          sync.Mutex
	connects    int
	messages    []message.Message
	errs        []error
	disconnects []error
	replay      []message.Message

	disconnected chan struct{}
	received     chan message.Message
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		disconnected: make(chan struct{}, 4),
		received:     make(chan message.Message, 64),
	}
}

func (h *recordingHandler) HandleConnect(Transport) {
	h.mu.Lock()
	h.connects++
	h.mu.Unlock()
}

func (h *recordingHandler) HandleMessage(_ Transport, m message.Message) {
	h.mu.Lock()
	h.messages = append(h.messages, m)
	h.mu.Unlock()
	h.received <- m
}

func (h *recordingHandler) HandleDisconnect(_ Transport, err error) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, err)
	h.mu.Unlock()
	h.disconnected <- struct{}{}
}

func (h *recordingHandler) HandleError(_ Transport, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) Replay() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Message(nil), h.replay...)
}

func (h *recordingHandler) snapshot() (int, []message.Message, []error, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, append([]message.Message(nil), h.messages...),
		append([]error(nil), h.errs...), append([]error(nil), h.disconnects...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// scriptedExchange answers poll exchanges from a queue of replies and records
// every request body. Once the script runs out it fails with status 410.
type scriptedExchange struct {
	mu      sync.Mutex
	replies []*protocol.Reply
	bodies  []string
}

func (s *scriptedExchange) exchange(_ context.Context, _ string, body []byte) (*protocol.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, string(body))
	if len(s.replies) == 0 {
		return &protocol.Reply{Status: http.StatusGone}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedExchange) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func ok(body string) *protocol.Reply {
	return &protocol.Reply{Status: http.StatusOK, Body: []byte(body)}
}

func pollParams() protocol.TransportParams {
	return protocol.TransportParams{Transport: NamePoll, URL: "http://mushroom.test/poll"}
}

// --- registry ---

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"poll", "ws"}, Names())
	assert.True(t, Has("poll"))
	assert.True(t, Has("ws"))
	assert.False(t, Has("sse"))

	_, err := New(newRecordingHandler(), protocol.TransportParams{Transport: "sse", URL: "http://x"}, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedTransport)

	tr, err := New(newRecordingHandler(), pollParams(), Options{Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, NamePoll, tr.Name())
	assert.False(t, tr.Connected())
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(newRecordingHandler(), protocol.TransportParams{Transport: NamePoll}, Options{})
	assert.Error(t, err)
	_, err = New(newRecordingHandler(), protocol.TransportParams{Transport: NameWebSocket}, Options{})
	assert.Error(t, err)
}

// --- tracker ---

func TestTrackerDropsStaleIDs(t *testing.T) {
	var tr tracker
	assert.Nil(t, tr.lastID())

	assert.True(t, tr.accept(&message.Notification{ID: 5}))
	require.NotNil(t, tr.lastID())
	assert.Equal(t, int64(5), *tr.lastID())

	assert.False(t, tr.accept(&message.Notification{ID: 5}))
	assert.False(t, tr.accept(&message.Response{ID: 3}))
	assert.True(t, tr.accept(&message.Disconnect{}))
	assert.True(t, tr.accept(&message.Heartbeat{}))

	assert.True(t, tr.accept(&message.Notification{ID: 6}))
	assert.Equal(t, int64(6), *tr.lastID())
}

func TestTrackerAcceptsZeroFirst(t *testing.T) {
	var tr tracker
	assert.True(t, tr.accept(&message.Notification{ID: 0}))
	assert.False(t, tr.accept(&message.Notification{ID: 0}))
}

// --- poll ---

func TestPollDeliversBatchesInOrder(t *testing.T) {
	script := &scriptedExchange{replies: []*protocol.Reply{
		ok(`[[1,0,"tick",1],[1,1,"tick",2]]`),
		ok(`[[1,1,"tick",2],[3,2,0,"pong"],[1,0,"tick",0]]`),
		ok(`[]`),
	}}
	h := newRecordingHandler()
	p, err := NewPoll(h, pollParams(), Options{Exchange: script.exchange, Logger: testLogger()})
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)

	waitFor(t, h.disconnected, "disconnect after script ends")
	waitFor(t, p.Done(), "poll loop end")

	connects, msgs, _, disconnects := h.snapshot()
	assert.Equal(t, 1, connects)
	require.Len(t, msgs, 3)
	assert.Equal(t, &message.Notification{ID: 0, Method: "tick", Data: json.RawMessage(`1`)}, msgs[0])
	assert.Equal(t, &message.Notification{ID: 1, Method: "tick", Data: json.RawMessage(`2`)}, msgs[1])
	assert.Equal(t, &message.Response{ID: 2, RequestID: 0, Data: json.RawMessage(`"pong"`)}, msgs[2])

	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], ErrConnectionLost)
	assert.False(t, p.Connected())
	assert.False(t, p.Running())

	bodies := script.sent()
	require.Len(t, bodies, 4)
	assert.Equal(t, `[[0,null]]`, bodies[0])
	assert.Equal(t, `[[0,1]]`, bodies[1])
	assert.Equal(t, `[[0,2]]`, bodies[2])
	assert.Equal(t, `[[0,2]]`, bodies[3])
}

func TestPollDuplicateAfterLastSeen(t *testing.T) {
	script := &scriptedExchange{replies: []*protocol.Reply{
		ok(`[[1,5,"seed",null]]`),
		ok(`[[1,4,"old",null],[1,5,"dup",null],[1,6,"new",null]]`),
	}}
	h := newRecordingHandler()
	p, err := NewPoll(h, pollParams(), Options{Exchange: script.exchange, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	waitFor(t, h.disconnected, "disconnect")

	_, msgs, _, _ := h.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "seed", message.Method(msgs[0]))
	assert.Equal(t, "new", message.Method(msgs[1]))
	assert.Equal(t, int64(6), *p.tracker.lastID())
}

func TestPollBadFrameReportedAndSkipped(t *testing.T) {
	script := &scriptedExchange{replies: []*protocol.Reply{
		ok(`[[9,0,"x",null],[1,0,"ok",null],"garbage"]`),
	}}
	h := newRecordingHandler()
	p, err := NewPoll(h, pollParams(), Options{Exchange: script.exchange, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	waitFor(t, h.disconnected, "disconnect")

	_, msgs, errs, _ := h.snapshot()
	require.Len(t, msgs, 1)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], message.ErrUnsupportedMessageKind)
	assert.ErrorIs(t, errs[1], message.ErrMalformedFrame)
}

func TestPollUnparseableBatchDisconnects(t *testing.T) {
	script := &scriptedExchange{replies: []*protocol.Reply{ok(`<html>`)}}
	h := newRecordingHandler()
	p, err := NewPoll(h, pollParams(), Options{Exchange: script.exchange, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	waitFor(t, h.disconnected, "disconnect")

	_, _, _, disconnects := h.snapshot()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], ErrConnectionLost)
	assert.ErrorIs(t, disconnects[0], message.ErrMalformedFrame)
	assert.Len(t, script.sent(), 1, "no retry after a failed poll")
}

func TestPollExchangeErrorDisconnects(t *testing.T) {
	h := newRecordingHandler()
	boom := errors.New("connection refused")
	p, err := NewPoll(h, pollParams(), Options{
		Exchange: func(context.Context, string, []byte) (*protocol.Reply, error) { return nil, boom },
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	waitFor(t, h.disconnected, "disconnect")

	_, _, _, disconnects := h.snapshot()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], ErrConnectionLost)
	assert.ErrorIs(t, disconnects[0], boom)
}

func TestPollStopEndsAfterCycle(t *testing.T) {
	release := make(chan struct{})
	inFlight := make(chan struct{}, 1)
	calls := 0
	var mu sync.Mutex
	ex := func(ctx context.Context, _ string, _ []byte) (*protocol.Reply, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case inFlight <- struct{}{}:
		default:
		}
		<-release
		return ok(`[[1,0,"last",null]]`), nil
	}

	h := newRecordingHandler()
	p, err := NewPoll(h, pollParams(), Options{Exchange: ex, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	waitFor(t, inFlight, "first poll")
	require.NoError(t, p.Stop())
	assert.True(t, p.Running(), "stop does not abort the exchange in flight")
	close(release)

	waitFor(t, p.Done(), "loop end")
	assert.False(t, p.Running())
	assert.False(t, p.Connected())

	_, msgs, _, disconnects := h.snapshot()
	assert.Len(t, msgs, 1, "the in-flight batch is still delivered")
	assert.Empty(t, disconnects)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	// a stopped transport can be started again
	require.NoError(t, p.Start(context.Background()))
	waitFor(t, inFlight, "restarted poll")
	p.Stop()
	waitFor(t, p.Done(), "second loop end")
}

func TestPollSendMessageIsFireAndForget(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	ex := func(_ context.Context, _ string, body []byte) (*protocol.Reply, error) {
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		return nil, errors.New("server unreachable")
	}
	p, err := NewPoll(newRecordingHandler(), pollParams(), Options{Exchange: ex, Logger: testLogger()})
	require.NoError(t, err)

	err = p.SendMessage(context.Background(), &message.Request{ID: 0, Method: "ping"})
	assert.NoError(t, err, "exchange failures are not reported to the sender")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`[[2,0,"ping",null]]`}, bodies)
}

// --- websocket ---

type wsServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	received chan string
}

// newWSServer accepts websocket connections, forwards each one to conns, and
// copies every frame it reads into received.
func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan string, 64),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			s.received <- string(data)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) params() protocol.TransportParams {
	return protocol.TransportParams{Transport: NameWebSocket, URL: "ws" + strings.TrimPrefix(s.URL, "http")}
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

func (s *wsServer) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("server received nothing")
		return ""
	}
}

func TestWebSocketReplayAndSend(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	h.replay = []message.Message{
		&message.Notification{ID: 0, Method: "hello"},
		&message.Request{ID: 1, Method: "ping", Data: json.RawMessage(`{"n":1}`)},
	}

	w, err := NewWebSocket(h, srv.params(), Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	srv.accept(t)

	assert.True(t, w.Connected())
	assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyStarted)

	assert.Equal(t, `[1,0,"hello",null]`, srv.next(t))
	assert.Equal(t, `[2,1,"ping",{"n":1}]`, srv.next(t))

	require.NoError(t, w.SendMessage(context.Background(), &message.Disconnect{}))
	assert.Equal(t, `[-1]`, srv.next(t))

	connects, _, _, _ := h.snapshot()
	assert.Equal(t, 1, connects)
}

func TestWebSocketReceiveDedupAndErrors(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	w, err := NewWebSocket(h, srv.params(), Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	conn := srv.accept(t)

	ctx := context.Background()
	for _, f := range []string{
		`[1,5,"first",null]`,
		`[1,5,"dup",null]`,
		`[8,6,"bad",null]`,
		`[1,3,"stale",null]`,
		`[4,6,0,{"error":"nope"}]`,
	} {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(f)))
	}

	var got []message.Message
	for len(got) < 2 {
		select {
		case m := <-h.received:
			got = append(got, m)
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d messages, want 2", len(got))
		}
	}
	assert.Equal(t, "first", message.Method(got[0]))
	assert.Equal(t, &message.Error{ID: 6, RequestID: 0, Data: json.RawMessage(`{"error":"nope"}`)}, got[1])

	_, _, errs, _ := h.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], message.ErrUnsupportedMessageKind)
}

func TestWebSocketServerCloseDisconnects(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	w, err := NewWebSocket(h, srv.params(), Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	conn := srv.accept(t)

	conn.Close(websocket.StatusInternalError, "going away")
	waitFor(t, h.disconnected, "disconnect")
	waitFor(t, w.Done(), "done")

	assert.False(t, w.Connected())
	_, _, _, disconnects := h.snapshot()
	require.Len(t, disconnects, 1)
	assert.ErrorIs(t, disconnects[0], ErrConnectionLost)

	assert.ErrorIs(t, w.SendMessage(context.Background(), &message.Disconnect{}), ErrNotConnected)
}

func TestWebSocketStopIsCleanClose(t *testing.T) {
	srv := newWSServer(t)
	h := newRecordingHandler()
	w, err := NewWebSocket(h, srv.params(), Options{Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	srv.accept(t)

	require.NoError(t, w.Stop())
	waitFor(t, h.disconnected, "disconnect")

	_, _, _, disconnects := h.snapshot()
	require.Len(t, disconnects, 1)
	assert.NoError(t, disconnects[0])
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	h := newRecordingHandler()
	w, err := NewWebSocket(h, protocol.TransportParams{Transport: NameWebSocket, URL: srv.URL}, Options{Logger: testLogger()})
	require.NoError(t, err)

	err = w.Start(context.Background())
	assert.Error(t, err)
	assert.False(t, w.Connected())
	connects, _, _, disconnects := h.snapshot()
	assert.Zero(t, connects)
	assert.Empty(t, disconnects)
}
