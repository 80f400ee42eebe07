package mushroomtest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"mushroom/message"
	"mushroom/protocol"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func TestRegisterRejectsNonPointer(t *testing.T) {
	s := NewServer(t)
	assert.Error(t, s.Register(Arith{}))
	assert.Error(t, s.Register(&struct{}{}))
	assert.NoError(t, s.Register(&Arith{}))
}

func TestHandshakePicksFirstOffered(t *testing.T) {
	s := NewServer(t)
	ex := protocol.HTTPExchange(nil)
	ctx := context.Background()

	params, err := protocol.Handshake(ctx, ex, s.URL, protocol.HandshakeRequest{Transports: []string{"sse", "poll", "ws"}, Auth: "token"})
	require.NoError(t, err)
	assert.Equal(t, "poll", params.Transport)
	assert.Equal(t, "/poll", params.URL)

	params, err = protocol.Handshake(ctx, ex, s.URL, protocol.HandshakeRequest{Transports: []string{"ws"}})
	require.NoError(t, err)
	assert.Equal(t, "ws", params.Transport)
	assert.Contains(t, params.URL, "ws://")

	_, err = protocol.Handshake(ctx, ex, s.URL, protocol.HandshakeRequest{Transports: []string{"sse"}})
	assert.ErrorIs(t, err, protocol.ErrHandshake)

	hs := s.Handshakes()
	require.Len(t, hs, 2)
	assert.Equal(t, "token", hs[0].Auth)
}

func TestPollAnswersRegisteredRequest(t *testing.T) {
	s := NewServer(t)
	require.NoError(t, s.Register(&Arith{}))
	ex := protocol.HTTPExchange(nil)
	ctx := context.Background()
	pollURL := s.URL + "poll"

	reply, err := ex(ctx, pollURL, []byte(`[[2,0,"Arith.Add",{"A":1,"B":2}],[2,1,"Arith.Div",{"A":1,"B":0}]]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.Equal(t, "[]", string(reply.Body))

	reply, err = ex(ctx, pollURL, []byte(`[[0,null]]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[[3,0,0,{"Result":3}],[4,1,1,{"error":"divide by zero"}]]`, string(reply.Body))

	require.Len(t, s.Received(), 2)
	last := s.LastPolled()
	require.Len(t, last, 1)
	assert.Nil(t, last[0])
}

func TestPollHoldsUntilPush(t *testing.T) {
	s := NewServer(t, WithPollHold(2*time.Second))
	ex := protocol.HTTPExchange(nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Notify("tick", 1)
	}()
	start := time.Now()
	reply, err := ex(context.Background(), s.URL+"poll", []byte(`[[0,null]]`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.JSONEq(t, `[[1,0,"tick",1]]`, string(reply.Body))
}

func TestPollFail(t *testing.T) {
	s := NewServer(t)
	s.Fail(http.StatusServiceUnavailable)
	reply, err := protocol.HTTPExchange(nil)(context.Background(), s.URL+"poll", []byte(`[[0,null]]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, reply.Status)
}

func TestWebSocketBacklogAndAck(t *testing.T) {
	s := NewServer(t)
	s.Notify("queued", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	params, err := protocol.Handshake(ctx, protocol.HTTPExchange(nil), s.URL, protocol.HandshakeRequest{Transports: []string{"ws"}})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, params.URL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, frame, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[1,0,"queued",null]`, string(frame))

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`[1,7,"hello",null]`)))
	msgs, err := s.WaitReceived(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, &message.Notification{ID: 7, Method: "hello"}, msgs[0])

	s.Ack()
	_, frame, err = conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `[0,7]`, string(frame))
}
