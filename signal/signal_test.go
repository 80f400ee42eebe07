package signal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendOrder(t *testing.T) {
	s := New[string]()
	var got []string

	s.Connect(func(v string) error { got = append(got, "a:"+v); return nil })
	s.Connect(func(v string) error { got = append(got, "b:"+v); return nil })
	s.Connect(func(v string) error { got = append(got, "c:"+v); return nil })

	require.NoError(t, s.Send("x"))
	assert.Equal(t, []string{"a:x", "b:x", "c:x"}, got)
}

func TestSendStopsOnError(t *testing.T) {
	s := New[int]()
	boom := errors.New("boom")
	calls := 0

	s.Connect(func(int) error { calls++; return nil })
	s.Connect(func(int) error { calls++; return boom })
	s.Connect(func(int) error { calls++; return nil })

	err := s.Send(1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDisconnect(t *testing.T) {
	s := New[int]()
	var got []int

	h := func(v int) error { got = append(got, v); return nil }
	first := s.Connect(h)
	s.Connect(h)

	assert.True(t, s.Disconnect(first))
	assert.False(t, s.Disconnect(first))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Send(3))
	assert.Equal(t, []int{3}, got)
}

func TestDisconnectAll(t *testing.T) {
	var s Signal[struct{}]
	called := false
	s.Connect(func(struct{}) error { called = true; return nil })
	s.Connect(func(struct{}) error { called = true; return nil })

	s.DisconnectAll()
	assert.Equal(t, 0, s.Len())
	require.NoError(t, s.Send(struct{}{}))
	assert.False(t, called)
}

func TestConnectDuringSend(t *testing.T) {
	s := New[int]()
	late := 0
	s.Connect(func(int) error {
		s.Connect(func(int) error { late++; return nil })
		return nil
	})

	require.NoError(t, s.Send(1))
	assert.Equal(t, 0, late, "handler added during delivery must wait for the next send")

	require.NoError(t, s.Send(2))
	assert.Equal(t, 1, late)
}
