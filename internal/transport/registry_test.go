package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	frame := make([]byte, len(p))
	copy(frame, p)
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestResolveSessionByReplyKey(t *testing.T) {
	r := NewRegistry(testLogger())
	s := newSession(&fakeConn{}, []string{"key-a", "key-b"}, time.Second)
	r.Register(s)

	resolved, ok := r.ResolveSession("key-a")
	require.True(t, ok)
	assert.Equal(t, s, resolved)

	_, ok = r.ResolveSession("key-c")
	assert.False(t, ok)
}

func TestResolveSessionPrefersNewest(t *testing.T) {
	r := NewRegistry(testLogger())
	older := newSession(&fakeConn{}, []string{"key"}, time.Second)
	newer := newSession(&fakeConn{}, []string{"key"}, time.Second)
	r.Register(older)
	r.Register(newer)

	resolved, ok := r.ResolveSession("key")
	require.True(t, ok)
	assert.Equal(t, newer, resolved)
}

func TestUnregisterRemovesSession(t *testing.T) {
	r := NewRegistry(testLogger())
	s := newSession(&fakeConn{}, []string{"key"}, time.Second)
	r.Register(s)
	r.Unregister(s)

	_, ok := r.ResolveSession("key")
	assert.False(t, ok)

	// Unregistering twice is harmless.
	r.Unregister(s)
}

func TestSessionSendWritesJSONFrame(t *testing.T) {
	conn := &fakeConn{}
	s := newSession(conn, []string{"key"}, time.Second)

	err := s.Send(context.Background(), map[string]interface{}{"message_count": 3})
	require.NoError(t, err)

	require.Len(t, conn.frames, 1)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.frames[0], &decoded))
	assert.Equal(t, float64(3), decoded["message_count"])
}

func TestSessionSendPropagatesWriteError(t *testing.T) {
	conn := &fakeConn{err: assert.AnError}
	s := newSession(conn, nil, time.Second)

	assert.Error(t, s.Send(context.Background(), map[string]string{"k": "v"}))
}

func TestSessionClose(t *testing.T) {
	conn := &fakeConn{}
	s := newSession(conn, nil, time.Second)

	require.NoError(t, s.Close())
	assert.True(t, conn.closed)
}
