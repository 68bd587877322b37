package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsConn is the subset of *websocket.Conn a session writes through.
// Narrowed for tests.
type wsConn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// WebSocketSession is one live inbound connection with a return route. It
// serializes outbound protocol messages as JSON text frames; the DIDComm
// envelope sealing happens upstream of this layer.
type WebSocketSession struct {
	conn         wsConn
	replyKeys    map[string]struct{}
	openedAt     time.Time
	writeTimeout time.Duration

	mu sync.Mutex
}

// NewWebSocketSession wraps an accepted connection. replyKeys are the
// recipient keys the requester may receive replies for on this connection.
func NewWebSocketSession(conn *websocket.Conn, replyKeys []string, writeTimeout time.Duration) *WebSocketSession {
	return newSession(conn, replyKeys, writeTimeout)
}

func newSession(conn wsConn, replyKeys []string, writeTimeout time.Duration) *WebSocketSession {
	keys := make(map[string]struct{}, len(replyKeys))
	for _, key := range replyKeys {
		keys[key] = struct{}{}
	}
	return &WebSocketSession{
		conn:         conn,
		replyKeys:    keys,
		openedAt:     time.Now(),
		writeTimeout: writeTimeout,
	}
}

// HasReplyKey reports whether this session can carry replies for key.
func (s *WebSocketSession) HasReplyKey(key string) bool {
	_, ok := s.replyKeys[key]
	return ok
}

// Send writes one outbound protocol message on the connection. Writes are
// serialized; concurrent handler replies must not interleave frames.
func (s *WebSocketSession) Send(ctx context.Context, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbound message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writeCtx := ctx
	if s.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.writeTimeout)
		defer cancel()
	}
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write to session: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *WebSocketSession) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}
