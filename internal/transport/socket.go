package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convoline/relay-go/internal/protocol"
)

// wsSocket adapts a gorilla websocket connection to registry.Socket. The
// write mutex serializes concurrent senders; gorilla permits only one writer
// at a time.
type wsSocket struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) WriteMessage(data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		// 1006 is observed, never sent on the wire.
		if code != protocol.CloseAbnormal {
			msg := websocket.FormatCloseMessage(code, reason)
			s.mu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.mu.Unlock()
		}
		err = s.conn.Close()
	})
	return err
}

func (s *wsSocket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
