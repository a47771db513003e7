package common

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn makes a websocket.Conn a byte stream. Each Write is sent as one binary message, and Read returns
// the payloads of incoming binary messages back to back regardless of how they were split into messages.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex

	// the message being read, nil between messages
	reader io.Reader
}

func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: c}
}

func (ws *WebSocketConn) Write(data []byte) (int, error) {
	ws.writeM.Lock()
	err := ws.WriteMessage(websocket.BinaryMessage, data)
	ws.writeM.Unlock()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Read must not be called concurrently
func (ws *WebSocketConn) Read(buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		if ws.reader == nil {
			var t int
			var r io.Reader
			t, r, err = ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					err = io.EOF
				}
				return 0, err
			}
			if t != websocket.BinaryMessage {
				continue
			}
			ws.reader = r
		}
		n, err = ws.reader.Read(buf)
		if err == io.EOF {
			ws.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Close sends a close message to the peer, then closes the underlying connection
func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return ws.Conn.Close()
}

func (ws *WebSocketConn) SetDeadline(t time.Time) error {
	err := ws.SetReadDeadline(t)
	if err != nil {
		return err
	}
	err = ws.SetWriteDeadline(t)
	if err != nil {
		return err
	}
	return nil
}
