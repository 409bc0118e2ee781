package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peterje/devrepl/internal/webrepl"
)

const closeGrace = time.Second

// WSConn carries a device session over a gorilla/websocket.Conn.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
	once sync.Once
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// ReadMessage returns the next text or binary message. It must only be
// called from one goroutine.
func (w *WSConn) ReadMessage() (bool, []byte, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return false, nil, err
	}
	return mt == websocket.BinaryMessage, data, nil
}

func (w *WSConn) WriteText(text string) error {
	return w.write(websocket.TextMessage, []byte(text))
}

func (w *WSConn) WriteBinary(data []byte) error {
	return w.write(websocket.BinaryMessage, data)
}

func (w *WSConn) write(mt int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(mt, data)
}

// Close sends a close frame and tears down the connection. Repeated calls
// are no-ops.
func (w *WSConn) Close() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.mu.Unlock()
		err = w.conn.Close()
	})
	return err
}

var _ webrepl.Transport = (*WSConn)(nil)
