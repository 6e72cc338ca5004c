// Package ws adapts a gorilla/websocket connection to wire.Conn so the
// session core never imports the websocket package directly, mirroring the
// teacher's split between its transport listener and the backend interface
// the core implements against.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps a *websocket.Conn, framing every wire.Encoder message as one
// text websocket message and every inbound message as one frame to
// decode.
type Conn struct {
	ws *websocket.Conn
}

// Upgrade promotes an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: c}, nil
}

// Send writes one complete message.
func (c *Conn) Send(b []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Receive blocks for the next inbound message.
func (c *Conn) Receive() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close sends a normal-closure control frame and closes the socket.
func (c *Conn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
