package protocol

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// WSFramer carries one envelope per websocket text message. The websocket's
// own framing replaces the length prefix used on raw byte streams.
type WSFramer struct {
	conn *websocket.Conn
}

// NewWSFramer wraps an upgraded websocket connection.
func NewWSFramer(conn *websocket.Conn) *WSFramer {
	conn.SetReadLimit(MaxMessageSize)
	return &WSFramer{conn: conn}
}

func (f *WSFramer) Read() (*Envelope, error) {
	_, data, err := f.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read websocket message: %w", err)
	}
	return Decode(data)
}

func (f *WSFramer) Write(env *Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

func (f *WSFramer) Close() error {
	return f.conn.Close()
}
