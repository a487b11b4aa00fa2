// ABOUTME: Transport abstraction over one observer connection plus its WebSocket implementation
// ABOUTME: Only the connection's write pump writes; Ping and Close are safe from any goroutine

package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/counsel-coordinator/internal/events"
)

// errMalformed marks an inbound frame that arrived intact but did not decode.
// The connection stays usable.
var errMalformed = errors.New("malformed message")

// Transport carries frames for one connection.
type Transport interface {
	Read() (*Message, error)
	Write(ev *events.Event) error
	Ping() error
	Close() error
}

type wsTransport struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, readTimeout, writeTimeout time.Duration, maxMessageSize int64) *wsTransport {
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return &wsTransport{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (t *wsTransport) Read() (*Message, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return nil, err
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return &msg, nil
}

func (t *wsTransport) Write(ev *events.Event) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(ev)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
