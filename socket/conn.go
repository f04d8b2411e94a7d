package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loomflow/loom/auth"
	"github.com/loomflow/loom/protocol"
)

// conn is one authenticated client connection. The identity is stamped at
// handshake and immutable thereafter; a reconnect is a fresh conn with a
// fresh id.
type conn struct {
	id        string
	identity  auth.Identity
	createdAt time.Time

	ws *websocket.Conn
	mu sync.Mutex // serializes all writes to ws
}

// send marshals the payload into an envelope and writes it to the socket.
// Write failures are the caller's concern only insofar as logging; a dead
// socket surfaces through the read loop.
func (c *conn) send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := protocol.Envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
