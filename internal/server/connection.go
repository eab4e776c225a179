package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftkit/driftkit/internal/security"
	"github.com/driftkit/driftkit/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Connection is a single WebSocket connection. subscribe is the only
// meaningful client-initiated action, so it carries no auth or awareness
// state.
type Connection struct {
	ID            string
	ClientIP      string
	Subscriptions map[string]bool
	ConnectedAt   time.Time
	Security      *security.Manager

	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
	mu   sync.Mutex
}

// NewConnection wraps ws as a Connection registered with hub.
func NewConnection(id string, ws *websocket.Conn, hub *Hub) *Connection {
	return &Connection{
		ID:            id,
		Subscriptions: make(map[string]bool),
		ConnectedAt:   time.Now(),
		ws:            ws,
		send:          make(chan []byte, 256),
		hub:           hub,
	}
}

// SendMessage encodes and enqueues a frame for delivery.
func (c *Connection) SendMessage(messageType string, payload map[string]any) error {
	data, err := wire.Encode(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

// SendError sends a wire.TypeError frame.
func (c *Connection) SendError(message, code string) error {
	return c.SendMessage(wire.TypeError, map[string]any{"error": message, "code": code})
}

// ReadPump reads frames off the WebSocket and dispatches them to the hub
// until the connection closes.
func (c *Connection) ReadPump() {
	defer func() {
		if c.Security != nil {
			c.Security.Messages.RemoveConnection(c.ID)
			c.Security.Connections.RemoveConnection(c.ClientIP)
		}
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			break
		}

		if c.Security != nil {
			if !c.Security.Messages.CanSendMessage(c.ID) {
				c.SendError("too many messages, please slow down", "RATE_LIMIT_EXCEEDED")
				continue
			}
			c.Security.Messages.RecordMessage(c.ID)
		}

		msg, err := wire.Decode(message)
		if err != nil {
			c.SendError("invalid message: "+err.Error(), "INVALID_MESSAGE")
			continue
		}

		c.hub.HandleMessage <- &MessageEvent{Connection: c, Message: msg}
	}
}

// WritePump drains the send channel to the WebSocket and keeps the
// connection alive with periodic pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type sendQueueFullError struct{}

func (sendQueueFullError) Error() string { return "send queue is full" }

var errSendQueueFull = sendQueueFullError{}
