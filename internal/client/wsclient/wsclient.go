// Package wsclient is the client-side WebSocket transport adapter used
// by internal/client/subscription. It mirrors the server side of the
// same socket: the same ping/pong timing constants, the same
// binary-frame write path, but dials out instead of handling an upgrade.
package wsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftkit/driftkit/internal/logging"
	"github.com/driftkit/driftkit/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	handshakeWait  = 10 * time.Second
	sendBufferSize = 256
)

var log = logging.Component("wsclient")

// Client is a single WebSocket connection to the driftkit server,
// dialed from the client side. It satisfies the Transport interface
// internal/client/subscription depends on.
type Client struct {
	ws   *websocket.Conn
	send chan []byte
	recv chan *wire.Message
	done chan struct{}

	closeOnce sync.Once
}

// Dial opens a WebSocket connection to url and starts the read/write
// pumps. The returned Client's Messages channel is closed when the
// connection ends, whether by Close or by a network error.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", url, err)
	}

	c := &Client{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		recv: make(chan *wire.Message, sendBufferSize),
		done: make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Send encodes msg and queues it for the write pump. Returns an error
// if the outbound queue is full. When that happens to the subscribe
// frame, the subscription controller's Create closes the transport and
// returns an error; nothing reconnects on its own.
func (c *Client) Send(msg *wire.Message) error {
	data, err := wire.Encode(msg.Type, msg.Payload, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("wsclient: encode %s: %w", msg.Type, err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("wsclient: send queue full")
	}
}

// Messages returns the channel of inbound decoded messages. It is
// closed when the connection terminates.
func (c *Client) Messages() <-chan *wire.Message {
	return c.recv
}

// Close terminates the connection and stops both pumps.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *Client) readPump() {
	defer func() {
		close(c.recv)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
