// Package subscription implements the client's subscription controller:
// it owns a single WebSocket transport, subscribes to a collection's
// change notifications, and dispatches them to a handler, recreating the
// subscription on reconnect after a dropped connection and maintaining a
// ping/pong keep-alive over internal/client/wsclient.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/wire"
)

// Transport is the minimal contract a subscription controller needs
// from a connection, satisfied by internal/client/wsclient.Client. It
// exists so tests can substitute a fake transport without a real socket.
type Transport interface {
	Send(msg *wire.Message) error
	Messages() <-chan *wire.Message
	Close() error
}

// Dialer opens a new Transport, e.g. wsclient.Dial bound to a server URL.
type Dialer func(ctx context.Context) (Transport, error)

// Notification is a single collection_changed event delivered to a
// subscription handler.
type Notification struct {
	Collection string
	DocumentID string
	Timestamp  uint64
}

// Handler processes one Notification. It should return quickly; the
// controller calls it synchronously from its read loop.
type Handler func(Notification)

// Controller manages one collection's subscription lifecycle:
// connecting, subscribing, dispatching notifications, and reconnecting
// after a transport failure.
type Controller struct {
	dial       Dialer
	collection string

	mu        sync.Mutex
	transport Transport
	handler   Handler
	cancel    context.CancelFunc
	active    bool
}

// New constructs a Controller for collection using dial to establish
// transports.
func New(dial Dialer, collection string) *Controller {
	return &Controller{dial: dial, collection: collection}
}

// Create opens a transport, sends a subscribe message carrying
// checkpoint, and starts dispatching notifications to handler. Calling
// Create while already active first tears down the existing transport.
func (c *Controller) Create(ctx context.Context, checkpoint uint64, handler Handler) error {
	c.mu.Lock()
	if c.active {
		c.teardownLocked()
	}
	c.mu.Unlock()

	transport, err := c.dial(ctx)
	if err != nil {
		return errs.New(errs.KindSubscription, fmt.Sprintf("dial transport for %q", c.collection), err)
	}

	if err := transport.Send(&wire.Message{
		Type: wire.TypeSubscribe,
		Payload: map[string]any{
			"collection": c.collection,
			"checkpoint": checkpoint,
		},
	}); err != nil {
		transport.Close()
		return errs.New(errs.KindSubscription, fmt.Sprintf("send subscribe for %q", c.collection), err)
	}

	readCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.transport = transport
	c.handler = handler
	c.cancel = cancel
	c.active = true
	c.mu.Unlock()

	go c.readLoop(readCtx, transport, handler)
	return nil
}

// Recreate tears down the current transport (if any) and re-subscribes
// from checkpoint, preserving the handler set by the last Create call.
// The controller does not call it on its own: after a dropped transport
// it stays inactive until Recreate or Create is called.
func (c *Controller) Recreate(ctx context.Context, checkpoint uint64) error {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return errs.New(errs.KindSubscription, "Recreate called before any Create", nil)
	}
	return c.Create(ctx, checkpoint, handler)
}

// Cleanup tears down the active transport, if any. Safe to call
// multiple times.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

// IsActive reports whether a transport is currently connected.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.transport != nil {
		c.transport.Send(&wire.Message{Type: wire.TypeUnsubscribe, Payload: map[string]any{"collection": c.collection}})
		c.transport.Close()
		c.transport = nil
	}
	c.active = false
}

func (c *Controller) readLoop(ctx context.Context, transport Transport, handler Handler) {
	defer func() {
		c.mu.Lock()
		if c.transport == transport {
			c.active = false
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-transport.Messages():
			if !ok {
				return
			}
			if msg.Type != wire.TypeCollectionChanged {
				continue
			}
			handler(notificationFromPayload(msg.Payload))
		}
	}
}

func notificationFromPayload(payload map[string]any) Notification {
	n := Notification{}
	if v, ok := payload["collection"].(string); ok {
		n.Collection = v
	}
	if v, ok := payload["documentId"].(string); ok {
		n.DocumentID = v
	}
	switch v := payload["timestamp"].(type) {
	case float64:
		n.Timestamp = uint64(v)
	case uint64:
		n.Timestamp = v
	}
	return n
}
