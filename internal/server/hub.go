package server

import (
	"context"

	"github.com/driftkit/driftkit/internal/security"
	"github.com/driftkit/driftkit/internal/wire"
)

// Hub maintains active WebSocket connections and their per-collection
// subscriptions. It carries no awareness tracking or auth handshake;
// the one data-bearing event it forwards to subscribers is
// collection_changed.
type Hub struct {
	broadcaster Broadcaster

	connections map[string]*Connection
	subscribers map[string]map[string]bool // collection -> connID -> true

	Register      chan *Connection
	Unregister    chan *Connection
	HandleMessage chan *MessageEvent

	changeCh chan ChangeEvent
}

// MessageEvent pairs a decoded wire.Message with the Connection it arrived
// on.
type MessageEvent struct {
	Connection *Connection
	Message    *wire.Message
}

// NewHub constructs a Hub and subscribes it to broadcaster's change feed.
func NewHub(ctx context.Context, broadcaster Broadcaster) (*Hub, error) {
	h := &Hub{
		broadcaster:   broadcaster,
		connections:   make(map[string]*Connection),
		subscribers:   make(map[string]map[string]bool),
		Register:      make(chan *Connection),
		Unregister:    make(chan *Connection),
		HandleMessage: make(chan *MessageEvent, 256),
		changeCh:      make(chan ChangeEvent, 256),
	}
	if err := broadcaster.Subscribe(ctx, func(event ChangeEvent) { h.changeCh <- event }); err != nil {
		return nil, err
	}
	return h, nil
}

// Run is the Hub's single-goroutine event loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.Register:
			h.connections[conn.ID] = conn

		case conn := <-h.Unregister:
			if _, ok := h.connections[conn.ID]; ok {
				for collection := range conn.Subscriptions {
					h.removeSubscriber(collection, conn.ID)
				}
				delete(h.connections, conn.ID)
				close(conn.send)
			}

		case event := <-h.HandleMessage:
			h.handleMessage(event.Connection, event.Message)

		case event := <-h.changeCh:
			h.onChangeEvent(event)
		}
	}
}

func (h *Hub) handleMessage(conn *Connection, msg *wire.Message) {
	switch msg.Type {
	case wire.TypePing:
		conn.SendMessage(wire.TypePong, map[string]any{})

	case wire.TypeSubscribe:
		collection, ok := msg.Payload["collection"].(string)
		if !ok {
			conn.SendError("missing collection", "INVALID_REQUEST")
			return
		}
		if ok, reason := security.ValidateCollectionName(collection); !ok {
			conn.SendError(reason, "INVALID_COLLECTION")
			return
		}
		conn.Subscriptions[collection] = true
		h.addSubscriber(collection, conn.ID)

	case wire.TypeUnsubscribe:
		collection, ok := msg.Payload["collection"].(string)
		if !ok {
			conn.SendError("missing collection", "INVALID_REQUEST")
			return
		}
		delete(conn.Subscriptions, collection)
		h.removeSubscriber(collection, conn.ID)
	}
}

func (h *Hub) addSubscriber(collection, connID string) {
	if _, ok := h.subscribers[collection]; !ok {
		h.subscribers[collection] = make(map[string]bool)
	}
	h.subscribers[collection][connID] = true
}

func (h *Hub) removeSubscriber(collection, connID string) {
	if subs, ok := h.subscribers[collection]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.subscribers, collection)
		}
	}
}

// Notify publishes a change so every subscribed connection (on any server
// instance) is pinged to re-pull via stream().
func (h *Hub) Notify(ctx context.Context, collection, documentID string, timestamp uint64) {
	_ = h.broadcaster.Publish(ctx, ChangeEvent{Collection: collection, DocumentID: documentID, Timestamp: timestamp})
}

func (h *Hub) onChangeEvent(event ChangeEvent) {
	subs := h.subscribers[event.Collection]
	if subs == nil {
		return
	}
	for connID := range subs {
		if conn, ok := h.connections[connID]; ok {
			conn.SendMessage(wire.TypeCollectionChanged, map[string]any{
				"collection": event.Collection,
				"documentId": event.DocumentID,
				"timestamp":  event.Timestamp,
			})
		}
	}
}
