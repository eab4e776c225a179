// Package server wires the HTTP/WebSocket transport around the event
// log, writer, and compactor: REST handlers for stream/getInitialState/
// insert/update/remove/getProtocolVersion/compact/prune, and a WebSocket
// hub that notifies subscribers when a collection changes so clients can
// re-pull without polling.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/driftkit/driftkit/internal/logging"
)

var pubsubLog = logging.Component("server.pubsub")

// ChangeEvent is broadcast whenever a collection's read table changes, so
// other server instances' subscribers can be notified without a shared
// in-process Hub.
type ChangeEvent struct {
	Collection string `json:"collection"`
	DocumentID string `json:"documentId,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
}

// Broadcaster fans ChangeEvents out to every server instance subscribed to
// a collection.
type Broadcaster interface {
	Publish(ctx context.Context, event ChangeEvent) error
	Subscribe(ctx context.Context, handler func(ChangeEvent)) error
	Close() error
}

// LocalBroadcaster is a single-process Broadcaster used when no Redis URL
// is configured; it fans events out to in-process handlers only, so
// cross-instance notification is unavailable without Redis.
type LocalBroadcaster struct {
	mu       sync.RWMutex
	handlers []func(ChangeEvent)
}

// NewLocalBroadcaster constructs a LocalBroadcaster.
func NewLocalBroadcaster() *LocalBroadcaster { return &LocalBroadcaster{} }

// Publish invokes every registered handler asynchronously, in a goroutine
// each, and returns without waiting for them.
func (b *LocalBroadcaster) Publish(_ context.Context, event ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		go h(event)
	}
	return nil
}

// Subscribe registers a handler invoked for every published event.
func (b *LocalBroadcaster) Subscribe(_ context.Context, handler func(ChangeEvent)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
	return nil
}

// Close is a no-op for LocalBroadcaster.
func (b *LocalBroadcaster) Close() error { return nil }

// RedisBroadcaster fans ChangeEvents out across server instances via
// Redis pub/sub, with separate publisher and subscriber clients sharing a
// channel-prefix convention.
type RedisBroadcaster struct {
	publisher  *redis.Client
	subscriber *redis.Client
	channel    string
}

// NewRedisBroadcaster connects to redisURL and returns a RedisBroadcaster
// publishing on channelPrefix+":changes".
func NewRedisBroadcaster(redisURL, channelPrefix string) (*RedisBroadcaster, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("server: parse redis url: %w", err)
	}
	return &RedisBroadcaster{
		publisher:  redis.NewClient(opt),
		subscriber: redis.NewClient(opt),
		channel:    channelPrefix + ":changes",
	}, nil
}

// Publish marshals and publishes event.
func (b *RedisBroadcaster) Publish(ctx context.Context, event ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("server: marshal change event: %w", err)
	}
	return b.publisher.Publish(ctx, b.channel, data).Err()
}

// Subscribe starts a background goroutine delivering every event received
// on the shared channel to handler.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, handler func(ChangeEvent)) error {
	pubsub := b.subscriber.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("server: subscribe to %s: %w", b.channel, err)
	}

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			var event ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				pubsubLog.Warn().Err(err).Msg("dropping malformed change event")
				continue
			}
			handler(event)
		}
	}()
	return nil
}

// Close releases both Redis clients.
func (b *RedisBroadcaster) Close() error {
	b.publisher.Close()
	return b.subscriber.Close()
}

var _ Broadcaster = (*LocalBroadcaster)(nil)
var _ Broadcaster = (*RedisBroadcaster)(nil)
