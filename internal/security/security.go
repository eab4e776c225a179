// Package security provides connection/message rate limiting and input
// validation for driftkit's server: a sliding-window limiter with a
// background cleanup ticker per limiter, aggregated behind a single
// manager, scoped to collection names rather than individual documents.
package security

import (
	"regexp"
	"sync"
	"time"
)

// Limits are the server's default connection and message guardrails.
var Limits = struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int
	MaxDeltaSize         int
}{
	MaxConnectionsPerIP:  50,
	MaxMessagesPerMinute: 500,
	MaxMessageSize:       2_000_000,  // 2MB
	MaxDeltaSize:         10_485_760, // 10MB, hard cap on crdtBytes
}

// ValidMessageTypes lists the WebSocket notification/control frame types
// driftkit's wire protocol recognizes (internal/wire).
var ValidMessageTypes = map[string]bool{
	"ping":               true,
	"pong":               true,
	"subscribe":          true,
	"unsubscribe":        true,
	"collection_changed": true,
	"error":              true,
}

// CollectionNamePattern validates collection names carried on the wire.
var CollectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ConnectionLimiter tracks concurrent WebSocket connections per IP.
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
	stopCh      chan struct{}
}

// NewConnectionLimiter starts a ConnectionLimiter with a background
// cleanup loop.
func NewConnectionLimiter() *ConnectionLimiter {
	cl := &ConnectionLimiter{connections: make(map[string]int), stopCh: make(chan struct{})}
	go cl.cleanupLoop()
	return cl
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.cleanup()
		case <-cl.stopCh:
			return
		}
	}
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, count := range cl.connections {
		if count <= 0 {
			delete(cl.connections, ip)
		}
	}
}

// CanConnect reports whether ip is under its connection limit.
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip] < Limits.MaxConnectionsPerIP
}

// AddConnection records a new connection from ip.
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection releases a connection slot for ip.
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// Dispose stops the cleanup loop.
func (cl *ConnectionLimiter) Dispose() { close(cl.stopCh) }

// ConnectionRateLimiter tracks messages per connection using a sliding
// one-minute window.
type ConnectionRateLimiter struct {
	messages map[string][]time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewConnectionRateLimiter starts a ConnectionRateLimiter with a
// background cleanup loop.
func NewConnectionRateLimiter() *ConnectionRateLimiter {
	crl := &ConnectionRateLimiter{messages: make(map[string][]time.Time), stopCh: make(chan struct{})}
	go crl.cleanupLoop()
	return crl
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			crl.cleanup()
		case <-crl.stopCh:
			return
		}
	}
}

func (crl *ConnectionRateLimiter) cleanup() {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	now := time.Now()
	for connID, timestamps := range crl.messages {
		recent := recentWithin(timestamps, now, time.Minute)
		if len(recent) == 0 {
			delete(crl.messages, connID)
		} else {
			crl.messages[connID] = recent
		}
	}
}

func recentWithin(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	var out []time.Time
	for _, ts := range timestamps {
		if now.Sub(ts) < window {
			out = append(out, ts)
		}
	}
	return out
}

// CanSendMessage reports whether connectionID is under its per-minute
// message limit.
func (crl *ConnectionRateLimiter) CanSendMessage(connectionID string) bool {
	crl.mu.RLock()
	defer crl.mu.RUnlock()
	return len(recentWithin(crl.messages[connectionID], time.Now(), time.Minute)) < Limits.MaxMessagesPerMinute
}

// RecordMessage records a message from connectionID.
func (crl *ConnectionRateLimiter) RecordMessage(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	crl.messages[connectionID] = append(crl.messages[connectionID], time.Now())
}

// RemoveConnection drops tracking data for connectionID.
func (crl *ConnectionRateLimiter) RemoveConnection(connectionID string) {
	crl.mu.Lock()
	defer crl.mu.Unlock()
	delete(crl.messages, connectionID)
}

// Dispose stops the cleanup loop.
func (crl *ConnectionRateLimiter) Dispose() { close(crl.stopCh) }

// Manager centralizes both limiters for the server to hold one handle to.
type Manager struct {
	Connections *ConnectionLimiter
	Messages    *ConnectionRateLimiter
}

// NewManager constructs a Manager with both limiters running.
func NewManager() *Manager {
	return &Manager{Connections: NewConnectionLimiter(), Messages: NewConnectionRateLimiter()}
}

// Dispose stops both limiters' cleanup loops.
func (m *Manager) Dispose() {
	m.Connections.Dispose()
	m.Messages.Dispose()
}

// ValidateMessageType reports whether msgType is a recognized wire frame
// type.
func ValidateMessageType(msgType string) (bool, string) {
	if msgType == "" {
		return false, "missing message type"
	}
	if !ValidMessageTypes[msgType] {
		return false, "invalid message type: " + msgType
	}
	return true, ""
}

// ValidateCollectionName reports whether name is a well-formed collection
// name.
func ValidateCollectionName(name string) (bool, string) {
	if name == "" {
		return false, "invalid collection name"
	}
	if len(name) > 256 {
		return false, "collection name too long (max 256 characters)"
	}
	if !CollectionNamePattern.MatchString(name) {
		return false, "collection name contains invalid characters"
	}
	return true, ""
}
