// Package wire defines driftkit's WebSocket frame format, shared by
// internal/server and internal/client/wsclient: a binary header
// ([type:1][timestamp:8][payload_len:4][payload]) with JSON text frames
// accepted as a fallback, covering the subscription and
// delta-notification messages driftkit's wire protocol needs.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TypeCode is a one-byte binary frame type tag.
type TypeCode byte

const (
	CodeSubscribe         TypeCode = 0x10
	CodeUnsubscribe       TypeCode = 0x11
	CodeCollectionChanged TypeCode = 0x20
	CodePing              TypeCode = 0x30
	CodePong              TypeCode = 0x31
	CodeError             TypeCode = 0xFF
)

// Message type names, used by the JSON fallback and by callers building a
// Message.
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeCollectionChanged = "collection_changed"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

var codeToName = map[TypeCode]string{
	CodeSubscribe:         TypeSubscribe,
	CodeUnsubscribe:       TypeUnsubscribe,
	CodeCollectionChanged: TypeCollectionChanged,
	CodePing:              TypePing,
	CodePong:              TypePong,
	CodeError:             TypeError,
}

var nameToCode = map[string]TypeCode{
	TypeSubscribe:         CodeSubscribe,
	TypeUnsubscribe:       CodeUnsubscribe,
	TypeCollectionChanged: CodeCollectionChanged,
	TypePing:              CodePing,
	TypePong:              CodePong,
	TypeError:             CodeError,
}

// headerSize is [type:1][timestamp:8][payload_len:4].
const headerSize = 13

// Message is a decoded WebSocket frame.
type Message struct {
	Type      string
	Timestamp int64
	Payload   map[string]any
}

// Encode serializes a message into the binary frame format.
func Encode(messageType string, payload map[string]any, timestamp int64) ([]byte, error) {
	code, ok := nameToCode[messageType]
	if !ok {
		code = CodeError
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	payloadLen := uint32(len(payloadJSON))

	buf := make([]byte, headerSize+payloadLen)
	buf[0] = byte(code)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[headerSize:], payloadJSON)
	return buf, nil
}

// Decode parses a frame, accepting either the binary format or a raw JSON
// object (used by non-binary transports like long-polling fallbacks).
func Decode(data []byte) (*Message, error) {
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("wire: unmarshal json frame: %w", err)
		}
		msg := &Message{Payload: raw}
		if t, ok := raw["type"].(string); ok {
			msg.Type = t
		}
		if ts, ok := raw["timestamp"].(float64); ok {
			msg.Timestamp = int64(ts)
		}
		return msg, nil
	}

	if len(data) < headerSize {
		return nil, fmt.Errorf("wire: frame too short: %d bytes", len(data))
	}
	code := TypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])
	if uint32(len(data)) < uint32(headerSize)+payloadLen {
		return nil, fmt.Errorf("wire: incomplete frame: want %d bytes, have %d", uint32(headerSize)+payloadLen, len(data))
	}

	var payload map[string]any
	if err := json.Unmarshal(data[headerSize:headerSize+payloadLen], &payload); err != nil {
		return nil, fmt.Errorf("wire: unmarshal payload: %w", err)
	}

	typeName, ok := codeToName[code]
	if !ok {
		typeName = TypeError
	}
	return &Message{Type: typeName, Timestamp: timestamp, Payload: payload}, nil
}
