package wire

import "testing"

func TestTypeCodes(t *testing.T) {
	tests := []struct {
		code TypeCode
		want byte
	}{
		{CodeSubscribe, 0x10},
		{CodeUnsubscribe, 0x11},
		{CodeCollectionChanged, 0x20},
		{CodePing, 0x30},
		{CodePong, 0x31},
		{CodeError, 0xFF},
	}
	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("TypeCode = %#x, want %#x", byte(tt.code), tt.want)
		}
	}
}

func TestBidirectionalMapping(t *testing.T) {
	for code, name := range codeToName {
		got, ok := nameToCode[name]
		if !ok {
			t.Errorf("type name %q missing from nameToCode", name)
			continue
		}
		if got != code {
			t.Errorf("nameToCode[%q] = %#x, want %#x", name, got, code)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := map[string]any{"collection": "todos", "documentId": "abc"}
	encoded, err := Encode(TypeCollectionChanged, payload, 1700000000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != TypeCollectionChanged {
		t.Errorf("Type = %q, want %q", msg.Type, TypeCollectionChanged)
	}
	if msg.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d, want 1700000000", msg.Timestamp)
	}
	if msg.Payload["collection"] != "todos" {
		t.Errorf("Payload[collection] = %v, want todos", msg.Payload["collection"])
	}
}

func TestDecodeJSONFallback(t *testing.T) {
	raw := []byte(`{"type":"ping","timestamp":42}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != TypePing {
		t.Errorf("Type = %q, want %q", msg.Type, TypePing)
	}
	if msg.Timestamp != 42 {
		t.Errorf("Timestamp = %d, want 42", msg.Timestamp)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x10, 0x01, 0x02}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	encoded, err := Encode(TypePing, map[string]any{"x": 1}, 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	truncated := encoded[:len(encoded)-2]
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestEncodeUnknownTypeFallsBackToError(t *testing.T) {
	encoded, err := Encode("nonsense", map[string]any{}, 1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if encoded[0] != byte(CodeError) {
		t.Errorf("type byte = %#x, want %#x", encoded[0], byte(CodeError))
	}
}
