package security

import "testing"

func TestConnectionLimiterEnforcesCap(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	for i := 0; i < Limits.MaxConnectionsPerIP; i++ {
		if !cl.CanConnect("1.2.3.4") {
			t.Fatalf("expected connection %d to be allowed", i)
		}
		cl.AddConnection("1.2.3.4")
	}
	if cl.CanConnect("1.2.3.4") {
		t.Fatal("expected connection limit to be enforced")
	}

	cl.RemoveConnection("1.2.3.4")
	if !cl.CanConnect("1.2.3.4") {
		t.Fatal("expected a freed slot to allow another connection")
	}
}

func TestConnectionLimiterTracksIPsIndependently(t *testing.T) {
	cl := NewConnectionLimiter()
	defer cl.Dispose()

	cl.AddConnection("1.1.1.1")
	if !cl.CanConnect("2.2.2.2") {
		t.Fatal("expected an unrelated IP to be unaffected")
	}
}

func TestConnectionRateLimiterEnforcesCap(t *testing.T) {
	crl := NewConnectionRateLimiter()
	defer crl.Dispose()

	for i := 0; i < Limits.MaxMessagesPerMinute; i++ {
		if !crl.CanSendMessage("conn-1") {
			t.Fatalf("expected message %d to be allowed", i)
		}
		crl.RecordMessage("conn-1")
	}
	if crl.CanSendMessage("conn-1") {
		t.Fatal("expected message rate limit to be enforced")
	}

	crl.RemoveConnection("conn-1")
	if !crl.CanSendMessage("conn-1") {
		t.Fatal("expected removal to reset rate tracking")
	}
}

func TestValidateMessageType(t *testing.T) {
	if ok, _ := ValidateMessageType("subscribe"); !ok {
		t.Error("expected subscribe to be valid")
	}
	if ok, _ := ValidateMessageType(""); ok {
		t.Error("expected empty type to be invalid")
	}
	if ok, _ := ValidateMessageType("bogus"); ok {
		t.Error("expected unrecognized type to be invalid")
	}
}

func TestValidateCollectionName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"todos", true},
		{"todos:project-1", true},
		{"", false},
		{"bad name with spaces", false},
		{string(make([]byte, 300)), false},
	}
	for _, c := range cases {
		ok, _ := ValidateCollectionName(c.name)
		if ok != c.ok {
			t.Errorf("ValidateCollectionName(%q) = %v, want %v", c.name, ok, c.ok)
		}
	}
}
