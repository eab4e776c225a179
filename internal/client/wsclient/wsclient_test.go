package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftkit/driftkit/internal/wire"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestDialSendReceiveRoundTrip(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	c, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Send(&wire.Message{Type: wire.TypePing, Payload: map[string]any{}, Timestamp: 123}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg, ok := <-c.Messages():
		if !ok {
			t.Fatal("Messages channel closed unexpectedly")
		}
		if msg.Type != wire.TypePing {
			t.Errorf("Type = %q, want %q", msg.Type, wire.TypePing)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestCloseClosesMessagesChannel(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"

	c, err := Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-c.Messages():
		if ok {
			t.Fatal("expected Messages channel to be closed or drained")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Messages channel to close")
	}
}

func TestDialInvalidURLReturnsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := Dial(ctx, "ws://127.0.0.1:1/nope"); err == nil {
		t.Fatal("expected Dial to fail against an unreachable address")
	}
}
