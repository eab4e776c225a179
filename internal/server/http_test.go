package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/compactor"
	"github.com/driftkit/driftkit/internal/eventlog"
	"github.com/driftkit/driftkit/internal/model"
	"github.com/driftkit/driftkit/internal/writer"
)

func newTestAPI(t *testing.T) *api {
	t.Helper()
	log := eventlog.NewMemoryEventLog()
	registry := collection.NewRegistry()
	registry.Register(collection.New("todos", nil))
	backend := writer.NewMemoryBackend(log)
	w := writer.New(backend, registry, collection.NewMemoryVersionStore())
	c := compactor.New(log, registry)

	hub, err := NewHub(context.Background(), NewLocalBroadcaster())
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	go hub.Run(context.Background())

	return &api{log: log, writer: w, registry: registry, compactor: c, hub: hub}
}

func TestHandleMutationInsertsAndNotifies(t *testing.T) {
	a := newTestAPI(t)

	body, _ := json.Marshal(mutationRequest{
		Collection:      "todos",
		DocumentID:      "doc-1",
		CRDTBytes:       []byte("crdt-bytes"),
		MaterializedDoc: map[string]any{"title": "hi"},
		Version:         1,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/insert", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleMutation(a.writer.Insert)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result model.MutationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Success || result.Metadata.DocumentID != "doc-1" {
		t.Errorf("unexpected result: %#v", result)
	}
}

func TestHandleMutationRejectsUnknownCollection(t *testing.T) {
	a := newTestAPI(t)

	body, _ := json.Marshal(mutationRequest{Collection: "bogus", DocumentID: "doc-1", CRDTBytes: []byte("x"), Version: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/insert", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleMutation(a.writer.Insert)(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatalf("expected failure for an unregistered collection, got 200: %s", rec.Body.String())
	}
}

func TestHandleMutationRejectsEmptyCRDTBytes(t *testing.T) {
	a := newTestAPI(t)

	body, _ := json.Marshal(mutationRequest{Collection: "todos", DocumentID: "doc-1", Version: 1})
	req := httptest.NewRequest(http.MethodPost, "/api/insert", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleMutation(a.writer.Insert)(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestHandleStreamReturnsAppendedDelta(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	if _, err := a.writer.Insert(ctx, "todos", "doc-1", []byte("crdt-bytes"), map[string]any{"title": "hi"}, 1, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	body, _ := json.Marshal(streamRequest{Collection: "todos", Checkpoint: 0, Limit: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	a.handleStream(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp model.StreamResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(resp.Changes))
	}
}

func TestHandleGetProtocolVersion(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/getProtocolVersion", nil)
	rec := httptest.NewRecorder()

	a.handleGetProtocolVersion(rec, req)

	var resp model.ProtocolVersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.ProtocolVersion != CurrentProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", resp.ProtocolVersion, CurrentProtocolVersion)
	}
}
