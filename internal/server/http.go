package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/driftkit/driftkit/internal/collection"
	"github.com/driftkit/driftkit/internal/compactor"
	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/eventlog"
	"github.com/driftkit/driftkit/internal/model"
	"github.com/driftkit/driftkit/internal/security"
	"github.com/driftkit/driftkit/internal/writer"
)

// CurrentProtocolVersion is the server's protocol version, compared
// against the client's locally persisted one during negotiation on
// client startup.
const CurrentProtocolVersion uint32 = 1

// api serves the REST+JSON transport: stream, getInitialState,
// insert/update/remove, getProtocolVersion, compact, prune.
type api struct {
	log       eventlog.EventLog
	writer    *writer.Writer
	registry  *collection.Registry
	compactor *compactor.Compactor
	hub       *Hub
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stream", a.handleStream)
	mux.HandleFunc("/api/getInitialState", a.handleGetInitialState)
	mux.HandleFunc("/api/insert", a.handleMutation(a.writer.Insert))
	mux.HandleFunc("/api/update", a.handleMutation(a.writer.Update))
	mux.HandleFunc("/api/remove", a.handleMutation(a.writer.Delete))
	mux.HandleFunc("/api/getProtocolVersion", a.handleGetProtocolVersion)
	mux.HandleFunc("/api/compact", a.handleCompact)
	mux.HandleFunc("/api/prune", a.handlePrune)
}

type streamRequest struct {
	Collection string `json:"collection"`
	Checkpoint uint64 `json:"checkpoint"`
	Limit      int    `json:"limit"`
}

func (a *api) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.KindValidation, "malformed request body", err))
		return
	}
	if ok, reason := security.ValidateCollectionName(req.Collection); !ok {
		writeError(w, errs.New(errs.KindValidation, reason, nil))
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = eventlog.DefaultPageSize
	}

	resp, err := a.log.Stream(r.Context(), req.Collection, req.Checkpoint, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleGetInitialState(w http.ResponseWriter, r *http.Request) {
	collectionName := r.URL.Query().Get("collection")
	if ok, reason := security.ValidateCollectionName(collectionName); !ok {
		writeError(w, errs.New(errs.KindValidation, reason, nil))
		return
	}

	state, ok, err := a.log.GetInitialState(r.Context(), collectionName)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type mutationRequest struct {
	Collection      string         `json:"collection"`
	DocumentID      string         `json:"documentId"`
	CRDTBytes       []byte         `json:"crdtBytes"`
	MaterializedDoc map[string]any `json:"materializedDoc"`
	Version         uint64         `json:"version"`
	SchemaVersion   uint32         `json:"schemaVersion"`
}

type mutationFunc func(ctx context.Context, collectionName, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error)

func (a *api) handleMutation(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req mutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.New(errs.KindValidation, "malformed request body", err))
			return
		}
		if ok, reason := security.ValidateCollectionName(req.Collection); !ok {
			writeError(w, errs.New(errs.KindValidation, reason, nil))
			return
		}
		if len(req.CRDTBytes) == 0 || len(req.CRDTBytes) > security.Limits.MaxDeltaSize {
			writeError(w, errs.New(errs.KindValidation, "crdtBytes must be non-empty and within the size cap", nil))
			return
		}

		result, err := fn(r.Context(), req.Collection, req.DocumentID, req.CRDTBytes, req.MaterializedDoc, req.Version, req.SchemaVersion)
		if err != nil {
			writeError(w, err)
			return
		}

		a.hub.Notify(r.Context(), req.Collection, result.Metadata.DocumentID, result.Metadata.Timestamp)
		writeJSON(w, http.StatusOK, result)
	}
}

func (a *api) handleGetProtocolVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.ProtocolVersionResponse{ProtocolVersion: CurrentProtocolVersion})
}

func (a *api) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	collectionName := r.URL.Query().Get("collection")
	if err := a.compactor.Run(r.Context(), collectionName, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	collectionName := r.URL.Query().Get("collection")
	deleted, err := a.compactor.Prune(r.Context(), collectionName, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var de *errs.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case errs.KindValidation:
			status = http.StatusUnprocessableEntity
		case errs.KindGapWithoutSnapshot:
			status = http.StatusConflict
		case errs.KindAuth:
			status = http.StatusForbidden
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

