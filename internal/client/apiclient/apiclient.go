// Package apiclient is the client-side REST+JSON transport matching
// internal/server's wire contract (stream, getInitialState,
// insert/update/remove, getProtocolVersion): a thin marshal/post/unmarshal
// wrapper per call over the standard net/http client, with no generated
// SDK involved.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/driftkit/driftkit/internal/errs"
	"github.com/driftkit/driftkit/internal/model"
)

// Client is a thin REST client for one driftkit server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client against baseURL (e.g. "http://localhost:8080").
// httpClient may be nil to use http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type streamRequest struct {
	Collection string `json:"collection"`
	Checkpoint uint64 `json:"checkpoint"`
	Limit      int    `json:"limit"`
}

// Stream pulls the next page of changes for collection since checkpoint.
func (c *Client) Stream(ctx context.Context, collection string, checkpoint uint64, limit int) (model.StreamResponse, error) {
	var resp model.StreamResponse
	err := c.post(ctx, "/api/stream", streamRequest{Collection: collection, Checkpoint: checkpoint, Limit: limit}, &resp)
	return resp, err
}

// GetInitialState fetches the SSR-oriented full snapshot for collection.
// ok is false if the server has no initial state yet.
func (c *Client) GetInitialState(ctx context.Context, collection string) (model.InitialState, bool, error) {
	var state model.InitialState
	url := fmt.Sprintf("%s/api/getInitialState?collection=%s", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return state, false, errs.New(errs.KindNetwork, "build getInitialState request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return state, false, errs.New(errs.KindNetwork, "getInitialState request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return state, false, statusError(resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return state, false, nil // empty body: no initial state yet
	}
	if len(state.CRDTBytes) == 0 {
		return state, false, nil
	}
	return state, true, nil
}

type mutationRequest struct {
	Collection      string         `json:"collection"`
	DocumentID      string         `json:"documentId"`
	CRDTBytes       []byte         `json:"crdtBytes"`
	MaterializedDoc map[string]any `json:"materializedDoc"`
	Version         uint64         `json:"version"`
	SchemaVersion   uint32         `json:"schemaVersion,omitempty"`
}

// Insert calls the server's insert() wire operation.
func (c *Client) Insert(ctx context.Context, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	return c.mutate(ctx, "/api/insert", collection, documentID, crdtBytes, materializedDoc, version, schemaVersion)
}

// Update calls the server's update() wire operation.
func (c *Client) Update(ctx context.Context, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	return c.mutate(ctx, "/api/update", collection, documentID, crdtBytes, materializedDoc, version, schemaVersion)
}

// Remove calls the server's remove() wire operation.
func (c *Client) Remove(ctx context.Context, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	return c.mutate(ctx, "/api/remove", collection, documentID, crdtBytes, materializedDoc, version, schemaVersion)
}

func (c *Client) mutate(ctx context.Context, path, collection, documentID string, crdtBytes []byte, materializedDoc map[string]any, version uint64, schemaVersion uint32) (*model.MutationResult, error) {
	var result model.MutationResult
	err := c.post(ctx, path, mutationRequest{
		Collection:      collection,
		DocumentID:      documentID,
		CRDTBytes:       crdtBytes,
		MaterializedDoc: materializedDoc,
		Version:         version,
		SchemaVersion:   schemaVersion,
	}, &result)
	return &result, err
}

// GetProtocolVersion calls the server's getProtocolVersion() operation.
func (c *Client) GetProtocolVersion(ctx context.Context) (uint32, error) {
	var resp model.ProtocolVersionResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/getProtocolVersion", nil)
	if err != nil {
		return 0, errs.New(errs.KindNetwork, "build getProtocolVersion request", err)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return 0, errs.New(errs.KindNetwork, "getProtocolVersion request", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return 0, statusError(httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return 0, errs.New(errs.KindNetwork, "decode getProtocolVersion response", err)
	}
	return resp.ProtocolVersion, nil
}

// Compact triggers the server's compact() maintenance operation for
// collection immediately, outside its normal scheduled interval.
func (c *Client) Compact(ctx context.Context, collection string) error {
	return c.postQuery(ctx, "/api/compact", collection)
}

// Prune triggers the server's prune() maintenance operation for
// collection immediately and reports how many snapshots were deleted.
func (c *Client) Prune(ctx context.Context, collection string) (int, error) {
	url := fmt.Sprintf("%s/api/prune?collection=%s", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, errs.New(errs.KindNetwork, "build prune request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errs.New(errs.KindNetwork, "prune request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp.StatusCode)
	}
	var result struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, errs.New(errs.KindNetwork, "decode prune response", err)
	}
	return result.Deleted, nil
}

func (c *Client) postQuery(ctx context.Context, path, collection string) error {
	url := fmt.Sprintf("%s%s?collection=%s", c.baseURL, path, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return errs.New(errs.KindNetwork, fmt.Sprintf("build %s request", path), err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(errs.KindNetwork, fmt.Sprintf("%s request", path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errs.New(errs.KindValidation, fmt.Sprintf("encode %s request", path), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errs.New(errs.KindNetwork, fmt.Sprintf("build %s request", path), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(errs.KindNetwork, fmt.Sprintf("%s request", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.KindNetwork, fmt.Sprintf("decode %s response", path), err)
	}
	return nil
}

func statusError(status int) error {
	switch {
	case status == http.StatusUnprocessableEntity:
		return errs.New(errs.KindValidation, fmt.Sprintf("server rejected request: status %d", status), nil)
	case status == http.StatusConflict:
		return errs.New(errs.KindGapWithoutSnapshot, fmt.Sprintf("server reported a gap: status %d", status), nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(errs.KindAuth, fmt.Sprintf("server refused request: status %d", status), nil)
	case status >= 500:
		return errs.New(errs.KindNetwork, fmt.Sprintf("server error: status %d", status), nil)
	default:
		return errs.New(errs.KindServerMutation, fmt.Sprintf("unexpected status %d", status), nil)
	}
}
