// Package httpadapter is a reference RemoteAdapter speaking a small
// REST convention over github.com/hashicorp/go-retryablehttp, with
// query.Values (google/go-querystring) encoding a Scope struct into
// the list endpoint's query string and gjson/sjson (tidwall) walking
// and building JSON payloads without a concrete response struct.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/synqcore/synqcore/pkg/adapter"
	"github.com/synqcore/synqcore/pkg/entity"
	"github.com/synqcore/synqcore/pkg/syncop"
)

// Adapter is a RemoteAdapter backed by an HTTP API following the
// convention:
//
//	GET    {base}/users/{userId}/entities[?scope]
//	GET    {base}/users/{userId}/entities/{id}
//	PUT    {base}/users/{userId}/entities/{id}
//	PATCH  {base}/users/{userId}/entities/{id}
//	DELETE {base}/users/{userId}/entities/{id}
//	GET    {base}/users/{userId}/metadata
//	PUT    {base}/users/{userId}/metadata
//	GET    {base}/healthz
type Adapter struct {
	prototype entity.Entity
	client    *retryablehttp.Client
	baseURL   string
	// ListPath is the gjson path to the array of items within a list
	// response envelope. Defaults to "data".
	ListPath string
}

// New constructs an Adapter. prototype is used to rehydrate decoded
// JSON field maps into the host application's concrete entity.Entity
// type, the same prototype pattern pkg/memadapter uses.
func New(baseURL string, prototype entity.Entity) *Adapter {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &Adapter{
		prototype: prototype,
		client:    client,
		baseURL:   baseURL,
		ListPath:  "data",
	}
}

func (a *Adapter) entityURL(userID string, id string) string {
	u := fmt.Sprintf("%s/users/%s/entities", a.baseURL, url.PathEscape(userID))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (a *Adapter) metadataURL(userID string) string {
	return fmt.Sprintf("%s/users/%s/metadata", a.baseURL, url.PathEscape(userID))
}

func (a *Adapter) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func statusOK(status int) bool { return status >= 200 && status < 300 }

func encodeFields(fields map[string]any) ([]byte, error) {
	body := "{}"
	var err error
	for k, v := range fields {
		body, err = sjson.Set(body, k, v)
		if err != nil {
			return nil, fmt.Errorf("encoding field %q: %w", k, err)
		}
	}
	return []byte(body), nil
}

func (a *Adapter) rehydrate(raw []byte) (entity.Entity, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding entity payload: %w", err)
	}
	return a.prototype.FromMap(fields)
}

// FetchAll implements adapter.RemoteAdapter.
func (a *Adapter) FetchAll(ctx context.Context, userID string, scope adapter.Scope) ([]entity.Entity, error) {
	rawURL := a.entityURL(userID, "")
	if scope != nil {
		values, err := query.Values(scope)
		if err == nil && len(values) > 0 {
			rawURL += "?" + values.Encode()
		}
	}
	body, status, err := a.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if !statusOK(status) {
		return nil, fmt.Errorf("httpadapter: fetchAll returned status %d", status)
	}
	results := gjson.GetBytes(body, a.ListPath).Array()
	items := make([]entity.Entity, 0, len(results))
	for _, res := range results {
		e, err := a.rehydrate([]byte(res.Raw))
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, nil
}

// FetchByID implements adapter.RemoteAdapter.
func (a *Adapter) FetchByID(ctx context.Context, id, userID string) (entity.Entity, bool, error) {
	body, status, err := a.do(ctx, http.MethodGet, a.entityURL(userID, id), nil)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if !statusOK(status) {
		return nil, false, fmt.Errorf("httpadapter: fetchById returned status %d", status)
	}
	e, err := a.rehydrate(body)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Push implements adapter.RemoteAdapter as an idempotent upsert.
func (a *Adapter) Push(ctx context.Context, e entity.Entity, userID string) (entity.Entity, error) {
	payload, err := encodeFields(e.ToRemoteMap())
	if err != nil {
		return nil, err
	}
	body, status, err := a.do(ctx, http.MethodPut, a.entityURL(userID, e.ID()), payload)
	if err != nil {
		return nil, err
	}
	if !statusOK(status) {
		return nil, fmt.Errorf("httpadapter: push returned status %d", status)
	}
	return a.rehydrate(body)
}

// Patch implements adapter.RemoteAdapter.
func (a *Adapter) Patch(ctx context.Context, id, userID string, delta map[string]any) (entity.Entity, error) {
	payload, err := encodeFields(delta)
	if err != nil {
		return nil, err
	}
	body, status, err := a.do(ctx, http.MethodPatch, a.entityURL(userID, id), payload)
	if err != nil {
		return nil, err
	}
	if !statusOK(status) {
		return nil, fmt.Errorf("httpadapter: patch returned status %d", status)
	}
	return a.rehydrate(body)
}

// PartialUpdatesSupported reports that this adapter's convention
// implements PATCH.
func (a *Adapter) PartialUpdatesSupported() bool { return true }

// DeleteRemote implements adapter.RemoteAdapter.
func (a *Adapter) DeleteRemote(ctx context.Context, id, userID string) error {
	_, status, err := a.do(ctx, http.MethodDelete, a.entityURL(userID, id), nil)
	if err != nil {
		return err
	}
	if !statusOK(status) && status != http.StatusNotFound {
		return fmt.Errorf("httpadapter: deleteRemote returned status %d", status)
	}
	return nil
}

// GetSyncMetadata implements adapter.RemoteAdapter.
func (a *Adapter) GetSyncMetadata(ctx context.Context, userID string) (syncop.Metadata, error) {
	body, status, err := a.do(ctx, http.MethodGet, a.metadataURL(userID), nil)
	if err != nil {
		return syncop.Metadata{}, err
	}
	if status == http.StatusNotFound {
		return syncop.Metadata{}, nil
	}
	if !statusOK(status) {
		return syncop.Metadata{}, fmt.Errorf("httpadapter: getSyncMetadata returned status %d", status)
	}
	var meta syncop.Metadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return syncop.Metadata{}, err
	}
	return meta, nil
}

// UpdateSyncMetadata implements adapter.RemoteAdapter.
func (a *Adapter) UpdateSyncMetadata(ctx context.Context, userID string, meta syncop.Metadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, status, err := a.do(ctx, http.MethodPut, a.metadataURL(userID), payload)
	if err != nil {
		return err
	}
	if !statusOK(status) {
		return fmt.Errorf("httpadapter: updateSyncMetadata returned status %d", status)
	}
	return nil
}

// IsConnected implements adapter.RemoteAdapter by probing a health
// endpoint; any error or non-2xx status is treated as disconnected.
func (a *Adapter) IsConnected(ctx context.Context) bool {
	_, status, err := a.do(ctx, http.MethodGet, a.baseURL+"/healthz", nil)
	return err == nil && statusOK(status)
}

// ChangeStream returns nil: a plain request/response REST transport
// has no push channel of its own. A deployment that needs live
// external-change ingestion would pair this adapter with a
// webhook/SSE listener feeding a syncop.ChangeEvent channel instead.
func (a *Adapter) ChangeStream() <-chan syncop.ChangeEvent { return nil }

// Dispose implements adapter.RemoteAdapter.
func (a *Adapter) Dispose(_ context.Context) error {
	a.client.HTTPClient.CloseIdleConnections()
	return nil
}

var _ adapter.RemoteAdapter = (*Adapter)(nil)
