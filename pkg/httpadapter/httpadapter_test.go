package httpadapter_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqcore/synqcore/internal/testentity"
	"github.com/synqcore/synqcore/pkg/httpadapter"
	"github.com/synqcore/synqcore/pkg/syncop"
)

func TestFetchAllParsesListEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/u1/entities", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"1","ownerUserId":"u1","version":1,"title":"hello"}]}`))
	}))
	defer srv.Close()

	ctx := t.Context()
	a := httpadapter.New(srv.URL, &testentity.Record{})
	items, err := a.FetchAll(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].ID())
	assert.Equal(t, "hello", items[0].ToMap()["title"])
}

func TestFetchByIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := httpadapter.New(srv.URL, &testentity.Record{})
	_, found, err := a.FetchByID(t.Context(), "missing", "u1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPushSendsPutAndRehydratesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/users/u1/entities/1", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["title"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","ownerUserId":"u1","version":1,"title":"hello"}`))
	}))
	defer srv.Close()

	a := httpadapter.New(srv.URL, &testentity.Record{})
	rec := testentity.New("1", "u1", 1, time.Now(), map[string]any{"title": "hello"})
	got, err := a.Push(t.Context(), rec, "u1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.ToMap()["title"])
}

func TestPatchSendsOnlyDeltaFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "updated", body["title"])
		_, hasTag := body["tag"]
		assert.False(t, hasTag)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","ownerUserId":"u1","version":2,"title":"updated"}`))
	}))
	defer srv.Close()

	a := httpadapter.New(srv.URL, &testentity.Record{})
	got, err := a.Patch(t.Context(), "1", "u1", map[string]any{"title": "updated"})
	require.NoError(t, err)
	assert.Equal(t, "updated", got.ToMap()["title"])
	assert.True(t, a.PartialUpdatesSupported())
}

func TestDeleteRemoteTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := httpadapter.New(srv.URL, &testentity.Record{})
	require.NoError(t, a.DeleteRemote(t.Context(), "1", "u1"))
}

func TestSyncMetadataRoundTrip(t *testing.T) {
	var stored []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			stored = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			if stored == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(stored)
		}
	}))
	defer srv.Close()

	a := httpadapter.New(srv.URL, &testentity.Record{})
	sent := syncop.Metadata{
		LastSyncAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		DataHash:   "abc",
		ItemCount:  3,
	}
	require.NoError(t, a.UpdateSyncMetadata(t.Context(), "u1", sent))

	meta, err := a.GetSyncMetadata(t.Context(), "u1")
	require.NoError(t, err)
	assert.True(t, sent.LastSyncAt.Equal(meta.LastSyncAt))
	assert.Equal(t, sent.DataHash, meta.DataHash)
	assert.Equal(t, sent.ItemCount, meta.ItemCount)
}

func TestIsConnectedReflectsHealthzStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := httpadapter.New(srv.URL, &testentity.Record{})
	assert.True(t, a.IsConnected(t.Context()))
}

