package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reflib/refharvest/internal/store"
)

type stubRunReader struct {
	docs map[string]store.RunDocument
}

func (s *stubRunReader) Get(id string) (store.RunDocument, error) {
	doc, ok := s.docs[id]
	if !ok {
		return store.RunDocument{}, store.ErrNotFound
	}
	return doc, nil
}

func newTestServer(docs map[string]store.RunDocument) *httptest.Server {
	server := NewServer(&stubRunReader{docs: docs}, nil, nil)
	return httptest.NewServer(server.Handler())
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	doc := store.RunDocument{
		ID:          "run-1",
		DocumentURL: "https://journal.example.org/a",
		State:       "completed",
		Records: []store.PersistedRecord{
			{DOI: "10.1000/xyz", Title: "A Study", Status: "enriched"},
		},
	}
	srv := newTestServer(map[string]store.RunDocument{"run-1": doc})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/runs/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got store.RunDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, doc.ID, got.ID)
	require.Len(t, got.Records, 1)
	require.Equal(t, "10.1000/xyz", got.Records[0].DOI)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
