package lrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"lrs-analytics/internal/components/telemetry"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	t        *testing.T
	pages    [][]string
	failPage int
	status   int
	// failures is how many times the failing page answers with status before succeeding.
	failures int32

	mutex    sync.Mutex
	requests []*http.Request
}

func (s *fakeStore) handler(server **httptest.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		s.requests = append(s.requests, r)
		s.mutex.Unlock()

		user, pass, ok := r.BasicAuth()
		require.True(s.t, ok)
		require.Equal(s.t, "key", user)
		require.Equal(s.t, "secret", pass)
		require.Equal(s.t, "1.0.3", r.Header.Get("X-Experience-API-Version"))

		idx := 0
		if p := r.URL.Query().Get("cursor"); p != "" {
			_, err := fmt.Sscanf(p, "%d", &idx)
			require.NoError(s.t, err)
		}

		if idx+1 == s.failPage && atomic.AddInt32(&s.failures, -1) >= 0 {
			w.WriteHeader(s.status)
			return
		}

		statements := []map[string]any{}
		for _, id := range s.pages[idx] {
			statements = append(statements, map[string]any{"id": id})
		}
		body := map[string]any{"statements": statements, "more": nil}
		if idx+1 < len(s.pages) {
			// alternate between relative and absolute continuation references
			more := fmt.Sprintf("/watershed/api/organizations/27/lrs/statements?cursor=%d", idx+1)
			if idx%2 == 1 {
				more = (*server).URL + more
			}
			body["more"] = more
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(s.t, json.NewEncoder(w).Encode(body))
	}
}

func newTestClient(t *testing.T, store *fakeStore, retries int) (*Client, *httptest.Server) {
	var server *httptest.Server
	server = httptest.NewServer(store.handler(&server))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Endpoint:          server.URL,
		OrgId:             "27",
		Credentials:       Credentials{Username: "key", Password: "secret"},
		PageSize:          2,
		Retries:           retries,
		RequestsPerSecond: 1000,
	}, &telemetry.RecorderAPI{})
	require.NoError(t, err)
	return client, server
}

func ids(statements []map[string]any) []string {
	out := make([]string, len(statements))
	for i, s := range statements {
		out[i], _ = s["id"].(string)
	}
	return out
}

func TestFetchAllFollowsContinuation(t *testing.T) {
	store := &fakeStore{t: t, pages: [][]string{{"a", "b"}, {"c", "d"}, {"e", "f"}}}
	client, _ := newTestClient(t, store, -1)

	since := time.Date(2025, time.June, 11, 12, 0, 0, 0, time.UTC)
	statements, err := client.FetchAll(context.Background(), since, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, ids(statements))

	require.Len(t, store.requests, 3)
	first := store.requests[0]
	require.Equal(t, "/watershed/api/organizations/27/lrs/statements", first.URL.Path)
	require.Equal(t, "2", first.URL.Query().Get("limit"))
	require.Equal(t, "2025-06-11T12:00:00Z", first.URL.Query().Get("since"))
	for _, r := range store.requests[1:] {
		require.Empty(t, r.URL.Query().Get("since"))
		require.Empty(t, r.URL.Query().Get("limit"))
	}
}

func TestFetchAllWithoutWatermark(t *testing.T) {
	store := &fakeStore{t: t, pages: [][]string{{"a"}}}
	client, _ := newTestClient(t, store, -1)

	statements, err := client.FetchAll(context.Background(), time.Time{}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(statements))
	require.False(t, store.requests[0].URL.Query().Has("since"))
	require.Equal(t, "2", store.requests[0].URL.Query().Get("limit"))
}

func TestFetchAllAbortsOnFailedPage(t *testing.T) {
	store := &fakeStore{
		t:        t,
		pages:    [][]string{{"a", "b"}, {"c", "d"}, {"e", "f"}},
		failPage: 2,
		status:   http.StatusForbidden,
		failures: 1,
	}
	client, _ := newTestClient(t, store, -1)

	since := time.Date(2025, time.June, 11, 12, 0, 0, 0, time.UTC)
	statements, err := client.FetchAll(context.Background(), since, 2)
	require.Nil(t, statements)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, 2, terr.Page)
	require.Equal(t, http.StatusForbidden, terr.StatusCode)
	require.Equal(t, since, terr.Watermark)
	require.Contains(t, err.Error(), "page 2")
	require.Contains(t, err.Error(), "2025-06-11T12:00:00Z")
}

func TestFetchAllRetriesTransientStatus(t *testing.T) {
	store := &fakeStore{
		t:        t,
		pages:    [][]string{{"a"}, {"b"}},
		failPage: 2,
		status:   http.StatusServiceUnavailable,
		failures: 1,
	}
	client, _ := newTestClient(t, store, 2)

	statements, err := client.FetchAll(context.Background(), time.Time{}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(statements))
	require.Len(t, store.requests, 3)
}

func TestNewClientValidatesEndpoint(t *testing.T) {
	_, err := NewClient(Config{}, &telemetry.RecorderAPI{})
	require.Error(t, err)
	_, err = NewClient(Config{Endpoint: "lrs.example.com"}, &telemetry.RecorderAPI{})
	require.Error(t, err)
}

func TestFetchAllDumpsExchanges(t *testing.T) {
	store := &fakeStore{t: t, pages: [][]string{{"a"}, {"b"}}}
	var server *httptest.Server
	server = httptest.NewServer(store.handler(&server))
	t.Cleanup(server.Close)

	dir := filepath.Join(t.TempDir(), "dump")
	client, err := NewClient(Config{
		Endpoint:          server.URL,
		OrgId:             "27",
		Credentials:       Credentials{Username: "key", Password: "secret"},
		Retries:           -1,
		RequestsPerSecond: 1000,
		DumpDir:           dir,
	}, &telemetry.RecorderAPI{})
	require.NoError(t, err)

	_, err = client.FetchAll(context.Background(), time.Time{}, 1)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	contents, err := os.ReadFile(filepath.Join(dir, entries[1].Name()))
	require.NoError(t, err)
	require.Contains(t, string(contents), "cursor=1")
	require.NotContains(t, string(contents), "secret")
}
