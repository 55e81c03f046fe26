package transport_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cddsync/internal/config"
	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

const vaultPrefix = "/vaults/4598"

func newTestClient(t *testing.T, server *httptest.Server, maxRetries int) *transport.HTTPClient {
	t.Helper()

	cfg := &config.APIConfig{
		BaseURL:      server.URL,
		VaultNum:     "4598",
		Token:        "test-token",
		Timeout:      5 * time.Second,
		MaxRetries:   maxRetries,
		UserAgent:    "test",
		PollInterval: 5 * time.Second,
		PageSize:     10,
	}

	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	client := transport.NewHTTPClient(cfg, logger)
	client.SetRetryDelay(10 * time.Millisecond)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHTTPClientTokenHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, vaultPrefix+"/projects", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get(transport.TokenHeader))
		assert.Equal(t, "test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"id": 7, "name": "Alpha"}, {"id": "8", "name": "Beta"}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server, 0)

	projects, err := client.ListProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.NamedEntity{
		{ID: "7", Name: "Alpha"},
		{ID: "8", Name: "Beta"},
	}, projects)
}

func TestHTTPClientListVaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vaults", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id": 4598, "name": "Screening"}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server, 0)

	vaults, err := client.ListVaults(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.NamedEntity{{ID: "4598", Name: "Screening"}}, vaults)
}

func TestHTTPClientLogsThroughContextLogger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": 500}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, 0)

	var buf bytes.Buffer
	sessionLogger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	ctx := events.WithSessionID(events.WithLogger(context.Background(), sessionLogger), "sess-9")
	ctx = events.WithRunID(ctx, "500")

	_, err := client.GetRun(ctx, "500")
	require.NoError(t, err)

	var sent map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "Sending request" {
			sent = entry
		}
	}
	require.NotNil(t, sent)
	assert.Equal(t, "sess-9", sent["session_id"])
	assert.Equal(t, "500", sent["run_id"])
	assert.Equal(t, "http_client", sent["component"])
}

func TestHTTPClientRetry(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id": 500, "modified_at": "2023-01-02"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, 3)

	data, err := client.GetRun(context.Background(), "500")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 500, "modified_at": "2023-01-02"}`, string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHTTPClientClientErrorNotRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "Invalid token"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, 3)

	_, err := client.GetRun(context.Background(), "500")
	require.Error(t, err)

	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Invalid token", apiErr.Message)
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHTTPClientGetFile(t *testing.T) {
	contents := []byte{0x50, 0x4b, 0x03, 0x04, 0x00}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, vaultPrefix+"/files/9001", r.URL.Path)
		fmt.Fprintf(w, `{"id": 9001, "name": "plate.xlsx", "contents": %q}`,
			base64.StdEncoding.EncodeToString(contents))
	}))
	defer server.Close()

	client := newTestClient(t, server, 0)

	file, err := client.GetFile(context.Background(), "9001")
	require.NoError(t, err)
	assert.Equal(t, models.VaultID("9001"), file.ID)
	assert.Equal(t, "plate.xlsx", file.Name)
	assert.Equal(t, contents, file.Contents)
}

func TestHTTPClientListProtocolsSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, vaultPrefix+"/protocols", r.URL.Path)
		assert.Equal(t, "10,11", r.URL.Query().Get("protocols"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		assert.Empty(t, r.URL.Query().Get("async"))
		_, _ = w.Write([]byte(`{"count": 1, "objects": [{"id": 10, "name": "P1", "runs": [
			{"id": 500, "run_date": "2023-01-01", "modified_at": "2023-01-02T00:00:00Z",
			 "project": {"id": 1, "name": "Alpha"}}]}]}`))
	}))
	defer server.Close()

	client := newTestClient(t, server, 0)

	protocols, err := client.ListProtocols(context.Background(), []models.VaultID{"10", "11"})
	require.NoError(t, err)
	require.Len(t, protocols, 1)
	assert.Equal(t, "P1", protocols[0].Name)
	require.Len(t, protocols[0].Runs, 1)
	assert.Equal(t, models.VaultID("500"), protocols[0].Runs[0].ID)
	assert.Equal(t, models.VaultID("1"), protocols[0].Runs[0].Project.ID)
}

// exportServer serves a vault whose listings and data always go through an
// async export.
type exportServer struct {
	mu       sync.Mutex
	polls    int
	statuses []string
	deletes  []string
	body     string
}

func (s *exportServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(vaultPrefix+"/protocols", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("async") == "true" {
			_, _ = w.Write([]byte(`{"id": 77}`))
			return
		}
		_, _ = w.Write([]byte(`{"count": 9, "objects": []}`))
	})
	mux.HandleFunc(vaultPrefix+"/protocols/10/data", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "csv", r.URL.Query().Get("format"))
		assert.Equal(t, "500", r.URL.Query().Get("runs"))
		_, _ = w.Write([]byte(`{"id": 77}`))
	})
	mux.HandleFunc(vaultPrefix+"/export_progress/77", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		status := s.statuses[len(s.statuses)-1]
		if s.polls < len(s.statuses) {
			status = s.statuses[s.polls]
		}
		s.polls++
		fmt.Fprintf(w, `{"status": %q}`, status)
	})
	mux.HandleFunc(vaultPrefix+"/exports/77", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			s.mu.Lock()
			s.deletes = append(s.deletes, r.URL.Path)
			s.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(s.body))
	})
	return mux
}

func (s *exportServer) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

func TestHTTPClientExportRunData(t *testing.T) {
	es := &exportServer{
		statuses: []string{"new", "finished"},
		body:     "Run,Readout\n500,1.5\n",
	}
	server := httptest.NewServer(es.handler(t))
	defer server.Close()

	client := newTestClient(t, server, 0)
	fc := clockwork.NewFakeClock()
	client.SetClock(fc)

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := client.ExportRunData(context.Background(), "10", "500")
		done <- result{data, err}
	}()

	fc.BlockUntil(1)
	fc.Advance(5 * time.Second)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "Run,Readout\n500,1.5\n", string(res.data))
	case <-time.After(5 * time.Second):
		t.Fatal("export did not finish")
	}
	assert.Equal(t, 0, es.deleteCount())
}

func TestHTTPClientListProtocolsAsync(t *testing.T) {
	es := &exportServer{
		statuses: []string{"finished"},
		body:     `{"objects": [{"id": 10, "name": "P1"}, {"id": 11, "name": "P2"}]}`,
	}
	server := httptest.NewServer(es.handler(t))
	defer server.Close()

	client := newTestClient(t, server, 0)

	protocols, err := client.ListProtocols(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, protocols, 2)
	assert.Equal(t, models.VaultID("11"), protocols[1].ID)
}

func TestHTTPClientExportCancelDeletes(t *testing.T) {
	es := &exportServer{statuses: []string{"started"}}
	server := httptest.NewServer(es.handler(t))
	defer server.Close()

	client := newTestClient(t, server, 0)
	fc := clockwork.NewFakeClock()
	client.SetClock(fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.ExportRunData(ctx, "10", "500")
		done <- err
	}()

	fc.BlockUntil(1)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("export did not stop")
	}
	assert.Equal(t, 1, es.deleteCount())
}

func TestHTTPClientExportFailedStatus(t *testing.T) {
	es := &exportServer{statuses: []string{"failed"}}
	server := httptest.NewServer(es.handler(t))
	defer server.Close()

	client := newTestClient(t, server, 0)

	_, err := client.ExportRunData(context.Background(), "10", "500")
	assert.ErrorIs(t, err, models.ErrExportFailed)
	assert.ErrorContains(t, err, `"failed"`)
}

func TestMockVault(t *testing.T) {
	mock := transport.NewMockVault()
	mock.Projects = []models.NamedEntity{{ID: "1", Name: "Alpha"}}
	mock.AddRun(models.NamedEntity{ID: "10", Name: "P1"},
		models.ProtocolRun{ID: "500", RunDate: "2023-01-01", ModifiedAt: "m1",
			Project: models.NamedEntity{ID: "1", Name: "Alpha"}},
		[]byte("a,b\n"), []byte(`{"modified_at": "m1"}`))
	mock.AddFile(&models.VaultFile{ID: "9", Name: "x.txt", Contents: []byte("x")})

	var api transport.VaultAPI = mock
	ctx := context.Background()

	projects, err := api.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	protocols, err := api.ListProtocols(ctx, []models.VaultID{"10"})
	require.NoError(t, err)
	require.Len(t, protocols, 1)
	assert.Len(t, protocols[0].Runs, 1)

	none, err := api.ListProtocols(ctx, []models.VaultID{"99"})
	require.NoError(t, err)
	assert.Empty(t, none)

	data, err := api.ExportRunData(ctx, "10", "500")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))

	_, err = api.GetRun(ctx, "501")
	assert.Error(t, err)

	file, err := api.GetFile(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, "x.txt", file.Name)

	mock.DataErrors["500"] = errors.New("boom")
	_, err = api.ExportRunData(ctx, "10", "500")
	assert.EqualError(t, err, "boom")

	assert.Equal(t, 2, mock.CallCount(transport.CallListProtocols))
	assert.Equal(t, 2, mock.CallCount(transport.CallExportRunData))
	assert.Equal(t, 7, mock.CallCount(""))

	mock.Reset()
	assert.Zero(t, mock.CallCount(""))

	require.NoError(t, api.Close())
	assert.True(t, mock.IsClosed())
}
