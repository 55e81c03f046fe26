package testutil

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cddsync/internal/config"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// TestToken is the token the TestServer accepts.
const TestToken = "test-token-12345"

// TestServer serves the vault REST API from a MockVault. Data exports finish
// immediately.
type TestServer struct {
	*httptest.Server
	Vault    *transport.MockVault
	VaultNum string

	mu       sync.Mutex
	exports  map[string][]byte
	nextID   int
	requests []string
}

// NewTestServer creates a vault API server backed by vault.
func NewTestServer(vaultNum string, vault *transport.MockVault) *TestServer {
	ts := &TestServer{
		Vault:    vault,
		VaultNum: vaultNum,
		exports:  make(map[string][]byte),
	}

	prefix := "/vaults/" + vaultNum
	mux := http.NewServeMux()
	mux.HandleFunc("GET /vaults", ts.handleVaults)
	mux.HandleFunc("GET "+prefix+"/projects", ts.handleProjects)
	mux.HandleFunc("GET "+prefix+"/protocols", ts.handleProtocols)
	mux.HandleFunc("GET "+prefix+"/protocols/{id}/data", ts.handleProtocolData)
	mux.HandleFunc("GET "+prefix+"/export_progress/{id}", ts.handleExportProgress)
	mux.HandleFunc("GET "+prefix+"/exports/{id}", ts.handleExport)
	mux.HandleFunc("DELETE "+prefix+"/exports/{id}", ts.handleDeleteExport)
	mux.HandleFunc("GET "+prefix+"/runs/{id}", ts.handleRun)
	mux.HandleFunc("GET "+prefix+"/files/{id}", ts.handleFile)

	ts.Server = httptest.NewServer(ts.authenticate(mux))
	return ts
}

// Requests returns the request paths seen so far.
func (ts *TestServer) Requests() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.requests...)
}

// Config returns an API config pointing at the server.
func (ts *TestServer) Config() config.APIConfig {
	return config.APIConfig{
		BaseURL:      ts.URL,
		VaultNum:     ts.VaultNum,
		Token:        TestToken,
		Timeout:      5 * time.Second,
		MaxRetries:   0,
		UserAgent:    "cddsync-test",
		PollInterval: 10 * time.Millisecond,
		PageSize:     1000,
	}
}

func (ts *TestServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		ts.requests = append(ts.requests, r.Method+" "+r.URL.Path)
		ts.mu.Unlock()

		if r.Header.Get(transport.TokenHeader) != TestToken {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ts *TestServer) handleVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := ts.Vault.ListVaults(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if len(vaults) == 0 {
		vaults = []models.NamedEntity{{ID: models.VaultID(ts.VaultNum), Name: "Test Vault"}}
	}
	writeJSON(w, vaults)
}

func (ts *TestServer) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := ts.Vault.ListProjects(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, projects)
}

func (ts *TestServer) handleProtocols(w http.ResponseWriter, r *http.Request) {
	var ids []models.VaultID
	if raw := r.URL.Query().Get("protocols"); raw != "" {
		ids = models.ParseVaultIDs(strings.Split(raw, ","))
	}

	protocols, err := ts.Vault.ListProtocols(r.Context(), ids)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if protocols == nil {
		protocols = []models.Protocol{}
	}
	writeJSON(w, map[string]interface{}{
		"count":   len(protocols),
		"objects": protocols,
	})
}

func (ts *TestServer) handleProtocolData(w http.ResponseWriter, r *http.Request) {
	protocolID := models.VaultID(r.PathValue("id"))
	runID := models.VaultID(r.URL.Query().Get("runs"))

	data, err := ts.Vault.ExportRunData(r.Context(), protocolID, runID)
	if err != nil {
		writeFailure(w, err)
		return
	}

	ts.mu.Lock()
	ts.nextID++
	id := fmt.Sprintf("%d", ts.nextID)
	ts.exports[id] = data
	ts.mu.Unlock()

	writeJSON(w, map[string]interface{}{"id": id})
}

func (ts *TestServer) handleExportProgress(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	_, ok := ts.exports[r.PathValue("id")]
	ts.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, map[string]string{"status": transport.ExportFinished})
}

func (ts *TestServer) handleExport(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	data, ok := ts.exports[r.PathValue("id")]
	ts.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(data)
}

func (ts *TestServer) handleDeleteExport(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	delete(ts.exports, r.PathValue("id"))
	ts.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (ts *TestServer) handleRun(w http.ResponseWriter, r *http.Request) {
	meta, err := ts.Vault.GetRun(r.Context(), models.VaultID(r.PathValue("id")))
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(meta)
}

func (ts *TestServer) handleFile(w http.ResponseWriter, r *http.Request) {
	file, err := ts.Vault.GetFile(r.Context(), models.VaultID(r.PathValue("id")))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"id":       file.ID,
		"name":     file.Name,
		"contents": base64.StdEncoding.EncodeToString(file.Contents),
	})
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// TestConfigWithDir creates a configuration rooted in dataDir.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dataDir
	cfg.Storage.StateDir = filepath.Join(dataDir, "state")
	cfg.Storage.Root = filepath.Join(dataDir, "mirror")
	cfg.Storage.CredentialsFile = filepath.Join(dataDir, "credentials.json")
	cfg.Log = config.LogConfig{
		Level:  "debug",
		Format: "json",
		Color:  false,
	}
	return cfg
}

// AssertFileContent checks file content matches expected.
func AssertFileContent(t *testing.T, path, expected string) {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, expected, string(content))
}

// AssertFileNotExists checks that a path does not exist.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "path should not exist: %s", path)
}

// LogEntry is one captured JSON log line.
type LogEntry map[string]interface{}

// Level returns the entry level.
func (e LogEntry) Level() string {
	s, _ := e["level"].(string)
	return s
}

// Message returns the entry message.
func (e LogEntry) Message() string {
	s, _ := e["msg"].(string)
	return s
}

// LogOutput captures JSON log output for assertions.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer.
func (lo *LogOutput) Write(p []byte) (int, error) {
	var entry LogEntry
	if err := json.Unmarshal(p, &entry); err == nil {
		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()
	return append([]LogEntry(nil), lo.entries...)
}

// Find returns entries at level whose message contains msg.
func (lo *LogOutput) Find(level, msg string) []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	var out []LogEntry
	for _, e := range lo.entries {
		if e.Level() == level && strings.Contains(e.Message(), msg) {
			out = append(out, e)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeFailure(w http.ResponseWriter, err error) {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.StatusCode, apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
