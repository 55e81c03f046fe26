package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// MockVault is an in-memory VaultAPI for tests.
type MockVault struct {
	mu sync.Mutex

	// Response configuration
	Vaults    []models.NamedEntity
	Projects  []models.NamedEntity
	Protocols []models.Protocol
	RunData   map[models.VaultID][]byte
	RunMeta   map[models.VaultID][]byte
	Files     map[models.VaultID]*models.VaultFile

	// Error injection
	VaultsError    error
	ProjectsError  error
	ProtocolsError error
	DataErrors     map[models.VaultID]error
	MetaErrors     map[models.VaultID]error
	FileErrors     map[models.VaultID]error

	// Request tracking
	Calls []Call

	closed bool
}

// Call records one request made against the mock.
type Call struct {
	Method string
	IDs    []models.VaultID
}

// Mock method names recorded in Call.Method.
const (
	CallListVaults    = "ListVaults"
	CallListProjects  = "ListProjects"
	CallListProtocols = "ListProtocols"
	CallExportRunData = "ExportRunData"
	CallGetRun        = "GetRun"
	CallGetFile       = "GetFile"
)

// NewMockVault creates an empty mock vault.
func NewMockVault() *MockVault {
	return &MockVault{
		RunData:    make(map[models.VaultID][]byte),
		RunMeta:    make(map[models.VaultID][]byte),
		Files:      make(map[models.VaultID]*models.VaultFile),
		DataErrors: make(map[models.VaultID]error),
		MetaErrors: make(map[models.VaultID]error),
		FileErrors: make(map[models.VaultID]error),
	}
}

// AddRun registers a run under a protocol, creating the protocol if needed,
// with its CSV data and metadata document.
func (m *MockVault) AddRun(protocol models.NamedEntity, run models.ProtocolRun, data, meta []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RunData[run.ID] = data
	m.RunMeta[run.ID] = meta

	for i := range m.Protocols {
		if m.Protocols[i].ID == protocol.ID {
			m.Protocols[i].Runs = append(m.Protocols[i].Runs, run)
			return
		}
	}
	m.Protocols = append(m.Protocols, models.Protocol{
		ID:   protocol.ID,
		Name: protocol.Name,
		Runs: []models.ProtocolRun{run},
	})
}

// AddFile registers a downloadable file.
func (m *MockVault) AddFile(file *models.VaultFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[file.ID] = file
}

// ListVaults returns the configured vaults.
func (m *MockVault) ListVaults(ctx context.Context) ([]models.NamedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(CallListVaults)
	if m.VaultsError != nil {
		return nil, m.VaultsError
	}
	return append([]models.NamedEntity(nil), m.Vaults...), nil
}

// ListProjects returns the configured projects.
func (m *MockVault) ListProjects(ctx context.Context) ([]models.NamedEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(CallListProjects)
	if m.ProjectsError != nil {
		return nil, m.ProjectsError
	}
	return append([]models.NamedEntity(nil), m.Projects...), nil
}

// ListProtocols returns the configured protocols filtered by ids.
func (m *MockVault) ListProtocols(ctx context.Context, ids []models.VaultID) ([]models.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(CallListProtocols, ids...)
	if m.ProtocolsError != nil {
		return nil, m.ProtocolsError
	}

	if len(ids) == 0 {
		return append([]models.Protocol(nil), m.Protocols...), nil
	}

	wanted := make(map[models.VaultID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []models.Protocol
	for _, p := range m.Protocols {
		if wanted[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// ExportRunData returns the configured CSV for a run.
func (m *MockVault) ExportRunData(ctx context.Context, protocolID, runID models.VaultID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(CallExportRunData, protocolID, runID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.DataErrors[runID]; err != nil {
		return nil, err
	}
	data, ok := m.RunData[runID]
	if !ok {
		return nil, &models.APIError{StatusCode: 404, Message: fmt.Sprintf("run %s not found", runID)}
	}
	return data, nil
}

// GetRun returns the configured metadata for a run.
func (m *MockVault) GetRun(ctx context.Context, runID models.VaultID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(CallGetRun, runID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.MetaErrors[runID]; err != nil {
		return nil, err
	}
	meta, ok := m.RunMeta[runID]
	if !ok {
		return nil, &models.APIError{StatusCode: 404, Message: fmt.Sprintf("run %s not found", runID)}
	}
	return meta, nil
}

// GetFile returns a configured file.
func (m *MockVault) GetFile(ctx context.Context, fileID models.VaultID) (*models.VaultFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(CallGetFile, fileID)
	if err := m.FileErrors[fileID]; err != nil {
		return nil, err
	}
	file, ok := m.Files[fileID]
	if !ok {
		return nil, &models.APIError{StatusCode: 404, Message: fmt.Sprintf("file %s not found", fileID)}
	}
	clone := *file
	clone.Contents = append([]byte(nil), file.Contents...)
	return &clone, nil
}

// Close marks the mock closed.
func (m *MockVault) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockVault) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCount returns how many calls of method were made. An empty method
// counts every call.
func (m *MockVault) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.Calls {
		if method == "" || c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *MockVault) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

func (m *MockVault) record(method string, ids ...models.VaultID) {
	m.Calls = append(m.Calls, Call{Method: method, IDs: append([]models.VaultID(nil), ids...)})
}
