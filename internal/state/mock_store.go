package state

import (
	"sort"
	"sync"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ledger   []models.LedgerEntry
	locks    *vaultLocks
}

// NewMockStore creates a mock state store.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*models.Session),
		locks:    newVaultLocks(),
	}
}

// LoadSession returns a copy of the stored session.
func (m *MockStore) LoadSession(vaultNum string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if session, ok := m.sessions[vaultNum]; ok {
		return session.Clone(), nil
	}
	return nil, ErrStateNotFound
}

// SaveSession stores a copy of the session.
func (m *MockStore) SaveSession(session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.VaultNum] = session.Clone()
	return nil
}

// ResetSession removes a stored session.
func (m *MockStore) ResetSession(vaultNum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, vaultNum)
	return nil
}

// ListSessions returns all stored vault numbers.
func (m *MockStore) ListSessions() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vaults := make([]string, 0, len(m.sessions))
	for vault := range m.sessions {
		vaults = append(vaults, vault)
	}
	sort.Strings(vaults)
	return vaults, nil
}

// Latest returns the most recently saved session.
func (m *MockStore) Latest() (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	if latest := newest(sessions); latest != nil {
		return latest.Clone(), nil
	}
	return nil, ErrStateNotFound
}

// RecordRun appends a ledger entry.
func (m *MockStore) RecordRun(entry models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledger = append(m.ledger, entry)
	return nil
}

// Ledger returns the entries of one sync session.
func (m *MockStore) Ledger(sessionID string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []models.LedgerEntry
	for _, e := range m.ledger {
		if e.SessionID == sessionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Lock acquires an in-process lock for a vault.
func (m *MockStore) Lock(vaultNum string) (UnlockFunc, error) {
	return m.locks.acquire(vaultNum, lockTimeout)
}

// Migrate copies sessions into another store.
func (m *MockStore) Migrate(target Store) error {
	vaults, _ := m.ListSessions()
	for _, vault := range vaults {
		session, err := m.LoadSession(vault)
		if err != nil {
			return err
		}
		if err := target.SaveSession(session); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the store (no-op for mock).
func (m *MockStore) Close() error {
	return nil
}

// AllEntries returns every recorded ledger entry.
func (m *MockStore) AllEntries() []models.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.LedgerEntry(nil), m.ledger...)
}

// Clear removes all sessions and ledger entries.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = make(map[string]*models.Session)
	m.ledger = nil
}
