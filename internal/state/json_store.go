package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
)

const (
	sessionPrefix = "session-"
	ledgerFile    = "ledger.jsonl"
)

// JSONStore implements file-based state storage. Each vault's session lives
// in its own checksummed file; the ledger is an append-only JSON lines file.
type JSONStore struct {
	baseDir string
	logger  *events.Logger

	mu    sync.RWMutex
	locks *vaultLocks
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(baseDir string, logger *events.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &JSONStore{
		baseDir: baseDir,
		logger:  logger.WithField("component", "json_state_store"),
		locks:   newVaultLocks(),
	}, nil
}

// LoadSession reads a vault's session from its JSON file.
func (s *JSONStore) LoadSession(vaultNum string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadSession(vaultNum)
}

func (s *JSONStore) loadSession(vaultNum string) (*models.Session, error) {
	path := s.sessionPath(vaultNum)

	s.logger.WithFields(map[string]interface{}{
		"vault": vaultNum,
		"path":  path,
	}).Debug("Loading session")

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var wrapper sessionFile
	if err := json.Unmarshal(data, &wrapper); err != nil || wrapper.Session == nil {
		if session, err := s.loadBackup(vaultNum); err == nil {
			s.logger.Warn("Loaded session from backup due to corruption")
			return session, nil
		}
		return nil, ErrStateCorrupt
	}

	if wrapper.Checksum != "" {
		calculated, err := checksum(wrapper)
		if err != nil {
			return nil, err
		}
		if calculated != wrapper.Checksum {
			s.logger.WithFields(map[string]interface{}{
				"expected": wrapper.Checksum,
				"actual":   calculated,
			}).Error("Session checksum mismatch")

			if session, err := s.loadBackup(vaultNum); err == nil {
				return session, nil
			}
			return nil, ErrStateCorrupt
		}
	}

	if wrapper.SchemaVersion != CurrentSchemaVersion {
		s.logger.WithField("version", wrapper.SchemaVersion).Warn("Session schema version mismatch")
	}

	return wrapper.Session, nil
}

// SaveSession writes a session atomically, keeping the previous file as a
// backup.
func (s *JSONStore) SaveSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.VaultNum == "" {
		return fmt.Errorf("save session: vault number is required")
	}

	path := s.sessionPath(session.VaultNum)

	s.logger.WithFields(map[string]interface{}{
		"vault": session.VaultNum,
		"root":  session.Root,
	}).Debug("Saving session")

	wrapper := sessionFile{
		Session:       session,
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}

	sum, err := checksum(wrapper)
	if err != nil {
		return err
	}
	wrapper.Checksum = sum

	jsonData, err := json.MarshalIndent(wrapper, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session with checksum: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".backup"); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename session file: %w", err)
	}

	return nil
}

// ResetSession removes a vault's session and its backup.
func (s *JSONStore) ResetSession(vaultNum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("vault", vaultNum).Info("Resetting session")

	path := s.sessionPath(vaultNum)
	for _, p := range []string{path, path + ".backup"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	return nil
}

// ListSessions returns all vault numbers with a session file.
func (s *JSONStore) ListSessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.listSessions()
}

func (s *JSONStore) listSessions() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var vaults []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, sessionPrefix) || filepath.Ext(name) != ".json" {
			continue
		}
		vaults = append(vaults, strings.TrimSuffix(strings.TrimPrefix(name, sessionPrefix), ".json"))
	}
	sort.Strings(vaults)

	return vaults, nil
}

// Latest returns the most recently saved session.
func (s *JSONStore) Latest() (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vaults, err := s.listSessions()
	if err != nil {
		return nil, err
	}

	var sessions []*models.Session
	for _, vault := range vaults {
		session, err := s.loadSession(vault)
		if err != nil {
			s.logger.WithError(err).WithField("vault", vault).Warn("Skipping unreadable session")
			continue
		}
		sessions = append(sessions, session)
	}

	if latest := newest(sessions); latest != nil {
		return latest, nil
	}
	return nil, ErrStateNotFound
}

// RecordRun appends an entry to the ledger file.
func (s *JSONStore) RecordRun(entry models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(s.baseDir, ledgerFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// Ledger returns the entries of one sync session.
func (s *JSONStore) Ledger(sessionID string) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, ledgerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var entries []models.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry models.LedgerEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			s.logger.WithError(err).Warn("Skipping corrupt ledger line")
			continue
		}
		if entry.SessionID == sessionID {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	return entries, nil
}

// Lock acquires a lock for a vault.
func (s *JSONStore) Lock(vaultNum string) (UnlockFunc, error) {
	return s.locks.acquire(vaultNum, lockTimeout)
}

// Migrate copies all sessions to another store.
func (s *JSONStore) Migrate(target Store) error {
	vaults, err := s.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	s.logger.WithField("count", len(vaults)).Info("Migrating sessions")

	for _, vault := range vaults {
		session, err := s.LoadSession(vault)
		if err != nil {
			s.logger.WithError(err).WithField("vault", vault).Error("Failed to load session")
			continue
		}

		if err := target.SaveSession(session); err != nil {
			return fmt.Errorf("save session %s: %w", vault, err)
		}

		s.logger.WithField("vault", vault).Debug("Migrated session")
	}

	return nil
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) sessionPath(vaultNum string) string {
	return filepath.Join(s.baseDir, sessionPrefix+vaultNum+".json")
}

func (s *JSONStore) loadBackup(vaultNum string) (*models.Session, error) {
	data, err := os.ReadFile(s.sessionPath(vaultNum) + ".backup")
	if err != nil {
		return nil, err
	}

	var wrapper sessionFile
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	if wrapper.Session == nil {
		return nil, ErrStateCorrupt
	}

	return wrapper.Session, nil
}

// checksum hashes the wrapper with its checksum field cleared.
func checksum(wrapper sessionFile) (string, error) {
	wrapper.Checksum = ""
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("marshal session for checksum: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
