package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
)

// SQLiteStore implements SQLite-based state storage.
type SQLiteStore struct {
	db     *sql.DB
	logger *events.Logger
	locks  *vaultLocks
}

// NewSQLiteStore creates a SQLite state store.
func NewSQLiteStore(dbPath string, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "sqlite_state_store"),
		locks:  newVaultLocks(),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

// initialize creates tables and indexes.
func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        vault_num TEXT PRIMARY KEY,
        root TEXT NOT NULL,
        scope TEXT NOT NULL,
        sync_files INTEGER NOT NULL DEFAULT 1,
        updated_at TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS ledger (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        run_id TEXT NOT NULL,
        path TEXT NOT NULL,
        outcome TEXT NOT NULL,
        modified_at TEXT,
        digest TEXT,
        error TEXT,
        at TIMESTAMP NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_ledger_session ON ledger(session_id);

    CREATE TABLE IF NOT EXISTS schema_info (
        version INTEGER PRIMARY KEY
    );

    INSERT OR IGNORE INTO schema_info (version) VALUES (?);
    `

	if _, err := s.db.Exec(schema, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// sessionScope is the selection part of a session, stored as one JSON column.
type sessionScope struct {
	ProjectNames  []string         `json:"project_names,omitempty"`
	ProjectIDs    []models.VaultID `json:"project_ids,omitempty"`
	ProtocolNames []string         `json:"protocol_names,omitempty"`
	ProtocolIDs   []models.VaultID `json:"protocol_ids,omitempty"`
	RunsBefore    string           `json:"runs_before,omitempty"`
	RunsAfter     string           `json:"runs_after,omitempty"`
}

// LoadSession retrieves a session from the database.
func (s *SQLiteStore) LoadSession(vaultNum string) (*models.Session, error) {
	s.logger.WithField("vault", vaultNum).Debug("Loading session from SQLite")

	row := s.db.QueryRow(`
        SELECT vault_num, root, scope, sync_files, updated_at
        FROM sessions
        WHERE vault_num = ?
    `, vaultNum)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

// SaveSession upserts a session.
func (s *SQLiteStore) SaveSession(session *models.Session) error {
	if session.VaultNum == "" {
		return fmt.Errorf("save session: vault number is required")
	}

	s.logger.WithFields(map[string]interface{}{
		"vault": session.VaultNum,
		"root":  session.Root,
	}).Debug("Saving session to SQLite")

	scope, err := json.Marshal(sessionScope{
		ProjectNames:  session.ProjectNames,
		ProjectIDs:    session.ProjectIDs,
		ProtocolNames: session.ProtocolNames,
		ProtocolIDs:   session.ProtocolIDs,
		RunsBefore:    session.RunsBefore,
		RunsAfter:     session.RunsAfter,
	})
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}

	_, err = s.db.Exec(`
        INSERT INTO sessions (vault_num, root, scope, sync_files, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(vault_num) DO UPDATE SET
            root = excluded.root,
            scope = excluded.scope,
            sync_files = excluded.sync_files,
            updated_at = excluded.updated_at
    `, session.VaultNum, session.Root, string(scope), session.SyncFiles, session.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	return nil
}

// ResetSession removes a vault's session.
func (s *SQLiteStore) ResetSession(vaultNum string) error {
	s.logger.WithField("vault", vaultNum).Info("Resetting session in SQLite")

	if _, err := s.db.Exec("DELETE FROM sessions WHERE vault_num = ?", vaultNum); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// ListSessions returns all vault numbers.
func (s *SQLiteStore) ListSessions() ([]string, error) {
	rows, err := s.db.Query("SELECT vault_num FROM sessions ORDER BY vault_num")
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var vaults []string
	for rows.Next() {
		var vault string
		if err := rows.Scan(&vault); err != nil {
			return nil, fmt.Errorf("scan vault number: %w", err)
		}
		vaults = append(vaults, vault)
	}

	return vaults, rows.Err()
}

// Latest returns the most recently saved session.
func (s *SQLiteStore) Latest() (*models.Session, error) {
	row := s.db.QueryRow(`
        SELECT vault_num, root, scope, sync_files, updated_at
        FROM sessions
        ORDER BY updated_at DESC
        LIMIT 1
    `)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest session: %w", err)
	}
	return session, nil
}

// RecordRun inserts a ledger entry.
func (s *SQLiteStore) RecordRun(entry models.LedgerEntry) error {
	_, err := s.db.Exec(`
        INSERT INTO ledger (session_id, run_id, path, outcome, modified_at, digest, error, at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, entry.SessionID, string(entry.RunID), entry.Path, string(entry.Outcome),
		entry.ModifiedAt, entry.Digest, entry.Error, entry.At.UTC())
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Ledger returns the entries of one sync session in insertion order.
func (s *SQLiteStore) Ledger(sessionID string) ([]models.LedgerEntry, error) {
	rows, err := s.db.Query(`
        SELECT session_id, run_id, path, outcome, modified_at, digest, error, at
        FROM ledger
        WHERE session_id = ?
        ORDER BY seq
    `, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			entry                   models.LedgerEntry
			runID, outcome          string
			modifiedAt, digest, msg sql.NullString
			at                      time.Time
		)
		if err := rows.Scan(&entry.SessionID, &runID, &entry.Path, &outcome,
			&modifiedAt, &digest, &msg, &at); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entry.RunID = models.VaultID(runID)
		entry.Outcome = models.Outcome(outcome)
		entry.ModifiedAt = modifiedAt.String
		entry.Digest = digest.String
		entry.Error = msg.String
		entry.At = at
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Lock acquires a lock for a vault.
func (s *SQLiteStore) Lock(vaultNum string) (UnlockFunc, error) {
	return s.locks.acquire(vaultNum, lockTimeout)
}

// Migrate copies all sessions to another store.
func (s *SQLiteStore) Migrate(target Store) error {
	vaults, err := s.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	for _, vault := range vaults {
		session, err := s.LoadSession(vault)
		if err != nil {
			return fmt.Errorf("load session %s: %w", vault, err)
		}
		if err := target.SaveSession(session); err != nil {
			return fmt.Errorf("save session %s: %w", vault, err)
		}
	}

	s.logger.WithField("count", len(vaults)).Info("Migrated sessions")
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session   models.Session
		scopeJSON string
		updatedAt time.Time
	)
	if err := row.Scan(&session.VaultNum, &session.Root, &scopeJSON, &session.SyncFiles, &updatedAt); err != nil {
		return nil, err
	}

	var scope sessionScope
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	session.ProjectNames = scope.ProjectNames
	session.ProjectIDs = scope.ProjectIDs
	session.ProtocolNames = scope.ProtocolNames
	session.ProtocolIDs = scope.ProtocolIDs
	session.RunsBefore = scope.RunsBefore
	session.RunsAfter = scope.RunsAfter
	session.UpdatedAt = updatedAt

	return &session, nil
}
