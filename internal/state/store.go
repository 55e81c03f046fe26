package state

import (
	"errors"
	"time"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// Store manages session and ledger persistence.
type Store interface {
	// LoadSession retrieves the saved session for a vault.
	LoadSession(vaultNum string) (*models.Session, error)

	// SaveSession persists a session, replacing any previous one for its vault.
	SaveSession(session *models.Session) error

	// ResetSession removes the saved session for a vault.
	ResetSession(vaultNum string) error

	// ListSessions returns all vault numbers with a saved session.
	ListSessions() ([]string, error)

	// Latest returns the most recently saved session of any vault.
	Latest() (*models.Session, error)

	// RecordRun appends one run outcome to the ledger.
	RecordRun(entry models.LedgerEntry) error

	// Ledger returns the entries recorded for a sync session, oldest first.
	Ledger(sessionID string) ([]models.LedgerEntry, error)

	// Lock acquires an exclusive lock for a vault.
	Lock(vaultNum string) (UnlockFunc, error)

	// Migrate copies all saved sessions into another store.
	Migrate(target Store) error

	// Close releases resources.
	Close() error
}

// UnlockFunc releases a vault lock.
type UnlockFunc func()

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateLocked   = errors.New("state is locked")
	ErrStateCorrupt  = errors.New("state file is corrupt")
)

// sessionFile wraps a session with store metadata.
type sessionFile struct {
	*models.Session

	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	Checksum      string    `json:"checksum,omitempty"`
}

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1

const lockTimeout = 5 * time.Second

// newest picks the session with the latest UpdatedAt.
func newest(sessions []*models.Session) *models.Session {
	var latest *models.Session
	for _, s := range sessions {
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	return latest
}
