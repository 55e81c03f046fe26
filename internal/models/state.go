package models

import (
	"fmt"
	"strings"
	"time"
)

// Session is the scope configuration of the last successful sync of a vault.
// It supplies defaults for the next invocation.
type Session struct {
	VaultNum      string    `json:"vault_num"`
	Root          string    `json:"root"`
	ProjectNames  []string  `json:"project_names,omitempty"`
	ProjectIDs    []VaultID `json:"project_ids,omitempty"`
	ProtocolNames []string  `json:"protocol_names,omitempty"`
	ProtocolIDs   []VaultID `json:"protocol_ids,omitempty"`
	RunsBefore    string    `json:"runs_before,omitempty"`
	RunsAfter     string    `json:"runs_after,omitempty"`
	SyncFiles     bool      `json:"sync_files"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewSession creates an empty session for a vault.
func NewSession(vaultNum string) *Session {
	return &Session{VaultNum: vaultNum, SyncFiles: true}
}

// Validate checks the session structure.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.VaultNum) == "" {
		return fmt.Errorf("vault number is required")
	}
	if strings.TrimSpace(s.Root) == "" {
		return fmt.Errorf("root directory is required")
	}
	if len(s.ProjectNames) > 0 && len(s.ProjectIDs) > 0 {
		return &AmbiguousSelectionError{Kind: "project", Names: s.ProjectNames, IDs: s.ProjectIDs}
	}
	if len(s.ProtocolNames) > 0 && len(s.ProtocolIDs) > 0 {
		return &AmbiguousSelectionError{Kind: "protocol", Names: s.ProtocolNames, IDs: s.ProtocolIDs}
	}
	return nil
}

// Clone creates a deep copy of the session.
func (s *Session) Clone() *Session {
	clone := *s
	clone.ProjectNames = append([]string(nil), s.ProjectNames...)
	clone.ProjectIDs = append([]VaultID(nil), s.ProjectIDs...)
	clone.ProtocolNames = append([]string(nil), s.ProtocolNames...)
	clone.ProtocolIDs = append([]VaultID(nil), s.ProtocolIDs...)
	return &clone
}

// Outcome is what happened to a run during a session.
type Outcome string

const (
	OutcomeFetched Outcome = "fetched"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
	OutcomeDeleted Outcome = "deleted"
	OutcomeKept    Outcome = "kept"
	OutcomePending Outcome = "pending"
)

// LedgerEntry records one run outcome of one session.
type LedgerEntry struct {
	SessionID  string    `json:"session_id"`
	RunID      VaultID   `json:"run_id"`
	Path       string    `json:"path"`
	Outcome    Outcome   `json:"outcome"`
	ModifiedAt string    `json:"modified_at,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}
