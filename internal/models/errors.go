package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeRemoteQuery        = "REMOTE_QUERY_ERROR"
	ErrCodeRemoteFetch        = "REMOTE_FETCH_ERROR"
	ErrCodeInvalidIdentity    = "INVALID_IDENTITY"
	ErrCodeReconciliation     = "RECONCILIATION_ERROR"
	ErrCodeAmbiguousSelection = "AMBIGUOUS_SELECTION"
	ErrCodeConfig             = "CONFIG_ERROR"
)

// Sentinel errors
var (
	ErrRemoteQuery        = errors.New("remote query failed")
	ErrRemoteFetch        = errors.New("remote fetch failed")
	ErrInvalidIdentity    = errors.New("invalid run identity")
	ErrReconciliation     = errors.New("reconciliation failed")
	ErrAmbiguousSelection = errors.New("ambiguous selection")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrExportFailed       = errors.New("export failed")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// APIError represents an error from the vault API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"error"`
	StatusCode int    `json:"status_code"`
	URL        string `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// Is reports 401/403 responses as ErrNotAuthenticated.
func (e *APIError) Is(target error) bool {
	return target == ErrNotAuthenticated && (e.StatusCode == 401 || e.StatusCode == 403)
}

// RemoteQueryError means listing or locating entities failed. It aborts the
// session before anything is written locally.
type RemoteQueryError struct {
	Op  string
	Err error
}

func (e *RemoteQueryError) Error() string {
	return fmt.Sprintf("remote query %s: %v", e.Op, e.Err)
}

func (e *RemoteQueryError) Unwrap() error { return e.Err }

func (e *RemoteQueryError) Is(target error) bool { return target == ErrRemoteQuery }

// RemoteFetchError means one run could not be fetched or written. The run
// stays stale and the session continues with the next one.
type RemoteFetchError struct {
	RunID VaultID
	Path  string
	Phase string
	Err   error
}

func (e *RemoteFetchError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("fetch run %s [%s]: %s: %v", e.RunID, e.Phase, e.Path, e.Err)
	}
	return fmt.Sprintf("fetch run %s [%s]: %v", e.RunID, e.Phase, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }

func (e *RemoteFetchError) Is(target error) bool { return target == ErrRemoteFetch }

// InvalidIdentityError means a run cannot be mapped onto a safe path.
type InvalidIdentityError struct {
	RunID  VaultID
	Field  string
	Value  string
	Reason string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("run %s: %s %q: %s", e.RunID, e.Field, e.Value, e.Reason)
}

func (e *InvalidIdentityError) Is(target error) bool { return target == ErrInvalidIdentity }

// ReconciliationError means a local run directory could not be removed.
type ReconciliationError struct {
	Path string
	Err  error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("remove %s: %v", e.Path, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliation }

// AmbiguousSelectionError is returned when a selection names both entity
// names and entity ids.
type AmbiguousSelectionError struct {
	Kind  string
	Names []string
	IDs   []VaultID
}

func (e *AmbiguousSelectionError) Error() string {
	return fmt.Sprintf("ambiguous %s selection: %d names and %d ids given, use one or the other",
		e.Kind, len(e.Names), len(e.IDs))
}

func (e *AmbiguousSelectionError) Is(target error) bool { return target == ErrAmbiguousSelection }

// IsFatal reports whether err must abort a whole sync session.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRemoteQuery), errors.Is(err, ErrAmbiguousSelection), errors.Is(err, ErrInvalidConfig):
		return true
	default:
		return false
	}
}
