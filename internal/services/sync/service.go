package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/catalog"
	"github.com/TheMichaelB/cddsync/internal/state"
	"github.com/TheMichaelB/cddsync/internal/storage"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Service provides high-level sync operations for one vault.
type Service struct {
	catalog *catalog.Service
	engine  *Engine
	state   state.Store
	store   storage.BlobStore
	logger  *events.Logger
}

// NewService creates a sync service writing into store.
func NewService(
	api transport.VaultAPI,
	store storage.BlobStore,
	stateStore state.Store,
	catalogService *catalog.Service,
	config *SyncConfig,
	logger *events.Logger,
) (*Service, error) {
	engine, err := NewEngine(api, store, stateStore, config, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		catalog: catalogService,
		engine:  engine,
		state:   stateStore,
		store:   store,
		logger:  logger.WithField("service", "sync"),
	}, nil
}

// SyncOptions configures a sync operation.
type SyncOptions struct {
	Prune   bool
	DryRun  bool
	Confirm Confirmer
}

// MirrorRoot returns the directory a vault's runs are written under.
func MirrorRoot(root, vaultNum string) string {
	return filepath.Join(root, "Vault_"+vaultNum)
}

// SyncSession syncs the scope described by session. The session is saved as
// the new default after a successful, non-dry run.
func (s *Service) SyncSession(ctx context.Context, session *models.Session, opts SyncOptions) (*Summary, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.state.Lock(session.VaultNum)
	if err != nil {
		if errors.Is(err, state.ErrStateLocked) {
			return nil, fmt.Errorf("vault %s: %w", session.VaultNum, models.ErrSyncInProgress)
		}
		return nil, fmt.Errorf("lock vault %s: %w", session.VaultNum, err)
	}
	defer unlock()

	scope, err := s.catalog.ResolveScope(ctx, catalog.Selection{
		ProjectNames:  session.ProjectNames,
		ProjectIDs:    session.ProjectIDs,
		ProtocolNames: session.ProtocolNames,
		ProtocolIDs:   session.ProtocolIDs,
		RunsBefore:    session.RunsBefore,
		RunsAfter:     session.RunsAfter,
	})
	if err != nil {
		return nil, err
	}

	s.engine.SetSyncFiles(session.SyncFiles)

	summary, err := s.engine.Sync(ctx, scope, Options{
		Root:    MirrorRoot(s.store.Root(), session.VaultNum),
		Prune:   opts.Prune,
		Confirm: opts.Confirm,
		DryRun:  opts.DryRun,
	})
	if err != nil {
		return summary, err
	}

	if !opts.DryRun {
		saved := session.Clone()
		saved.Root = s.store.Root()
		saved.UpdatedAt = time.Now().UTC()
		if err := s.state.SaveSession(saved); err != nil {
			s.logger.WithError(err).Warn("Failed to save session")
		}
	}

	return summary, nil
}

// LastSession returns the saved session for vaultNum, or the most recent
// session of any vault when vaultNum is empty.
func (s *Service) LastSession(vaultNum string) (*models.Session, error) {
	if vaultNum == "" {
		return s.state.Latest()
	}
	return s.state.LoadSession(vaultNum)
}

// ResetSession forgets the saved session of a vault.
func (s *Service) ResetSession(vaultNum string) error {
	return s.state.ResetSession(vaultNum)
}

// Ledger returns the run outcomes of a sync session.
func (s *Service) Ledger(sessionID string) ([]models.LedgerEntry, error) {
	return s.state.Ledger(sessionID)
}

// GetProgress returns sync progress.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Cancel stops an ongoing sync.
func (s *Service) Cancel() {
	s.engine.Cancel()
}
