package vaults

import (
	"context"
	"fmt"
	"sync"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Service lists the vaults a token can access.
type Service struct {
	api    transport.VaultLister
	logger *events.Logger

	mu     sync.Mutex
	vaults map[models.VaultID]models.NamedEntity
}

// NewService creates a vault service.
func NewService(api transport.VaultLister, logger *events.Logger) *Service {
	return &Service{
		api:    api,
		logger: logger.WithField("service", "vaults"),
	}
}

// ListVaults fetches the accessible vaults.
func (s *Service) ListVaults(ctx context.Context) ([]models.NamedEntity, error) {
	s.logger.Debug("Fetching vault list")

	list, err := s.api.ListVaults(ctx)
	if err != nil {
		return nil, &models.RemoteQueryError{Op: "list vaults", Err: err}
	}

	s.mu.Lock()
	s.vaults = make(map[models.VaultID]models.NamedEntity, len(list))
	for _, v := range list {
		s.vaults[v.ID] = v
	}
	s.mu.Unlock()

	s.logger.WithField("count", len(list)).Info("Fetched vaults")
	return list, nil
}

// GetVault returns one vault, listing vaults on a cache miss.
func (s *Service) GetVault(ctx context.Context, vaultNum string) (models.NamedEntity, error) {
	id := models.VaultID(vaultNum)

	s.mu.Lock()
	vault, ok := s.vaults[id]
	s.mu.Unlock()
	if ok {
		return vault, nil
	}

	if _, err := s.ListVaults(ctx); err != nil {
		return models.NamedEntity{}, fmt.Errorf("get vault: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if vault, ok := s.vaults[id]; ok {
		return vault, nil
	}
	return models.NamedEntity{}, fmt.Errorf("%w: vault %s is not accessible with this token", models.ErrNotAuthenticated, vaultNum)
}

// ClearCache drops the cached listing.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vaults = nil
}
