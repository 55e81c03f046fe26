package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Service resolves project and protocol names to vault ids. Listings are
// fetched once and cached until ClearCache.
type Service struct {
	api    transport.VaultAPI
	logger *events.Logger

	mu        sync.Mutex
	projects  []models.NamedEntity
	protocols []models.NamedEntity
}

// NewService creates a catalog service.
func NewService(api transport.VaultAPI, logger *events.Logger) *Service {
	return &Service{
		api:    api,
		logger: logger.WithField("service", "catalog"),
	}
}

// ListProjects returns the projects visible to the vault token.
func (s *Service) ListProjects(ctx context.Context) ([]models.NamedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.projects != nil {
		return cloneEntities(s.projects), nil
	}

	s.logger.Debug("Fetching project list")

	projects, err := s.api.ListProjects(ctx)
	if err != nil {
		return nil, &models.RemoteQueryError{Op: "list projects", Err: err}
	}

	s.projects = sortEntities(projects)
	s.logger.WithField("count", len(s.projects)).Info("Fetched projects")
	return cloneEntities(s.projects), nil
}

// ListProtocols returns every protocol in the vault.
func (s *Service) ListProtocols(ctx context.Context) ([]models.NamedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.protocols != nil {
		return cloneEntities(s.protocols), nil
	}

	s.logger.Debug("Fetching protocol list")

	protocols, err := s.api.ListProtocols(ctx, nil)
	if err != nil {
		return nil, &models.RemoteQueryError{Op: "list protocols", Err: err}
	}

	entities := make([]models.NamedEntity, 0, len(protocols))
	for _, p := range protocols {
		entities = append(entities, models.NamedEntity{ID: p.ID, Name: p.Name})
	}

	s.protocols = sortEntities(entities)
	s.logger.WithField("count", len(s.protocols)).Info("Fetched protocols")
	return cloneEntities(s.protocols), nil
}

// Select picks entities by name or by id. Giving both is an error; giving
// neither selects everything. Unknown names and ids select nothing and are
// logged.
func (s *Service) Select(kind string, entities []models.NamedEntity, names []string, ids []models.VaultID) (map[models.VaultID]string, error) {
	if len(names) > 0 && len(ids) > 0 {
		return nil, &models.AmbiguousSelectionError{Kind: kind, Names: names, IDs: ids}
	}

	selected := make(map[models.VaultID]string)

	switch {
	case len(names) > 0:
		byName := make(map[string][]models.NamedEntity)
		for _, e := range entities {
			byName[e.Name] = append(byName[e.Name], e)
		}
		for _, name := range names {
			matches, ok := byName[name]
			if !ok {
				s.logger.WithFields(map[string]interface{}{
					"kind": kind,
					"name": name,
				}).Warn("Unknown name in selection")
				continue
			}
			for _, e := range matches {
				selected[e.ID] = e.Name
			}
		}

	case len(ids) > 0:
		byID := make(map[models.VaultID]string, len(entities))
		for _, e := range entities {
			byID[e.ID] = e.Name
		}
		for _, id := range ids {
			name, ok := byID[id]
			if !ok {
				s.logger.WithFields(map[string]interface{}{
					"kind": kind,
					"id":   id,
				}).Warn("Unknown id in selection")
				continue
			}
			selected[id] = name
		}

	default:
		for _, e := range entities {
			selected[e.ID] = e.Name
		}
	}

	return selected, nil
}

// Selection is the raw user input a scope is resolved from.
type Selection struct {
	ProjectNames  []string
	ProjectIDs    []models.VaultID
	ProtocolNames []string
	ProtocolIDs   []models.VaultID
	RunsBefore    string
	RunsAfter     string
}

// Validate rejects selections that name both names and ids for one kind.
func (sel Selection) Validate() error {
	if len(sel.ProjectNames) > 0 && len(sel.ProjectIDs) > 0 {
		return &models.AmbiguousSelectionError{Kind: "project", Names: sel.ProjectNames, IDs: sel.ProjectIDs}
	}
	if len(sel.ProtocolNames) > 0 && len(sel.ProtocolIDs) > 0 {
		return &models.AmbiguousSelectionError{Kind: "protocol", Names: sel.ProtocolNames, IDs: sel.ProtocolIDs}
	}
	return nil
}

// ResolveScope turns a selection into a scope. Ambiguous selections fail
// before any remote call.
func (s *Service) ResolveScope(ctx context.Context, sel Selection) (models.ScopeSelection, error) {
	if err := sel.Validate(); err != nil {
		return models.ScopeSelection{}, err
	}

	projects, err := s.ListProjects(ctx)
	if err != nil {
		return models.ScopeSelection{}, err
	}
	protocols, err := s.ListProtocols(ctx)
	if err != nil {
		return models.ScopeSelection{}, err
	}

	selectedProjects, err := s.Select("project", projects, sel.ProjectNames, sel.ProjectIDs)
	if err != nil {
		return models.ScopeSelection{}, err
	}
	selectedProtocols, err := s.Select("protocol", protocols, sel.ProtocolNames, sel.ProtocolIDs)
	if err != nil {
		return models.ScopeSelection{}, err
	}

	scope, err := models.NewScopeSelection(selectedProjects, selectedProtocols, sel.RunsBefore, sel.RunsAfter)
	if err != nil {
		return models.ScopeSelection{}, err
	}

	s.logger.WithFields(map[string]interface{}{
		"projects":  len(selectedProjects),
		"protocols": len(selectedProtocols),
	}).Debug("Resolved scope")

	return scope, nil
}

// ClearCache drops cached listings.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = nil
	s.protocols = nil
}

func sortEntities(entities []models.NamedEntity) []models.NamedEntity {
	out := cloneEntities(entities)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

func cloneEntities(entities []models.NamedEntity) []models.NamedEntity {
	return append(make([]models.NamedEntity, 0, len(entities)), entities...)
}
