package transport

import (
	"context"

	"github.com/TheMichaelB/cddsync/internal/models"
)

// VaultAPI is the subset of the vault service the sync engine talks to.
type VaultAPI interface {
	// ListProjects returns every project the token can see.
	ListProjects(ctx context.Context) ([]models.NamedEntity, error)

	// ListProtocols returns protocols with their nested runs. An empty id
	// list returns all protocols.
	ListProtocols(ctx context.Context, ids []models.VaultID) ([]models.Protocol, error)

	// ExportRunData returns the CSV readout export for one run.
	ExportRunData(ctx context.Context, protocolID, runID models.VaultID) ([]byte, error)

	// GetRun returns the raw run metadata document.
	GetRun(ctx context.Context, runID models.VaultID) ([]byte, error)

	// GetFile downloads a source or attached file.
	GetFile(ctx context.Context, fileID models.VaultID) (*models.VaultFile, error)

	// Close releases idle connections.
	Close() error
}

// VaultLister lists the vaults a token can access. It is served from the API
// root rather than from a single vault.
type VaultLister interface {
	ListVaults(ctx context.Context) ([]models.NamedEntity, error)
}

// Export states reported by /export_progress.
const (
	ExportNew      = "new"
	ExportStarted  = "started"
	ExportFinished = "finished"
)
