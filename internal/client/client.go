package client

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/TheMichaelB/cddsync/internal/config"
	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/services/auth"
	"github.com/TheMichaelB/cddsync/internal/services/catalog"
	syncsvc "github.com/TheMichaelB/cddsync/internal/services/sync"
	"github.com/TheMichaelB/cddsync/internal/services/vaults"
	"github.com/TheMichaelB/cddsync/internal/state"
	"github.com/TheMichaelB/cddsync/internal/storage"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Client provides the high-level API for cddsync operations on one vault.
type Client struct {
	// Vaults and Auth are nil when the API cannot list vaults.
	Vaults  *vaults.Service
	Auth    *auth.Service
	Catalog *catalog.Service
	Sync    *syncsvc.Service
	State   state.Store

	config  *config.Config
	logger  *events.Logger
	api     transport.VaultAPI
	http    *transport.HTTPClient
	storage *storage.LocalStore

	mu sync.Mutex
}

// New creates a client talking to the vault configured in cfg.
func New(cfg *config.Config, logger *events.Logger) (*Client, error) {
	httpClient := transport.NewHTTPClient(&cfg.API, logger)

	c, err := NewWithAPI(cfg, httpClient, logger)
	if err != nil {
		httpClient.Close()
		return nil, err
	}
	c.http = httpClient
	return c, nil
}

// NewWithAPI creates a client on top of an existing vault API.
func NewWithAPI(cfg *config.Config, api transport.VaultAPI, logger *events.Logger) (*Client, error) {
	stateStore, err := NewStateStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	root := cfg.Storage.Root
	if root == "" {
		root = "."
	}
	blobStore, err := newBlobStore(cfg, root, logger)
	if err != nil {
		stateStore.Close()
		return nil, err
	}

	c := &Client{
		Catalog: catalog.NewService(api, logger),
		State:   stateStore,
		config:  cfg,
		logger:  logger,
		api:     api,
		storage: blobStore,
	}

	if lister, ok := api.(transport.VaultLister); ok {
		c.Vaults = vaults.NewService(lister, logger)
		c.Auth = auth.NewService(c.Vaults, c, cfg.Storage.CredentialsFile, logger)
	}

	if err := c.buildSync(); err != nil {
		stateStore.Close()
		return nil, err
	}

	return c, nil
}

// NewStateStore opens the session store selected by state.backend.
func NewStateStore(cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch cfg.State.Backend {
	case "", "json":
		return state.NewJSONStore(cfg.Storage.StateDir, logger)
	case "sqlite":
		return state.NewSQLiteStore(cfg.StateDBPath(), logger)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.State.Backend)
	}
}

// SetStorageBase points the mirror at a new root directory.
func (c *Client) SetStorageBase(basePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if abs, err := filepath.Abs(basePath); err == nil && c.storage != nil && c.storage.Root() == abs {
		return nil
	}

	blobStore, err := newBlobStore(c.config, basePath, c.logger)
	if err != nil {
		return err
	}
	c.storage = blobStore
	return c.buildSync()
}

// StorageRoot returns the absolute mirror root.
func (c *Client) StorageRoot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storage.Root()
}

// SetToken replaces the API token.
func (c *Client) SetToken(token string) {
	if c.http != nil {
		c.http.SetToken(token)
	}
}

// HasToken reports whether an API token is configured.
func (c *Client) HasToken() bool {
	return c.http == nil || c.http.GetToken() != ""
}

// Close releases the transport and the state store.
func (c *Client) Close() error {
	apiErr := c.api.Close()
	if err := c.State.Close(); err != nil {
		return err
	}
	return apiErr
}

func (c *Client) buildSync() error {
	syncConfig := &syncsvc.SyncConfig{
		SyncFiles:      c.config.Sync.SyncFiles,
		IgnorePatterns: c.config.Sync.IgnorePatterns,
	}

	service, err := syncsvc.NewService(c.api, c.storage, c.State, c.Catalog, syncConfig, c.logger)
	if err != nil {
		return fmt.Errorf("create sync service: %w", err)
	}
	c.Sync = service
	return nil
}

func newBlobStore(cfg *config.Config, root string, logger *events.Logger) (*storage.LocalStore, error) {
	store, err := storage.NewOsStore(root, logger)
	if err != nil {
		return nil, fmt.Errorf("open root %s: %w", root, err)
	}
	if cfg.Storage.MaxFileSize > 0 {
		store.SetMaxFileSize(cfg.Storage.MaxFileSize)
	}
	return store, nil
}
