package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Vault API access
	API APIConfig `json:"api" mapstructure:"api"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Session state backend
	State StateConfig `json:"state" mapstructure:"state"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// APIConfig for vault communication.
type APIConfig struct {
	BaseURL      string        `json:"base_url" mapstructure:"base_url"`
	VaultNum     string        `json:"vault_num" mapstructure:"vault_num"`
	Token        string        `json:"-" mapstructure:"token"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
	UserAgent    string        `json:"user_agent" mapstructure:"user_agent"`
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"` // Async export polling
	PageSize     int           `json:"page_size" mapstructure:"page_size"`         // Protocol listing page size
}

// VaultURL returns the API root of the configured vault.
func (a APIConfig) VaultURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/vaults/" + a.VaultNum
}

// StorageConfig for local file paths.
type StorageConfig struct {
	DataDir         string `json:"data_dir" mapstructure:"data_dir"`                 // Base directory for tool data
	StateDir        string `json:"state_dir" mapstructure:"state_dir"`               // Session and ledger storage
	Root            string `json:"root" mapstructure:"root"`                         // Default mirror root
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file"` // Saved vault tokens
	MaxFileSize     int64  `json:"max_file_size" mapstructure:"max_file_size"`       // Max downloaded file size in bytes
}

// StateConfig selects the session store.
type StateConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // json, sqlite
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	SyncFiles      bool     `json:"sync_files" mapstructure:"sync_files"`           // Download source and attached files
	Prune          bool     `json:"prune" mapstructure:"prune"`                     // Remove orphaned run directories
	IgnorePatterns []string `json:"ignore_patterns" mapstructure:"ignore_patterns"` // Globs the reconciler never touches
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := filepath.Join("~", ".cddsync")

	return &Config{
		API: APIConfig{
			BaseURL:      "https://app.collaborativedrug.com/api/v1",
			Timeout:      60 * time.Second,
			MaxRetries:   3,
			UserAgent:    "cddsync/1.0",
			PollInterval: 5 * time.Second,
			PageSize:     1000,
		},
		Storage: StorageConfig{
			DataDir:         dataDir,
			StateDir:        filepath.Join(dataDir, "state"),
			CredentialsFile: filepath.Join(dataDir, "credentials.json"),
			MaxFileSize:     500 * 1024 * 1024, // 500MB
		},
		State: StateConfig{
			Backend: "json",
		},
		Sync: SyncConfig{
			SyncFiles:      true,
			IgnorePatterns: []string{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}

	if c.API.PollInterval <= 0 {
		return errors.New("api.poll_interval must be positive")
	}

	if c.API.PageSize < 2 {
		return errors.New("api.page_size must be at least 2")
	}

	if c.Storage.StateDir == "" {
		return errors.New("storage.state_dir is required")
	}

	if c.Storage.MaxFileSize <= 0 {
		return errors.New("storage.max_file_size must be positive")
	}

	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[c.State.Backend] {
		return fmt.Errorf("invalid state backend: %s", c.State.Backend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// StateDBPath is the SQLite database file used when state.backend is sqlite.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.Storage.StateDir, "state.db")
}
