package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CDDSYNC_LOG_LEVEL.
const EnvPrefix = "CDDSYNC"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		v:          viper.New(),
	}
}

// Load reads configuration from defaults, file and environment, in
// increasing order of precedence.
func (l *Loader) Load() (*Config, error) {
	v := l.v
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api.token", EnvPrefix+"_TOKEN", EnvPrefix+"_API_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind token env: %w", err)
	}

	if l.configPath != "" {
		path, err := homedir.Expand(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cddsync")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cddsync"))
			v.AddConfigPath(filepath.Join(home, ".cddsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ConfigFileUsed returns the file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Storage.DataDir, &c.Storage.StateDir, &c.Storage.Root, &c.Storage.CredentialsFile, &c.Log.File} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand path %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("api.base_url", cfg.API.BaseURL)
	v.SetDefault("api.vault_num", cfg.API.VaultNum)
	v.SetDefault("api.token", cfg.API.Token)
	v.SetDefault("api.timeout", cfg.API.Timeout)
	v.SetDefault("api.max_retries", cfg.API.MaxRetries)
	v.SetDefault("api.user_agent", cfg.API.UserAgent)
	v.SetDefault("api.poll_interval", cfg.API.PollInterval)
	v.SetDefault("api.page_size", cfg.API.PageSize)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.state_dir", cfg.Storage.StateDir)
	v.SetDefault("storage.root", cfg.Storage.Root)
	v.SetDefault("storage.credentials_file", cfg.Storage.CredentialsFile)
	v.SetDefault("storage.max_file_size", cfg.Storage.MaxFileSize)

	v.SetDefault("state.backend", cfg.State.Backend)

	v.SetDefault("sync.sync_files", cfg.Sync.SyncFiles)
	v.SetDefault("sync.prune", cfg.Sync.Prune)
	v.SetDefault("sync.ignore_patterns", cfg.Sync.IgnorePatterns)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.color", cfg.Log.Color)
}

// SaveExample writes an example config file. The format follows the file
// extension (yaml, json or toml).
func SaveExample(path string) error {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Never write a token placeholder to disk.
	v.Set("api.token", "")

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write example config: %w", err)
	}
	return nil
}
