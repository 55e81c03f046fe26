package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cddsync/internal/client"
	"github.com/TheMichaelB/cddsync/internal/config"
	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/auth"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool
	vaultFlag  string
	tokenFlag  string

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cddsync",
	Short: "Mirror CDD Vault runs onto the local filesystem",
	Long: `cddsync downloads protocol runs from a CDD Vault into a local directory
tree, one directory per run, fetching only runs that changed since the last
sync. Runs that leave the selected scope can be pruned.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default: ./cddsync.yaml, ~/.config/cddsync/cddsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&vaultFlag, "vault", "",
		"Vault number (default: config, then last session)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "",
		"API token (default: $CDDSYNC_TOKEN, then saved login, then prompt)")
}

func setup(cmd *cobra.Command, args []string) error {
	// config init must work without a valid config.
	if cmd.Name() == "help" || cmd.Name() == "init" {
		return nil
	}

	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		printError("Failed to load config: %v", err)
		return err
	}
	cfg = loaded

	if jsonOutput {
		cfg.Log.Color = false
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}
	if verbose {
		logger.SetLevel(events.DebugLevel)
	}
	events.SetDefault(logger)
	return nil
}

// resolveVault picks the vault number: flag, then config, then the most
// recent session.
func resolveVault() (string, error) {
	if vaultFlag != "" {
		return vaultFlag, nil
	}
	if cfg.API.VaultNum != "" {
		return cfg.API.VaultNum, nil
	}

	store, err := client.NewStateStore(cfg, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	if latest, err := store.Latest(); err == nil {
		return latest.VaultNum, nil
	}
	return "", fmt.Errorf("%w: no vault number given; use --vault or set api.vault_num", models.ErrInvalidConfig)
}

// openClient creates a client for vaultNum with a token from the flag, the
// config, the saved credentials or a terminal prompt.
func openClient(vaultNum string) (*client.Client, error) {
	cfg.API.VaultNum = vaultNum

	token := tokenFlag
	if token == "" {
		token = cfg.API.Token
	}
	if token == "" {
		saved, err := auth.SavedToken(cfg.Storage.CredentialsFile, vaultNum)
		if err != nil && !errors.Is(err, models.ErrNotAuthenticated) {
			logger.WithError(err).Warn("Failed to read saved credentials")
		}
		token = saved
	}
	if token == "" {
		var err error
		token, err = promptToken(fmt.Sprintf("API token for vault %s: ", vaultNum))
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
	}
	cfg.API.Token = strings.TrimSpace(token)

	return client.New(cfg, logger)
}

// Output helpers

func printSuccess(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	if jsonOutput {
		return
	}
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
