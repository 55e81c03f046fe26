package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/TheMichaelB/cddsync/internal/client"
	"github.com/TheMichaelB/cddsync/internal/models"
	syncsvc "github.com/TheMichaelB/cddsync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize vault runs to the local filesystem",
	Long: `Sync mirrors the runs of the selected projects and protocols into
<root>/Vault_<vault>/<project>_<id>/<protocol>_<id>/<date>_<run id>.

Only runs whose modification time changed since the last sync are
downloaded. Flags that are not given default to the last session of the
vault, which is saved after every successful sync.

Name and id lists are separated by ';' or ','. Names match exactly.`,
	Example: `  cddsync sync --vault 4242 --root ~/cdd --protocol-names "IC50;Solubility"
  cddsync sync --runs-after 2024-01-01 --prune
  cddsync sync --dry-run`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncRoot          string
	syncProjectNames  string
	syncProjectIDs    string
	syncProtocolNames string
	syncProtocolIDs   string
	syncRunsBefore    string
	syncRunsAfter     string
	syncFiles         bool
	syncPrune         bool
	syncYes           bool
	syncDryRun        bool
)

func init() {
	rootCmd.AddCommand(syncCmd)

	f := syncCmd.Flags()
	f.StringVarP(&syncRoot, "root", "r", "",
		"Directory the vault mirror is written under")
	f.StringVar(&syncProjectNames, "project-names", "",
		"Project names to sync")
	f.StringVar(&syncProjectIDs, "project-ids", "",
		"Project ids to sync")
	f.StringVar(&syncProtocolNames, "protocol-names", "",
		"Protocol names to sync")
	f.StringVar(&syncProtocolIDs, "protocol-ids", "",
		"Protocol ids to sync")
	f.StringVar(&syncRunsBefore, "runs-before", "",
		"Only runs on or before this date (YYYY-MM-DD)")
	f.StringVar(&syncRunsAfter, "runs-after", "",
		"Only runs on or after this date (YYYY-MM-DD)")
	f.BoolVar(&syncFiles, "files", true,
		"Download source and attached files (runs already current are not refetched when this is turned on later)")
	f.BoolVar(&syncPrune, "prune", false,
		"Delete local runs that are no longer in scope")
	f.BoolVarP(&syncYes, "yes", "y", false,
		"Delete without asking")
	f.BoolVar(&syncDryRun, "dry-run", false,
		"Show what would be synced without downloading or deleting")
}

func runSync(cmd *cobra.Command, args []string) error {
	vaultNum, err := resolveVault()
	if err != nil {
		return err
	}

	session, err := buildSession(cmd, vaultNum)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(session.Root, 0755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}

	apiClient, err := openClient(vaultNum)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	if err := apiClient.SetStorageBase(session.Root); err != nil {
		return fmt.Errorf("set storage base: %w", err)
	}
	session.Root = apiClient.StorageRoot()

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			printWarning("\nSync interrupted, cancelling...")
			cancel()
		case <-ctx.Done():
		}
	}()

	opts := syncsvc.SyncOptions{
		Prune:   syncPrune,
		DryRun:  syncDryRun,
		Confirm: confirmer(),
	}
	if !cmd.Flags().Changed("prune") {
		opts.Prune = cfg.Sync.Prune
	}

	if jsonOutput {
		return runSyncJSON(ctx, apiClient, session, opts)
	}
	return runSyncInteractive(ctx, apiClient, session, opts)
}

// buildSession starts from the vault's last session and applies the flags
// that were given.
func buildSession(cmd *cobra.Command, vaultNum string) (*models.Session, error) {
	store, err := client.NewStateStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	session, err := store.LoadSession(vaultNum)
	if err != nil {
		session = models.NewSession(vaultNum)
		session.SyncFiles = cfg.Sync.SyncFiles
		session.Root = cfg.Storage.Root
	} else {
		logger.WithField("vault", vaultNum).Debug("Using last session as defaults")
	}

	flags := cmd.Flags()
	if flags.Changed("project-names") || flags.Changed("project-ids") {
		session.ProjectNames = splitList(syncProjectNames)
		session.ProjectIDs = models.ParseVaultIDs(splitList(syncProjectIDs))
	}
	if flags.Changed("protocol-names") || flags.Changed("protocol-ids") {
		session.ProtocolNames = splitList(syncProtocolNames)
		session.ProtocolIDs = models.ParseVaultIDs(splitList(syncProtocolIDs))
	}
	if flags.Changed("runs-before") {
		session.RunsBefore = syncRunsBefore
	}
	if flags.Changed("runs-after") {
		session.RunsAfter = syncRunsAfter
	}
	if flags.Changed("files") {
		session.SyncFiles = syncFiles
	}
	if flags.Changed("root") {
		session.Root = syncRoot
	}

	if session.Root == "" {
		session.Root = "."
	}
	root, err := filepath.Abs(session.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	session.Root = root

	return session, session.Validate()
}

// splitList splits a ';' or ',' separated list, dropping empty items.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func confirmer() syncsvc.Confirmer {
	switch {
	case syncYes:
		return syncsvc.AlwaysConfirm
	case jsonOutput || !stdinIsTerminal():
		return syncsvc.ConfirmFunc(func(ctx context.Context, candidates []string) (bool, error) {
			printWarning("Keeping %d out-of-scope runs; pass --yes to delete them", len(candidates))
			return false, nil
		})
	default:
		return newTerminalConfirmer()
	}
}

func runSyncInteractive(ctx context.Context, apiClient *client.Client, session *models.Session, opts syncsvc.SyncOptions) error {
	printInfo("Syncing vault %s into %s", session.VaultNum, syncsvc.MirrorRoot(session.Root, session.VaultNum))

	eventCh := apiClient.Sync.Events()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range eventCh {
			switch event.Type {
			case syncsvc.EventRunFetched:
				printInfo("  fetched  %s", event.Path)
			case syncsvc.EventRunSkipped:
				logger.WithField("path", event.Path).Debug("Run is current")
			case syncsvc.EventRunFailed:
				printWarning("  failed   %s: %v", runLabel(event), event.Error)
			case syncsvc.EventRunDeleted:
				printInfo("  deleted  %s", event.Path)
			case syncsvc.EventFailed:
				if event.Error != nil {
					printError("Sync failed: %v", event.Error)
				}
			}
		}
	}()

	summary, err := apiClient.Sync.SyncSession(ctx, session, opts)
	if summary != nil {
		<-done
		printSummary(summary, opts.DryRun)
	}
	if err != nil {
		return err
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d runs failed", summary.Failed)
	}
	if len(summary.Errors) > 0 {
		return errors.Join(summary.Errors...)
	}

	if opts.DryRun {
		printSuccess("\nDry run complete, nothing was changed")
	} else {
		printSuccess("\nSync completed successfully")
	}
	return nil
}

// Process exit statuses. A session that could not start or was refused
// exits with exitFatal. One that ran with failed runs exits with exitPartial.
const (
	exitPartial = 1
	exitFatal   = 2
)

func exitCode(err error) int {
	if models.IsFatal(err) {
		return exitFatal
	}
	return exitPartial
}

func runLabel(event syncsvc.Event) string {
	if event.Path != "" {
		return event.Path
	}
	return "run " + event.RunID.String()
}

func printSummary(s *syncsvc.Summary, dryRun bool) {
	p := message.NewPrinter(language.English)

	fmt.Println()
	fmt.Println("Sync summary:")
	p.Printf("   Runs located:   %d\n", s.Located)
	p.Printf("   Runs in scope:  %d\n", s.InScope)
	if dryRun {
		p.Printf("   Would fetch:    %d\n", s.Pending)
		p.Printf("   Up to date:     %d\n", s.Skipped)
		p.Printf("   Would delete:   %d\n", len(s.Orphans))
		for _, path := range s.Orphans {
			fmt.Printf("     %s\n", path)
		}
	} else {
		p.Printf("   Fetched:        %d\n", s.Fetched)
		p.Printf("   Up to date:     %d\n", s.Skipped)
		p.Printf("   Deleted:        %d\n", len(s.Deleted))
		fmt.Printf("   Downloaded:     %s\n", formatBytes(s.Bytes))
	}
	if s.Failed > 0 {
		p.Printf("   Failed:         %d\n", s.Failed)
	}
	fmt.Printf("   Duration:       %s\n", s.Duration.Round(time.Millisecond))
	fmt.Printf("   Session:        %s\n", s.SessionID)
}

func runSyncJSON(ctx context.Context, apiClient *client.Client, session *models.Session, opts syncsvc.SyncOptions) error {
	// Collect all events
	var collected []map[string]interface{}
	eventCh := apiClient.Sync.Events()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for event := range eventCh {
			eventData := map[string]interface{}{
				"type":      event.Type,
				"timestamp": event.Timestamp,
			}
			if event.RunID != "" {
				eventData["run_id"] = event.RunID
			}
			if event.Path != "" {
				eventData["path"] = event.Path
			}
			if event.Error != nil {
				eventData["error"] = event.Error.Error()
			}
			collected = append(collected, eventData)
		}
	}()

	summary, err := apiClient.Sync.SyncSession(ctx, session, opts)
	if summary != nil {
		<-done
	}

	result := map[string]interface{}{
		"success": err == nil && summary != nil && summary.Failed == 0,
		"vault":   session.VaultNum,
		"root":    syncsvc.MirrorRoot(session.Root, session.VaultNum),
		"dry_run": opts.DryRun,
		"events":  collected,
	}
	if summary != nil {
		errs := make([]string, 0, len(summary.Errors))
		for _, e := range summary.Errors {
			errs = append(errs, e.Error())
		}
		result["summary"] = map[string]interface{}{
			"session_id": summary.SessionID,
			"located":    summary.Located,
			"in_scope":   summary.InScope,
			"fetched":    summary.Fetched,
			"skipped":    summary.Skipped,
			"pending":    summary.Pending,
			"failed":     summary.Failed,
			"deleted":    summary.Deleted,
			"orphans":    summary.Orphans,
			"bytes":      summary.Bytes,
			"duration":   summary.Duration.String(),
			"errors":     errs,
			"cancelled":  summary.Cancelled,
		}
	}
	if err != nil {
		result["error"] = err.Error()
	}

	printJSON(result)

	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d runs failed", summary.Failed)
	}
	return nil
}
