package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cddsync/internal/client"
	"github.com/TheMichaelB/cddsync/internal/config"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/state"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or reset saved sync sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [vault]",
	Short: "Show the saved session of a vault (default: most recent)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vaults with a saved session",
	Args:  cobra.NoArgs,
	RunE:  runSessionList,
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset <vault>",
	Short: "Forget the saved session of a vault",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionReset,
}

var sessionLedgerCmd = &cobra.Command{
	Use:   "ledger <session-id>",
	Short: "Show the run outcomes recorded for a sync session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionLedger,
}

var sessionMigrateCmd = &cobra.Command{
	Use:   "migrate <json|sqlite>",
	Short: "Copy saved sessions into another state backend",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionMigrate,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionListCmd, sessionResetCmd, sessionLedgerCmd, sessionMigrateCmd)
}

func openState() (state.Store, error) {
	return client.NewStateStore(cfg, logger)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, err := openState()
	if err != nil {
		return err
	}
	defer store.Close()

	var session *models.Session
	if len(args) == 1 {
		session, err = store.LoadSession(args[0])
	} else {
		session, err = store.Latest()
	}
	if errors.Is(err, state.ErrStateNotFound) {
		printInfo("No saved session")
		if jsonOutput {
			printJSON(map[string]interface{}{"session": nil})
		}
		return nil
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"session": session})
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Vault:\t%s\n", session.VaultNum)
	fmt.Fprintf(w, "Root:\t%s\n", session.Root)
	fmt.Fprintf(w, "Projects:\t%s\n", describeSelection(session.ProjectNames, session.ProjectIDs))
	fmt.Fprintf(w, "Protocols:\t%s\n", describeSelection(session.ProtocolNames, session.ProtocolIDs))
	fmt.Fprintf(w, "Runs after:\t%s\n", orAny(session.RunsAfter))
	fmt.Fprintf(w, "Runs before:\t%s\n", orAny(session.RunsBefore))
	fmt.Fprintf(w, "Files:\t%t\n", session.SyncFiles)
	fmt.Fprintf(w, "Updated:\t%s\n", session.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return w.Flush()
}

func runSessionList(cmd *cobra.Command, args []string) error {
	store, err := openState()
	if err != nil {
		return err
	}
	defer store.Close()

	vaults, err := store.ListSessions()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"vaults": vaults})
		return nil
	}
	if len(vaults) == 0 {
		printInfo("No saved sessions")
		return nil
	}
	for _, v := range vaults {
		printInfo("%s", v)
	}
	return nil
}

func runSessionReset(cmd *cobra.Command, args []string) error {
	store, err := openState()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ResetSession(args[0]); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "vault": args[0]})
	} else {
		printSuccess("Session for vault %s reset", args[0])
	}
	return nil
}

func runSessionLedger(cmd *cobra.Command, args []string) error {
	store, err := openState()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.Ledger(args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"session_id": args[0], "entries": entries})
		return nil
	}
	if len(entries) == 0 {
		printInfo("No ledger entries for session %s", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tRUN\tPATH\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Outcome, e.RunID, e.Path, e.Error)
	}
	return w.Flush()
}

func runSessionMigrate(cmd *cobra.Command, args []string) error {
	target := args[0]
	if target == cfg.State.Backend {
		return fmt.Errorf("%w: state backend is already %s", models.ErrInvalidConfig, target)
	}

	source, err := openState()
	if err != nil {
		return err
	}
	defer source.Close()

	targetCfg := *cfg
	targetCfg.State = config.StateConfig{Backend: target}
	dest, err := client.NewStateStore(&targetCfg, logger)
	if err != nil {
		return err
	}
	defer dest.Close()

	if err := source.Migrate(dest); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}

	printSuccess("Sessions copied from %s to %s; set state.backend to %s to use them", cfg.State.Backend, target, target)
	return nil
}

func describeSelection(names []string, ids []models.VaultID) string {
	switch {
	case len(names) > 0:
		return strings.Join(names, "; ")
	case len(ids) > 0:
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = "#" + id.String()
		}
		return strings.Join(parts, "; ")
	default:
		return "all"
	}
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
