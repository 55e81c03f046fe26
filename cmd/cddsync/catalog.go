package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cddsync/internal/client"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/auth"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List the projects visible to the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listEntities("projects", func(ctx context.Context, c *client.Client) ([]models.NamedEntity, error) {
			return c.Catalog.ListProjects(ctx)
		})
	},
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List the protocols of the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listEntities("protocols", func(ctx context.Context, c *client.Client) ([]models.NamedEntity, error) {
			return c.Catalog.ListProtocols(ctx)
		})
	},
}

var vaultsCmd = &cobra.Command{
	Use:   "vaults",
	Short: "List the vaults the token can access",
	Args:  cobra.NoArgs,
	RunE:  runVaults,
}

func init() {
	rootCmd.AddCommand(projectsCmd, protocolsCmd, vaultsCmd)
}

func runVaults(cmd *cobra.Command, args []string) error {
	// Any vault number works; the listing is served from the API root.
	vaultNum, _ := resolveVault()

	apiClient, err := openClient(vaultNum)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	list, err := apiClient.Vaults.ListVaults(context.Background())
	if err != nil {
		return err
	}

	saved, err := auth.SavedVaults(cfg.Storage.CredentialsFile)
	if err != nil {
		logger.WithError(err).Warn("Failed to read saved credentials")
	}
	loggedIn := make(map[string]bool, len(saved))
	for _, num := range saved {
		loggedIn[num] = true
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"vaults":  list,
			"saved":   saved,
		})
		return nil
	}

	if len(list) == 0 {
		printInfo("No vaults accessible with this token")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSAVED TOKEN")
	for _, v := range list {
		mark := ""
		if loggedIn[v.ID.String()] {
			mark = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", v.ID, v.Name, mark)
	}
	return w.Flush()
}

func listEntities(kind string, list func(context.Context, *client.Client) ([]models.NamedEntity, error)) error {
	vaultNum, err := resolveVault()
	if err != nil {
		return err
	}

	apiClient, err := openClient(vaultNum)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	entities, err := list(context.Background(), apiClient)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"vault":   vaultNum,
			kind:      entities,
		})
		return nil
	}

	if len(entities) == 0 {
		printInfo("No %s found in vault %s", kind, vaultNum)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME")
	for _, e := range entities {
		fmt.Fprintf(w, "%s\t%s\n", e.ID, e.Name)
	}
	return w.Flush()
}
