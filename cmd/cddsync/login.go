package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/cddsync/internal/client"
	"github.com/TheMichaelB/cddsync/internal/services/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login [vault]",
	Short: "Verify and save an API token for a vault",
	Long: `Login checks that the token can access the vault and saves it to the
credentials file, so later commands need neither --token nor a prompt.`,
	Example: `  cddsync login 4242
  cddsync login --vault 4242 --token "$CDD_TOKEN"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout [vault]",
	Short: "Forget the saved API token of a vault",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func vaultArg(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	return resolveVault()
}

func runLogin(cmd *cobra.Command, args []string) error {
	vaultNum, err := vaultArg(args)
	if err != nil {
		return err
	}

	token := tokenFlag
	if token == "" {
		token, err = promptToken(fmt.Sprintf("API token for vault %s: ", vaultNum))
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}

	cfg.API.VaultNum = vaultNum
	cfg.API.Token = token
	apiClient, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	defer apiClient.Close()

	vault, err := apiClient.Auth.Login(context.Background(), vaultNum, token)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("Login failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"vault":   vaultNum,
			"name":    vault.Name,
		})
	} else {
		printSuccess("Saved token for vault %s (%s)", vaultNum, vault.Name)
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	vaultNum, err := vaultArg(args)
	if err != nil {
		return err
	}

	service := auth.NewService(nil, nil, cfg.Storage.CredentialsFile, logger)
	if err := service.Logout(vaultNum); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "vault": vaultNum})
	} else {
		printSuccess("Removed saved token for vault %s", vaultNum)
	}
	return nil
}
