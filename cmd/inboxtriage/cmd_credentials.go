package main

import (
	"bufio"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/credential"
)

var credentialKeys = []string{credential.KeyIMAPPassword, credential.KeyLLMAPIKey}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage secrets in the system keyring",
	// Secrets are managed before a config file exists.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
}

var credentialsSetCmd = &cobra.Command{
	Use:       "set <key>",
	Short:     "Store a secret read from stdin",
	Args:      cobra.ExactArgs(1),
	ValidArgs: credentialKeys,
	RunE:      runCredentialsSet,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:       "delete <key>",
	Short:     "Remove a stored secret",
	Args:      cobra.ExactArgs(1),
	ValidArgs: credentialKeys,
	RunE:      runCredentialsDelete,
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)
}

func checkKey(key string) error {
	if !slices.Contains(credentialKeys, key) {
		return fmt.Errorf("unknown credential %q (want one of %s)", key, strings.Join(credentialKeys, ", "))
	}
	return nil
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := checkKey(key); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Enter %s: ", key)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	value := strings.TrimSpace(line)
	if value == "" {
		if err != nil {
			return fmt.Errorf("reading secret: %w", err)
		}
		return errors.New("empty secret")
	}

	if err := credential.New().Set(key, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s.\n", key)
	return nil
}

func runCredentialsDelete(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := checkKey(key); err != nil {
		return err
	}
	if err := credential.New().Delete(key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", key)
	return nil
}
