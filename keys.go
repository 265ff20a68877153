package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/n0madic/go-studioproxy/internal/auth"
	"github.com/n0madic/go-studioproxy/internal/config"
)

var keysFile string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
	Long: `Manage the API keys accepted by the proxy.

Keys are stored one per line in a plain text file. A running server
picks up changes to the file without restarting. When the file is empty
or missing, authentication is disabled.

Examples:
  go-studioproxy keys list
  go-studioproxy keys add sk-my-secret-key
  go-studioproxy keys remove sk-my-secret-key
  go-studioproxy keys test sk-my-secret-key`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured keys (masked)",
	Args:  cobra.NoArgs,
	RunE:  listKeys,
}

var keysAddCmd = &cobra.Command{
	Use:   "add <key>",
	Short: "Add a key",
	Args:  cobra.ExactArgs(1),
	RunE:  addKey,
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE:  removeKey,
}

var keysTestCmd = &cobra.Command{
	Use:   "test <key>",
	Short: "Check whether a key would be accepted",
	Args:  cobra.ExactArgs(1),
	RunE:  testKey,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysListCmd, keysAddCmd, keysRemoveCmd, keysTestCmd)
	keysCmd.PersistentFlags().StringVar(&keysFile, "keys-file", "", "key file path (default from config)")
}

func openKeyStore() (*auth.KeyStore, error) {
	path := keysFile
	if path == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.KeysFile
	}
	return auth.NewKeyStore(path)
}

func listKeys(cmd *cobra.Command, args []string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	keys := store.List()
	if len(keys) == 0 {
		fmt.Fprintf(out, "No keys configured in %s (authentication disabled)\n", store.Path())
		return nil
	}
	fmt.Fprintf(out, "%d key(s) in %s:\n", len(keys), store.Path())
	for i, k := range keys {
		fmt.Fprintf(out, "  %d. %s\n", i+1, auth.Mask(k))
	}
	return nil
}

func addKey(cmd *cobra.Command, args []string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}
	if err := store.Add(args[0]); err != nil {
		if errors.Is(err, auth.ErrKeyExists) {
			return fmt.Errorf("key %s is already configured", auth.Mask(args[0]))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added key %s to %s\n", auth.Mask(args[0]), store.Path())
	return nil
}

func removeKey(cmd *cobra.Command, args []string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}
	if err := store.Remove(args[0]); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return fmt.Errorf("key %s is not configured", auth.Mask(args[0]))
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed key %s from %s\n", auth.Mask(args[0]), store.Path())
	return nil
}

func testKey(cmd *cobra.Command, args []string) error {
	store, err := openKeyStore()
	if err != nil {
		return err
	}
	if !store.Enabled() {
		fmt.Fprintln(cmd.OutOrStdout(), "Authentication is disabled; every request is accepted")
		return nil
	}
	if !store.Validate(args[0]) {
		return fmt.Errorf("key %s is not valid", auth.Mask(args[0]))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key %s is valid\n", auth.Mask(args[0]))
	return nil
}
