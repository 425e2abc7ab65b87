package commands

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/avi-rzv/metatron/pkg/metatron/config"
)

// newConfigCmd groups configuration subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and credentials",
	}
	cmd.AddCommand(newSetKeyCmd(), newDeleteKeyCmd())
	return cmd
}

// newSetKeyCmd stores the LLM API key in the OS keyring.
func newSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the LLM API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Print("API key: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			key := string(raw)
			if key == "" {
				return fmt.Errorf("empty key")
			}

			logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
			return config.MigrateKeyToKeyring(key, logger)
		},
	}
}

// newDeleteKeyCmd removes the stored API key from the OS keyring.
func newDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the stored API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteKeyring("api_key"); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			fmt.Println("API key removed from keyring.")
			return nil
		},
	}
}
