package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "docvault",
		Short: "DocVault operator CLI",
		Long: `Operator tooling for a DocVault deployment: apply migrations, run an expiry
scan on demand, and recover encrypted blobs offline.

Configuration is read from the same environment variables and docvault.yaml
as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newDecryptCommand())
	rootCmd.AddCommand(newKeycheckCommand())

	return rootCmd
}
