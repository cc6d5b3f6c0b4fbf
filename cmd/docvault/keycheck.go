package main

import (
	"fmt"

	"docvault/internal/server/codec"
	"docvault/internal/server/config"

	"github.com/spf13/cobra"
)

func newKeycheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keycheck",
		Short: "Print the fingerprint of the derived document key",
		Long: `Derives the document key from ENCRYPTION_KEY and prints a short fingerprint,
so operators can confirm two deployments share a key without revealing it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := config.EncryptionKey()
			if err != nil {
				return err
			}
			key, err := codec.DeriveKey(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), codec.Fingerprint(key))
			return nil
		},
	}
}
