package main

import (
	"fmt"
	"io"
	"os"

	"docvault/internal/server/codec"
	"docvault/internal/server/config"

	"github.com/spf13/cobra"
)

func newDecryptCommand() *cobra.Command {
	var ivHex, in, out string

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a stored blob to a file",
		Long: `Decrypts one encrypted blob using ENCRYPTION_KEY and the document's hex IV.
Use "-" as --out to write to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecrypt(cmd, ivHex, in, out)
		},
	}

	cmd.Flags().StringVar(&ivHex, "iv", "", "hex-encoded IV from the document entry")
	cmd.Flags().StringVar(&in, "in", "", "path to the encrypted blob")
	cmd.Flags().StringVar(&out, "out", "", "path for the decrypted output")
	for _, name := range []string{"iv", "in", "out"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runDecrypt(cmd *cobra.Command, ivHex, in, out string) error {
	secret, err := config.EncryptionKey()
	if err != nil {
		return err
	}
	c, err := codec.NewFromSecret(secret)
	if err != nil {
		return err
	}
	iv, err := codec.ParseIV(ivHex)
	if err != nil {
		return err
	}

	src, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer src.Close()

	plain, err := c.Decrypt(src, iv)
	if err != nil {
		return err
	}

	if out == "-" {
		_, err := io.Copy(cmd.OutOrStdout(), plain)
		return err
	}

	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	n, err := io.Copy(dst, plain)
	if err != nil {
		dst.Close()
		os.Remove(out)
		return fmt.Errorf("failed to decrypt blob: %w", err)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, out)
	return nil
}
