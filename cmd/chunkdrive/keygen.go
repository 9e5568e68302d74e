package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chunkdrive/chunkdrive/internal/config"
)

func newKeygenCmd() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a chunk encryption key",
		Long: `Generate a random 32-byte key for xchacha20poly1305 buckets.

Without --out the key is printed as hex, ready for the "key" field of a
bucket's encryption block. With --out it is written to a file readable only
by its owner, for use as "key_file".

Examples:
  chunkdrive keygen
  chunkdrive keygen --out ~/.chunkdrive/main.key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				key, err := config.GenerateKey()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			}
			if _, err := config.WriteKeyFile(out, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Key written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the key to this file instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key file")
	return cmd
}
