// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
	"github.com/bureau-foundation/syncengine/lib/cryptostore"
	"github.com/bureau-foundation/syncengine/lib/sealed"
)

func exportKeyCommand() *cli.Command {
	var (
		flags      commonFlags
		recipients []string
	)
	return &cli.Command{
		Name:    "export-key",
		Summary: "Back up the store encryption key, sealed to age recipients",
		Description: `Encrypt the key in storage.key_file to one or more age X25519
recipients and print the result as a single base64 line. Any of the
matching identities can recover the key.

Only meaningful with storage.encrypt_records enabled.`,
		Usage: "syncengine export-key --recipient <age1...> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export-key", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringSliceVarP(&recipients, "recipient", "r", nil, "age public key to seal to (repeatable)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Seal the key to two operators",
				Command:     "syncengine export-key -r age1alice... -r age1bob... > store-key.sealed",
			},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			if len(recipients) == 0 {
				return cli.Validation("at least one --recipient is required")
			}
			for _, recipient := range recipients {
				if err := sealed.ParsePublicKey(recipient); err != nil {
					return cli.Validation("--recipient %q: %w", recipient, err)
				}
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if !cfg.Storage.EncryptRecords {
				return cli.Validation("storage.encrypt_records is off: there is no store key to export")
			}
			logger := cli.NewCommandLogger(flags.verbose).With("command", "export-key")

			key, err := loadStoreKey(cfg, false, logger)
			if err != nil {
				return err
			}
			defer key.Close()

			ciphertext, err := cryptostore.SealStoreKey(key, recipients)
			if err != nil {
				return cli.Internal("%w", err)
			}
			fmt.Fprintln(os.Stdout, ciphertext)
			return nil
		},
	}
}
