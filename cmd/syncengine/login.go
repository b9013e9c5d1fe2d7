// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
	"github.com/bureau-foundation/syncengine/lib/secret"
)

func loginCommand() *cli.Command {
	var (
		flags        commonFlags
		passwordFile string
	)
	return &cli.Command{
		Name:    "login",
		Summary: "Log in with a password and store the access token",
		Description: `Log in to the homeserver as account.user_id and write the access
token to account.token_file with owner-only permissions.

The password is read from --password-file, or prompted for on the
terminal. The device id the server assigned is printed; put it in
account.device_id (or SYNCENGINE_DEVICE_ID) so "syncengine run"
resumes the same device. When account.device_id is already set, the
login reuses that device.`,
		Usage: "syncengine login [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("login", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&passwordFile, "password-file", "", "read the password from this file instead of prompting (\"-\" prompts)")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Log in non-interactively",
				Command:     "syncengine login --config syncengine.yaml --password-file /run/secrets/matrix-password",
			},
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.Validation("unexpected argument %q", args[0])
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			account, err := parseIdentity(cfg)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger(flags.verbose).With("command", "login", "user_id", account.userID)

			password, err := cli.ReadPassword(passwordFile)
			if err != nil {
				return err
			}
			defer password.Close()

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			defer client.CloseIdleConnections()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
			defer cancel()
			session, err := client.Login(ctx, account.userID.String(), password, account.deviceID)
			if err != nil {
				return classifyRemote("login", err)
			}
			defer session.Close()

			if session.UserID() != account.userID {
				logger.Warn("server logged in a different user than configured", "server_user_id", session.UserID())
			}

			token := append(bytes.Clone(session.AccessToken().Bytes()), '\n')
			err = cli.WriteSecretFile(cfg.Account.TokenFile, token)
			secret.Zero(token)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "Logged in as %s.\n", session.UserID())
			fmt.Fprintf(os.Stdout, "Access token written to %s.\n", cfg.Account.TokenFile)
			fmt.Fprintf(os.Stdout, "Device id: %s\n", session.DeviceID())
			if account.deviceID.IsZero() {
				fmt.Fprintf(os.Stdout, "Set account.device_id: %s in the configuration.\n", session.DeviceID())
			}
			return nil
		},
	}
}
