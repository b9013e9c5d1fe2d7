// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
)

func muteCommand() *cli.Command {
	var (
		flags  commonFlags
		unmute bool
	)
	return &cli.Command{
		Name:    "mute",
		Summary: "Mute or unmute a room",
		Description: `Replace the room's push rules on the homeserver. Muting adds a room
rule that suppresses notifications; mentions matched by override and
content rules still notify. Unmuting removes every rule specific to
the room.`,
		Usage: "syncengine mute <room-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mute", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&unmute, "unmute", false, "restore the room's default notifications")
			return flagSet
		},
		Examples: []cli.Example{
			{
				Description: "Silence a busy room",
				Command:     "syncengine mute '!lobby:example.org'",
			},
			{
				Description: "Undo it",
				Command:     "syncengine mute --unmute '!lobby:example.org'",
			},
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return cli.Validation("expected exactly one room id, got %d arguments", len(args))
			}
			roomID, err := ref.ParseRoomID(args[0])
			if err != nil {
				return cli.Validation("%w", err)
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			account, err := parseIdentity(cfg)
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger(flags.verbose).With("command", "mute", "room_id", roomID)

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			session, err := openSession(cfg, client, account)
			if err != nil {
				return err
			}
			defer session.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.RequestTimeout())
			defer cancel()

			engine := pushrule.NewEngine(pushrule.Config{
				Client:     session,
				UserID:     account.userID,
				Logger:     logger,
				Registerer: prometheus.NewRegistry(),
			})
			if err := engine.Load(ctx, nil); err != nil {
				return classifyRemote("loading push rules", err)
			}
			if err := engine.MuteRoom(ctx, roomID, !unmute); err != nil {
				return classifyRemote("updating push rules", err)
			}

			if unmute {
				fmt.Fprintf(os.Stdout, "Unmuted %s.\n", roomID)
			} else {
				fmt.Fprintf(os.Stdout, "Muted %s.\n", roomID)
			}
			return nil
		},
	}
}
