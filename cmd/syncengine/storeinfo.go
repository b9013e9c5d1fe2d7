// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
	"github.com/bureau-foundation/syncengine/lib/cryptostore"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
)

func storeInfoCommand() *cli.Command {
	var flags commonFlags
	return &cli.Command{
		Name:    "store-info",
		Summary: "Describe the local stores",
		Description: `Print the crypto store's metadata and record counts, and the room
store's stream token and room counts.

Exits with status 1 when a crypto store record failed to decode.`,
		Usage: "syncengine store-info [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("store-info", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
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
			logger := cli.NewCommandLogger(flags.verbose).With("command", "store-info", "user_id", account.userID)
			ctx := context.Background()

			key, err := loadStoreKey(cfg, false, logger)
			if err != nil {
				return err
			}
			if key != nil {
				defer key.Close()
			}

			// The store's own device id is trusted here: opening with
			// another one would reset the store being inspected.
			crypto, err := cryptostore.New(cryptostore.Config{
				BaseDirectory: cfg.Storage.StateDir,
				UserID:        account.userID,
				Factory:       cryptostore.PickledFactory{},
				Key:           key,
				Compression:   compression(cfg),
				Logger:        logger,
				Registerer:    prometheus.NewRegistry(),
			})
			if err != nil {
				return cli.Validation("%w", err)
			}
			if !crypto.HasData() {
				return cli.NotFound("no crypto store for %s under %s", account.userID, cfg.Storage.StateDir)
			}
			if err := crypto.Open(ctx); err != nil {
				return cli.Internal("opening crypto store: %w", err)
			}
			defer crypto.Close()

			var rooms *roomstore.Store
			if _, err := os.Stat(cfg.RoomDatabasePath()); err == nil {
				rooms, err = roomstore.Open(roomstore.Config{
					Path:     cfg.RoomDatabasePath(),
					PoolSize: 1,
					Logger:   logger,
				})
				if err != nil {
					return cli.Internal("opening room store: %w", err)
				}
				defer rooms.Close()
			}

			if err := printStoreInfo(ctx, os.Stdout, crypto, rooms); err != nil {
				return err
			}
			if crypto.IsCorrupted() {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func printStoreInfo(ctx context.Context, w io.Writer, crypto *cryptostore.Store, rooms *roomstore.Store) error {
	metadata := crypto.Metadata()
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Crypto store:\t%s\n", crypto.Directory())
	fmt.Fprintf(tw, "  Version:\t%d\n", metadata.Version)
	fmt.Fprintf(tw, "  User:\t%s\n", metadata.UserID)
	fmt.Fprintf(tw, "  Device:\t%s\n", metadata.DeviceID)
	fmt.Fprintf(tw, "  Account:\t%s\n", present(crypto.Account() != nil))
	fmt.Fprintf(tw, "  Device announced:\t%t\n", metadata.DeviceAnnounced)
	fmt.Fprintf(tw, "  Blacklist unverified:\t%t\n", metadata.GlobalBlacklistUnverified)
	fmt.Fprintf(tw, "  Blacklisted rooms:\t%d\n", len(metadata.BlacklistUnverifiedRooms))
	fmt.Fprintf(tw, "  Tracked users:\t%d\n", len(crypto.DeviceTrackingStatuses()))
	fmt.Fprintf(tw, "  Sessions:\t%d\n", crypto.SessionCount())
	fmt.Fprintf(tw, "  Group sessions:\t%d\n", len(crypto.GroupSessions()))
	fmt.Fprintf(tw, "  Corrupted:\t%t\n", crypto.IsCorrupted())

	if rooms == nil {
		fmt.Fprintf(tw, "Room store:\tnone\n")
		return tw.Flush()
	}
	token, err := rooms.StreamToken(ctx)
	if err != nil {
		return cli.Internal("reading stream token: %w", err)
	}
	live, err := rooms.RoomIDs(ctx, roomstore.Live)
	if err != nil {
		return cli.Internal("listing rooms: %w", err)
	}
	departed, err := rooms.RoomIDs(ctx, roomstore.Departed)
	if err != nil {
		return cli.Internal("listing departed rooms: %w", err)
	}
	fmt.Fprintf(tw, "Room store:\t\n")
	fmt.Fprintf(tw, "  Stream token:\t%s\n", valueOrNone(token))
	fmt.Fprintf(tw, "  Rooms:\t%d\n", len(live))
	fmt.Fprintf(tw, "  Departed rooms:\t%d\n", len(departed))
	return tw.Flush()
}

func present(ok bool) string {
	if ok {
		return "present"
	}
	return "none"
}

func valueOrNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}
