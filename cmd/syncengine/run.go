// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muesli/termenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
	"github.com/bureau-foundation/syncengine/lib/config"
	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
	"github.com/bureau-foundation/syncengine/syncer"
)

func runCommand() *cli.Command {
	var (
		flags   commonFlags
		noColor bool
	)
	return &cli.Command{
		Name:    "run",
		Summary: "Sync with the homeserver until interrupted",
		Description: `Open the room and crypto stores under storage.state_dir, then
long-poll /sync, applying every delta to the local replica. Events
that the account's push rules flag as notifications are printed to
stdout, one per line.

With metrics.listen set, Prometheus metrics are served on /metrics.
SIGINT or SIGTERM stops the engine after the delta being applied.`,
		Usage: "syncengine run [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&noColor, "no-color", false, "print notifications without color")
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
			logger := cli.NewCommandLogger(flags.verbose).With("command", "run", "user_id", cfg.Account.UserID)

			profile := termenv.Ascii
			if !noColor && term.IsTerminal(int(os.Stdout.Fd())) {
				profile = termenv.NewOutput(os.Stdout).EnvColorProfile()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg, logger, os.Stdout, profile)
		},
	}
}

// runEngine wires the stores, the rule engine, the processor and the
// poller, and polls until ctx is cancelled.
func runEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, profile termenv.Profile) error {
	account, err := parseIdentity(cfg)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return cli.Internal("%w", err)
	}
	filter, err := config.LoadFilter(cfg.Sync.FilterFile)
	if err != nil {
		return cli.Validation("%w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	session, err := openSession(cfg, client, account)
	if err != nil {
		return err
	}
	defer session.Close()

	rooms, err := roomstore.Open(roomstore.Config{
		Path:          cfg.RoomDatabasePath(),
		PoolSize:      cfg.Storage.PoolSize,
		TimelineLimit: cfg.Storage.TimelineLimit,
		Logger:        logger,
	})
	if err != nil {
		return cli.Internal("opening room store: %w", err)
	}
	defer rooms.Close()

	key, err := loadStoreKey(cfg, true, logger)
	if err != nil {
		return err
	}
	if key != nil {
		defer key.Close()
	}
	crypto, err := openCryptoStore(ctx, cfg, account, key, logger, registry)
	if err != nil {
		return err
	}
	defer crypto.Close()
	if crypto.DeviceID().IsZero() {
		if err := crypto.StoreDeviceID(ctx, account.deviceID); err != nil {
			return cli.Internal("recording device id: %w", err)
		}
	}
	logger.Info("crypto store open",
		"sessions", crypto.SessionCount(),
		"group_sessions", len(crypto.GroupSessions()),
		"corrupted", crypto.IsCorrupted(),
	)

	engine := pushrule.NewEngine(pushrule.Config{
		Client:      session,
		UserID:      account.userID,
		Environment: syncer.NewRoomEnvironment(rooms, account.userID, logger),
		Logger:      logger,
		Registerer:  registry,
	})

	processor, err := syncer.New(syncer.Config{
		Store:               rooms,
		UserID:              account.userID,
		Rules:               engine,
		Source:              session,
		RetainDepartedRooms: cfg.Sync.RetainDepartedRooms,
		Logger:              logger,
		Registerer:          registry,
	})
	if err != nil {
		return cli.Internal("%w", err)
	}
	defer processor.Close()
	processor.Subscribe(newBingPrinter(out, rooms, profile))
	processor.Subscribe(progressLogger{logger: logger})
	if err := processor.Open(ctx); err != nil {
		return cli.Internal("opening processor: %w", err)
	}

	// A failed load is retried by the engine on the next reconnect.
	if err := engine.Load(ctx, nil); err != nil {
		logger.Warn("push rules not loaded", "error", err)
	}

	poller, err := syncer.NewPoller(syncer.PollerConfig{
		Source:       session,
		Processor:    processor,
		Store:        rooms,
		Connectivity: engine,
		Filter:       filter,
		Timeout:      int(cfg.SyncTimeout().Milliseconds()),
		MaxBackoff:   cfg.MaxBackoff(),
		Logger:       logger,
	})
	if err != nil {
		return cli.Internal("%w", err)
	}

	if cfg.Metrics.Listen != "" {
		shutdown, err := serveMetrics(cfg.Metrics.Listen, registry, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	logger.Info("sync engine running", "homeserver", client.HomeserverURL(), "device_id", account.deviceID)
	err = poller.Run(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
		logger.Info("sync engine stopped")
		return nil
	case messaging.IsAuthError(err):
		return classifyRemote("sync", err)
	default:
		return cli.Internal("sync: %w", err)
	}
}

// serveMetrics serves registry on /metrics at address. The returned
// function stops the server.
func serveMetrics(address string, registry *prometheus.Registry, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, cli.Validation("metrics.listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", listener.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}
