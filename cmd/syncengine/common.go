// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncengine/cmd/syncengine/cli"
	"github.com/bureau-foundation/syncengine/lib/config"
	"github.com/bureau-foundation/syncengine/lib/cryptostore"
	"github.com/bureau-foundation/syncengine/lib/netutil"
	"github.com/bureau-foundation/syncengine/lib/recordfile"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/secret"
	"github.com/bureau-foundation/syncengine/lib/version"
	"github.com/bureau-foundation/syncengine/messaging"
)

// commonFlags are the flags every subcommand that reads the
// configuration accepts.
type commonFlags struct {
	configPath string
	verbose    bool
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.configPath, "config", "c", "", "configuration file (default: $"+config.ConfigEnv+")")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
}

// load reads and validates the configuration.
func (f *commonFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cli.Validation("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// identity is the account and device named by the configuration.
type identity struct {
	userID   ref.UserID
	deviceID ref.DeviceID
}

func parseIdentity(cfg *config.Config) (identity, error) {
	userID, err := ref.ParseUserID(cfg.Account.UserID)
	if err != nil {
		return identity{}, cli.Validation("account.user_id: %w", err)
	}
	var deviceID ref.DeviceID
	if cfg.Account.DeviceID != "" {
		deviceID, err = ref.ParseDeviceID(cfg.Account.DeviceID)
		if err != nil {
			return identity{}, cli.Validation("account.device_id: %w", err)
		}
	}
	return identity{userID: userID, deviceID: deviceID}, nil
}

// userAgentTransport stamps every request with the engine's
// User-Agent.
type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	request = request.Clone(request.Context())
	request.Header.Set("User-Agent", version.UserAgent())
	return t.next.RoundTrip(request)
}

// newClient creates the homeserver client. The HTTP timeout covers
// the long-poll timeout plus the configured request timeout.
func newClient(cfg *config.Config, logger *slog.Logger) (*messaging.Client, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		HTTPClient: &http.Client{
			Timeout:   cfg.SyncTimeout() + cfg.RequestTimeout(),
			Transport: userAgentTransport{next: http.DefaultTransport},
		},
		Logger:            logger,
		DeviceDisplayName: cfg.Homeserver.DeviceDisplayName,
	})
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	return client, nil
}

// openSession resumes the session whose token "syncengine login"
// wrote.
func openSession(cfg *config.Config, client *messaging.Client, account identity) (*messaging.DirectSession, error) {
	if account.deviceID.IsZero() {
		return nil, cli.Validation("account.device_id is required (syncengine login prints it)")
	}
	token, err := secret.ReadFromPath(cfg.Account.TokenFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cli.NotFound("no access token at %s: run \"syncengine login\" first", cfg.Account.TokenFile)
		}
		return nil, cli.Internal("reading access token: %w", err)
	}
	defer token.Close()

	session, err := client.Session(messaging.Credentials{
		UserID:        account.userID,
		DeviceID:      account.deviceID,
		HomeserverURL: client.HomeserverURL(),
		AccessToken:   token,
	})
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	return session, nil
}

// classifyRemote maps a homeserver error to the CLI's categories.
func classifyRemote(op string, err error) error {
	switch {
	case messaging.IsAuthError(err):
		return cli.Validation("%s: access token rejected, run \"syncengine login\": %w", op, err)
	case netutil.IsTransient(err) || messaging.IsServerError(err):
		return cli.Transient("%s: %w", op, err)
	default:
		return cli.Internal("%s: %w", op, err)
	}
}

// loadStoreKey reads the hex-encoded record key named by
// storage.key_file. It returns nil when records are not encrypted.
// With create set, a missing key file is generated.
func loadStoreKey(cfg *config.Config, create bool, logger *slog.Logger) (*secret.Buffer, error) {
	if !cfg.Storage.EncryptRecords {
		return nil, nil
	}
	path := cfg.Storage.KeyFile
	encoded, err := secret.ReadFromPath(path)
	if errors.Is(err, fs.ErrNotExist) && create {
		return generateStoreKey(path, logger)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cli.NotFound("no store key at %s", path)
		}
		return nil, cli.Internal("reading store key: %w", err)
	}
	defer encoded.Close()

	if encoded.Len() != hex.EncodedLen(recordfile.KeySize) {
		return nil, cli.Validation("store key %s must be %d hex characters", path, hex.EncodedLen(recordfile.KeySize))
	}
	key, err := secret.New(recordfile.KeySize)
	if err != nil {
		return nil, cli.Internal("allocating store key: %w", err)
	}
	if _, err := hex.Decode(key.Bytes(), encoded.Bytes()); err != nil {
		key.Close()
		return nil, cli.Validation("store key %s is not hex: %w", path, err)
	}
	return key, nil
}

func generateStoreKey(path string, logger *slog.Logger) (*secret.Buffer, error) {
	key, err := cryptostore.GenerateStoreKey()
	if err != nil {
		return nil, cli.Internal("%w", err)
	}
	encoded := make([]byte, hex.EncodedLen(key.Len())+1)
	hex.Encode(encoded, key.Bytes())
	encoded[len(encoded)-1] = '\n'
	err = cli.WriteSecretFile(path, encoded)
	secret.Zero(encoded)
	if err != nil {
		key.Close()
		return nil, err
	}
	logger.Info("generated store key; back it up with \"syncengine export-key\"", "path", path)
	return key, nil
}

func compression(cfg *config.Config) recordfile.Compression {
	if cfg.Storage.Compression == "zstd" {
		return recordfile.CompressionZstd
	}
	return recordfile.CompressionNone
}

// openCryptoStore opens the account's crypto store. Handles are kept
// as opaque pickles.
func openCryptoStore(ctx context.Context, cfg *config.Config, account identity, key *secret.Buffer, logger *slog.Logger, reg prometheus.Registerer) (*cryptostore.Store, error) {
	store, err := cryptostore.New(cryptostore.Config{
		BaseDirectory: cfg.Storage.StateDir,
		UserID:        account.userID,
		DeviceID:      account.deviceID,
		Factory:       cryptostore.PickledFactory{},
		Key:           key,
		Compression:   compression(cfg),
		Logger:        logger,
		Registerer:    reg,
	})
	if err != nil {
		return nil, cli.Validation("%w", err)
	}
	if err := store.Open(ctx); err != nil {
		return nil, cli.Internal("opening crypto store: %w", err)
	}
	return store, nil
}
