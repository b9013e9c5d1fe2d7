// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/syncengine/lib/dispatch"
	"github.com/bureau-foundation/syncengine/lib/recordfile"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/secret"
)

// StoreVersion is the layout version recorded in Metadata. A store
// written with any other version is reset on Open.
const StoreVersion = 1

// recordVersion is the Version of every per-record CBOR struct.
const recordVersion = 1

var (
	// ErrNotReady is returned by writes before Open has succeeded.
	ErrNotReady = errors.New("cryptostore: store is not open")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("cryptostore: store is closed")
)

// File and directory names under the account directory.
const (
	metadataFile        = "metadata"
	accountFile         = "account"
	algorithmsFile      = "algorithms"
	trackingFile        = "tracking"
	devicesDir          = "devices.d"
	sessionsDir         = "sessions.d"
	groupSessionsDir    = "groupsessions.d"
	legacyDevices       = "devices"
	legacySessions      = "sessions"
	legacyGroupSessions = "groupsessions"
)

// Record kinds bound into each envelope, so a file copied to the
// wrong place fails to open instead of decoding as the wrong type.
const (
	kindMetadata     = "cryptostore.metadata"
	kindAccount      = "cryptostore.account"
	kindAlgorithms   = "cryptostore.algorithms"
	kindTracking     = "cryptostore.tracking"
	kindDevices      = "cryptostore.devices"
	kindSession      = "cryptostore.session"
	kindGroupSession = "cryptostore.groupsession"
)

// Config holds the parameters for creating a Store.
type Config struct {
	// BaseDirectory is the application state directory. The store
	// lives under BaseDirectory/crypto/<hex user id>.
	BaseDirectory string

	// UserID is the account the store belongs to. Required.
	UserID ref.UserID

	// DeviceID is the device the credentials were issued for. When
	// zero, the device id recorded in the store is trusted.
	DeviceID ref.DeviceID

	// Factory restores handles on Open. Required.
	Factory Factory

	// Key, when set, encrypts every record at rest. It must be
	// recordfile.KeySize bytes. The store does not close it.
	Key *secret.Buffer

	// Compression applies to every record.
	Compression recordfile.Compression

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Registerer receives the store's metrics. Nil means
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

type storeState int

const (
	stateCreated storeState = iota
	stateReady
	stateClosed
)

// Store is one account's crypto store. All methods are safe for
// concurrent use.
type Store struct {
	directory string
	userID    ref.UserID
	deviceID  ref.DeviceID
	factory   Factory
	codec     *recordfile.Codec
	logger    *slog.Logger
	metrics   *storeMetrics

	// stateMu guards state. Writers hold it shared for the whole
	// operation; Open, Reset and Close hold it exclusively.
	stateMu sync.RWMutex
	state   storeState

	corrupted atomic.Bool

	// fileMu serializes disk writes across namespaces.
	fileMu sync.Mutex

	metaMu     sync.RWMutex
	metadata   Metadata
	account    Handle
	algorithms map[ref.RoomID]string
	tracking   map[ref.UserID]TrackingStatus

	devicesMu sync.RWMutex
	devices   map[ref.UserID]map[ref.DeviceID]DeviceInfo

	sessionsMu sync.RWMutex
	sessions   map[string]map[string]Handle

	groupMu       sync.RWMutex
	groupSessions map[string]map[string]*GroupSession
}

// New creates a store for config. It does not touch the disk; call
// Open before use.
func New(config Config) (*Store, error) {
	if config.BaseDirectory == "" {
		return nil, errors.New("cryptostore: base directory is required")
	}
	if config.UserID.IsZero() {
		return nil, errors.New("cryptostore: user id is required")
	}
	if config.Factory == nil {
		return nil, errors.New("cryptostore: handle factory is required")
	}
	codec, err := recordfile.NewCodec(recordfile.Options{
		Compression: config.Compression,
		Key:         config.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		directory: AccountDirectory(config.BaseDirectory, config.UserID),
		userID:    config.UserID,
		deviceID:  config.DeviceID,
		factory:   config.Factory,
		codec:     codec,
		logger:    logger.With("user_id", config.UserID),
		metrics:   newStoreMetrics(config.Registerer),
	}, nil
}

// AccountDirectory returns the directory holding userID's store.
func AccountDirectory(baseDirectory string, userID ref.UserID) string {
	return filepath.Join(baseDirectory, "crypto", EncodeFilename(userID.String()))
}

// Directory returns the store's account directory.
func (s *Store) Directory() string {
	return s.directory
}

// HasData reports whether a store exists on disk for this account and
// is usable with the configured device: the recorded device id is
// empty or equal to the configured one.
func (s *Store) HasData() bool {
	if _, err := os.Stat(s.directory); err != nil {
		return false
	}
	var metadata Metadata
	if err := s.codec.ReadValue(s.path(metadataFile), kindMetadata, &metadata); err != nil {
		return true
	}
	return metadata.DeviceID.IsZero() || s.deviceID.IsZero() || metadata.DeviceID == s.deviceID
}

// IsReady reports whether Open has succeeded and Close has not been
// called.
func (s *Store) IsReady() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state == stateReady
}

// IsCorrupted reports whether a record failed to decode since the
// store was opened or last reset.
func (s *Store) IsCorrupted() bool {
	return s.corrupted.Load()
}

// Open loads the store, resetting it when the metadata is missing,
// has another version, or names another user or device. Calling Open
// on an open store logs an error and does nothing.
func (s *Store) Open(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch s.state {
	case stateReady:
		s.logger.Error("crypto store already open")
		return nil
	case stateClosed:
		return ErrClosed
	}

	metadata, found, err := s.loadMetadata()
	if err != nil {
		return err
	}
	resetReason := ""
	switch {
	case !found:
		resetReason = "no metadata"
	case metadata.Version != StoreVersion:
		resetReason = fmt.Sprintf("store version %d, want %d", metadata.Version, StoreVersion)
	case metadata.UserID != s.userID:
		resetReason = "store belongs to " + metadata.UserID.String()
	case !s.deviceID.IsZero() && metadata.DeviceID != s.deviceID:
		resetReason = "store belongs to device " + metadata.DeviceID.String()
	}

	if resetReason != "" {
		s.logger.Info("resetting crypto store", "reason", resetReason)
		if err := s.resetLocked(); err != nil {
			return err
		}
	} else {
		s.metaMu.Lock()
		s.metadata = metadata
		s.metaMu.Unlock()
		if err := s.ensureDirectories(); err != nil {
			return err
		}
		s.preload()
	}

	s.state = stateReady
	s.metaMu.RLock()
	deviceID := s.metadata.DeviceID
	s.metaMu.RUnlock()
	s.logger.Info("crypto store opened",
		"device_id", deviceID,
		"corrupted", s.corrupted.Load(),
	)
	return nil
}

// Reset releases every handle, deletes the store's files and starts
// over with fresh metadata. It clears the corrupted flag. Reset
// leaves an open store open, and opens a store that was not yet open.
func (s *Store) Reset(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == stateClosed {
		return ErrClosed
	}
	if err := s.resetLocked(); err != nil {
		return err
	}
	s.corrupted.Store(false)
	s.state = stateReady
	return nil
}

// resetLocked requires stateMu held exclusively.
func (s *Store) resetLocked() error {
	s.releaseAll()

	s.fileMu.Lock()
	err := os.RemoveAll(s.directory)
	s.fileMu.Unlock()
	if err != nil {
		return fmt.Errorf("cryptostore: removing %s: %w", s.directory, err)
	}
	if err := s.ensureDirectories(); err != nil {
		return err
	}

	s.metaMu.Lock()
	s.metadata = Metadata{Version: StoreVersion, UserID: s.userID, DeviceID: s.deviceID}
	s.algorithms = make(map[ref.RoomID]string)
	s.tracking = make(map[ref.UserID]TrackingStatus)
	metadata := s.metadata.clone()
	s.metaMu.Unlock()

	s.devicesMu.Lock()
	s.devices = make(map[ref.UserID]map[ref.DeviceID]DeviceInfo)
	s.devicesMu.Unlock()
	s.sessionsMu.Lock()
	s.sessions = make(map[string]map[string]Handle)
	s.sessionsMu.Unlock()
	s.groupMu.Lock()
	s.groupSessions = make(map[string]map[string]*GroupSession)
	s.groupMu.Unlock()

	return s.writeRecord("metadata", s.path(metadataFile), kindMetadata, metadata)
}

// Close releases every handle the store holds and empties the
// in-memory indices. Files are kept. Close is idempotent.
func (s *Store) Close() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	s.releaseAll()
	return nil
}

// releaseAll releases and forgets every held handle.
func (s *Store) releaseAll() {
	s.sessionsMu.Lock()
	for _, byID := range s.sessions {
		for _, handle := range byID {
			handle.Release()
		}
	}
	s.sessions = nil
	s.sessionsMu.Unlock()

	s.groupMu.Lock()
	for _, byID := range s.groupSessions {
		for _, session := range byID {
			if session.Session != nil {
				session.Session.Release()
			}
		}
	}
	s.groupSessions = nil
	s.groupMu.Unlock()

	s.metaMu.Lock()
	if s.account != nil {
		s.account.Release()
		s.account = nil
	}
	s.algorithms = nil
	s.tracking = nil
	s.metaMu.Unlock()

	s.devicesMu.Lock()
	s.devices = nil
	s.devicesMu.Unlock()
}

func (s *Store) ensureDirectories() error {
	for _, directory := range []string{
		s.directory,
		s.path(devicesDir),
		s.path(sessionsDir),
		s.path(groupSessionsDir),
	} {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("cryptostore: creating %s: %w", directory, err)
		}
	}
	return nil
}

func (s *Store) path(elements ...string) string {
	return filepath.Join(append([]string{s.directory}, elements...)...)
}

// beginWrite checks that the store accepts writes and returns the
// function that ends the write. The state lock is held shared until
// then, so Close and Reset wait for in-flight writes.
func (s *Store) beginWrite(ctx context.Context, op string) (func(), error) {
	if dispatch.OnDispatcher(ctx) {
		s.logger.Warn("crypto store write on the dispatch goroutine", "op", op)
	}
	s.stateMu.RLock()
	switch s.state {
	case stateReady:
		return s.stateMu.RUnlock, nil
	case stateClosed:
		s.stateMu.RUnlock()
		s.logger.Error("crypto store write after close", "op", op)
		return nil, ErrClosed
	default:
		s.stateMu.RUnlock()
		s.logger.Error("crypto store write before open", "op", op)
		return nil, ErrNotReady
	}
}

// beginRead reports whether reads can be served, logging when not.
// The caller must call the returned function when ok is true.
func (s *Store) beginRead(op string) (end func(), ok bool) {
	s.stateMu.RLock()
	if s.state == stateReady {
		return s.stateMu.RUnlock, true
	}
	state := s.state
	s.stateMu.RUnlock()
	if state == stateClosed {
		s.logger.Error("crypto store read after close", "op", op)
	} else {
		s.logger.Error("crypto store read before open", "op", op)
	}
	return nil, false
}

// writeRecord persists value at path through the rename swap.
func (s *Store) writeRecord(namespace, path, kind string, value any) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cryptostore: creating %s: %w", filepath.Dir(path), err)
	}
	if err := s.codec.WriteValue(path, kind, value); err != nil {
		return fmt.Errorf("cryptostore: writing %s: %w", namespace, err)
	}
	s.metrics.written(namespace)
	return nil
}

// removeRecord deletes a record and its swap file.
func (s *Store) removeRecord(path string) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return recordfile.Remove(path)
}

// readRecord loads the record at path into value. It reports false
// when the record is missing. A record that exists but cannot be
// decoded marks the store corrupted, is deleted, and reports false.
func (s *Store) readRecord(path, kind string, value any) bool {
	err := s.codec.ReadValue(path, kind, value)
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	s.markCorrupted(path, err)
	return false
}

// markCorrupted sets the sticky corrupted flag and deletes the
// offending record.
func (s *Store) markCorrupted(path string, cause error) {
	s.corrupted.Store(true)
	s.metrics.corruption()
	s.logger.Error("crypto store record is corrupted, deleting it", "path", path, "error", cause)
	if err := s.removeRecord(path); err != nil {
		s.logger.Error("deleting corrupted record failed", "path", path, "error", err)
	}
}

func errUnknownRecordVersion(version int) error {
	return fmt.Errorf("cryptostore: unknown record version %d", version)
}

// loadMetadata reads the metadata record. A record sealed with
// another key, or read without the key it was sealed with, is an
// error rather than corruption: resetting would destroy a store that
// is intact.
func (s *Store) loadMetadata() (Metadata, bool, error) {
	var metadata Metadata
	path := s.path(metadataFile)
	err := s.codec.ReadValue(path, kindMetadata, &metadata)
	switch {
	case err == nil:
		return metadata, true, nil
	case errors.Is(err, fs.ErrNotExist):
		return Metadata{}, false, nil
	case errors.Is(err, recordfile.ErrKeyRequired), errors.Is(err, recordfile.ErrKeyMismatch):
		return Metadata{}, false, fmt.Errorf("cryptostore: opening %s: %w", s.directory, err)
	default:
		s.markCorrupted(path, err)
		return Metadata{}, false, nil
	}
}
