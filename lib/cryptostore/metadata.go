// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

type accountRecord struct {
	Version int    `cbor:"v"`
	Pickle  []byte `cbor:"pickle"`
}

// Maps in records are keyed by the identifier's string form.
type algorithmsRecord struct {
	Version    int               `cbor:"v"`
	Algorithms map[string]string `cbor:"algorithms"`
}

type trackingRecord struct {
	Version  int                       `cbor:"v"`
	Statuses map[string]TrackingStatus `cbor:"statuses"`
}

// stringKeys converts a map keyed by an identifier to one keyed by
// its string form.
func stringKeys[K interface {
	comparable
	String() string
}, V any](source map[K]V) map[string]V {
	converted := make(map[string]V, len(source))
	for key, value := range source {
		converted[key.String()] = value
	}
	return converted
}

// parseKeys reverses stringKeys, dropping keys that do not parse.
func parseKeys[K comparable, V any](source map[string]V, parse func(string) (K, error)) (map[K]V, int) {
	converted := make(map[K]V, len(source))
	dropped := 0
	for raw, value := range source {
		key, err := parse(raw)
		if err != nil {
			dropped++
			continue
		}
		converted[key] = value
	}
	return converted, dropped
}

// Metadata returns a copy of the store metadata.
func (s *Store) Metadata() Metadata {
	end, ok := s.beginRead("Metadata")
	if !ok {
		return Metadata{}
	}
	defer end()
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.metadata.clone()
}

// updateMetadata applies change to the metadata and persists it.
func (s *Store) updateMetadata(ctx context.Context, op string, change func(*Metadata)) error {
	end, err := s.beginWrite(ctx, op)
	if err != nil {
		return err
	}
	defer end()

	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	change(&s.metadata)
	snapshot := s.metadata.clone()
	return s.writeRecord("metadata", s.path(metadataFile), kindMetadata, snapshot)
}

// StoreDeviceID records the device id the account was registered with.
func (s *Store) StoreDeviceID(ctx context.Context, deviceID ref.DeviceID) error {
	return s.updateMetadata(ctx, "StoreDeviceID", func(metadata *Metadata) {
		metadata.DeviceID = deviceID
	})
}

// DeviceID returns the recorded device id.
func (s *Store) DeviceID() ref.DeviceID {
	return s.Metadata().DeviceID
}

// StoreDeviceAnnounced records that the device has been announced.
func (s *Store) StoreDeviceAnnounced(ctx context.Context) error {
	return s.updateMetadata(ctx, "StoreDeviceAnnounced", func(metadata *Metadata) {
		metadata.DeviceAnnounced = true
	})
}

// DeviceAnnounced reports whether the device has been announced.
func (s *Store) DeviceAnnounced() bool {
	return s.Metadata().DeviceAnnounced
}

// SetGlobalBlacklistUnverifiedDevices sets whether room keys are
// withheld from unverified devices in every room.
func (s *Store) SetGlobalBlacklistUnverifiedDevices(ctx context.Context, block bool) error {
	return s.updateMetadata(ctx, "SetGlobalBlacklistUnverifiedDevices", func(metadata *Metadata) {
		metadata.GlobalBlacklistUnverified = block
	})
}

// GlobalBlacklistUnverifiedDevices returns the global blacklist flag.
func (s *Store) GlobalBlacklistUnverifiedDevices() bool {
	return s.Metadata().GlobalBlacklistUnverified
}

// SetRoomsBlacklistUnverifiedDevices replaces the list of rooms where
// room keys are withheld from unverified devices.
func (s *Store) SetRoomsBlacklistUnverifiedDevices(ctx context.Context, roomIDs []ref.RoomID) error {
	return s.updateMetadata(ctx, "SetRoomsBlacklistUnverifiedDevices", func(metadata *Metadata) {
		metadata.BlacklistUnverifiedRooms = slices.Clone(roomIDs)
	})
}

// RoomsBlacklistUnverifiedDevices returns the per-room blacklist. It
// never returns nil on an open store.
func (s *Store) RoomsBlacklistUnverifiedDevices() []ref.RoomID {
	rooms := s.Metadata().BlacklistUnverifiedRooms
	if rooms == nil && s.IsReady() {
		return []ref.RoomID{}
	}
	return rooms
}

// StoreAccount pickles and persists the account. A different account
// handle replaces and releases the previous one.
func (s *Store) StoreAccount(ctx context.Context, account Handle) error {
	end, err := s.beginWrite(ctx, "StoreAccount")
	if err != nil {
		return err
	}
	defer end()

	if account == nil {
		return errors.New("cryptostore: account handle is required")
	}
	pickle, err := account.Pickle()
	if err != nil {
		return fmt.Errorf("cryptostore: pickling account: %w", err)
	}

	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if s.account != nil && s.account != account {
		s.account.Release()
	}
	s.account = account

	return s.writeRecord("account", s.path(accountFile), kindAccount, accountRecord{
		Version: recordVersion,
		Pickle:  pickle,
	})
}

// Account returns the account handle, or nil when none is stored.
// The handle stays owned by the store.
func (s *Store) Account() Handle {
	end, ok := s.beginRead("Account")
	if !ok {
		return nil
	}
	defer end()
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.account
}

// StoreRoomAlgorithm records the encryption algorithm of a room.
func (s *Store) StoreRoomAlgorithm(ctx context.Context, roomID ref.RoomID, algorithm string) error {
	end, err := s.beginWrite(ctx, "StoreRoomAlgorithm")
	if err != nil {
		return err
	}
	defer end()

	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.algorithms[roomID] = algorithm
	snapshot := stringKeys(s.algorithms)

	return s.writeRecord("algorithms", s.path(algorithmsFile), kindAlgorithms, algorithmsRecord{
		Version:    recordVersion,
		Algorithms: snapshot,
	})
}

// RoomAlgorithm returns a room's encryption algorithm, or "" when
// the room is not encrypted.
func (s *Store) RoomAlgorithm(roomID ref.RoomID) string {
	end, ok := s.beginRead("RoomAlgorithm")
	if !ok {
		return ""
	}
	defer end()
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.algorithms[roomID]
}

// DeviceTrackingStatus returns the tracking status of a user's device
// list, or defaultStatus when the user is not tracked.
func (s *Store) DeviceTrackingStatus(userID ref.UserID, defaultStatus TrackingStatus) TrackingStatus {
	end, ok := s.beginRead("DeviceTrackingStatus")
	if !ok {
		return defaultStatus
	}
	defer end()
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if status, found := s.tracking[userID]; found {
		return status
	}
	return defaultStatus
}

// DeviceTrackingStatuses returns a copy of every tracking status.
func (s *Store) DeviceTrackingStatuses() map[ref.UserID]TrackingStatus {
	end, ok := s.beginRead("DeviceTrackingStatuses")
	if !ok {
		return nil
	}
	defer end()
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return maps.Clone(s.tracking)
}

// SaveDeviceTrackingStatuses replaces every tracking status.
func (s *Store) SaveDeviceTrackingStatuses(ctx context.Context, statuses map[ref.UserID]TrackingStatus) error {
	end, err := s.beginWrite(ctx, "SaveDeviceTrackingStatuses")
	if err != nil {
		return err
	}
	defer end()

	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	s.tracking = maps.Clone(statuses)
	if s.tracking == nil {
		s.tracking = make(map[ref.UserID]TrackingStatus)
	}
	snapshot := stringKeys(s.tracking)

	return s.writeRecord("tracking", s.path(trackingFile), kindTracking, trackingRecord{
		Version:  recordVersion,
		Statuses: snapshot,
	})
}
