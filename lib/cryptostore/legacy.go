// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"errors"
	"io/fs"

	"github.com/bureau-foundation/syncengine/lib/recordfile"
)

// Record kinds of the single-file layout written by older releases.
const (
	kindLegacyDevices       = "cryptostore.legacy.devices"
	kindLegacySessions      = "cryptostore.legacy.sessions"
	kindLegacyGroupSessions = "cryptostore.legacy.groupsessions"
)

// legacyDevicesRecord is the single-file device namespace: user id to
// device id to device.
type legacyDevicesRecord struct {
	Version int                              `cbor:"v"`
	Users   map[string]map[string]DeviceInfo `cbor:"users"`
}

// legacySessionsRecord is the single-file pairwise session namespace:
// device key to session id to pickle.
type legacySessionsRecord struct {
	Version  int                          `cbor:"v"`
	Sessions map[string]map[string][]byte `cbor:"sessions"`
}

// legacyGroupSessionEntry is one entry of legacyGroupSessionsRecord.
type legacyGroupSessionEntry struct {
	RoomID          string            `cbor:"room_id,omitempty"`
	KeysClaimed     map[string]string `cbor:"keys_claimed,omitempty"`
	ForwardingChain []string          `cbor:"forwarding_chain,omitempty"`
	Pickle          []byte            `cbor:"pickle"`
}

// legacyGroupSessionsRecord is the single-file group session namespace:
// sender key to session id to session.
type legacyGroupSessionsRecord struct {
	Version  int                                           `cbor:"v"`
	Sessions map[string]map[string]legacyGroupSessionEntry `cbor:"sessions"`
}

// migrateLegacy converts each legacy single-file namespace present in
// the account directory to one file per key and deletes it. A legacy
// file that cannot be decoded marks the store corrupted and is
// deleted. When writing the converted records fails, the legacy file
// is kept so the next Open retries.
func (s *Store) migrateLegacy() {
	s.migrate(legacyDevices, kindLegacyDevices, &legacyDevicesRecord{}, func(value any) error {
		return s.migrateLegacyDevices(value.(*legacyDevicesRecord))
	})
	s.migrate(legacySessions, kindLegacySessions, &legacySessionsRecord{}, func(value any) error {
		return s.migrateLegacySessions(value.(*legacySessionsRecord))
	})
	s.migrate(legacyGroupSessions, kindLegacyGroupSessions, &legacyGroupSessionsRecord{}, func(value any) error {
		return s.migrateLegacyGroupSessions(value.(*legacyGroupSessionsRecord))
	})
}

func (s *Store) migrate(name, kind string, value any, convert func(any) error) {
	path := s.path(name)
	if !recordfile.Exists(path) {
		return
	}
	if !s.readRecord(path, kind, value) {
		return
	}
	if err := convert(value); err != nil {
		s.logger.Error("migrating legacy crypto store file failed", "file", name, "error", err)
		return
	}
	if err := s.removeRecord(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("deleting migrated legacy file failed", "file", name, "error", err)
		return
	}
	s.logger.Info("migrated legacy crypto store file", "file", name)
}

func (s *Store) migrateLegacyDevices(legacy *legacyDevicesRecord) error {
	for userID, devices := range legacy.Users {
		path := s.path(devicesDir, EncodeFilename(userID))
		err := s.writeRecord("devices", path, kindDevices, devicesRecord{
			Version: recordVersion,
			Devices: devices,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrateLegacySessions(legacy *legacySessionsRecord) error {
	for deviceKey, byID := range legacy.Sessions {
		for sessionID, pickle := range byID {
			err := s.writeRecord("sessions", s.sessionPath(deviceKey, sessionID), kindSession, sessionRecord{
				Version:   recordVersion,
				DeviceKey: deviceKey,
				SessionID: sessionID,
				Pickle:    pickle,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) migrateLegacyGroupSessions(legacy *legacyGroupSessionsRecord) error {
	for senderKey, byID := range legacy.Sessions {
		for sessionID, session := range byID {
			record := groupSessionRecord{
				Version:         recordVersion,
				SenderKey:       senderKey,
				SessionID:       sessionID,
				KeysClaimed:     session.KeysClaimed,
				ForwardingChain: session.ForwardingChain,
				Pickle:          session.Pickle,
			}
			if err := record.RoomID.UnmarshalText([]byte(session.RoomID)); err != nil {
				s.logger.Warn("legacy group session has an invalid room id", "session_id", sessionID, "error", err)
			}
			err := s.writeRecord("groupsessions", s.groupSessionPath(senderKey, sessionID), kindGroupSession, record)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
