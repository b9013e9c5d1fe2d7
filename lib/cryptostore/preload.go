// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bureau-foundation/syncengine/lib/recordfile"
	"github.com/bureau-foundation/syncengine/lib/ref"
)

// preload fills the in-memory indices from disk after the metadata
// has been accepted. Devices are left to load lazily per user.
// Requires stateMu held exclusively.
func (s *Store) preload() {
	s.metaMu.Lock()
	s.account = s.loadAccount()
	s.algorithms = s.loadAlgorithms()
	s.tracking = s.loadTracking()
	hasAccount := s.account != nil
	s.metaMu.Unlock()

	s.devicesMu.Lock()
	s.devices = make(map[ref.UserID]map[ref.DeviceID]DeviceInfo)
	s.devicesMu.Unlock()

	s.migrateLegacy()

	s.sessionsMu.Lock()
	s.sessions = s.loadSessions()
	s.sessionsMu.Unlock()

	s.groupMu.Lock()
	s.groupSessions = s.loadGroupSessions()
	s.groupMu.Unlock()

	if !hasAccount && len(recordNames(s.path(devicesDir))) > 0 {
		s.corrupted.Store(true)
		s.metrics.corruption()
		s.logger.Error("crypto store has device records but no account")
	}
}

func (s *Store) loadAccount() Handle {
	var record accountRecord
	path := s.path(accountFile)
	if !s.readRecord(path, kindAccount, &record) {
		return nil
	}
	if record.Version != recordVersion {
		s.markCorrupted(path, errUnknownRecordVersion(record.Version))
		return nil
	}
	account, err := s.factory.UnpickleAccount(record.Pickle)
	if err != nil {
		s.markCorrupted(path, err)
		return nil
	}
	return account
}

func (s *Store) loadAlgorithms() map[ref.RoomID]string {
	var record algorithmsRecord
	path := s.path(algorithmsFile)
	if !s.readRecord(path, kindAlgorithms, &record) {
		return make(map[ref.RoomID]string)
	}
	if record.Version != recordVersion {
		s.markCorrupted(path, errUnknownRecordVersion(record.Version))
		return make(map[ref.RoomID]string)
	}
	algorithms, dropped := parseKeys(record.Algorithms, ref.ParseRoomID)
	if dropped > 0 {
		s.logger.Warn("dropped room algorithms with invalid room ids", "dropped", dropped)
	}
	return algorithms
}

func (s *Store) loadTracking() map[ref.UserID]TrackingStatus {
	var record trackingRecord
	path := s.path(trackingFile)
	if !s.readRecord(path, kindTracking, &record) {
		return make(map[ref.UserID]TrackingStatus)
	}
	if record.Version != recordVersion {
		s.markCorrupted(path, errUnknownRecordVersion(record.Version))
		return make(map[ref.UserID]TrackingStatus)
	}
	statuses, dropped := parseKeys(record.Statuses, ref.ParseUserID)
	if dropped > 0 {
		s.logger.Warn("dropped tracking statuses with invalid user ids", "dropped", dropped)
	}
	return statuses
}

func (s *Store) loadSessions() map[string]map[string]Handle {
	sessions := make(map[string]map[string]Handle)
	root := s.path(sessionsDir)
	for _, keyName := range recordNames(root) {
		deviceKey, err := DecodeFilename(keyName)
		if err != nil {
			s.logger.Warn("skipping session directory with undecodable name", "name", keyName)
			continue
		}
		for _, sessionName := range recordNames(filepath.Join(root, keyName)) {
			path := filepath.Join(root, keyName, sessionName)
			var record sessionRecord
			if !s.readRecord(path, kindSession, &record) {
				continue
			}
			if record.Version != recordVersion {
				s.markCorrupted(path, errUnknownRecordVersion(record.Version))
				continue
			}
			handle, err := s.factory.UnpickleSession(record.Pickle)
			if err != nil {
				s.markCorrupted(path, err)
				continue
			}
			byID := sessions[deviceKey]
			if byID == nil {
				byID = make(map[string]Handle)
				sessions[deviceKey] = byID
			}
			byID[record.SessionID] = handle
		}
	}
	return sessions
}

func (s *Store) loadGroupSessions() map[string]map[string]*GroupSession {
	sessions := make(map[string]map[string]*GroupSession)
	root := s.path(groupSessionsDir)
	for _, keyName := range recordNames(root) {
		if _, err := DecodeFilename(keyName); err != nil {
			s.logger.Warn("skipping group session directory with undecodable name", "name", keyName)
			continue
		}
		for _, sessionName := range recordNames(filepath.Join(root, keyName)) {
			path := filepath.Join(root, keyName, sessionName)
			var record groupSessionRecord
			if !s.readRecord(path, kindGroupSession, &record) {
				continue
			}
			if record.Version != recordVersion {
				s.markCorrupted(path, errUnknownRecordVersion(record.Version))
				continue
			}
			handle, err := s.factory.UnpickleGroupSession(record.Pickle)
			if err != nil {
				s.markCorrupted(path, err)
				continue
			}
			byID := sessions[record.SenderKey]
			if byID == nil {
				byID = make(map[string]*GroupSession)
				sessions[record.SenderKey] = byID
			}
			byID[record.SessionID] = &GroupSession{
				SenderKey:       record.SenderKey,
				RoomID:          record.RoomID,
				KeysClaimed:     record.KeysClaimed,
				ForwardingChain: record.ForwardingChain,
				Session:         handle,
			}
		}
	}
	return sessions
}

// recordNames lists the record names in directory: file and
// subdirectory names with any swap suffix removed, deduplicated and
// sorted. A missing directory yields nothing.
func recordNames(directory string) []string {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), recordfile.TempSuffix))
	}
	slices.Sort(names)
	return slices.Compact(names)
}
