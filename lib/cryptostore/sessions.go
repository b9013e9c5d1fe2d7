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

type sessionRecord struct {
	Version   int    `cbor:"v"`
	DeviceKey string `cbor:"device_key"`
	SessionID string `cbor:"session_id"`
	Pickle    []byte `cbor:"pickle"`
}

type groupSessionRecord struct {
	Version         int               `cbor:"v"`
	SenderKey       string            `cbor:"sender_key"`
	SessionID       string            `cbor:"session_id"`
	RoomID          ref.RoomID        `cbor:"room_id,omitempty"`
	KeysClaimed     map[string]string `cbor:"keys_claimed,omitempty"`
	ForwardingChain []string          `cbor:"forwarding_chain,omitempty"`
	Pickle          []byte            `cbor:"pickle"`
}

func (s *Store) sessionPath(deviceKey, sessionID string) string {
	return s.path(sessionsDir, EncodeFilename(deviceKey), EncodeFilename(sessionID))
}

func (s *Store) groupSessionPath(senderKey, sessionID string) string {
	return s.path(groupSessionsDir, EncodeFilename(senderKey), EncodeFilename(sessionID))
}

// StoreSession persists the pairwise session with the device whose
// identity key is deviceKey. When a different handle is already held
// for the same session id it is released first; storing the held
// handle again only rewrites the file.
func (s *Store) StoreSession(ctx context.Context, deviceKey string, session Handle) error {
	end, err := s.beginWrite(ctx, "StoreSession")
	if err != nil {
		return err
	}
	defer end()

	if deviceKey == "" || session == nil {
		return errors.New("cryptostore: session and device key are required")
	}
	sessionID := session.ID()
	if sessionID == "" {
		return errors.New("cryptostore: session has no identifier")
	}
	pickle, err := session.Pickle()
	if err != nil {
		return fmt.Errorf("cryptostore: pickling session %s: %w", sessionID, err)
	}

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.installSessionLocked(deviceKey, sessionID, session)

	return s.writeRecord("sessions", s.sessionPath(deviceKey, sessionID), kindSession, sessionRecord{
		Version:   recordVersion,
		DeviceKey: deviceKey,
		SessionID: sessionID,
		Pickle:    pickle,
	})
}

// installSessionLocked makes session the held handle for (deviceKey,
// sessionID), releasing a different previous handle. Requires
// sessionsMu held exclusively.
func (s *Store) installSessionLocked(deviceKey, sessionID string, session Handle) {
	byID := s.sessions[deviceKey]
	if byID == nil {
		byID = make(map[string]Handle)
		s.sessions[deviceKey] = byID
	}
	if previous, ok := byID[sessionID]; ok && previous != session {
		previous.Release()
	}
	byID[sessionID] = session
}

// DeviceSessions returns the pairwise sessions with a device, keyed
// by session id, or nil when there are none. The handles stay owned
// by the store.
func (s *Store) DeviceSessions(deviceKey string) map[string]Handle {
	end, ok := s.beginRead("DeviceSessions")
	if !ok {
		return nil
	}
	defer end()
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	byID := s.sessions[deviceKey]
	if len(byID) == 0 {
		return nil
	}
	return maps.Clone(byID)
}

// SessionCount returns the number of pairwise sessions held.
func (s *Store) SessionCount() int {
	end, ok := s.beginRead("SessionCount")
	if !ok {
		return 0
	}
	defer end()
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	count := 0
	for _, byID := range s.sessions {
		count += len(byID)
	}
	return count
}

// StoreGroupSession persists an inbound group session. Replacement
// follows the same rule as StoreSession, keyed by (sender key,
// session id).
func (s *Store) StoreGroupSession(ctx context.Context, session *GroupSession) error {
	end, err := s.beginWrite(ctx, "StoreGroupSession")
	if err != nil {
		return err
	}
	defer end()

	if session == nil || session.Session == nil || session.SenderKey == "" {
		return errors.New("cryptostore: group session needs a handle and a sender key")
	}
	sessionID := session.ID()
	if sessionID == "" {
		return errors.New("cryptostore: group session has no identifier")
	}
	pickle, err := session.Session.Pickle()
	if err != nil {
		return fmt.Errorf("cryptostore: pickling group session %s: %w", sessionID, err)
	}

	held := session.copyWithHandle()
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	s.installGroupSessionLocked(sessionID, held)

	return s.writeRecord("groupsessions", s.groupSessionPath(held.SenderKey, sessionID), kindGroupSession, groupSessionRecord{
		Version:         recordVersion,
		SenderKey:       held.SenderKey,
		SessionID:       sessionID,
		RoomID:          held.RoomID,
		KeysClaimed:     held.KeysClaimed,
		ForwardingChain: held.ForwardingChain,
		Pickle:          pickle,
	})
}

// installGroupSessionLocked requires groupMu held exclusively.
func (s *Store) installGroupSessionLocked(sessionID string, session *GroupSession) {
	byID := s.groupSessions[session.SenderKey]
	if byID == nil {
		byID = make(map[string]*GroupSession)
		s.groupSessions[session.SenderKey] = byID
	}
	if previous, ok := byID[sessionID]; ok && previous.Session != session.Session {
		previous.Session.Release()
	}
	byID[sessionID] = session
}

// GroupSession returns the inbound group session for (senderKey,
// sessionID), or nil. The returned struct is a copy; its handle stays
// owned by the store.
func (s *Store) GroupSession(sessionID, senderKey string) *GroupSession {
	end, ok := s.beginRead("GroupSession")
	if !ok {
		return nil
	}
	defer end()
	s.groupMu.RLock()
	defer s.groupMu.RUnlock()
	session, found := s.groupSessions[senderKey][sessionID]
	if !found {
		return nil
	}
	return session.copyWithHandle()
}

// GroupSessions returns every inbound group session, ordered by
// sender key and then session id.
func (s *Store) GroupSessions() []*GroupSession {
	end, ok := s.beginRead("GroupSessions")
	if !ok {
		return nil
	}
	defer end()
	s.groupMu.RLock()
	defer s.groupMu.RUnlock()

	var sessions []*GroupSession
	for _, senderKey := range slices.Sorted(maps.Keys(s.groupSessions)) {
		byID := s.groupSessions[senderKey]
		for _, sessionID := range slices.Sorted(maps.Keys(byID)) {
			sessions = append(sessions, byID[sessionID].copyWithHandle())
		}
	}
	return sessions
}

// RemoveGroupSession releases and deletes one inbound group session.
// Removing an unknown session is not an error.
func (s *Store) RemoveGroupSession(ctx context.Context, sessionID, senderKey string) error {
	end, err := s.beginWrite(ctx, "RemoveGroupSession")
	if err != nil {
		return err
	}
	defer end()

	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	session, found := s.groupSessions[senderKey][sessionID]
	if found {
		delete(s.groupSessions[senderKey], sessionID)
		if len(s.groupSessions[senderKey]) == 0 {
			delete(s.groupSessions, senderKey)
		}
		session.Session.Release()
	}
	if !found {
		return nil
	}
	if err := s.removeRecord(s.groupSessionPath(senderKey, sessionID)); err != nil {
		return fmt.Errorf("cryptostore: removing group session %s: %w", sessionID, err)
	}
	return nil
}
