// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/syncengine/lib/pushrule"
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
)

// RoomEnvironment answers the rule engine's membership questions
// from the live partition of a room store.
type RoomEnvironment struct {
	store  *roomstore.Store
	self   ref.UserID
	logger *slog.Logger
}

var _ pushrule.Environment = (*RoomEnvironment)(nil)

// NewRoomEnvironment returns an environment over store for the local
// account self. If logger is nil, slog.Default is used.
func NewRoomEnvironment(store *roomstore.Store, self ref.UserID, logger *slog.Logger) *RoomEnvironment {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomEnvironment{store: store, self: self, logger: logger}
}

// MemberCount returns the server's joined member count from the room
// summary when the delta carried one, otherwise the number of stored
// join memberships.
func (e *RoomEnvironment) MemberCount(roomID ref.RoomID) (int, bool) {
	ctx := context.Background()
	room, err := e.store.Room(ctx, roomstore.Live, roomID)
	if err != nil {
		e.logLookupError("member count", roomID, err)
		return 0, false
	}
	if room.Summary.JoinedMemberCount > 0 {
		return room.Summary.JoinedMemberCount, true
	}
	count, err := e.store.JoinedMemberCount(ctx, roomstore.Live, roomID)
	if err != nil {
		e.logLookupError("member count", roomID, err)
		return 0, false
	}
	return count, true
}

// MemberDisplayName returns the displayname of userID's member event
// in roomID.
func (e *RoomEnvironment) MemberDisplayName(roomID ref.RoomID, userID ref.UserID) (string, bool) {
	event, err := e.store.StateEvent(context.Background(), roomstore.Live, roomID, ref.EventTypeMember, userID.String())
	if err != nil {
		e.logLookupError("member display name", roomID, err)
		return "", false
	}
	if event == nil {
		return "", false
	}
	name := event.ContentString("displayname")
	return name, name != ""
}

// OwnDisplayName returns the stored profile display name of the local
// account.
func (e *RoomEnvironment) OwnDisplayName() string {
	user, _, err := e.store.User(context.Background(), e.self)
	if err != nil {
		e.logger.Warn("reading own profile failed", "error", err)
		return ""
	}
	return user.DisplayName
}

func (e *RoomEnvironment) logLookupError(what string, roomID ref.RoomID, err error) {
	if errors.Is(err, roomstore.ErrNotFound) || errors.Is(err, roomstore.ErrWrongPartition) {
		return
	}
	e.logger.Warn("room lookup failed", "lookup", what, "room_id", roomID, "error", err)
}
