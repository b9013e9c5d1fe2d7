// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/roomstore"
	"github.com/bureau-foundation/syncengine/messaging"
)

func putMembers(t *testing.T, store *roomstore.Store, roomID ref.RoomID, summaryCount int, members ...messaging.Event) {
	t.Helper()
	err := store.Update(context.Background(), roomstore.Live, roomID, func(tx *roomstore.Tx) error {
		for _, member := range members {
			if err := tx.PutState(member); err != nil {
				return err
			}
		}
		tx.Summary().JoinedMemberCount = summaryCount
		return nil
	})
	if err != nil {
		t.Fatalf("Update(%s): %v", roomID, err)
	}
}

func namedMember(userID ref.UserID, displayName string) messaging.Event {
	event := memberEvent(userID, messaging.MembershipJoin, userID)
	if displayName != "" {
		event.Content["displayname"] = displayName
	}
	return event
}

func TestRoomEnvironmentMemberCount(t *testing.T) {
	store := openTestStore(t)
	putMembers(t, store, roomOne, 12, namedMember(alice, ""))
	putMembers(t, store, roomTwo, 0,
		namedMember(alice, ""),
		namedMember(bob, ""),
		memberEvent(carol, messaging.MembershipInvite, bob),
	)
	environment := NewRoomEnvironment(store, alice, slog.New(slog.DiscardHandler))

	tests := []struct {
		name      string
		roomID    ref.RoomID
		wantCount int
		wantOK    bool
	}{
		{name: "server summary", roomID: roomOne, wantCount: 12, wantOK: true},
		{name: "counted from state", roomID: roomTwo, wantCount: 2, wantOK: true},
		{name: "unknown room", roomID: roomThree, wantOK: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			count, ok := environment.MemberCount(test.roomID)
			if count != test.wantCount || ok != test.wantOK {
				t.Errorf("MemberCount = %d, %v; want %d, %v", count, ok, test.wantCount, test.wantOK)
			}
		})
	}
}

func TestRoomEnvironmentMemberDisplayName(t *testing.T) {
	store := openTestStore(t)
	putMembers(t, store, roomOne, 0, namedMember(alice, "Alice A."), namedMember(bob, ""))
	environment := NewRoomEnvironment(store, alice, slog.New(slog.DiscardHandler))

	if name, ok := environment.MemberDisplayName(roomOne, alice); !ok || name != "Alice A." {
		t.Errorf("MemberDisplayName(alice) = %q, %v", name, ok)
	}
	if name, ok := environment.MemberDisplayName(roomOne, bob); ok {
		t.Errorf("MemberDisplayName(bob) = %q, want no name", name)
	}
	if name, ok := environment.MemberDisplayName(roomOne, carol); ok {
		t.Errorf("MemberDisplayName(carol) = %q, want no member", name)
	}
	if _, ok := environment.MemberDisplayName(roomThree, alice); ok {
		t.Error("MemberDisplayName in unknown room succeeded")
	}
}

func TestRoomEnvironmentOwnDisplayName(t *testing.T) {
	store := openTestStore(t)
	environment := NewRoomEnvironment(store, alice, nil)
	if name := environment.OwnDisplayName(); name != "" {
		t.Errorf("OwnDisplayName before profile = %q", name)
	}
	if _, err := store.PutProfile(context.Background(), alice, "Alice", ""); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}
	if name := environment.OwnDisplayName(); name != "Alice" {
		t.Errorf("OwnDisplayName = %q, want Alice", name)
	}
}
