// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"fmt"
	"maps"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

// Room is one stored room row.
type Room struct {
	ID        ref.RoomID
	Partition Partition

	// Membership is the local user's membership ("join", "invite",
	// "leave", "ban") and MembershipSender the user who set it. Both
	// are empty until a member event for the local user is seen.
	Membership       string
	MembershipSender ref.UserID

	Summary Summary
}

// Summary is the derived per-room data kept alongside the room row.
type Summary struct {
	Name  string `cbor:"name,omitempty"`
	Topic string `cbor:"topic,omitempty"`

	Heroes             []ref.UserID `cbor:"heroes,omitempty"`
	JoinedMemberCount  int          `cbor:"joined,omitempty"`
	InvitedMemberCount int          `cbor:"invited,omitempty"`

	HighlightCount    int `cbor:"highlight,omitempty"`
	NotificationCount int `cbor:"notification,omitempty"`

	// Tags maps tag name to its content, from m.tag room account data.
	Tags map[string]map[string]any `cbor:"tags,omitempty"`

	// FullyRead is the read marker, from m.fully_read.
	FullyRead ref.EventID `cbor:"fully_read"`

	// PrevBatch is the pagination token before the oldest stored
	// timeline event.
	PrevBatch string `cbor:"prev_batch,omitempty"`

	// LastEventTS is the origin timestamp of the newest stored
	// timeline event.
	LastEventTS int64 `cbor:"last_ts,omitempty"`
}

func (s Summary) clone() Summary {
	s.Heroes = slices.Clone(s.Heroes)
	if s.Tags != nil {
		tags := make(map[string]map[string]any, len(s.Tags))
		for name, content := range s.Tags {
			tags[name] = maps.Clone(content)
		}
		s.Tags = tags
	}
	return s
}

func loadRoom(conn *sqlite.Conn, roomID ref.RoomID) (Room, bool, error) {
	room := Room{ID: roomID}
	found := false
	err := sqlitex.Execute(conn, `
		SELECT partition_id, membership, membership_sender, summary
		FROM rooms WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			room.Partition = Partition(stmt.ColumnInt(0))
			room.Membership = stmt.ColumnText(1)
			if sender := stmt.ColumnText(2); sender != "" {
				parsed, err := ref.ParseUserID(sender)
				if err != nil {
					return fmt.Errorf("membership sender of %s: %w", roomID, err)
				}
				room.MembershipSender = parsed
			}
			if !stmt.ColumnIsNull(3) {
				blob := make([]byte, stmt.ColumnLen(3))
				stmt.ColumnBytes(3, blob)
				if err := decodeBlob(blob, &room.Summary); err != nil {
					return fmt.Errorf("summary of %s: %w", roomID, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return Room{}, false, fmt.Errorf("roomstore: loading %s: %w", roomID, err)
	}
	return room, found, nil
}

func saveRoom(conn *sqlite.Conn, room Room) error {
	summary, err := encodeBlob(room.Summary)
	if err != nil {
		return err
	}
	sender := ""
	if !room.MembershipSender.IsZero() {
		sender = room.MembershipSender.String()
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO rooms (room_id, partition_id, membership, membership_sender, summary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			partition_id = excluded.partition_id,
			membership = excluded.membership,
			membership_sender = excluded.membership_sender,
			summary = excluded.summary`, &sqlitex.ExecOptions{
		Args: []any{room.ID.String(), int(room.Partition), room.Membership, sender, summary},
	})
	if err != nil {
		return fmt.Errorf("roomstore: saving %s: %w", room.ID, err)
	}
	return nil
}
