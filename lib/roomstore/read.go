// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

// StateEvent returns the state event (eventType, stateKey) of roomID
// in partition, or nil when the room has no such state.
func (s *Store) StateEvent(ctx context.Context, partition Partition, roomID ref.RoomID, eventType ref.EventType, stateKey string) (*messaging.Event, error) {
	var event *messaging.Event
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		if err := expectPartition(conn, roomID, partition); err != nil {
			return err
		}
		var err error
		event, err = stateEvent(conn, roomID, eventType, stateKey)
		return err
	})
	return event, err
}

// JoinedMemberCount counts the stored m.room.member state events of
// roomID whose membership is join.
func (s *Store) JoinedMemberCount(ctx context.Context, partition Partition, roomID ref.RoomID) (int, error) {
	count := 0
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		if err := expectPartition(conn, roomID, partition); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			SELECT COUNT(*) FROM room_state
			WHERE room_id = ? AND event_type = ? AND membership = ?`, &sqlitex.ExecOptions{
			Args: []any{roomID.String(), string(ref.EventTypeMember), messaging.MembershipJoin},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("roomstore: counting members of %s: %w", roomID, err)
	}
	return count, nil
}

// Timeline returns the stored timeline of roomID, oldest first.
func (s *Store) Timeline(ctx context.Context, partition Partition, roomID ref.RoomID) ([]messaging.Event, error) {
	var events []messaging.Event
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		if err := expectPartition(conn, roomID, partition); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `SELECT event FROM room_timeline WHERE room_id = ? ORDER BY position`, &sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				var event messaging.Event
				if err := decodeBlob(blob, &event); err != nil {
					return err
				}
				events = append(events, event)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: reading timeline of %s: %w", roomID, err)
	}
	return events, nil
}

// Receipts returns the stored receipts of roomID ordered by user and
// type.
func (s *Store) Receipts(ctx context.Context, partition Partition, roomID ref.RoomID) ([]Receipt, error) {
	var receipts []Receipt
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		if err := expectPartition(conn, roomID, partition); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `
			SELECT user_id, receipt_type, event_id, ts FROM receipts
			WHERE room_id = ? ORDER BY user_id, receipt_type`, &sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				userID, err := ref.ParseUserID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				eventID, err := ref.ParseEventID(stmt.ColumnText(2))
				if err != nil {
					return err
				}
				receipts = append(receipts, Receipt{
					UserID:    userID,
					Type:      stmt.ColumnText(1),
					EventID:   eventID,
					Timestamp: stmt.ColumnInt64(3),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: reading receipts of %s: %w", roomID, err)
	}
	return receipts, nil
}
