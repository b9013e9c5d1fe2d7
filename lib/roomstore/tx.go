// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

// Tx is one room's view inside a Store.Update transaction. It is only
// valid during the callback.
type Tx struct {
	conn          *sqlite.Conn
	timelineLimit int
	room          Room
	created       bool
}

// Receipt is the latest receipt of one type sent by one user in a
// room.
type Receipt struct {
	UserID    ref.UserID
	Type      string
	EventID   ref.EventID
	Timestamp int64
}

// Created reports whether the room did not exist before this
// transaction.
func (tx *Tx) Created() bool {
	return tx.created
}

// RoomID returns the id of the room being updated.
func (tx *Tx) RoomID() ref.RoomID {
	return tx.room.ID
}

// Room returns a copy of the room row as modified so far.
func (tx *Tx) Room() Room {
	room := tx.room
	room.Summary = room.Summary.clone()
	return room
}

// SetMembership records the local user's membership and who set it.
func (tx *Tx) SetMembership(membership string, sender ref.UserID) {
	tx.room.Membership = membership
	tx.room.MembershipSender = sender
}

// Summary returns the room summary for modification. Changes are
// saved when the transaction commits.
func (tx *Tx) Summary() *Summary {
	return &tx.room.Summary
}

// PutState stores a state event, replacing the previous event with
// the same type and state key.
func (tx *Tx) PutState(event messaging.Event) error {
	if !event.IsState() {
		return errors.New("roomstore: PutState needs a state event")
	}
	blob, err := encodeBlob(event)
	if err != nil {
		return err
	}
	var membership any
	if event.Type == ref.EventTypeMember {
		membership = event.ContentString("membership")
	}
	err = sqlitex.Execute(tx.conn, `
		INSERT INTO room_state (room_id, event_type, state_key, membership, event)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET
			membership = excluded.membership,
			event = excluded.event`, &sqlitex.ExecOptions{
		Args: []any{tx.room.ID.String(), string(event.Type), event.StateKeyValue(), membership, blob},
	})
	if err != nil {
		return fmt.Errorf("roomstore: storing %s state of %s: %w", event.Type, tx.room.ID, err)
	}
	return nil
}

// StateEvent returns the current state event for (eventType,
// stateKey), or nil.
func (tx *Tx) StateEvent(eventType ref.EventType, stateKey string) (*messaging.Event, error) {
	return stateEvent(tx.conn, tx.room.ID, eventType, stateKey)
}

// AppendTimeline appends events to the stored timeline, dropping the
// oldest beyond the store's timeline limit.
func (tx *Tx) AppendTimeline(events []messaging.Event) error {
	if len(events) == 0 {
		return nil
	}
	roomID := tx.room.ID.String()

	var next int64
	err := sqlitex.Execute(tx.conn, `SELECT COALESCE(MAX(position), 0) FROM room_timeline WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			next = stmt.ColumnInt64(0) + 1
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("roomstore: reading timeline position of %s: %w", roomID, err)
	}

	for i := range events {
		blob, err := encodeBlob(events[i])
		if err != nil {
			return err
		}
		err = sqlitex.Execute(tx.conn, `INSERT INTO room_timeline (room_id, position, event) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
			Args: []any{roomID, next, blob},
		})
		if err != nil {
			return fmt.Errorf("roomstore: appending timeline of %s: %w", roomID, err)
		}
		next++
		if ts := events[i].OriginServerTS; ts > tx.room.Summary.LastEventTS {
			tx.room.Summary.LastEventTS = ts
		}
	}

	err = sqlitex.Execute(tx.conn, `DELETE FROM room_timeline WHERE room_id = ? AND position < ?`, &sqlitex.ExecOptions{
		Args: []any{roomID, next - int64(tx.timelineLimit)},
	})
	if err != nil {
		return fmt.Errorf("roomstore: trimming timeline of %s: %w", roomID, err)
	}
	return nil
}

// ResetTimeline discards the stored timeline. The sync worker calls
// it on a limited timeline, when the stored events are no longer
// contiguous with the new ones.
func (tx *Tx) ResetTimeline() error {
	err := sqlitex.Execute(tx.conn, `DELETE FROM room_timeline WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{tx.room.ID.String()},
	})
	if err != nil {
		return fmt.Errorf("roomstore: resetting timeline of %s: %w", tx.room.ID, err)
	}
	return nil
}

// PutReceipt stores a receipt, replacing the user's previous receipt
// of the same type.
func (tx *Tx) PutReceipt(receipt Receipt) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO receipts (room_id, user_id, receipt_type, event_id, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, user_id, receipt_type) DO UPDATE SET
			event_id = excluded.event_id,
			ts = excluded.ts`, &sqlitex.ExecOptions{
		Args: []any{tx.room.ID.String(), receipt.UserID.String(), receipt.Type, receipt.EventID.String(), receipt.Timestamp},
	})
	if err != nil {
		return fmt.Errorf("roomstore: storing receipt in %s: %w", tx.room.ID, err)
	}
	return nil
}

func stateEvent(conn *sqlite.Conn, roomID ref.RoomID, eventType ref.EventType, stateKey string) (*messaging.Event, error) {
	var event *messaging.Event
	err := sqlitex.Execute(conn, `
		SELECT event FROM room_state
		WHERE room_id = ? AND event_type = ? AND state_key = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID.String(), string(eventType), stateKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			blob := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, blob)
			event = new(messaging.Event)
			return decodeBlob(blob, event)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: reading %s state of %s: %w", eventType, roomID, err)
	}
	return event, nil
}
