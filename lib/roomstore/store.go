// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/lib/sqlitepool"
)

// Partition selects the half of the repository a room lives in.
type Partition int

const (
	// Live holds joined and invited rooms.
	Live Partition = iota

	// Departed holds rooms the user left and chose to retain.
	Departed
)

func (p Partition) String() string {
	switch p {
	case Live:
		return "live"
	case Departed:
		return "departed"
	default:
		return fmt.Sprintf("partition(%d)", int(p))
	}
}

func (p Partition) valid() bool {
	return p == Live || p == Departed
}

var (
	// ErrNotFound reports a room that is in neither partition.
	ErrNotFound = errors.New("roomstore: room not found")

	// ErrWrongPartition reports a room that exists, but in the other
	// partition than the one the caller named.
	ErrWrongPartition = errors.New("roomstore: room is in the other partition")
)

// DefaultTimelineLimit is the number of most recent timeline events
// kept per room when Config.TimelineLimit is zero.
const DefaultTimelineLimit = 50

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// TimelineLimit bounds the stored timeline per room.
	TimelineLimit int

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Store is the partitioned room repository. It is safe for concurrent
// use.
type Store struct {
	pool          *sqlitepool.Pool
	logger        *slog.Logger
	timelineLimit int
}

const schema = `
	CREATE TABLE IF NOT EXISTS rooms (
		room_id           TEXT PRIMARY KEY,
		partition_id      INTEGER NOT NULL,
		membership        TEXT NOT NULL DEFAULT '',
		membership_sender TEXT NOT NULL DEFAULT '',
		summary           BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_rooms_partition ON rooms(partition_id);

	CREATE TABLE IF NOT EXISTS room_state (
		room_id    TEXT NOT NULL,
		event_type TEXT NOT NULL,
		state_key  TEXT NOT NULL,
		membership TEXT,
		event      BLOB NOT NULL,
		PRIMARY KEY (room_id, event_type, state_key)
	);

	CREATE TABLE IF NOT EXISTS room_timeline (
		room_id  TEXT NOT NULL,
		position INTEGER NOT NULL,
		event    BLOB NOT NULL,
		PRIMARY KEY (room_id, position)
	);

	CREATE TABLE IF NOT EXISTS receipts (
		room_id      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		receipt_type TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		ts           INTEGER NOT NULL,
		PRIMARY KEY (room_id, user_id, receipt_type)
	);

	CREATE TABLE IF NOT EXISTS users (
		user_id          TEXT PRIMARY KEY,
		presence         TEXT NOT NULL DEFAULT '',
		status_msg       TEXT NOT NULL DEFAULT '',
		last_active_ago  INTEGER NOT NULL DEFAULT 0,
		currently_active INTEGER NOT NULL DEFAULT 0,
		display_name     TEXT NOT NULL DEFAULT '',
		avatar_url       TEXT NOT NULL DEFAULT '',
		updated_at       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS account_data (
		event_type TEXT PRIMARY KEY,
		content    BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
`

// perRoomTables are the tables whose rows follow their room.
var perRoomTables = []string{"room_state", "room_timeline", "receipts"}

// roomTables is perRoomTables plus the room row itself, last.
var roomTables = []string{"room_state", "room_timeline", "receipts", "rooms"}

// Open opens or creates the repository at config.Path. The caller
// must call Close.
func Open(config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timelineLimit := config.TimelineLimit
	if timelineLimit <= 0 {
		timelineLimit = DefaultTimelineLimit
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        config.Path,
		PoolSize:    config.PoolSize,
		Synchronous: sqlitepool.SynchronousFull,
		Logger:      logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: %w", err)
	}
	return &Store{
		pool:          pool,
		logger:        logger,
		timelineLimit: timelineLimit,
	}, nil
}

// Close closes the connection pool, waiting for borrowed connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

// read runs fn on a pooled connection.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.pool.With(ctx, fn)
}

// write runs fn on a pooled connection inside an immediate
// transaction, committing when fn returns nil.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("roomstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// locate reports the partition of roomID.
func locate(conn *sqlite.Conn, roomID ref.RoomID) (Partition, bool, error) {
	var (
		partition Partition
		found     bool
	)
	err := sqlitex.Execute(conn, `SELECT partition_id FROM rooms WHERE room_id = ?`, &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			partition = Partition(stmt.ColumnInt(0))
			found = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("roomstore: locating %s: %w", roomID, err)
	}
	return partition, found, nil
}

// expectPartition returns ErrNotFound or ErrWrongPartition unless
// roomID is in partition.
func expectPartition(conn *sqlite.Conn, roomID ref.RoomID, partition Partition) error {
	actual, found, err := locate(conn, roomID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, roomID)
	}
	if actual != partition {
		return fmt.Errorf("%w: %s is %s, not %s", ErrWrongPartition, roomID, actual, partition)
	}
	return nil
}

// Locate reports which partition holds roomID.
func (s *Store) Locate(ctx context.Context, roomID ref.RoomID) (Partition, bool, error) {
	var (
		partition Partition
		found     bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		partition, found, err = locate(conn, roomID)
		return err
	})
	return partition, found, err
}

// Room returns the room row of roomID in partition.
func (s *Store) Room(ctx context.Context, partition Partition, roomID ref.RoomID) (Room, error) {
	var room Room
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		loaded, found, err := loadRoom(conn, roomID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, roomID)
		}
		if loaded.Partition != partition {
			return fmt.Errorf("%w: %s is %s, not %s", ErrWrongPartition, roomID, loaded.Partition, partition)
		}
		room = loaded
		return nil
	})
	return room, err
}

// RoomIDs lists the rooms in partition, ordered by room id.
func (s *Store) RoomIDs(ctx context.Context, partition Partition) ([]ref.RoomID, error) {
	var roomIDs []ref.RoomID
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT room_id FROM rooms WHERE partition_id = ? ORDER BY room_id`, &sqlitex.ExecOptions{
			Args: []any{int(partition)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomID, err := ref.ParseRoomID(stmt.ColumnText(0))
				if err != nil {
					s.logger.Warn("skipping stored room with invalid id", "room_id", stmt.ColumnText(0), "error", err)
					return nil
				}
				roomIDs = append(roomIDs, roomID)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: listing %s rooms: %w", partition, err)
	}
	return roomIDs, nil
}

// Update runs fn against roomID in partition inside one immediate
// transaction. The room is created in partition when it does not
// exist; a room in the other partition fails with ErrWrongPartition
// before fn runs. The room row, including changes fn made through
// the Tx, is saved when fn returns nil. An error from fn rolls back
// everything.
func (s *Store) Update(ctx context.Context, partition Partition, roomID ref.RoomID, fn func(tx *Tx) error) error {
	if !partition.valid() {
		return fmt.Errorf("roomstore: invalid partition %d", int(partition))
	}
	return s.write(ctx, func(conn *sqlite.Conn) error {
		room, found, err := loadRoom(conn, roomID)
		if err != nil {
			return err
		}
		if found && room.Partition != partition {
			return fmt.Errorf("%w: %s is %s, not %s", ErrWrongPartition, roomID, room.Partition, partition)
		}
		tx := &Tx{
			conn:          conn,
			timelineLimit: s.timelineLimit,
			room:          room,
			created:       !found,
		}
		if !found {
			tx.room = Room{ID: roomID, Partition: partition}
		}
		if err := fn(tx); err != nil {
			return err
		}
		return saveRoom(conn, tx.room)
	})
}

// Move changes the partition of roomID from one to the other in one
// immediate transaction. The room's state, timeline and receipts
// follow it.
func (s *Store) Move(ctx context.Context, roomID ref.RoomID, from, to Partition) error {
	if !from.valid() || !to.valid() {
		return fmt.Errorf("roomstore: invalid partition")
	}
	if from == to {
		return nil
	}
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if err := expectPartition(conn, roomID, from); err != nil {
			return err
		}
		return sqlitex.Execute(conn, `UPDATE rooms SET partition_id = ? WHERE room_id = ?`, &sqlitex.ExecOptions{
			Args: []any{int(to), roomID.String()},
		})
	})
	if err != nil {
		return fmt.Errorf("roomstore: moving %s to %s: %w", roomID, to, err)
	}
	s.logger.Debug("room moved", "room_id", roomID, "from", from, "to", to)
	return nil
}

// Delete removes roomID and everything stored for it from partition.
// It reports whether a room was deleted. A room in the other
// partition is left alone and fails with ErrWrongPartition.
func (s *Store) Delete(ctx context.Context, partition Partition, roomID ref.RoomID) (bool, error) {
	deleted := false
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		actual, found, err := locate(conn, roomID)
		if err != nil || !found {
			return err
		}
		if actual != partition {
			return fmt.Errorf("%w: %s is %s, not %s", ErrWrongPartition, roomID, actual, partition)
		}
		for _, table := range roomTables {
			query := fmt.Sprintf(`DELETE FROM %s WHERE room_id = ?`, table)
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{roomID.String()}}); err != nil {
				return fmt.Errorf("roomstore: deleting %s rows of %s: %w", table, roomID, err)
			}
		}
		deleted = true
		return nil
	})
	if err != nil {
		// The transaction rolled back; nothing was deleted.
		return false, err
	}
	return deleted, nil
}

// Clear deletes every room of partition and returns how many there
// were.
func (s *Store) Clear(ctx context.Context, partition Partition) (int, error) {
	count := 0
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, table := range perRoomTables {
			query := fmt.Sprintf(`DELETE FROM %s WHERE room_id IN (SELECT room_id FROM rooms WHERE partition_id = ?)`, table)
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{int(partition)}}); err != nil {
				return fmt.Errorf("roomstore: clearing %s: %w", table, err)
			}
		}
		if err := sqlitex.Execute(conn, `DELETE FROM rooms WHERE partition_id = ?`, &sqlitex.ExecOptions{
			Args: []any{int(partition)},
		}); err != nil {
			return fmt.Errorf("roomstore: clearing rooms: %w", err)
		}
		count = conn.Changes()
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("partition cleared", "partition", partition, "rooms", count)
	return count, nil
}
