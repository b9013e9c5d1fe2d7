// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomstore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/syncengine/lib/ref"
)

// User is one row of the users table: the latest presence seen for
// a user and, for the local account, its profile.
type User struct {
	UserID          ref.UserID
	Presence        string
	StatusMessage   string
	LastActiveAgo   int64
	CurrentlyActive bool
	DisplayName     string
	AvatarURL       string

	// UpdatedAt is when the sync worker last stored presence for the
	// user, by the worker's clock.
	UpdatedAt time.Time
}

// PutPresence stores the presence fields of user. The profile
// columns are left as they are.
func (s *Store) PutPresence(ctx context.Context, user User) error {
	currentlyActive := 0
	if user.CurrentlyActive {
		currentlyActive = 1
	}
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO users (user_id, presence, status_msg, last_active_ago, currently_active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				presence = excluded.presence,
				status_msg = excluded.status_msg,
				last_active_ago = excluded.last_active_ago,
				currently_active = excluded.currently_active,
				updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
			Args: []any{
				user.UserID.String(),
				user.Presence,
				user.StatusMessage,
				user.LastActiveAgo,
				currentlyActive,
				user.UpdatedAt.UnixMilli(),
			},
		})
	})
	if err != nil {
		return fmt.Errorf("roomstore: storing presence of %s: %w", user.UserID, err)
	}
	return nil
}

// PutProfile stores the display name and avatar of userID and
// reports whether either changed.
func (s *Store) PutProfile(ctx context.Context, userID ref.UserID, displayName, avatarURL string) (bool, error) {
	changed := false
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		current, found, err := loadUser(conn, userID)
		if err != nil {
			return err
		}
		if found && current.DisplayName == displayName && current.AvatarURL == avatarURL {
			return nil
		}
		changed = true
		return sqlitex.Execute(conn, `
			INSERT INTO users (user_id, display_name, avatar_url) VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url`, &sqlitex.ExecOptions{
			Args: []any{userID.String(), displayName, avatarURL},
		})
	})
	if err != nil {
		return false, fmt.Errorf("roomstore: storing profile of %s: %w", userID, err)
	}
	return changed, nil
}

// User returns the stored row of userID.
func (s *Store) User(ctx context.Context, userID ref.UserID) (User, bool, error) {
	var (
		user  User
		found bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		user, found, err = loadUser(conn, userID)
		return err
	})
	return user, found, err
}

func loadUser(conn *sqlite.Conn, userID ref.UserID) (User, bool, error) {
	user := User{UserID: userID}
	found := false
	err := sqlitex.Execute(conn, `
		SELECT presence, status_msg, last_active_ago, currently_active, display_name, avatar_url, updated_at
		FROM users WHERE user_id = ?`, &sqlitex.ExecOptions{
		Args: []any{userID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			user.Presence = stmt.ColumnText(0)
			user.StatusMessage = stmt.ColumnText(1)
			user.LastActiveAgo = stmt.ColumnInt64(2)
			user.CurrentlyActive = stmt.ColumnInt(3) != 0
			user.DisplayName = stmt.ColumnText(4)
			user.AvatarURL = stmt.ColumnText(5)
			if updated := stmt.ColumnInt64(6); updated != 0 {
				user.UpdatedAt = time.UnixMilli(updated)
			}
			return nil
		},
	})
	if err != nil {
		return User{}, false, fmt.Errorf("roomstore: loading user %s: %w", userID, err)
	}
	return user, found, nil
}

// PutAccountData stores the content of a global account-data event,
// replacing the previous content of the same type.
func (s *Store) PutAccountData(ctx context.Context, eventType ref.EventType, content map[string]any) error {
	blob, err := encodeBlob(content)
	if err != nil {
		return err
	}
	err = s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO account_data (event_type, content) VALUES (?, ?)
			ON CONFLICT (event_type) DO UPDATE SET content = excluded.content`, &sqlitex.ExecOptions{
			Args: []any{string(eventType), blob},
		})
	})
	if err != nil {
		return fmt.Errorf("roomstore: storing %s account data: %w", eventType, err)
	}
	return nil
}

// AccountData returns the stored content of a global account-data
// event type.
func (s *Store) AccountData(ctx context.Context, eventType ref.EventType) (map[string]any, bool, error) {
	var (
		content map[string]any
		found   bool
	)
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT content FROM account_data WHERE event_type = ?`, &sqlitex.ExecOptions{
			Args: []any{string(eventType)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return decodeBlob(blob, &content)
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("roomstore: reading %s account data: %w", eventType, err)
	}
	return content, found, nil
}

const streamTokenKey = "stream_token"

// SetStreamToken records the sync token to resume from.
func (s *Store) SetStreamToken(ctx context.Context, token string) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, &sqlitex.ExecOptions{
			Args: []any{streamTokenKey, token},
		})
	})
	if err != nil {
		return fmt.Errorf("roomstore: storing stream token: %w", err)
	}
	return nil
}

// StreamToken returns the recorded sync token, or "" before the first
// delta with room activity.
func (s *Store) StreamToken(ctx context.Context) (string, error) {
	token := ""
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM sync_state WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{streamTokenKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		return "", fmt.Errorf("roomstore: reading stream token: %w", err)
	}
	return token, nil
}
