// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/syncengine/lib/ref"
)

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// UserIdentifier names the account in a LoginRequest.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitempty"`
}

// ProfileResponse is returned by GetProfile.
type ProfileResponse struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Event represents a Matrix event from the server. The same shape
// carries timeline, state, ephemeral, account-data and to-device
// events; fields absent for a given class are left zero.
type Event struct {
	EventID        ref.EventID    `json:"event_id,omitempty"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Redacts        string         `json:"redacts,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`

	// Decrypted is the cleartext event after successful decryption of
	// an m.room.encrypted or encrypted to-device event.
	Decrypted *Event `json:"-"`

	// DecryptionError is set when decryption was attempted and failed.
	// The event is still delivered to observers.
	DecryptionError string `json:"-"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64          `json:"age,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	PrevContent   map[string]any `json:"prev_content,omitempty"`
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyValue returns the state key, or "" for non-state events.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Clear returns the decrypted event when there is one, otherwise the
// event itself. Rule evaluation and display use the clear event.
func (e *Event) Clear() *Event {
	if e.Decrypted != nil {
		return e.Decrypted
	}
	return e
}

// ContentString returns a top-level string field of Content, or ""
// when absent or not a string.
func (e *Event) ContentString(key string) string {
	value, _ := e.Content[key].(string)
	return value
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
	FullState  bool   // request full state for every room
}

// SyncResponse is the top-level response from /sync: one sync delta.
type SyncResponse struct {
	NextBatch   string          `json:"next_batch"`
	Rooms       RoomsSection    `json:"rooms"`
	Presence    PresenceSection `json:"presence,omitempty"`
	AccountData EventsSection   `json:"account_data,omitempty"`
	ToDevice    EventsSection   `json:"to_device,omitempty"`
	DeviceLists DeviceLists     `json:"device_lists,omitempty"`

	// DeviceOneTimeKeysCount reports the server's count of unclaimed
	// one-time keys per algorithm. The crypto layer replenishes from it.
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// IsEmpty reports whether the delta carries nothing to apply. The
// poller's synthetic restart delta is empty.
func (r *SyncResponse) IsEmpty() bool {
	return len(r.Rooms.Join) == 0 &&
		len(r.Rooms.Invite) == 0 &&
		len(r.Rooms.Leave) == 0 &&
		len(r.Presence.Events) == 0 &&
		len(r.AccountData.Events) == 0 &&
		len(r.ToDevice.Events) == 0 &&
		len(r.DeviceLists.Changed) == 0 &&
		len(r.DeviceLists.Left) == 0
}

// EventsSection is the {"events": [...]} wrapper used by several
// sync sections.
type EventsSection struct {
	Events []Event `json:"events"`
}

// DeviceLists reports users whose device lists changed.
type DeviceLists struct {
	Changed []ref.UserID `json:"changed,omitempty"`
	Left    []ref.UserID `json:"left,omitempty"`
}

// PresenceSection contains presence events from the /sync response.
type PresenceSection struct {
	Events []PresenceEvent `json:"events"`
}

// PresenceEvent is a single m.presence event from the /sync response.
type PresenceEvent struct {
	Type    string               `json:"type"`
	Sender  ref.UserID           `json:"sender"`
	Content PresenceEventContent `json:"content"`
}

// PresenceEventContent carries the presence state for a single user.
type PresenceEventContent struct {
	// Presence is the user's current state: "online", "unavailable",
	// or "offline".
	Presence string `json:"presence"`

	// LastActiveAgo is milliseconds since the user was last active.
	LastActiveAgo int64 `json:"last_active_ago,omitempty"`

	CurrentlyActive bool   `json:"currently_active,omitempty"`
	StatusMsg       string `json:"status_msg,omitempty"`

	// DisplayName and AvatarURL are sent by older homeservers inside
	// presence. For the local account they are mirrored into the
	// stored profile.
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for automatic validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Summary             RoomSummary         `json:"summary,omitempty"`
	Timeline            TimelineSection     `json:"timeline"`
	State               EventsSection       `json:"state"`
	Ephemeral           EventsSection       `json:"ephemeral,omitempty"`
	AccountData         EventsSection       `json:"account_data,omitempty"`
	UnreadNotifications UnreadNotifications `json:"unread_notifications,omitempty"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState EventsSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline    TimelineSection `json:"timeline"`
	State       EventsSection   `json:"state"`
	AccountData EventsSection   `json:"account_data,omitempty"`
}

// RoomSummary carries the lazy-loading member counts and heroes.
type RoomSummary struct {
	Heroes             []ref.UserID `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int         `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int         `json:"m.invited_member_count,omitempty"`
}

// UnreadNotifications holds the server-computed unread counts.
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

// Membership values of m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)
