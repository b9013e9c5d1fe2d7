// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix event type (e.g., "m.room.message").
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists for compile-time safety, preventing a state key from being
// passed where an event type is expected.
type EventType string

// String returns the event type string.
func (t EventType) String() string { return string(t) }

// Event types the sync engine interprets. Anything else passes
// through to observers untouched.
const (
	EventTypeMessage   EventType = "m.room.message"
	EventTypeEncrypted EventType = "m.room.encrypted"
	EventTypeMember    EventType = "m.room.member"
	EventTypeRedaction EventType = "m.room.redaction"
	EventTypeName      EventType = "m.room.name"
	EventTypeTopic     EventType = "m.room.topic"

	// Ephemeral and account-data event types.
	EventTypePresence        EventType = "m.presence"
	EventTypeTyping          EventType = "m.typing"
	EventTypeReceipt         EventType = "m.receipt"
	EventTypeTag             EventType = "m.tag"
	EventTypeFullyRead       EventType = "m.fully_read"
	EventTypePushRules       EventType = "m.push_rules"
	EventTypeIgnoredUserList EventType = "m.ignored_user_list"
	EventTypeDirect          EventType = "m.direct"
)
