// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pushrule decides, per incoming event, whether and how the
// user should be notified.
//
// An [Engine] owns the account's rule set. Rules are evaluated in
// kind precedence (override, content, room, sender, underride) and in
// server order within a kind; [Engine.Evaluate] returns the first
// enabled rule whose conditions all hold.
//
// Content, room and sender rules carry no conditions on the wire. The
// engine synthesizes one event_match condition for each: content.body
// against the rule's pattern, room_id against the rule id, and
// user_id (the sender) against the rule id. Two default rules are
// matched by id instead of by condition: [RuleContainsUserName] and
// [RuleContainsDisplayName] search an m.room.message body for the
// local user's localpart or display name as a whole word.
//
// Patterns are globs. A [PatternCache] owned by the engine compiles
// each distinct pattern once and is shared by every rule that uses it.
//
// Mutations ([Engine.Toggle], [Engine.Add], [Engine.Delete],
// [Engine.DeleteBatch], [Engine.MuteRoom]) are write-through: the
// server is updated first and the local set changes only on success.
package pushrule
