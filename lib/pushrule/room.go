// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

// RulesForRoom returns copies of the override and room rules whose id
// is roomID, override rules first.
func (e *Engine) RulesForRoom(roomID ref.RoomID) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rulesForRoomLocked(roomID)
}

func (e *Engine) rulesForRoomLocked(roomID ref.RoomID) []Rule {
	var rules []Rule
	for _, kind := range []string{messaging.PushRuleKindOverride, messaging.PushRuleKindRoom} {
		for _, rule := range *e.rules.kindList(kind) {
			if rule.RuleID == roomID.String() {
				rules = append(rules, rule.clone())
			}
		}
	}
	return rules
}

// IsRoomMentionOnly reports whether the room has an enabled room rule
// that suppresses notification, so that only mentions (matched by
// override and content rules) notify. The answer is cached per room
// until the rule set next changes.
func (e *Engine) IsRoomMentionOnly(roomID ref.RoomID) bool {
	e.mentionMu.Lock()
	defer e.mentionMu.Unlock()
	if cached, ok := e.mentionCache[roomID]; ok {
		return cached
	}

	e.mu.RLock()
	mentionOnly := false
	for _, rule := range e.rules.Room {
		if rule.RuleID == roomID.String() && rule.ShouldNotNotify() {
			mentionOnly = rule.Enabled
			break
		}
	}
	e.mu.RUnlock()

	e.mentionCache[roomID] = mentionOnly
	return mentionOnly
}

// IsRoomNotificationsDisabled reports whether any enabled override or
// room rule for the room does not notify.
func (e *Engine) IsRoomNotificationsDisabled(roomID ref.RoomID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rule := range e.rulesForRoomLocked(roomID) {
		if rule.Enabled && !rule.ShouldNotify() {
			return true
		}
	}
	return false
}
