// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

// Environment supplies the local state that some conditions depend
// on. The sync processor implements it over the room store.
type Environment interface {
	// MemberCount returns the number of joined members of a room, and
	// false when the room is unknown.
	MemberCount(roomID ref.RoomID) (int, bool)

	// MemberDisplayName returns a member's display name in a room,
	// and false when the room or member is unknown.
	MemberDisplayName(roomID ref.RoomID, userID ref.UserID) (string, bool)

	// OwnDisplayName returns the local account's profile display
	// name, or "" when none is set.
	OwnDisplayName() string
}

// matcher evaluates conditions for one engine.
type matcher struct {
	self        ref.UserID
	patterns    *PatternCache
	environment Environment
}

// ruleMatches reports whether every condition of rule holds for event.
func (m *matcher) ruleMatches(rule Rule, event *messaging.Event) bool {
	switch rule.RuleID {
	case RuleContainsUserName, RuleContainsDisplayName:
		return m.mentionRuleMatches(rule.RuleID, event)
	case RuleFallback:
		return true
	}
	for _, condition := range rule.EffectiveConditions() {
		if !m.conditionHolds(condition, event) {
			return false
		}
	}
	return true
}

// mentionRuleMatches implements the two rules matched by id: a
// whole-word search of an m.room.message body for the local
// localpart or the profile display name.
func (m *matcher) mentionRuleMatches(ruleID string, event *messaging.Event) bool {
	clear := event.Clear()
	if clear.Type != ref.EventTypeMessage {
		return false
	}
	name := m.self.Localpart()
	if ruleID == RuleContainsDisplayName {
		if m.environment == nil {
			return false
		}
		name = m.environment.OwnDisplayName()
	}
	return m.patterns.ContainsMention(name, clear.ContentString("body"))
}

func (m *matcher) conditionHolds(condition messaging.PushCondition, event *messaging.Event) bool {
	switch condition.Kind {
	case ConditionEventMatch:
		value, ok := eventField(event, condition.Key)
		if !ok {
			return false
		}
		return m.patterns.Match(condition.Pattern, value)

	case ConditionContainsDisplayName:
		if m.environment == nil || event.RoomID.IsZero() {
			return false
		}
		displayName, ok := m.environment.MemberDisplayName(event.RoomID, m.self)
		if !ok {
			return false
		}
		return m.patterns.ContainsMention(displayName, event.Clear().ContentString("body"))

	case ConditionRoomMemberCount:
		if m.environment == nil || event.RoomID.IsZero() {
			return false
		}
		count, ok := m.environment.MemberCount(event.RoomID)
		if !ok {
			return false
		}
		satisfied, err := compareMemberCount(condition.Is, count)
		return err == nil && satisfied

	default:
		return false
	}
}

// eventField resolves a dotted key against the event, looking in the
// decrypted event first and falling back to the outer event. "user_id"
// is the sender. Non-string leaves are formatted; objects and arrays
// do not match.
func eventField(event *messaging.Event, key string) (string, bool) {
	if event.Decrypted != nil {
		if value, ok := fieldOf(event.Decrypted, key); ok && value != "" {
			return value, true
		}
	}
	value, ok := fieldOf(event, key)
	return value, ok && value != ""
}

func fieldOf(event *messaging.Event, key string) (string, bool) {
	head, rest, _ := strings.Cut(key, ".")
	switch head {
	case "type":
		return string(event.Type), rest == ""
	case "sender", "user_id":
		return event.Sender.String(), rest == ""
	case "room_id":
		return event.RoomID.String(), rest == ""
	case "event_id":
		return event.EventID.String(), rest == ""
	case "state_key":
		return event.StateKeyValue(), rest == "" && event.IsState()
	case "content":
		if rest == "" {
			return "", false
		}
		return walkContent(event.Content, strings.Split(rest, "."))
	default:
		return "", false
	}
}

// walkContent descends through nested maps. Keys may themselves
// contain dots (m.relates_to), so when a segment is not found the
// walker joins it with the following segments and tries again.
func walkContent(content map[string]any, parts []string) (string, bool) {
	for width := 1; width <= len(parts); width++ {
		value, ok := content[strings.Join(parts[:width], ".")]
		if !ok {
			continue
		}
		remaining := parts[width:]
		if len(remaining) == 0 {
			return leafString(value)
		}
		nested, ok := value.(map[string]any)
		if !ok {
			return "", false
		}
		if result, ok := walkContent(nested, remaining); ok {
			return result, true
		}
	}
	return "", false
}

func leafString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	default:
		return "", false
	}
}

// compareMemberCount evaluates a room_member_count "is" expression:
// an optional operator (==, <, >, <=, >=) followed by an integer. A
// bare integer means ==.
func compareMemberCount(expression string, count int) (bool, error) {
	expression = strings.TrimSpace(expression)
	operator := "=="
	for _, candidate := range []string{"==", "<=", ">=", "<", ">"} {
		if strings.HasPrefix(expression, candidate) {
			operator = candidate
			expression = strings.TrimSpace(expression[len(candidate):])
			break
		}
	}
	threshold, err := strconv.Atoi(expression)
	if err != nil {
		return false, fmt.Errorf("pushrule: invalid room_member_count %q: %w", expression, err)
	}
	switch operator {
	case "<":
		return count < threshold, nil
	case ">":
		return count > threshold, nil
	case "<=":
		return count <= threshold, nil
	case ">=":
		return count >= threshold, nil
	default:
		return count == threshold, nil
	}
}
