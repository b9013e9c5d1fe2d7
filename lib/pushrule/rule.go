// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"reflect"
	"slices"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

// Rule ids with behavior outside the generic condition mechanism.
const (
	RuleContainsUserName    = ".m.rule.contains_user_name"
	RuleContainsDisplayName = ".m.rule.contains_display_name"
	RuleFallback            = ".m.rule.fallback"
	RuleMaster              = ".m.rule.master"
)

// Action strings and tweak names.
const (
	ActionNotify     = "notify"
	ActionDontNotify = "dont_notify"
	ActionCoalesce   = "coalesce"

	TweakHighlight = "highlight"
	TweakSound     = "sound"
)

// Condition kinds.
const (
	ConditionEventMatch          = "event_match"
	ConditionContainsDisplayName = "contains_display_name"
	ConditionRoomMemberCount     = "room_member_count"
)

// Rule is one push rule tagged with its kind. Rules handed out by the
// engine are copies; mutating them does not change the engine's set.
type Rule struct {
	Kind       string
	RuleID     string
	Default    bool
	Enabled    bool
	Actions    []any
	Conditions []messaging.PushCondition
	Pattern    string
}

// NewRoomRule returns a room rule for roomID with the given actions.
// MuteRoom uses it with ActionDontNotify.
func NewRoomRule(roomID ref.RoomID, enabled bool, actions ...any) Rule {
	return Rule{
		Kind:    messaging.PushRuleKindRoom,
		RuleID:  roomID.String(),
		Enabled: enabled,
		Actions: actions,
	}
}

func ruleFromWire(kind string, wire messaging.PushRule) Rule {
	return Rule{
		Kind:       kind,
		RuleID:     wire.RuleID,
		Default:    wire.Default,
		Enabled:    wire.Enabled,
		Actions:    slices.Clone(wire.Actions),
		Conditions: slices.Clone(wire.Conditions),
		Pattern:    wire.Pattern,
	}
}

// Wire returns the rule in its server representation.
func (r Rule) Wire() messaging.PushRule {
	return messaging.PushRule{
		RuleID:     r.RuleID,
		Default:    r.Default,
		Enabled:    r.Enabled,
		Actions:    slices.Clone(r.Actions),
		Conditions: slices.Clone(r.Conditions),
		Pattern:    r.Pattern,
	}
}

func (r Rule) clone() Rule {
	r.Actions = slices.Clone(r.Actions)
	r.Conditions = slices.Clone(r.Conditions)
	return r
}

// EffectiveConditions returns the conditions evaluated for the rule:
// the server's conditions for override and underride rules, and the
// synthesized event_match condition for content, room and sender
// rules.
func (r Rule) EffectiveConditions() []messaging.PushCondition {
	switch r.Kind {
	case messaging.PushRuleKindContent:
		return []messaging.PushCondition{{Kind: ConditionEventMatch, Key: "content.body", Pattern: r.Pattern}}
	case messaging.PushRuleKindRoom:
		return []messaging.PushCondition{{Kind: ConditionEventMatch, Key: "room_id", Pattern: r.RuleID}}
	case messaging.PushRuleKindSender:
		return []messaging.PushCondition{{Kind: ConditionEventMatch, Key: "user_id", Pattern: r.RuleID}}
	default:
		return r.Conditions
	}
}

// ShouldNotify reports whether the actions include "notify".
func (r Rule) ShouldNotify() bool {
	return r.hasAction(ActionNotify)
}

// ShouldNotNotify reports whether the actions include "dont_notify".
func (r Rule) ShouldNotNotify() bool {
	return r.hasAction(ActionDontNotify)
}

// Highlight reports whether the rule sets the highlight tweak. A
// highlight tweak without a value means true.
func (r Rule) Highlight() bool {
	value, ok := r.tweak(TweakHighlight)
	if !ok {
		return false
	}
	if value == nil {
		return true
	}
	highlight, _ := value.(bool)
	return highlight
}

// Sound returns the sound tweak value, or "" when the rule plays none.
func (r Rule) Sound() string {
	value, _ := r.tweak(TweakSound)
	sound, _ := value.(string)
	return sound
}

func (r Rule) hasAction(action string) bool {
	for _, candidate := range r.Actions {
		if name, ok := candidate.(string); ok && name == action {
			return true
		}
	}
	return false
}

func (r Rule) tweak(name string) (any, bool) {
	for _, candidate := range r.Actions {
		object, ok := candidate.(map[string]any)
		if !ok {
			continue
		}
		if object["set_tweak"] == name {
			return object["value"], true
		}
	}
	return nil, false
}

// Set is a rule set: one ordered list per kind.
type Set struct {
	Override  []Rule
	Content   []Rule
	Room      []Rule
	Sender    []Rule
	Underride []Rule
}

// SetFromWire converts a server rule set, tagging each rule with its
// kind.
func SetFromWire(wire messaging.PushRuleSet) Set {
	convert := func(kind string, rules []messaging.PushRule) []Rule {
		if len(rules) == 0 {
			return nil
		}
		converted := make([]Rule, len(rules))
		for i, rule := range rules {
			converted[i] = ruleFromWire(kind, rule)
		}
		return converted
	}
	return Set{
		Override:  convert(messaging.PushRuleKindOverride, wire.Override),
		Content:   convert(messaging.PushRuleKindContent, wire.Content),
		Room:      convert(messaging.PushRuleKindRoom, wire.Room),
		Sender:    convert(messaging.PushRuleKindSender, wire.Sender),
		Underride: convert(messaging.PushRuleKindUnderride, wire.Underride),
	}
}

// Wire converts the set back to its server representation.
func (s Set) Wire() messaging.PushRuleSet {
	convert := func(rules []Rule) []messaging.PushRule {
		if len(rules) == 0 {
			return nil
		}
		converted := make([]messaging.PushRule, len(rules))
		for i, rule := range rules {
			converted[i] = rule.Wire()
		}
		return converted
	}
	return messaging.PushRuleSet{
		Override:  convert(s.Override),
		Content:   convert(s.Content),
		Room:      convert(s.Room),
		Sender:    convert(s.Sender),
		Underride: convert(s.Underride),
	}
}

// Ordered returns every rule in evaluation order.
func (s Set) Ordered() []Rule {
	ordered := make([]Rule, 0, s.Len())
	ordered = append(ordered, s.Override...)
	ordered = append(ordered, s.Content...)
	ordered = append(ordered, s.Room...)
	ordered = append(ordered, s.Sender...)
	return append(ordered, s.Underride...)
}

// Len returns the total number of rules.
func (s Set) Len() int {
	return len(s.Override) + len(s.Content) + len(s.Room) + len(s.Sender) + len(s.Underride)
}

// Equal reports whether two sets hold the same rules in the same
// order. The processor uses it to skip unchanged m.push_rules
// account data.
func (s Set) Equal(other Set) bool {
	return rulesEqual(s.Override, other.Override) &&
		rulesEqual(s.Content, other.Content) &&
		rulesEqual(s.Room, other.Room) &&
		rulesEqual(s.Sender, other.Sender) &&
		rulesEqual(s.Underride, other.Underride)
}

func rulesEqual(a, b []Rule) bool {
	return slices.EqualFunc(a, b, func(x, y Rule) bool {
		return x.Kind == y.Kind &&
			x.RuleID == y.RuleID &&
			x.Default == y.Default &&
			x.Enabled == y.Enabled &&
			x.Pattern == y.Pattern &&
			slices.Equal(x.Conditions, y.Conditions) &&
			actionsEqual(x.Actions, y.Actions)
	})
}

func actionsEqual(a, b []any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (s *Set) kindList(kind string) *[]Rule {
	switch kind {
	case messaging.PushRuleKindOverride:
		return &s.Override
	case messaging.PushRuleKindContent:
		return &s.Content
	case messaging.PushRuleKindRoom:
		return &s.Room
	case messaging.PushRuleKindSender:
		return &s.Sender
	case messaging.PushRuleKindUnderride:
		return &s.Underride
	default:
		return nil
	}
}

func (s Set) clone() Set {
	cloneList := func(rules []Rule) []Rule {
		if rules == nil {
			return nil
		}
		cloned := make([]Rule, len(rules))
		for i, rule := range rules {
			cloned[i] = rule.clone()
		}
		return cloned
	}
	return Set{
		Override:  cloneList(s.Override),
		Content:   cloneList(s.Content),
		Room:      cloneList(s.Room),
		Sender:    cloneList(s.Sender),
		Underride: cloneList(s.Underride),
	}
}
