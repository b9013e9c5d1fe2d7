// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pushrule

import (
	"testing"

	"github.com/bureau-foundation/syncengine/lib/ref"
	"github.com/bureau-foundation/syncengine/messaging"
)

func TestEventField(t *testing.T) {
	stateKey := "@bob:example.org"
	event := &messaging.Event{
		EventID:  ref.MustParseEventID("$abc"),
		Type:     ref.EventTypeMember,
		Sender:   bob,
		RoomID:   roomOne,
		StateKey: &stateKey,
		Content: map[string]any{
			"membership": "join",
			"count":      float64(3),
			"flag":       true,
			"m.relates_to": map[string]any{
				"rel_type": "m.thread",
			},
			"nested": map[string]any{"deeper": map[string]any{"leaf": "found"}},
		},
	}

	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{"type", "m.room.member", true},
		{"user_id", bob.String(), true},
		{"sender", bob.String(), true},
		{"room_id", roomOne.String(), true},
		{"state_key", stateKey, true},
		{"content.membership", "join", true},
		{"content.count", "3", true},
		{"content.flag", "true", true},
		{"content.m.relates_to.rel_type", "m.thread", true},
		{"content.nested.deeper.leaf", "found", true},
		{"content.nested", "", false},
		{"content.missing", "", false},
		{"content", "", false},
		{"origin", "", false},
	}
	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			got, ok := eventField(event, test.key)
			if got != test.want || ok != test.wantOK {
				t.Errorf("eventField(%q) = (%q, %t), want (%q, %t)", test.key, got, ok, test.want, test.wantOK)
			}
		})
	}
}

func TestEventFieldPrefersDecrypted(t *testing.T) {
	event := &messaging.Event{
		Type:      ref.EventTypeEncrypted,
		Sender:    bob,
		Content:   map[string]any{"algorithm": "m.megolm.v1.aes-sha2"},
		Decrypted: &messaging.Event{Type: ref.EventTypeMessage, Content: map[string]any{"body": "hi"}},
	}
	if got, _ := eventField(event, "type"); got != "m.room.message" {
		t.Errorf("type = %q, want the decrypted type", got)
	}
	if got, _ := eventField(event, "content.body"); got != "hi" {
		t.Errorf("content.body = %q", got)
	}
	if got, _ := eventField(event, "content.algorithm"); got != "m.megolm.v1.aes-sha2" {
		t.Errorf("content.algorithm = %q, want the outer value", got)
	}
	if got, _ := eventField(event, "user_id"); got != bob.String() {
		t.Errorf("user_id = %q, want the outer sender", got)
	}
}

func TestCompareMemberCount(t *testing.T) {
	tests := []struct {
		expression string
		count      int
		want       bool
		wantErr    bool
	}{
		{"2", 2, true, false},
		{"==2", 3, false, false},
		{"<10", 9, true, false},
		{"<10", 10, false, false},
		{">1", 2, true, false},
		{"<=2", 2, true, false},
		{">=3", 2, false, false},
		{" >= 3 ", 3, true, false},
		{"lots", 1, false, true},
		{"", 1, false, true},
	}
	for _, test := range tests {
		t.Run(test.expression, func(t *testing.T) {
			got, err := compareMemberCount(test.expression, test.count)
			if (err != nil) != test.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("compareMemberCount(%q, %d) = %t, want %t", test.expression, test.count, got, test.want)
			}
		})
	}
}

func TestConditions(t *testing.T) {
	environment := &fakeEnvironment{
		memberCounts: map[ref.RoomID]int{roomOne: 2},
		displayNames: map[ref.RoomID]string{roomOne: "Wonderland Alice"},
	}
	m := matcher{self: alice, patterns: NewPatternCache(), environment: environment}

	tests := []struct {
		name      string
		condition messaging.PushCondition
		event     *messaging.Event
		want      bool
	}{
		{"member count", messaging.PushCondition{Kind: ConditionRoomMemberCount, Is: "2"}, message(bob, roomOne, "x"), true},
		{"member count mismatch", messaging.PushCondition{Kind: ConditionRoomMemberCount, Is: ">2"}, message(bob, roomOne, "x"), false},
		{"member count unknown room", messaging.PushCondition{Kind: ConditionRoomMemberCount, Is: "2"}, message(bob, roomTwo, "x"), false},
		{"display name", messaging.PushCondition{Kind: ConditionContainsDisplayName}, message(bob, roomOne, "hi Wonderland Alice."), true},
		{"display name absent", messaging.PushCondition{Kind: ConditionContainsDisplayName}, message(bob, roomOne, "hi Alice"), false},
		{"display name unknown room", messaging.PushCondition{Kind: ConditionContainsDisplayName}, message(bob, roomTwo, "Wonderland Alice"), false},
		{"event match glob", messaging.PushCondition{Kind: ConditionEventMatch, Key: "content.msgtype", Pattern: "m.*"}, message(bob, roomOne, "x"), true},
		{"event match missing field", messaging.PushCondition{Kind: ConditionEventMatch, Key: "content.url", Pattern: "*"}, message(bob, roomOne, "x"), false},
		{"unknown kind", messaging.PushCondition{Kind: "sender_notification_permission"}, message(bob, roomOne, "x"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := m.conditionHolds(test.condition, test.event); got != test.want {
				t.Errorf("conditionHolds = %t, want %t", got, test.want)
			}
		})
	}
}

func TestConditionsWithoutEnvironment(t *testing.T) {
	m := matcher{self: alice, patterns: NewPatternCache()}
	for _, kind := range []string{ConditionRoomMemberCount, ConditionContainsDisplayName} {
		condition := messaging.PushCondition{Kind: kind, Is: "1"}
		if m.conditionHolds(condition, message(bob, roomOne, "Alice")) {
			t.Errorf("%s held without an environment", kind)
		}
	}
}
